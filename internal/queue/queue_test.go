// Copyright 2026 fanjia1024
// Tests for queue drivers

package queue

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saga-platform/pkg/config"
	"saga-platform/pkg/log"
	"saga-platform/pkg/signature"
)

func testSigner(t *testing.T) *signature.Signer {
	t.Helper()
	s, err := signature.NewSigner("test-signing-key-current")
	require.NoError(t, err)
	return s
}

func TestHTTPDriverPublish(t *testing.T) {
	signer := testSigner(t)
	var gotPath string
	var gotAuth string
	var gotDelay string
	var gotBody []byte
	var gotSig, gotTS string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		gotDelay = r.Header.Get("Upstash-Delay")
		gotSig = r.Header.Get(forwardHeaderPrefix + signature.HeaderSignature)
		gotTS = r.Header.Get(forwardHeaderPrefix + signature.HeaderTimestamp)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"messageId":"msg-42"}`))
	}))
	defer server.Close()

	d, err := NewHTTPDriver(config.QueueConfig{
		Type:     "http",
		Endpoint: server.URL,
		Token:    "qt-token",
	}, signer, log.Nop())
	require.NoError(t, err)

	callback := "https://engine.internal/engine/execute-step"
	id, err := d.Publish(context.Background(), Message{
		URL:     callback,
		Body:    []byte(`{"executionId":"e1"}`),
		Headers: map[string]string{"x-trace-id": "t-1"},
		Delay:   30 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "msg-42", id)
	assert.Equal(t, "/v2/publish/"+url.QueryEscape(callback), gotPath)
	assert.Equal(t, "Bearer qt-token", gotAuth)
	assert.Equal(t, "30s", gotDelay)
	assert.Equal(t, `{"executionId":"e1"}`, string(gotBody))

	// 透传的签名必须能对 body 验签
	require.NotEmpty(t, gotSig)
	assert.NoError(t, signer.Verify(gotBody, gotSig, gotTS))
}

func TestHTTPDriverPublishRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	d, err := NewHTTPDriver(config.QueueConfig{Endpoint: server.URL, Token: "bad"}, testSigner(t), log.Nop())
	require.NoError(t, err)

	_, err = d.Publish(context.Background(), Message{URL: "https://x/cb", Body: []byte(`{}`)})
	assert.True(t, errors.Is(err, ErrQueuePublishFailed))
}

func TestHTTPDriverRequiresCredentials(t *testing.T) {
	_, err := NewHTTPDriver(config.QueueConfig{Token: "t"}, testSigner(t), log.Nop())
	assert.Error(t, err)
	_, err = NewHTTPDriver(config.QueueConfig{Endpoint: "https://q"}, testSigner(t), log.Nop())
	assert.Error(t, err)
}

func TestLoopbackDelivers(t *testing.T) {
	signer := testSigner(t)
	delivered := make(chan *http.Request, 1)
	bodyCh := make(chan []byte, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodyCh <- b
		delivered <- r.Clone(context.Background())
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewLoopbackDriver(signer, log.Nop())
	defer d.Close()

	id, err := d.Publish(context.Background(), Message{
		URL:     server.URL,
		Body:    []byte(`{"executionId":"e1"}`),
		Headers: map[string]string{"x-trace-id": "t-9"},
		Delay:   10 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case r := <-delivered:
		body := <-bodyCh
		assert.Equal(t, "t-9", r.Header.Get("x-trace-id"))
		sig := r.Header.Get(signature.HeaderSignature)
		ts := r.Header.Get(signature.HeaderTimestamp)
		assert.NoError(t, signer.Verify(body, sig, ts))
	case <-time.After(2 * time.Second):
		t.Fatal("loopback delivery timed out")
	}
}

func TestLoopbackCloseCancelsPending(t *testing.T) {
	called := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called <- struct{}{}
	}))
	defer server.Close()

	d := NewLoopbackDriver(testSigner(t), log.Nop())
	_, err := d.Publish(context.Background(), Message{URL: server.URL, Body: []byte(`{}`), Delay: time.Hour})
	require.NoError(t, err)
	require.NoError(t, d.Close())

	select {
	case <-called:
		t.Fatal("pending message must not deliver after Close")
	case <-time.After(50 * time.Millisecond):
	}

	// 关闭后发布直接失败
	_, err = d.Publish(context.Background(), Message{URL: server.URL, Body: []byte(`{}`)})
	assert.True(t, errors.Is(err, ErrQueuePublishFailed))
}

func TestNewRefusesLoopbackInProd(t *testing.T) {
	_, err := New(config.QueueConfig{Type: "loopback"}, "prod", testSigner(t), log.Nop())
	assert.Error(t, err)

	d, err := New(config.QueueConfig{Type: "loopback"}, "dev", testSigner(t), log.Nop())
	require.NoError(t, err)
	_ = d.Close()
}
