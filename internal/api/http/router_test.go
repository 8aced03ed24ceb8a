package http

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saga-platform/internal/api/http/middleware"
	"saga-platform/pkg/auth"
	"saga-platform/pkg/config"
	"saga-platform/pkg/signature"
)

const testSystemKey = "test-internal-key-0123456789abcdef"

func buildSecured(t *testing.T, hn *harness) (*server.Hertz, *signature.Signer) {
	t.Helper()
	signer, err := signature.NewSigner("webhook-key-current", "webhook-key-next")
	require.NoError(t, err)
	r := NewRouter(hn.handler, middleware.NewMiddleware(testSystemKey, signer))
	return r.Build(":0"), signer
}

func TestEngineRoutesRejectMissingCredentials(t *testing.T) {
	hn := newHarness(t)
	s, _ := buildSecured(t, hn)

	body := []byte(`{"executionId":"exec-x"}`)
	w := ut.PerformRequest(s.Engine, "POST", "/engine/execute-step",
		&ut.Body{Body: bytes.NewReader(body), Len: len(body)},
		ut.Header{Key: "Content-Type", Value: "application/json"})
	require.Equal(t, 401, w.Result().StatusCode())
	assert.Equal(t, "UNAUTHORIZED", decodeErr(t, w).Error.Code)

	w = ut.PerformRequest(s.Engine, "POST", "/executions",
		&ut.Body{Body: bytes.NewReader(body), Len: len(body)},
		ut.Header{Key: "Content-Type", Value: "application/json"})
	require.Equal(t, 401, w.Result().StatusCode())

	// 错误的共享密钥同样拒绝
	w = ut.PerformRequest(s.Engine, "POST", "/engine/execute-step",
		&ut.Body{Body: bytes.NewReader(body), Len: len(body)},
		ut.Header{Key: "Content-Type", Value: "application/json"},
		ut.Header{Key: middleware.HeaderInternalKey, Value: "wrong-key"})
	require.Equal(t, 401, w.Result().StatusCode())
}

func TestInternalKeyPassesAuth(t *testing.T) {
	hn := newHarness(t)
	s, _ := buildSecured(t, hn)

	// 鉴权通过后因执行不存在得到 404，而非 401
	body := []byte(`{"executionId":"exec-ghost"}`)
	w := ut.PerformRequest(s.Engine, "POST", "/engine/execute-step",
		&ut.Body{Body: bytes.NewReader(body), Len: len(body)},
		ut.Header{Key: "Content-Type", Value: "application/json"},
		ut.Header{Key: middleware.HeaderInternalKey, Value: testSystemKey})
	require.Equal(t, 404, w.Result().StatusCode())
}

func TestSignedWebhookPassesAuth(t *testing.T) {
	hn := newHarness(t)
	s, signer := buildSecured(t, hn)

	body := []byte(`{"executionId":"exec-ghost"}`)
	sig, ts := signer.Sign(body)
	w := ut.PerformRequest(s.Engine, "POST", "/engine/execute-step",
		&ut.Body{Body: bytes.NewReader(body), Len: len(body)},
		ut.Header{Key: "Content-Type", Value: "application/json"},
		ut.Header{Key: signature.HeaderSignature, Value: sig},
		ut.Header{Key: signature.HeaderTimestamp, Value: ts})
	require.Equal(t, 404, w.Result().StatusCode())

	// 身体被篡改后验签失败
	tampered := []byte(`{"executionId":"exec-tampered"}`)
	w = ut.PerformRequest(s.Engine, "POST", "/engine/execute-step",
		&ut.Body{Body: bytes.NewReader(tampered), Len: len(tampered)},
		ut.Header{Key: "Content-Type", Value: "application/json"},
		ut.Header{Key: signature.HeaderSignature, Value: sig},
		ut.Header{Key: signature.HeaderTimestamp, Value: ts})
	require.Equal(t, 401, w.Result().StatusCode())
}

func TestProbesBypassAuth(t *testing.T) {
	hn := newHarness(t)
	s, _ := buildSecured(t, hn)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		w := ut.PerformRequest(s.Engine, "GET", path, &ut.Body{Body: bytes.NewReader(nil), Len: 0})
		require.Equal(t, 200, w.Result().StatusCode(), "GET %s", path)
	}
}

func TestAdminRoutesAbsentWithoutJWT(t *testing.T) {
	hn := newHarness(t)
	s, _ := buildSecured(t, hn)

	w := ut.PerformRequest(s.Engine, "GET", "/admin/dlq", &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	require.Equal(t, 404, w.Result().StatusCode())
}

// buildAdmin 组装带 /admin 组的服务：ops 账号按给定角色入库
func buildAdmin(t *testing.T, hn *harness, role auth.Role) *server.Hertz {
	t.Helper()
	jwtAuth, err := middleware.NewJWTAuth(config.AdminConfig{
		Username:   "ops",
		Password:   "sekrit-admin-pass",
		JWTKey:     "0123456789abcdef0123456789abcdef",
		JWTTimeout: "1h",
	})
	require.NoError(t, err)
	roleStore := auth.NewMemoryRoleStore()
	require.NoError(t, roleStore.SetRole(context.Background(), "ops", role))
	r := NewRouter(hn.handler, middleware.NewMiddleware("", nil))
	r.SetAdmin(jwtAuth, middleware.NewAuthZ(auth.NewSimpleChecker(roleStore)))
	return r.Build(":0")
}

// adminToken 登录换取 JWT
func adminToken(t *testing.T, s *server.Hertz) string {
	t.Helper()
	good := []byte(`{"username":"ops","password":"sekrit-admin-pass"}`)
	w := ut.PerformRequest(s.Engine, "POST", "/admin/login",
		&ut.Body{Body: bytes.NewReader(good), Len: len(good)},
		ut.Header{Key: "Content-Type", Value: "application/json"})
	require.Equal(t, 200, w.Result().StatusCode(), "body: %s", w.Result().Body())
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Result().Body(), &login))
	require.NotEmpty(t, login.Token)
	return login.Token
}

func TestAdminLoginAndAccess(t *testing.T) {
	hn := newHarness(t)
	s := buildAdmin(t, hn, auth.RoleAdmin)

	// 未带令牌访问运维组被拒
	w := ut.PerformRequest(s.Engine, "GET", "/admin/dlq", &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	require.Equal(t, 401, w.Result().StatusCode())

	// 错误口令登录失败
	bad := []byte(`{"username":"ops","password":"nope"}`)
	w = ut.PerformRequest(s.Engine, "POST", "/admin/login",
		&ut.Body{Body: bytes.NewReader(bad), Len: len(bad)},
		ut.Header{Key: "Content-Type", Value: "application/json"})
	require.Equal(t, 401, w.Result().StatusCode())

	token := adminToken(t, s)

	// 携带令牌访问死信与对账
	w = ut.PerformRequest(s.Engine, "GET", "/admin/dlq", &ut.Body{Body: bytes.NewReader(nil), Len: 0},
		ut.Header{Key: "Authorization", Value: "Bearer " + token})
	require.Equal(t, 200, w.Result().StatusCode(), "body: %s", w.Result().Body())

	w = ut.PerformRequest(s.Engine, "POST", "/admin/reconcile", &ut.Body{Body: bytes.NewReader(nil), Len: 0},
		ut.Header{Key: "Authorization", Value: "Bearer " + token})
	require.Equal(t, 200, w.Result().StatusCode(), "body: %s", w.Result().Body())
}

// 只读角色拿得到令牌，但越权操作被 403 拦下
func TestAdminViewerCannotTriggerReconcile(t *testing.T) {
	hn := newHarness(t)
	s := buildAdmin(t, hn, auth.RoleViewer)
	token := adminToken(t, s)

	w := ut.PerformRequest(s.Engine, "GET", "/admin/dlq", &ut.Body{Body: bytes.NewReader(nil), Len: 0},
		ut.Header{Key: "Authorization", Value: "Bearer " + token})
	require.Equal(t, 200, w.Result().StatusCode(), "body: %s", w.Result().Body())

	w = ut.PerformRequest(s.Engine, "POST", "/admin/reconcile", &ut.Body{Body: bytes.NewReader(nil), Len: 0},
		ut.Header{Key: "Authorization", Value: "Bearer " + token})
	require.Equal(t, 403, w.Result().StatusCode())
	assert.Equal(t, "FORBIDDEN", decodeErr(t, w).Error.Code)

	w = ut.PerformRequest(s.Engine, "GET", "/admin/executions/exec-x/confirmation", &ut.Body{Body: bytes.NewReader(nil), Len: 0},
		ut.Header{Key: "Authorization", Value: "Bearer " + token})
	require.Equal(t, 403, w.Result().StatusCode())

	w = ut.PerformRequest(s.Engine, "POST", "/admin/executions/exec-x/cancel", &ut.Body{Body: bytes.NewReader(nil), Len: 0},
		ut.Header{Key: "Authorization", Value: "Bearer " + token})
	require.Equal(t, 403, w.Result().StatusCode())
}

// 操作员角色能取到挂起的确认令牌；没有挂起时 404
func TestAdminPendingConfirmation(t *testing.T) {
	hn := newHarness(t)
	s := buildAdmin(t, hn, auth.RoleOperator)
	token := adminToken(t, s)

	w := ut.PerformRequest(s.Engine, "GET", "/admin/executions/exec-gate/confirmation", &ut.Body{Body: bytes.NewReader(nil), Len: 0},
		ut.Header{Key: "Authorization", Value: "Bearer " + token})
	require.Equal(t, 404, w.Result().StatusCode())

	issued, err := hn.confirm.Create(context.Background(), "exec-gate", "charge",
		map[string]interface{}{"amount_cents": 5000}, 0.7, "")
	require.NoError(t, err)

	w = ut.PerformRequest(s.Engine, "GET", "/admin/executions/exec-gate/confirmation", &ut.Body{Body: bytes.NewReader(nil), Len: 0},
		ut.Header{Key: "Authorization", Value: "Bearer " + token})
	require.Equal(t, 200, w.Result().StatusCode(), "body: %s", w.Result().Body())
	var got struct {
		Confirmation struct {
			Token  string `json:"token"`
			StepID string `json:"stepId"`
		} `json:"confirmation"`
	}
	require.NoError(t, json.Unmarshal(w.Result().Body(), &got))
	assert.Equal(t, issued, got.Confirmation.Token)
	assert.Equal(t, "charge", got.Confirmation.StepID)
}

func TestNewJWTAuthRequiresConfig(t *testing.T) {
	_, err := middleware.NewJWTAuth(config.AdminConfig{})
	require.Error(t, err)

	_, err = middleware.NewJWTAuth(config.AdminConfig{JWTKey: "k"})
	require.Error(t, err)
}
