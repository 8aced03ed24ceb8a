// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// 签名相关 HTTP 头；队列消息与事件信封均携带这两个头
const (
	HeaderSignature = "hmac-signature"
	HeaderTimestamp = "hmac-timestamp"
)

// DefaultWindow 验签时间窗；时间戳偏离超窗的消息一律拒绝，防重放
const DefaultWindow = 5 * time.Minute

var (
	// ErrSignatureMismatch 所有已知密钥都验不过
	ErrSignatureMismatch = errors.New("signature mismatch")
	// ErrTimestampOutsideWindow 时间戳超出验签窗口
	ErrTimestampOutsideWindow = errors.New("signature timestamp outside window")
	// ErrMalformedSignature 签名或时间戳格式非法
	ErrMalformedSignature = errors.New("malformed signature")
	// ErrNoSigningKey 未配置任何可用密钥
	ErrNoSigningKey = errors.New("no signing key configured")
)

// Signer 以 HMAC-SHA256 对 "timestamp.body" 做签名与验签。
// keys[0] 为当前签名密钥；其余为轮换期仍接受的密钥（如 signing_key_next）。
type Signer struct {
	keys   [][]byte
	window time.Duration
	now    func() time.Time
}

// NewSigner 创建签名器；空串密钥被忽略，至少需要一把非空密钥
func NewSigner(keys ...string) (*Signer, error) {
	s := &Signer{window: DefaultWindow, now: time.Now}
	for _, k := range keys {
		if k != "" {
			s.keys = append(s.keys, []byte(k))
		}
	}
	if len(s.keys) == 0 {
		return nil, ErrNoSigningKey
	}
	return s, nil
}

// WithWindow 覆盖验签时间窗，<=0 保持默认
func (s *Signer) WithWindow(d time.Duration) *Signer {
	if d > 0 {
		s.window = d
	}
	return s
}

// Sign 用当前密钥签名，返回十六进制签名与 Unix 秒时间戳串
func (s *Signer) Sign(body []byte) (sig, ts string) {
	ts = strconv.FormatInt(s.now().Unix(), 10)
	return s.signWith(s.keys[0], body, ts), ts
}

// Verify 校验 sig 是否为任一已知密钥对 "ts.body" 的合法签名，并检查时间窗
func (s *Signer) Verify(body []byte, sig, ts string) error {
	if sig == "" || ts == "" {
		return ErrMalformedSignature
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrMalformedSignature
	}
	age := s.now().Sub(time.Unix(sec, 0))
	if age < 0 {
		age = -age
	}
	if age > s.window {
		return ErrTimestampOutsideWindow
	}
	for _, key := range s.keys {
		if hmac.Equal([]byte(s.signWith(key, body, ts)), []byte(sig)) {
			return nil
		}
	}
	return ErrSignatureMismatch
}

func (s *Signer) signWith(key, body []byte, ts string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
