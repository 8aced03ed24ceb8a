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

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"saga-platform/pkg/config"
	"saga-platform/pkg/log"
	"saga-platform/pkg/metrics"
	"saga-platform/pkg/signature"
)

// forwardHeaderPrefix 透传头前缀：队列服务投递时剥掉前缀还原为原始头
const forwardHeaderPrefix = "Upstash-Forward-"

// HTTPDriver 对接 QStash 风格的托管队列 API。
// 发布形如 POST {endpoint}/v2/publish/{callbackURL}，延迟通过
// Upstash-Delay 头表达，业务头加 Upstash-Forward- 前缀透传。
type HTTPDriver struct {
	client   *resty.Client
	endpoint string
	token    string
	signer   *signature.Signer
	logger   *log.Logger
}

// NewHTTPDriver 创建 http 队列驱动
func NewHTTPDriver(cfg config.QueueConfig, signer *signature.Signer, logger *log.Logger) (*HTTPDriver, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("队列 endpoint 未配置")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("队列 token 未配置")
	}
	client := resty.New()
	client.SetTimeout(10 * time.Second)
	return &HTTPDriver{
		client:   client,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		token:    cfg.Token,
		signer:   signer,
		logger:   logger,
	}, nil
}

// Publish 发布消息。签名在发布时计算并随消息透传，消费端据此验签。
func (d *HTTPDriver) Publish(ctx context.Context, msg Message) (string, error) {
	sig, ts := d.signer.Sign(msg.Body)

	req := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", "Bearer "+d.token).
		SetHeader(forwardHeaderPrefix+signature.HeaderSignature, sig).
		SetHeader(forwardHeaderPrefix+signature.HeaderTimestamp, ts).
		SetBody(msg.Body)
	if msg.Delay > 0 {
		req.SetHeader("Upstash-Delay", fmt.Sprintf("%ds", int(msg.Delay.Seconds())))
	}
	for k, v := range msg.Headers {
		req.SetHeader(forwardHeaderPrefix+k, v)
	}

	response, err := req.Post(d.endpoint + "/v2/publish/" + url.QueryEscape(msg.URL))
	if err != nil {
		metrics.QueuePublishTotal.WithLabelValues("http", "error").Inc()
		return "", fmt.Errorf("发布队列消息失败: %v: %w", err, ErrQueuePublishFailed)
	}
	if response.StatusCode() >= 300 {
		metrics.QueuePublishTotal.WithLabelValues("http", "error").Inc()
		return "", fmt.Errorf("队列服务返回错误 %d: %s: %w", response.StatusCode(), response.String(), ErrQueuePublishFailed)
	}

	var result struct {
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(response.Body(), &result); err != nil {
		// 发布已成功，仅消息 ID 不可解析
		d.logger.Warn("解析队列响应失败", "error", err)
	}
	metrics.QueuePublishTotal.WithLabelValues("http", "ok").Inc()
	return result.MessageID, nil
}

// Close 实现 Driver
func (d *HTTPDriver) Close() error { return nil }
