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

package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"saga-platform/internal/saga"
	"saga-platform/internal/store"
	"saga-platform/pkg/config"
	"saga-platform/pkg/log"
	"saga-platform/pkg/secrets"
	"saga-platform/pkg/signature"
)

// Bootstrap 统一初始化：供 api 与 worker 复用，避免在 cmd 内写业务装配
type Bootstrap struct {
	Config  *config.Config
	Logger  *log.Logger
	Secrets secrets.Store
	Store   store.Store
	Repo    *saga.Repository
	Signer  *signature.Signer // 队列消息签名器；未配置签名密钥时为 nil

	ephemeral *signature.Signer
}

// QueueSigner 返回队列投递用的签名器。未配置签名密钥时生成进程内
// 临时密钥（重启即失效，仅够 loopback 自投递用），并打印告警。
// 装配期单协程调用。
func (b *Bootstrap) QueueSigner() *signature.Signer {
	if b.Signer != nil {
		return b.Signer
	}
	if b.ephemeral == nil {
		b.ephemeral, _ = signature.NewSigner(uuid.NewString())
		b.Logger.Warn("未配置队列签名密钥，使用进程内临时密钥（仅限开发）")
	}
	return b.ephemeral
}

// NewBootstrap 根据配置创建 Bootstrap（日志/机密/状态存储/执行仓储）
func NewBootstrap(cfg *config.Config) (*Bootstrap, error) {
	logCfg := &log.Config{}
	if cfg != nil {
		logCfg.Level = cfg.Log.Level
		logCfg.Format = cfg.Log.Format
		logCfg.File = cfg.Log.File
	}
	logger, err := log.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("初始化日志failed: %w", err)
	}
	if cfg == nil {
		return &Bootstrap{Logger: logger}, nil
	}

	sec, err := secrets.NewStore(secrets.Config{
		Provider: cfg.Secrets.Provider,
		Vault: secrets.VaultConfig{
			Address:    cfg.Secrets.VaultAddr,
			Token:      cfg.Secrets.VaultToken,
			PathPrefix: cfg.Secrets.VaultPath,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 secret store failed: %w", err)
	}
	resolveSecrets(context.Background(), sec, cfg)
	// 机密就位后再跑生产门禁，vault 注入的密钥同样参与校验
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置校验failed: %w", err)
	}

	st, err := store.New(cfg.StateStore)
	if err != nil {
		return nil, fmt.Errorf("初始化状态存储failed: %w", err)
	}

	var signer *signature.Signer
	if cfg.Queue.SigningKeyCurrent != "" || cfg.Queue.SigningKeyNext != "" {
		signer, err = signature.NewSigner(cfg.Queue.SigningKeyCurrent, cfg.Queue.SigningKeyNext)
		if err != nil {
			return nil, fmt.Errorf("初始化队列签名器failed: %w", err)
		}
	}

	return &Bootstrap{
		Config:  cfg,
		Logger:  logger,
		Secrets: sec,
		Store:   st,
		Repo:    saga.NewRepository(st),
		Signer:  signer,
	}, nil
}

// resolveSecrets 机密字段的空缺回退：配置值（含 ${VAR} 展开）优先，
// 为空时按约定键名从 secret store 取值
func resolveSecrets(ctx context.Context, sec secrets.Store, cfg *config.Config) {
	cfg.Security.InternalSystemKey = secrets.Resolve(ctx, sec, cfg.Security.InternalSystemKey, secrets.KeyInternalSystemKey)
	cfg.Queue.Token = secrets.Resolve(ctx, sec, cfg.Queue.Token, secrets.KeyQueueToken)
	cfg.Queue.SigningKeyCurrent = secrets.Resolve(ctx, sec, cfg.Queue.SigningKeyCurrent, secrets.KeySigningKeyCurrent)
	cfg.Queue.SigningKeyNext = secrets.Resolve(ctx, sec, cfg.Queue.SigningKeyNext, secrets.KeySigningKeyNext)
	cfg.EventBus.APIKey = secrets.Resolve(ctx, sec, cfg.EventBus.APIKey, secrets.KeyEventBusAPIKey)
	cfg.Admin.JWTKey = secrets.Resolve(ctx, sec, cfg.Admin.JWTKey, secrets.KeyAdminJWTKey)
}
