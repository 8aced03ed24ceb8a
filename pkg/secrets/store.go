// Copyright 2026 fanjia1024
// Secret management abstraction

package secrets

import (
	"context"
	"fmt"
)

// Store Secret 存储接口
type Store interface {
	// Get 获取 secret 值
	Get(ctx context.Context, key string) (string, error)

	// Set 设置 secret 值
	Set(ctx context.Context, key string, value string) error

	// Delete 删除 secret
	Delete(ctx context.Context, key string) error

	// List 列出所有 secret keys
	List(ctx context.Context, prefix string) ([]string, error)
}

// Config Secret Store 配置
type Config struct {
	Provider string      `yaml:"provider"` // vault | k8s | env | memory
	Vault    VaultConfig `yaml:"vault"`
	K8s      K8sConfig   `yaml:"k8s"`
}

// NewStore 创建 Secret Store；空 Provider 默认 env
func NewStore(config Config) (Store, error) {
	switch config.Provider {
	case "memory":
		return NewMemoryStore(), nil
	case "env", "":
		return NewEnvStore(), nil
	case "vault":
		return NewVaultStore(config.Vault)
	case "k8s":
		return NewK8sStore(config.K8s)
	default:
		return nil, fmt.Errorf("unsupported secret provider: %s", config.Provider)
	}
}

// 应用内使用的 secret 键名；与 configs/*.yaml 的 ${VAR} 兜底一致
const (
	KeyInternalSystemKey = "internal_system_key"
	KeyQueueToken        = "queue_token"
	KeySigningKeyCurrent = "queue_signing_key_current"
	KeySigningKeyNext    = "queue_signing_key_next"
	KeyEventBusAPIKey    = "event_bus_api_key"
	KeyAdminJWTKey       = "admin_jwt_key"
)

// Resolve 返回配置值，配置为空时回退到 secret store；二者皆空返回空串
func Resolve(ctx context.Context, store Store, configured, key string) string {
	if configured != "" {
		return configured
	}
	if store == nil {
		return ""
	}
	val, err := store.Get(ctx, key)
	if err != nil {
		return ""
	}
	return val
}
