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

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API          APIConfig          `mapstructure:"api"`
	Runtime      RuntimeConfig      `mapstructure:"runtime"`
	Engine       EngineConfig       `mapstructure:"engine"`
	Step         StepConfig         `mapstructure:"step"`
	StateStore   StateStoreConfig   `mapstructure:"state_store"`
	Lock         LockConfig         `mapstructure:"lock"`
	Queue        QueueConfig        `mapstructure:"queue"`
	EventBus     EventBusConfig     `mapstructure:"event_bus"`
	Outbox       OutboxConfig       `mapstructure:"outbox"`
	Tools        ToolsConfig        `mapstructure:"tools"`
	Confirmation ConfirmationConfig `mapstructure:"confirmation"`
	Heartbeat    HeartbeatConfig    `mapstructure:"heartbeat"`
	Reconcile    ReconcileConfig    `mapstructure:"reconcile"`
	Security     SecurityConfig     `mapstructure:"security"`
	Secrets      SecretsConfig      `mapstructure:"secrets"`
	Admin        AdminConfig        `mapstructure:"admin"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Log          LogConfig          `mapstructure:"log"`
	Monitoring   MonitoringConfig   `mapstructure:"monitoring"`
}

// RuntimeConfig 运行时环境配置
type RuntimeConfig struct {
	Profile string `mapstructure:"profile"` // dev | prod
	Strict  bool   `mapstructure:"strict"`  // true 时启用生产强校验门禁（prod 默认开启）
}

// APIConfig API 服务配置
type APIConfig struct {
	Port    int        `mapstructure:"port"`
	Host    string     `mapstructure:"host"`
	Timeout string     `mapstructure:"timeout"`
	CORS    CORSConfig `mapstructure:"cors"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	Enable       bool     `mapstructure:"enable"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// EngineConfig 执行引擎配置
type EngineConfig struct {
	// OrchestratorVersion 写入断点指纹的引擎版本号，升级后 resume 会触发漂移检测
	OrchestratorVersion string `mapstructure:"orchestrator_version"`
	// InvocationDeadlineMs 单次调用的墙钟上限，<=0 默认 8000；超限时中断当前步并依赖幂等标记保护重试
	InvocationDeadlineMs int `mapstructure:"invocation_deadline_ms"`
	// BaseURL 引擎自身可被队列回调的地址，如 "http://localhost:8080"
	BaseURL string `mapstructure:"base_url"`
}

// StepConfig 步骤执行配置
type StepConfig struct {
	TimeoutMs int `mapstructure:"timeout_ms"` // 步骤未声明超时时的默认值，<=0 默认 8500
}

// StateStoreConfig 状态存储配置
type StateStoreConfig struct {
	Type     string `mapstructure:"type"`     // redis | memory
	URL      string `mapstructure:"url"`      // redis:// 连接串，优先于 addr
	Token    string `mapstructure:"token"`    // 托管 Redis 的访问令牌（作为密码使用）
	Addr     string `mapstructure:"addr"`     // host:port
	DB       int    `mapstructure:"db"`       //
	Password string `mapstructure:"password"` //
}

// LockConfig 执行锁配置
type LockConfig struct {
	TTLSec   int `mapstructure:"ttl_sec"`   // 锁有效期，<=0 默认 30
	GraceSec int `mapstructure:"grace_sec"` // 过期宽限，超过 ttl+grace 视为僵尸锁可强制回收，<=0 默认 5
}

// QueueConfig 队列驱动配置
type QueueConfig struct {
	Type              string `mapstructure:"type"`     // http | loopback
	Endpoint          string `mapstructure:"endpoint"` // 队列服务地址，type=http 时必填
	Token             string `mapstructure:"token"`
	SigningKeyCurrent string `mapstructure:"signing_key_current"` // webhook 签名当前密钥
	SigningKeyNext    string `mapstructure:"signing_key_next"`    // 轮换期的下一把密钥，验签二者皆可
}

// EventBusConfig 事件总线配置
type EventBusConfig struct {
	Type     string         `mapstructure:"type"` // redis | memory
	APIKey   string         `mapstructure:"api_key"`
	Ordering OrderingConfig `mapstructure:"ordering"`
}

// OrderingConfig 订阅端有序缓冲配置
type OrderingConfig struct {
	MaxWaitMs     int `mapstructure:"max_wait_ms"`     // 等待缺口补齐的上限，<=0 默认 5000
	MaxBufferSize int `mapstructure:"max_buffer_size"` // 乱序缓冲容量，<=0 默认 100
}

// OutboxConfig 事务性发件箱配置
type OutboxConfig struct {
	Enable       bool   `mapstructure:"enable"`
	DSN          string `mapstructure:"dsn"`           // Postgres 连接串，enable 时必填
	PollInterval string `mapstructure:"poll_interval"` // 兜底轮询间隔，如 "5s"
	BatchSize    int    `mapstructure:"batch_size"`    // 每轮扫描行数，<=0 默认 100
}

// ToolsConfig Tool 调用配置
type ToolsConfig struct {
	// Aliases 参数别名重写表（调用前应用），如 reservation_time -> time
	Aliases map[string]string `mapstructure:"aliases"`
	// Endpoints 远程 Tool 的 HTTP 端点；未登记的 Tool 走进程内注册表
	Endpoints map[string]ToolEndpointConfig `mapstructure:"endpoints"`
	// RateLimits Tool 维度限流
	RateLimits map[string]ToolRateLimitConfig `mapstructure:"rate_limits"`
	// Breaker 远程调用熔断配置
	Breaker BreakerConfig `mapstructure:"breaker"`
}

// ToolEndpointConfig 远程 Tool 端点
type ToolEndpointConfig struct {
	URL       string `mapstructure:"url"`
	TimeoutMs int    `mapstructure:"timeout_ms"` // <=0 使用 step 超时
}

// ToolRateLimitConfig 单个 Tool 的限流配置
type ToolRateLimitConfig struct {
	QPS           float64 `mapstructure:"qps"`
	MaxConcurrent int     `mapstructure:"max_concurrent"`
	Burst         int     `mapstructure:"burst"`
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	MaxRequests uint32 `mapstructure:"max_requests"` // 半开态放行请求数，<=0 默认 1
	IntervalSec int    `mapstructure:"interval_sec"` // 闭合态计数窗口，<=0 默认 60
	TimeoutSec  int    `mapstructure:"timeout_sec"`  // 打开态冷却时长，<=0 默认 30
	MinRequests uint32 `mapstructure:"min_requests"` // 触发熔断的最小请求数，<=0 默认 5
}

// ConfirmationConfig 人工确认配置
type ConfirmationConfig struct {
	TTLSec        int      `mapstructure:"ttl_sec"` // 确认令牌有效期，<=0 默认 900
	HighRiskTools []string `mapstructure:"high_risk_tools"`
	// BlockThreshold 风险分超过该值直接拒绝执行，<=0 默认 0.8
	BlockThreshold float64 `mapstructure:"block_threshold"`
}

// HeartbeatConfig 心跳自检配置
type HeartbeatConfig struct {
	DelaySec            int `mapstructure:"delay_sec"`             // 让出控制后延迟多久自检，<=0 默认 30
	MaxRecoveryAttempts int `mapstructure:"max_recovery_attempts"` // 无进展自动恢复上限，<=0 默认 3
}

// ReconcileConfig 对账（僵尸 saga 扫描）配置
type ReconcileConfig struct {
	MinInactiveMs       int      `mapstructure:"min_inactive_ms"`       // 判定停滞的静默时长，<=0 默认 300000
	MaxRecoveryAttempts int      `mapstructure:"max_recovery_attempts"` // 自动恢复上限，<=0 默认 3
	ScanLimit           int      `mapstructure:"scan_limit"`            // 单轮处理上限，<=0 默认 1000
	Interval            string   `mapstructure:"interval"`              // worker 扫描周期，如 "60s"
	RepairAllowTools    []string `mapstructure:"repair_allow_tools"`    // 允许自动修复重试的工具白名单
}

// SecurityConfig 内部调用鉴权配置
type SecurityConfig struct {
	// InternalSystemKey 内部系统间调用的共享密钥；prod 下必填且 >= 32 字符
	InternalSystemKey string `mapstructure:"internal_system_key"`
}

// SecretsConfig 机密来源配置
type SecretsConfig struct {
	Provider   string `mapstructure:"provider"` // env | vault | memory
	VaultAddr  string `mapstructure:"vault_addr"`
	VaultToken string `mapstructure:"vault_token"`
	VaultPath  string `mapstructure:"vault_path"`
}

// AdminConfig 运维接口（JWT 鉴权）配置
type AdminConfig struct {
	Enable        bool   `mapstructure:"enable"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	JWTKey        string `mapstructure:"jwt_key"`
	JWTTimeout    string `mapstructure:"jwt_timeout"`     // 如 "1h"
	JWTMaxRefresh string `mapstructure:"jwt_max_refresh"` // 如 "1h"
}

// WorkerConfig Worker 服务配置
type WorkerConfig struct {
	ReconcileInterval string `mapstructure:"reconcile_interval"` // 对账扫描周期，覆盖 reconcile.interval，如 "60s"
	Timeout           string `mapstructure:"timeout"`            // 优雅关闭等待上限，如 "30s"
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)

	return &config, nil
}

// replaceEnvVars 替换机密字段中的 ${VAR} 环境变量引用。
// 环境变量未设置时字段置空而非保留占位符：空值走 secret store 兜底，
// prod 下由 Validate 拦截。
func replaceEnvVars(config *Config) {
	fields := []*string{
		&config.Security.InternalSystemKey,
		&config.Queue.Token,
		&config.Queue.SigningKeyCurrent,
		&config.Queue.SigningKeyNext,
		&config.EventBus.APIKey,
		&config.StateStore.Token,
		&config.StateStore.Password,
		&config.Outbox.DSN,
		&config.Secrets.VaultToken,
		&config.Admin.JWTKey,
		&config.Admin.Password,
	}
	for _, f := range fields {
		if strings.HasPrefix(*f, "${") && strings.HasSuffix(*f, "}") {
			envVar := strings.TrimSuffix(strings.TrimPrefix(*f, "${"), "}")
			*f = os.Getenv(envVar)
		}
	}
}

// Validate 生产门禁校验；profile=prod 或 strict 时强制执行
func (c *Config) Validate() error {
	if c.Runtime.Profile != "prod" && !c.Runtime.Strict {
		return nil
	}
	if len(c.Security.InternalSystemKey) < 32 {
		return fmt.Errorf("生产配置要求 security.internal_system_key 不少于 32 字符")
	}
	if c.Queue.Type != "http" {
		return fmt.Errorf("生产环境禁止 loopback 队列，queue.type 必须为 http")
	}
	if c.Queue.Endpoint == "" || c.Queue.Token == "" {
		return fmt.Errorf("生产环境缺少队列凭据: queue.endpoint/queue.token 必填")
	}
	if c.Queue.SigningKeyCurrent == "" {
		return fmt.Errorf("生产环境必须配置 queue.signing_key_current 用于 webhook 签名")
	}
	return nil
}

// LoadAPIConfig 加载 API 配置（configs/api.yaml）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}

// LoadWorkerConfig 加载 Worker 配置（configs/worker.yaml）
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}
