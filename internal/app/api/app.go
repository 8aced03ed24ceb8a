package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	"saga-platform/internal/api/http"
	"saga-platform/internal/api/http/middleware"
	"saga-platform/internal/app"
	"saga-platform/internal/bus"
	"saga-platform/internal/confirm"
	"saga-platform/internal/engine"
	"saga-platform/internal/failover"
	"saga-platform/internal/heartbeat"
	"saga-platform/internal/invoker"
	"saga-platform/internal/lock"
	"saga-platform/internal/outbox"
	"saga-platform/internal/queue"
	"saga-platform/internal/reconcile"
	"saga-platform/internal/schemaver"
	"saga-platform/internal/store"
	"saga-platform/internal/tool"
	"saga-platform/internal/tool/builtin"
	"saga-platform/pkg/auth"
	"saga-platform/pkg/utils"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用（装配编排引擎、HTTP Handler、Middleware、Router）
type App struct {
	bootstrap    *app.Bootstrap
	router       *http.Router
	hertz        *server.Hertz
	otelProvider otelProviderShutdown
	eventBus     bus.Bus
	driver       queue.Driver
	outbox       outbox.Outbox
}

// NewApp 创建 API 应用（由 cmd/api 调用）
func NewApp(b *app.Bootstrap) (*App, error) {
	if b == nil || b.Config == nil {
		return nil, fmt.Errorf("配置未初始化")
	}
	cfg := b.Config
	logger := b.Logger

	locks := lock.New(b.Store, cfg.Lock, logger)
	eventBus, err := bus.New(cfg.EventBus, b.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化事件总线failed: %w", err)
	}
	driver, err := queue.New(cfg.Queue, cfg.Runtime.Profile, b.QueueSigner(), logger)
	if err != nil {
		return nil, fmt.Errorf("初始化队列驱动failed: %w", err)
	}
	baseURL := utils.CoalesceString(cfg.Engine.BaseURL, fmt.Sprintf("http://127.0.0.1:%d", cfg.API.Port))
	dispatch := queue.NewDispatcher(driver, baseURL)

	registry := tool.NewRegistry()
	builtin.RegisterBuiltin(registry)
	if cfg.Runtime.Profile != "prod" {
		builtin.RegisterDemo(registry)
		logger.Info("演示工具集已注册", "profile", cfg.Runtime.Profile)
	}

	inv := invoker.New(registry, cfg.Tools, logger)
	cm := confirm.NewManager(b.Store, b.Repo, dispatch, eventBus, cfg.Confirmation, logger)
	hb := heartbeat.NewService(b.Store, b.Repo, dispatch, eventBus, cfg.Heartbeat, logger)
	eng := engine.New(engine.Deps{
		Store:     b.Store,
		Repo:      b.Repo,
		Lock:      locks,
		Invoker:   inv,
		Dispatch:  dispatch,
		Bus:       eventBus,
		Confirm:   cm,
		Risk:      confirm.NewRiskPolicy(cfg.Confirmation),
		Failover:  failover.NewEngine(),
		Heartbeat: hb,
		Guard:     schemaver.NewGuard(b.Store, registry, logger),
		Registry:  registry,
		Engine:    cfg.Engine,
		Step:      cfg.Step,
	}, logger)

	handler := http.NewHandler(eng, cm, b.Repo, hb)
	handler.SetReconciler(reconcile.New(b.Store, b.Repo, locks, dispatch, eventBus,
		reconcile.NewConservativeValidator(cfg.Reconcile.RepairAllowTools), cfg.Reconcile, logger))
	handler.SetReadyCheck(func(ctx context.Context) error {
		_, err := b.Store.ZCard(ctx, store.KeyDLQIndex)
		return err
	})

	var ob outbox.Outbox
	if cfg.Outbox.Enable {
		if cfg.Outbox.DSN != "" {
			pg, errOb := outbox.NewPgOutbox(context.Background(), cfg.Outbox.DSN)
			if errOb != nil {
				return nil, fmt.Errorf("初始化发件箱(postgres)failed: %w", errOb)
			}
			ob = pg
		} else {
			ob = outbox.NewMemoryOutbox()
			logger.Warn("发件箱未配置 DSN，使用内存实现（仅限开发）")
		}
		handler.SetOutbox(ob)
	}

	// loopback 驱动投递用的是进程内临时密钥，验签侧必须持同一把
	mwSigner := b.Signer
	if mwSigner == nil && cfg.Security.InternalSystemKey != "" {
		mwSigner = b.QueueSigner()
	}
	mw := middleware.NewMiddleware(cfg.Security.InternalSystemKey, mwSigner)
	router := http.NewRouter(handler, mw)

	if cfg.Admin.Enable {
		jwtAuth, errJWT := middleware.NewJWTAuth(cfg.Admin)
		if errJWT != nil {
			logger.Warn("管理端 JWT 初始化失败，管理接口未启用", "error", errJWT)
		} else {
			// 配置的单账号即 admin 角色；未登记的操作员按只读处理
			roleStore := auth.NewMemoryRoleStore()
			_ = roleStore.SetRole(context.Background(), cfg.Admin.Username, auth.RoleAdmin)
			router.SetAdmin(jwtAuth, middleware.NewAuthZ(auth.NewSimpleChecker(roleStore)))
			logger.Info("管理接口已启用（JWT 认证 + RBAC 授权）")
		}
	}

	return &App{
		bootstrap: b,
		router:    router,
		eventBus:  eventBus,
		driver:    driver,
		outbox:    ob,
	}, nil
}

// Run 启动 HTTP 服务，addr 如 ":8080"
func (a *App) Run(addr string) error {
	a.bootstrap.Logger.Info("编排器 API 启动", "addr", addr)

	// 使用 Hertz slog 扩展，与 bootstrap 配置对齐
	output := os.Stdout
	if a.bootstrap.Config.Log.File != "" {
		f, err := os.OpenFile(a.bootstrap.Config.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	switch a.bootstrap.Config.Log.Level {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	// 可选：启用链路追踪（OpenTelemetry）
	tr := a.bootstrap.Config.Monitoring.Tracing
	if tr.Enable {
		serviceName := utils.CoalesceString(tr.ServiceName, "saga-orchestrator")
		exportEndpoint := utils.CoalesceString(tr.ExportEndpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
		if exportEndpoint != "" {
			opts := []provider.Option{
				provider.WithServiceName(serviceName),
				provider.WithExportEndpoint(exportEndpoint),
			}
			if tr.Insecure {
				opts = append(opts, provider.WithInsecure())
			}
			a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
			tracerOpt, tracerCfg := hertztracing.NewServerTracer()
			a.hertz = a.router.Build(addr, tracerOpt)
			a.hertz.Use(hertztracing.ServerMiddleware(tracerCfg))
			a.bootstrap.Logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
		} else {
			a.hertz = a.router.Build(addr)
		}
	} else {
		a.hertz = a.router.Build(addr)
	}
	return a.hertz.Run()
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）。
// 先停服务再停派发，最后关存储，保证在途请求能写完状态。
func (a *App) Shutdown(ctx context.Context) error {
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			return err
		}
	}
	if a.driver != nil {
		_ = a.driver.Close()
	}
	if a.eventBus != nil {
		_ = a.eventBus.Close()
	}
	if a.outbox != nil {
		a.outbox.Close()
	}
	return a.bootstrap.Store.Close()
}
