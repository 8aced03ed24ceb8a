package worker

import (
	"context"
	"fmt"
	"sync"

	"saga-platform/internal/app"
	"saga-platform/internal/bus"
	"saga-platform/internal/lock"
	"saga-platform/internal/outbox"
	"saga-platform/internal/queue"
	"saga-platform/internal/reconcile"
	"saga-platform/pkg/utils"
)

// App Worker 应用：对账巡检 + 发件箱轮询的常驻进程。
// 不对外提供 HTTP，执行步骤仍由 API 进程的回调端点承载。
type App struct {
	bootstrap  *app.Bootstrap
	reconciler *reconcile.Reconciler
	relay      *outbox.Relay
	eventBus   bus.Bus
	driver     queue.Driver
	outbox     outbox.Outbox

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApp 创建 Worker 应用（由 cmd/worker 调用）
func NewApp(b *app.Bootstrap) (*App, error) {
	if b == nil || b.Config == nil {
		return nil, fmt.Errorf("配置未初始化")
	}
	cfg := b.Config
	logger := b.Logger

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
	locks := lock.New(b.Store, cfg.Lock, logger)

	// worker.reconcile_interval 覆盖扫描周期，便于 worker 独立调参
	recCfg := cfg.Reconcile
	recCfg.Interval = utils.CoalesceString(cfg.Worker.ReconcileInterval, recCfg.Interval)
	rec := reconcile.New(b.Store, b.Repo, locks, dispatch, eventBus,
		reconcile.NewConservativeValidator(recCfg.RepairAllowTools), recCfg, logger)

	appObj := &App{
		bootstrap:  b,
		reconciler: rec,
		eventBus:   eventBus,
		driver:     driver,
	}

	// 发件箱轮询只在有持久化存储时启动：内存实现跨进程不可见
	if cfg.Outbox.Enable {
		if cfg.Outbox.DSN != "" {
			pg, errOb := outbox.NewPgOutbox(context.Background(), cfg.Outbox.DSN)
			if errOb != nil {
				return nil, fmt.Errorf("初始化发件箱(postgres)failed: %w", errOb)
			}
			appObj.outbox = pg
			appObj.relay = outbox.NewRelay(pg, driver, baseURL, cfg.Outbox, logger)
		} else {
			logger.Warn("发件箱未配置 DSN，worker 跳过发件箱轮询")
		}
	}

	return appObj, nil
}

// Start 启动常驻循环（对账巡检；启用发件箱时再加轮询）
func (a *App) Start() error {
	a.bootstrap.Logger.Info("启动 worker 应用")

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.reconciler.Run(ctx)
	}()
	if a.relay != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.relay.Run(ctx)
		}()
	}

	a.bootstrap.Logger.Info("worker 应用启动成功")
	return nil
}

// Shutdown 关闭应用：先停循环再关队列与存储
func (a *App) Shutdown(ctx context.Context) error {
	a.bootstrap.Logger.Info("关闭 worker 应用")

	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.bootstrap.Logger.Warn("等待常驻循环退出超时", "error", ctx.Err())
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
	if err := a.bootstrap.Store.Close(); err != nil {
		a.bootstrap.Logger.Error("关闭状态存储失败", "error", err)
	}

	a.bootstrap.Logger.Info("worker 应用关闭成功")
	return nil
}
