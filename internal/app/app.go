package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"possync/internal/alert"
	"possync/internal/config"
	"possync/internal/logger"
	"possync/internal/monitor"
	"possync/internal/queue"
	"possync/internal/registry"
	"possync/internal/rulepolicy"
	"possync/internal/streamer"
	adminhttp "possync/internal/transport/http/admin"
	"possync/internal/worker"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→启动同步与监控服务。
type App struct {
	cfg      *config.Config
	registry *registry.Registry
	queue    *queue.Queue
	streamer *streamer.Streamer
	worker   *worker.Worker
	monitor  *monitor.Workflow
	alerts   *alert.Manager
	policy   *rulepolicy.Registry
	http     *adminhttp.Server
	closers  []func() error

	Summary *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动流式订阅、队列 worker、监控与管理接口，阻塞直到 ctx 取消或组件失败。
// 返回前会停止各组件并关闭存储。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}

	group, gctx := errgroup.WithContext(ctx)
	if err := a.start(gctx); err != nil {
		stopErr := a.stop()
		return errors.Join(err, stopErr)
	}

	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(gctx); err != nil {
				return fmt.Errorf("admin http server error: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		<-gctx.Done()
		return a.stop()
	})
	return group.Wait()
}

func (a *App) start(ctx context.Context) error {
	if err := a.streamer.Start(ctx); err != nil {
		return fmt.Errorf("start streamer: %w", err)
	}
	if err := a.worker.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	if err := a.monitor.Start(ctx); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}
	logger.Infof("✓ possync running (env=%s)", a.cfg.App.Env)
	return nil
}

// stop 按依赖的逆序停止组件，然后关闭存储。
func (a *App) stop() error {
	timeout := a.cfg.Worker.DrainTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := a.monitor.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.streamer.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.worker.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := closeAll(a.closers); err != nil {
		errs = append(errs, err)
	}
	a.closers = nil
	if a.policy != nil && a.policy.RestartRequired() {
		logger.Warnf("rule policy changed on disk during this run; restart to apply")
	}
	logger.Infof("possync stopped")
	return errors.Join(errs...)
}

// Close 在未启动的情况下释放存储与券商连接。
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	err := closeAll(a.closers)
	a.closers = nil
	return err
}

func (a *App) Registry() *registry.Registry { return a.registry }
func (a *App) Queue() *queue.Queue          { return a.queue }
func (a *App) Monitor() *monitor.Workflow   { return a.monitor }
func (a *App) Worker() *worker.Worker       { return a.worker }
func (a *App) Streamer() *streamer.Streamer { return a.streamer }
func (a *App) Alerts() *alert.Manager       { return a.alerts }
