package application

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/relay-hub/internal/hub"
	"github.com/lk2023060901/relay-hub/internal/network/acceptor"
	"github.com/lk2023060901/relay-hub/internal/server"
	"github.com/lk2023060901/relay-hub/pkg/log"
	"github.com/lk2023060901/relay-hub/pkg/metrics"
)

// Application 是 relay-hub 进程的运行时容器，负责配置、日志、指标以及各组件的装配与关闭。
type Application struct {
	cfg  Config
	info server.Info
}

// New 解析命令行参数与配置并创建 Application。
func New(args []string, info server.Info) (*Application, error) {
	cfg, err := Load(args)
	if err != nil {
		return nil, err
	}
	return &Application{cfg: cfg, info: info}, nil
}

// Config 返回已加载的配置。
func (a *Application) Config() Config {
	return a.cfg
}

// Run 启动服务并阻塞，直到 ctx 结束或服务出错；返回前会完成优雅关闭。
func (a *Application) Run(ctx context.Context) error {
	if err := a.initLogging(); err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.Register(registry)

	h, err := hub.New(a.cfg.Hub)
	if err != nil {
		return errors.Wrap(err, "create hub")
	}
	acc, err := acceptor.New(a.cfg.Acceptor, h)
	if err != nil {
		return errors.Wrap(err, "create acceptor")
	}
	srv, err := server.New(a.cfg.Server, h, acc,
		server.WithInfo(a.info),
		server.WithGatherer(registry))
	if err != nil {
		return errors.Wrap(err, "create server")
	}

	ln, err := srv.Listen(ctx)
	if err != nil {
		_ = acc.Shutdown(context.Background())
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ln)
	})
	g.Go(func() error {
		h.RunSweeper(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), srv.ShutdownTimeout())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil {
		log.Error("relay-hub stopped with error", zap.Error(err))
		return err
	}
	log.Info("relay-hub stopped")
	return nil
}

// initLogging 按配置替换全局 logger。
func (a *Application) initLogging() error {
	logger, props, err := log.InitLogger(&a.cfg.Log)
	if err != nil {
		return errors.Wrap(err, "init logger")
	}
	log.ReplaceGlobals(logger, props)
	log.Info("logger initialized",
		zap.String("level", a.cfg.Log.Level),
		zap.String("format", a.cfg.Log.Format),
		zap.String("file", a.cfg.Log.File.Filename))
	return nil
}
