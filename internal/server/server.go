// Package server 在同一端口上组装 WebSocket 接入与 HTTP 运维端点。
package server

import (
	"context"
	"net"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/blang/semver/v4"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/lk2023060901/relay-hub/internal/hub"
	"github.com/lk2023060901/relay-hub/internal/network/acceptor"
	"github.com/lk2023060901/relay-hub/pkg/log"
	"github.com/lk2023060901/relay-hub/pkg/util/merr"
	"github.com/lk2023060901/relay-hub/pkg/util/retry"
)

// Config 为 HTTP 服务配置。
type Config struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown-timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read-header-timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle-timeout"`
}

// DefaultConfig 返回默认的 HTTP 服务配置。
func DefaultConfig() Config {
	return Config{
		Host:              "0.0.0.0",
		Port:              3001,
		ShutdownTimeout:   10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Addr 返回监听地址。
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Info 描述服务自身，出现在 / 与 /health 的响应中。
type Info struct {
	Name        string
	Version     string
	Description string
}

// Server 持有 http.Server 以及各端点依赖的组件。
type Server struct {
	log.Binder

	cfg      Config
	info     Info
	version  semver.Version
	hub      *hub.Hub
	acceptor *acceptor.Acceptor
	gatherer prometheus.Gatherer
	proc     *process.Process

	http    *http.Server
	started time.Time
	now     func() time.Time
}

// New 创建 Server，版本号必须是合法的语义化版本（允许 v 前缀）。
func New(cfg Config, h *hub.Hub, acc *acceptor.Acceptor, opts ...Option) (*Server, error) {
	if h == nil || acc == nil {
		return nil, merr.WrapErrParameterMissing("hub/acceptor")
	}
	def := DefaultConfig()
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = def.ReadHeaderTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	s := &Server{
		cfg:      cfg,
		info:     Info{Name: "relay-hub", Version: "0.0.0"},
		hub:      h,
		acceptor: acc,
		gatherer: prometheus.DefaultGatherer,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.SetLogger(log.With(log.FieldComponent("server")))

	v, err := semver.ParseTolerant(s.info.Version)
	if err != nil {
		return nil, merr.WrapErrParameterInvalid("semantic version", s.info.Version, err.Error())
	}
	s.version = v

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		s.Logger().Warn("process stats unavailable", zap.Error(err))
	}
	s.proc = proc

	s.started = s.now()
	s.http = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ErrorLog:          zap.NewStdLog(log.L()),
	}
	return s, nil
}

// Listen 绑定监听端口。端口被占用时按退避重试，其他错误立即返回。
func (s *Server) Listen(ctx context.Context) (net.Listener, error) {
	ctx = log.WithModule(ctx, "server")
	var ln net.Listener
	err := retry.Do(ctx, func() error {
		l, err := net.Listen("tcp", s.cfg.Addr())
		if err != nil {
			return err
		}
		ln = l
		return nil
	}, retry.Attempts(5), retry.Sleep(200*time.Millisecond), retry.MaxSleepTime(2*time.Second),
		retry.RetryErr(isAddrInUse))
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", s.cfg.Addr())
	}
	return ln, nil
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

// Serve 在 ln 上提供服务，正常关闭时返回 nil。
func (s *Server) Serve(ln net.Listener) error {
	s.Logger().Info("http server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("version", s.version.String()))
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http serve")
	}
	return nil
}

// Shutdown 停止接收新请求，然后关闭全部 WebSocket 连接并等待其退出。
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger().Info("http server shutting down", zap.Int("sessions", s.acceptor.Count()))
	httpErr := s.http.Shutdown(ctx)
	accErr := s.acceptor.Shutdown(ctx)
	if err := merr.Combine(httpErr, accErr); err != nil {
		return err
	}
	s.Logger().Info("http server stopped")
	return nil
}

// ShutdownTimeout 返回优雅关闭的最长等待时间。
func (s *Server) ShutdownTimeout() time.Duration {
	return s.cfg.ShutdownTimeout
}
