package application

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"

	"github.com/lk2023060901/relay-hub/internal/hub"
	"github.com/lk2023060901/relay-hub/internal/network/acceptor"
	"github.com/lk2023060901/relay-hub/internal/network/session"
	"github.com/lk2023060901/relay-hub/internal/server"
	"github.com/lk2023060901/relay-hub/pkg/log"
	zviper "github.com/lk2023060901/relay-hub/pkg/util/viper"
)

const (
	// EnvPrefix 为配置项环境变量前缀，例如 HUB_SERVER_PORT。
	EnvPrefix = "HUB"

	defaultConfigPath = "./config.yaml"
	defaultDotEnvPath = ".env"
)

// Config 为进程的完整配置。
type Config struct {
	Server   server.Config   `mapstructure:"server"`
	Acceptor acceptor.Config `mapstructure:"acceptor"`
	Session  session.Config  `mapstructure:"session"`
	Hub      hub.Config      `mapstructure:"hub"`
	Log      log.Config      `mapstructure:"log"`
}

// defaults 以各组件的默认配置为准，展开成 viper 的点分键。
// 只有出现在这里的键才能被环境变量覆盖。
func defaults() map[string]any {
	srv := server.DefaultConfig()
	acc := acceptor.DefaultConfig()
	sess := session.DefaultConfig()
	h := hub.DefaultConfig()

	return map[string]any{
		"server.host":                srv.Host,
		"server.port":                srv.Port,
		"server.shutdown-timeout":    srv.ShutdownTimeout,
		"server.read-header-timeout": srv.ReadHeaderTimeout,
		"server.idle-timeout":        srv.IdleTimeout,

		"acceptor.path":                  acc.Path,
		"acceptor.max-connections":       acc.MaxConnections,
		"acceptor.worker-expiry":         acc.WorkerExpiry,
		"acceptor.allowed-origins":       acc.AllowedOrigins,
		"acceptor.rate-limit.per-second": acc.RateLimit.PerSecond,
		"acceptor.rate-limit.burst":      acc.RateLimit.Burst,

		"session.send-queue-size":  sess.SendQueueSize,
		"session.max-message-size": sess.MaxMessageSize,
		"session.write-wait":       sess.WriteWait,
		"session.pong-wait":        sess.PongWait,
		"session.ping-period":      sess.PingPeriod,

		"hub.service-name":       h.ServiceName,
		"hub.max-user-id-length": h.MaxUserIDLength,
		"hub.inactive-timeout":   h.InactiveTimeout,
		"hub.sweep-interval":     h.SweepInterval,

		"log.level":            "info",
		"log.format":           log.FormatConsole,
		"log.stdout":           true,
		"log.file.rootpath":    "",
		"log.file.filename":    "",
		"log.file.max-size":    300,
		"log.file.max-days":    0,
		"log.file.max-backups": 0,
	}
}

// Load 按优先级 默认值 < 配置文件 < .env/环境变量 < 命令行参数 解析配置。
//
// 配置文件路径依次取 --config、HUB_CONFIG_FILE、./config.yaml；
// 显式指定的文件必须存在，默认路径不存在时忽略。
// 传入 --help 时返回 pflag.ErrHelp。
func Load(args []string) (Config, error) {
	var cfg Config

	fs := pflag.NewFlagSet("relay-hub", pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to a yaml/json config file")
	fs.Int("port", server.DefaultConfig().Port, "http listen port")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	v := zviper.New(zviper.WithEnvPrefix(EnvPrefix))
	v.SetDefaults(defaults())

	if err := v.LoadDotEnv(defaultDotEnvPath); err != nil {
		return cfg, err
	}

	path, explicit := *configPath, true
	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG_FILE")
	}
	if path == "" {
		path, explicit = defaultConfigPath, false
	}
	if _, err := os.Stat(path); err == nil || explicit {
		if err := v.LoadFile(path); err != nil {
			return cfg, err
		}
	}

	if err := v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT"); err != nil {
		return cfg, errors.Wrap(err, "bind env")
	}
	if err := v.BindFlags(fs, map[string]string{
		"server.port": "port",
		"log.level":   "log-level",
	}); err != nil {
		return cfg, err
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.Acceptor.Session = cfg.Session
	return cfg, nil
}
