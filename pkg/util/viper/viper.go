package viper

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	spfviper "github.com/spf13/viper"
)

// Option 用于定制 Config。
type Option func(*Config)

// WithEnvPrefix 启用自动环境变量绑定，prefix 为变量名前缀（如 HUB）。
// key 中的 "." 与 "-" 会被替换为 "_"，例如 server.port 对应 HUB_SERVER_PORT。
func WithEnvPrefix(prefix string) Option {
	return func(c *Config) {
		c.envPrefix = prefix
	}
}

// Config 封装 spf13/viper 实例，按 默认值 < 配置文件 < 环境变量 < 命令行 的优先级合并配置。
type Config struct {
	v         *spfviper.Viper
	envPrefix string
}

// New 创建一个 Config。
func New(opts ...Option) *Config {
	c := &Config{
		v: spfviper.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.envPrefix != "" {
		c.v.SetEnvPrefix(c.envPrefix)
		c.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		c.v.AutomaticEnv()
	}
	return c
}

// SetDefaults 批量写入默认值。
// 只有出现在默认值、配置文件或显式绑定中的 key 才会在 Unmarshal 时读取环境变量。
func (c *Config) SetDefaults(defaults map[string]any) {
	for key, value := range defaults {
		c.v.SetDefault(key, value)
	}
}

// LoadFile 将 YAML 或 JSON 配置文件加载到 Config 中。
// 文件类型通过扩展名（.yaml/.yml/.json）推断。
func (c *Config) LoadFile(path string) error {
	c.v.SetConfigFile(path)

	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		c.v.SetConfigType("yaml")
	case ".json":
		c.v.SetConfigType("json")
	default:
		// 让 viper 自行推断类型，或在读取时返回清晰的错误信息。
	}

	if err := c.v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "load config file %q", path)
	}
	return nil
}

// LoadDotEnv 将 .env 文件中的变量载入进程环境，不存在的文件会被忽略。
// 已经存在的环境变量不会被覆盖。
func (c *Config) LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return errors.Wrapf(err, "stat env file %q", path)
		}
		if err := godotenv.Load(path); err != nil {
			return errors.Wrapf(err, "load env file %q", path)
		}
	}
	return nil
}

// BindEnv 为 key 绑定额外的环境变量名，按给定顺序取第一个已设置的值。
// 显式绑定会取代该 key 的前缀自动绑定，因此需要时应一并传入带前缀的名字。
func (c *Config) BindEnv(key string, envs ...string) error {
	return c.v.BindEnv(append([]string{key}, envs...)...)
}

// BindFlags 将命令行参数绑定到配置 key，只有用户显式设置过的参数才会生效。
// flags 为 key 到参数名的映射。
func (c *Config) BindFlags(fs *pflag.FlagSet, flags map[string]string) error {
	for key, name := range flags {
		flag := fs.Lookup(name)
		if flag == nil {
			return errors.Newf("flag %q not defined", name)
		}
		if err := c.v.BindPFlag(key, flag); err != nil {
			return errors.Wrapf(err, "bind flag %q", name)
		}
	}
	return nil
}

// IsSet 判断 key 是否在任一来源中被设置。
func (c *Config) IsSet(key string) bool {
	return c.v.IsSet(key)
}

// GetString 返回 key 对应的字符串值。
func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

// ConfigFileUsed 返回已加载的配置文件路径，未加载时为空。
func (c *Config) ConfigFileUsed() string {
	return c.v.ConfigFileUsed()
}

// Unmarshal 将完整配置反序列化到 dst。
// dst 应为结构体或 map 的指针。
func (c *Config) Unmarshal(dst interface{}) error {
	return c.v.Unmarshal(dst)
}

// UnmarshalKey 将指定 key 对应的子配置反序列化到 dst。
// dst 应为结构体或 map 的指针。
func (c *Config) UnmarshalKey(key string, dst interface{}) error {
	return c.v.UnmarshalKey(key, dst)
}
