package session

import "time"

// Config 描述单个 WebSocket 会话的收发参数。
type Config struct {
	// SendQueueSize 为每个会话发送队列的容量，队列满时新的消息会被丢弃。
	SendQueueSize int `mapstructure:"send-queue-size"`

	// MaxMessageSize 为单个入站帧允许的最大字节数。
	MaxMessageSize int64 `mapstructure:"max-message-size"`

	// WriteWait 为单次写出的超时时间。
	WriteWait time.Duration `mapstructure:"write-wait"`

	// PongWait 为等待对端任意帧（包括 pong）的最长时间，超时视为连接失效。
	PongWait time.Duration `mapstructure:"pong-wait"`

	// PingPeriod 为服务器发送 ping 的间隔，必须小于 PongWait。
	PingPeriod time.Duration `mapstructure:"ping-period"`
}

// DefaultConfig 返回默认的会话配置。
func DefaultConfig() Config {
	return Config{
		SendQueueSize:  256,
		MaxMessageSize: 64 * 1024,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
	}
}

// normalize 用默认值补齐未设置的字段，并保证 PingPeriod 小于 PongWait。
func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.WriteWait <= 0 {
		c.WriteWait = def.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = def.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	return c
}
