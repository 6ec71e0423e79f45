package acceptor

import "github.com/lk2023060901/relay-hub/internal/network/serializer"

// Option 用于定制 Acceptor。
type Option func(*Acceptor)

// WithSerializer 指定出站消息使用的 Serializer，默认为 JSONSerializer。
func WithSerializer(ser serializer.Serializer) Option {
	return func(a *Acceptor) {
		if ser != nil {
			a.ser = ser
		}
	}
}

// WithIDGenerator 指定连接 ID 生成函数，默认为 session.NewID。
func WithIDGenerator(fn func() string) Option {
	return func(a *Acceptor) {
		if fn != nil {
			a.newID = fn
		}
	}
}
