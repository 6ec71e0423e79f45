package log

import "go.uber.org/atomic"

// Binder 嵌入到长生命周期组件（Hub、Broadcaster、Server）中，
// 持有组件专属的 Logger，可在运行期间安全替换。
type Binder struct {
	logger atomic.Pointer[MLogger]
}

// SetLogger 替换组件的 Logger。
func (b *Binder) SetLogger(logger *MLogger) {
	b.logger.Store(logger)
}

// Logger 返回组件的 Logger，未设置时回退到全局 Logger。
func (b *Binder) Logger() *MLogger {
	if l := b.logger.Load(); l != nil {
		return l
	}
	return With()
}
