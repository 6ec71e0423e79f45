package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Option 用于定制 Server。
type Option func(*Server)

// WithInfo 设置服务名称、版本与描述。
func WithInfo(info Info) Option {
	return func(s *Server) {
		if info.Name != "" {
			s.info.Name = info.Name
		}
		if info.Version != "" {
			s.info.Version = info.Version
		}
		s.info.Description = info.Description
	}
}

// WithGatherer 指定 /metrics 暴露的指标来源，默认为 prometheus.DefaultGatherer。
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// WithClock 替换时间来源，测试使用。
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}
