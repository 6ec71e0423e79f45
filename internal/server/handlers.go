package server

import (
	"net/http"
	"runtime"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lk2023060901/relay-hub/internal/json"
)

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// HealthResponse 为 GET /health 的响应体。
type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Clients   int    `json:"clients"`
	Users     int    `json:"users"`
	Timestamp string `json:"timestamp"`
}

// MemoryStats 为进程内存占用，单位字节。
type MemoryStats struct {
	RSS uint64 `json:"rss"`
	VMS uint64 `json:"vms"`
}

// StatsResponse 为 GET /stats 的响应体。
type StatsResponse struct {
	ConnectedClients int         `json:"connectedClients"`
	OnlineUsers      int         `json:"onlineUsers"`
	Uptime           float64     `json:"uptime"`
	Memory           MemoryStats `json:"memory"`
	Goroutines       int         `json:"goroutines"`
	Timestamp        string      `json:"timestamp"`
}

// InfoResponse 为 GET / 的响应体。
type InfoResponse struct {
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Description string            `json:"description"`
	Endpoints   map[string]string `json:"endpoints"`
}

// Handler 返回挂载全部端点的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.acceptor.Path(), s.acceptor)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /{$}", s.handleInfo)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.hub.Stats()
	s.writeJSON(w, http.StatusOK, &HealthResponse{
		Status:    "healthy",
		Service:   s.info.Name,
		Clients:   stats.Connections,
		Users:     stats.OnlineUsers,
		Timestamp: s.now().UTC().Format(timestampLayout),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.hub.Stats()
	now := s.now()
	resp := &StatsResponse{
		ConnectedClients: stats.Connections,
		OnlineUsers:      stats.OnlineUsers,
		Uptime:           now.Sub(s.started).Seconds(),
		Goroutines:       runtime.NumGoroutine(),
		Timestamp:        now.UTC().Format(timestampLayout),
	}
	if s.proc != nil {
		mem, err := s.proc.MemoryInfoWithContext(r.Context())
		if err != nil {
			s.Logger().RatedWarn(60, "read process memory failed", zap.Error(err))
		} else {
			resp.Memory = MemoryStats{RSS: mem.RSS, VMS: mem.VMS}
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, &InfoResponse{
		Name:        s.info.Name,
		Version:     s.version.String(),
		Description: s.info.Description,
		Endpoints: map[string]string{
			"websocket": s.acceptor.Path(),
			"health":    "/health",
			"stats":     "/stats",
			"metrics":   "/metrics",
		},
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.Logger().Warn("encode response failed", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
