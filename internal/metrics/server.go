// =============================================================================
// 文件: internal/metrics/server.go
// 描述: 指标 HTTP 服务 - /metrics, 健康/存活/就绪探针, pprof 与日志尾部
// =============================================================================
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mrcgq/raknet/internal/logx"
)

// 健康状态取值
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

const shutdownTimeout = 5 * time.Second

// HealthStatus /health 返回的 JSON
type HealthStatus struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// ComponentHealth 单个组件状态
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// serving 降级仍可接收新会话
func (h HealthStatus) serving() bool {
	return h.Status == StatusHealthy || h.Status == StatusDegraded
}

// MetricsServer 独立 registry 上的指标与探针服务
type MetricsServer struct {
	listen      string
	metricsPath string
	healthPath  string
	enablePprof bool

	registry *prometheus.Registry
	log      *logx.Logger
	alive    atomic.Bool

	mu      sync.RWMutex
	check   func() HealthStatus
	logTail http.Handler
	srv     *http.Server
}

// NewMetricsServer 创建指标服务, 注册 Go 运行时与进程收集器
func NewMetricsServer(listen, metricsPath, healthPath string, enablePprof bool, log *logx.Logger) *MetricsServer {
	if log == nil {
		log = logx.Discard()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &MetricsServer{
		listen:      listen,
		metricsPath: metricsPath,
		healthPath:  healthPath,
		enablePprof: enablePprof,
		registry:    reg,
		log:         log.With("METRICS"),
	}
	s.alive.Store(true)
	return s
}

// GetRegistry 指标 registry
func (s *MetricsServer) GetRegistry() *prometheus.Registry { return s.registry }

// RegisterCollector 注册收集器
func (s *MetricsServer) RegisterCollector(c prometheus.Collector) error {
	return s.registry.Register(c)
}

// MustRegisterCollector 注册收集器, 重复注册 panic
func (s *MetricsServer) MustRegisterCollector(c prometheus.Collector) {
	s.registry.MustRegister(c)
}

// SetHealthCheck 设置 /health 与 /ready 使用的状态来源
func (s *MetricsServer) SetHealthCheck(fn func() HealthStatus) {
	s.mu.Lock()
	s.check = fn
	s.mu.Unlock()
}

// SetLogTail 挂载 /debug/log
func (s *MetricsServer) SetLogTail(h http.Handler) {
	s.mu.Lock()
	s.logTail = h
	s.mu.Unlock()
}

// SetHealthy 设置存活探针结果
func (s *MetricsServer) SetHealthy(healthy bool) { s.alive.Store(healthy) }

// Handler 构建路由, 在 Start 之前调用 SetLogTail 才会挂载日志尾部
func (s *MetricsServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.metricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          s.registry,
	}))
	mux.HandleFunc(s.healthPath, s.serveHealth)
	mux.HandleFunc(s.healthPath+"/live", s.serveLive)
	mux.HandleFunc(s.healthPath+"/ready", s.serveReady)

	if s.enablePprof {
		for path, fn := range map[string]http.HandlerFunc{
			"/debug/pprof/":        pprof.Index,
			"/debug/pprof/cmdline": pprof.Cmdline,
			"/debug/pprof/profile": pprof.Profile,
			"/debug/pprof/symbol":  pprof.Symbol,
			"/debug/pprof/trace":   pprof.Trace,
		} {
			mux.HandleFunc(path, fn)
		}
	}

	s.mu.RLock()
	if s.logTail != nil {
		mux.Handle("/debug/log", s.logTail)
	}
	s.mu.RUnlock()
	return mux
}

// Start 同步监听, 随后在后台服务; ctx 结束时关闭
func (s *MetricsServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("metrics 监听 %s: %w", s.listen, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("服务退出: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.log.Infof("监听 %s (metrics=%s health=%s pprof=%v)", ln.Addr(), s.metricsPath, s.healthPath, s.enablePprof)
	return nil
}

// Stop 优雅关闭, 可重复调用
func (s *MetricsServer) Stop() {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.log.Debugf("关闭: %v", err)
	}
}

// status 未设置状态来源时视为健康
func (s *MetricsServer) status() (HealthStatus, bool) {
	s.mu.RLock()
	fn := s.check
	s.mu.RUnlock()
	if fn == nil {
		return HealthStatus{Status: StatusHealthy, Timestamp: time.Now()}, false
	}
	return fn(), true
}

func (s *MetricsServer) serveHealth(w http.ResponseWriter, _ *http.Request) {
	st, _ := s.status()
	w.Header().Set("Content-Type", "application/json")
	if st.Status != StatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(st)
}

func (s *MetricsServer) serveLive(w http.ResponseWriter, _ *http.Request) {
	writeProbe(w, s.alive.Load(), "OK", "NOT OK")
}

func (s *MetricsServer) serveReady(w http.ResponseWriter, _ *http.Request) {
	st, ok := s.status()
	writeProbe(w, ok && st.serving(), "READY", "NOT READY")
}

func writeProbe(w http.ResponseWriter, pass bool, yes, no string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !pass {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(no))
		return
	}
	_, _ = w.Write([]byte(yes))
}
