package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server 调试监控端点, 暴露 /metrics 与 /healthz
type Server struct {
	httpServer *http.Server
	logger     *logrus.Entry
}

// NewServer 创建监控端点
func NewServer(addr string, collector *Collector) *Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: logrus.WithField("component", "metrics-server"),
	}
}

// Start 启动监听, 阻塞错误通过日志上报
func (s *Server) Start() {
	go func() {
		s.logger.Infof("metrics endpoint listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("metrics endpoint failed: %v", err)
		}
	}()
}

// Stop 关闭监听
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
