package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"fenyr-trader/internal/compliance"
)

// AuditServer 暴露合规记录查询与指标端点。
type AuditServer struct {
	recorder *compliance.Recorder
	metrics  *Metrics
	logger   *zap.Logger
	server   *http.Server
}

// NewAuditServer 创建审计服务。
func NewAuditServer(port int, recorder *compliance.Recorder, metrics *Metrics, logger *zap.Logger) *AuditServer {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &AuditServer{
		recorder: recorder,
		metrics:  metrics,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/records", s.handleRecords)
	if metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Start 启动监听，阻塞直到 ctx 取消或监听失败。
func (s *AuditServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("审计服务已启动", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("审计服务启动失败: %w", err)
	}
}

func (s *AuditServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *AuditServer) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.recorder == nil {
		http.Error(w, "recorder disabled", http.StatusServiceUnavailable)
		return
	}

	query := compliance.Query{
		Stage:  r.URL.Query().Get("stage"),
		Symbol: r.URL.Query().Get("symbol"),
	}
	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil || limit <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		query.Limit = limit
	}

	records, err := s.recorder.List(r.Context(), query)
	if err != nil {
		s.logger.Error("查询合规记录失败", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []compliance.Record{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(records); err != nil {
		s.logger.Warn("序列化合规记录失败", zap.Error(err))
	}
}
