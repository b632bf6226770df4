package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/FairForge/herald/internal/config"
)

// Server owns the public listener and, when configured, a separate
// operational listener for metrics and health probes.
type Server struct {
	api     *http.Server
	ops     *http.Server
	logger  *zap.Logger
	handler *Handler
}

func NewServer(cfg *config.Config, handler *Handler, promReg *prometheus.Registry, logger *zap.Logger) *Server {
	router := mux.NewRouter()
	router.PathPrefix("/").Handler(
		corsMiddleware(loggingMiddleware(logger)(handler)))

	s := &Server{
		api: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		logger:  logger,
		handler: handler,
	}

	if cfg.Server.MetricsPort != 0 {
		opsMux := http.NewServeMux()
		opsMux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		opsMux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		opsMux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		s.ops = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
			Handler: opsMux,
		}
	}

	return s
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		s.logger.Info("gateway listening", zap.String("addr", s.api.Addr))
		if err := s.api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if s.ops != nil {
		go func() {
			s.logger.Info("ops listener started", zap.String("addr", s.ops.Addr))
			if err := s.ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.api.WriteTimeout)
	defer cancel()

	s.logger.Info("shutting down")
	err := s.api.Shutdown(shutdownCtx)
	if s.ops != nil {
		if oerr := s.ops.Shutdown(shutdownCtx); err == nil {
			err = oerr
		}
	}
	return err
}
