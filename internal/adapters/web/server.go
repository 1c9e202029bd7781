// Package web — служебный HTTP: /health для оркестратора и /metrics для Prometheus.
package web

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"telegram-presence-bot/internal/infra/logger"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second

	healthTimeout = 3 * time.Second
)

// ReadyFunc сообщает, готов ли сервис. nil-ошибка — готов.
type ReadyFunc func(ctx context.Context) error

// Options — параметры сервера. Gatherer по умолчанию — глобальный реестр prometheus.
type Options struct {
	Address  string
	Ready    ReadyFunc
	Gatherer prometheus.Gatherer
}

// Server — HTTP-сервер служебных эндпоинтов.
type Server struct {
	srv   *http.Server
	ready ReadyFunc
}

// NewServer создаёт сервер; слушать начинает Start.
func NewServer(opts Options) *Server {
	s := &Server{ready: opts.Ready}

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.srv = &http.Server{
		Addr:         opts.Address,
		Handler:      loggingMiddleware(mux),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

// Handler — корневой обработчик (для тестов через httptest).
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start слушает адрес до Shutdown. Штатная остановка не ошибка.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	return s.Serve(ln)
}

// Serve обслуживает уже открытый listener.
func (s *Server) Serve(ln net.Listener) error {
	logger.Info("web: listening", zap.String("address", ln.Addr().String()))
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "web server")
	}
	return nil
}

// Shutdown корректно останавливает сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("web: shutting down")
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			logger.Debug("web: not ready", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			writeResponse(w, []byte(err.Error()))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	writeResponse(w, []byte("OK"))
}
