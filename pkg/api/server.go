package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psaab/netcfgd/pkg/config"
	"github.com/psaab/netcfgd/pkg/configstore"
	"github.com/psaab/netcfgd/pkg/logging"
	"github.com/psaab/netcfgd/pkg/plugin"
	"github.com/psaab/netcfgd/pkg/reconcile"
	"github.com/psaab/netcfgd/pkg/wan"
)

// Store is the configuration gate.
type Store interface {
	Active() config.Tree
	History() []*configstore.HistoryEntry
	TryApply(ctx context.Context, tree config.Tree, dryRun bool) (*reconcile.Result, error)
	TryApplyComment(ctx context.Context, tree config.Tree, comment string) (*reconcile.Result, error)
	Rollback(ctx context.Context, n int) (*reconcile.Result, error)
}

// Engine is the reapply engine.
type Engine interface {
	Stats() reconcile.Stats
	Registry() *plugin.Registry
	Reapply(ctx context.Context, tree config.Tree, dryRun bool) (*reconcile.Result, error)
}

// Scheduler queues a debounced reapply.
type Scheduler interface {
	ScheduleReapply()
	Pending() bool
}

// Config configures the API server.
type Config struct {
	Addr      string
	Auth      *AuthConfig // nil = no authentication
	Store     Store
	Engine    Engine
	Scheduler Scheduler
	WAN       *wan.Group
	EventBuf  *logging.EventBuffer
	// Dropped reports events the dispatcher could not queue.
	Dropped func() uint64
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	store      Store
	engine     Engine
	sched      Scheduler
	wan        *wan.Group
	eventBuf   *logging.EventBuffer
	dropped    func() uint64
	startTime  time.Time
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	s := &Server{
		store:     cfg.Store,
		engine:    cfg.Engine,
		sched:     cfg.Scheduler,
		wan:       cfg.WAN,
		eventBuf:  cfg.EventBuf,
		dropped:   cfg.Dropped,
		startTime: time.Now(),
	}
	if s.wan == nil {
		s.wan = wan.NewGroup()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)

	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(s))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/v1/status", s.statusHandler)
	mux.HandleFunc("GET /api/v1/config", s.configHandler)
	mux.HandleFunc("POST /api/v1/config", s.configApplyHandler)
	mux.HandleFunc("GET /api/v1/config/history", s.configHistoryHandler)
	mux.HandleFunc("POST /api/v1/config/rollback", s.configRollbackHandler)
	mux.HandleFunc("POST /api/v1/reapply", s.reapplyHandler)
	mux.HandleFunc("GET /api/v1/plugins", s.pluginsHandler)
	mux.HandleFunc("GET /api/v1/plugins/{category}/{name}", s.pluginHandler)
	mux.HandleFunc("GET /api/v1/wan", s.wanHandler)
	mux.HandleFunc("GET /api/v1/events", s.eventsHandler)
	mux.HandleFunc("GET /api/v1/events/stream", s.eventStreamHandler)

	var handler http.Handler = mux
	if cfg.Auth != nil {
		handler = authMiddleware(*cfg.Auth, mux)
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP API server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
