package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shellfleet/shellfleet/internal/protocol"
	"github.com/shellfleet/shellfleet/internal/store"
)

// Version is the coordinator version.
const Version = "1.0.0"

// Server is the coordinator: REST surface, session hub, and queue engine.
type Server struct {
	cfg        *Config
	store      *store.Store
	log        zerolog.Logger
	metrics    *Metrics
	hub        *Hub
	engine     *Engine
	policyEcho protocol.PolicyEcho
	router     *chi.Mux
	upgrader   *websocket.Upgrader
	httpServer *http.Server
	cron       *cron.Cron
}

// New creates the coordinator, runs the startup recovery pass, and starts
// the queue engine and retention job.
func New(cfg *Config, st *store.Store, log zerolog.Logger) (*Server, error) {
	policy, err := cfg.Policy()
	if err != nil {
		return nil, fmt.Errorf("build policy: %w", err)
	}

	// Recovery pass. Status reflects live sessions only, so everything is
	// offline at boot, and commands that were in flight when the previous
	// coordinator died can no longer be correlated.
	if n, err := st.MarkAllAgentsOffline(); err != nil {
		log.Warn().Err(err).Msg("failed to reset agent status on startup")
	} else if n > 0 {
		log.Info().Int64("count", n).Msg("marked agents offline on startup")
	}
	if n, err := st.FailInFlight("coordinator restart"); err != nil {
		log.Warn().Err(err).Msg("failed to resolve stale in-flight commands")
	} else if n > 0 {
		log.Warn().Int64("count", n).Msg("failed stale in-flight commands from previous run")
	}

	// Agents named by the token map are targetable before their first
	// connect; seed them so submits do not 404.
	for _, agentID := range cfg.KnownAgentIDs() {
		if err := st.UpsertAgent(agentID, nil); err != nil {
			log.Warn().Err(err).Str("agent", agentID).Msg("failed to seed agent")
		}
	}

	metrics := &Metrics{}
	s := &Server{
		cfg:     cfg,
		store:   st,
		log:     log.With().Str("component", "coordinator").Logger(),
		metrics: metrics,
		hub:     NewHub(log, metrics),
		engine:  NewEngine(log, st, policy, metrics, cfg),
		policyEcho: protocol.PolicyEcho{
			MaxLength:           cfg.MaxLength,
			AllowListEnabled:    cfg.AllowListEnabled,
			AllowList:           cfg.AllowList,
			AllowShellOperators: cfg.AllowShellOperators,
			MaxTimeoutSeconds:   cfg.MaxTimeoutSeconds,
		},
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Agents are not browsers; origin checks do not apply here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	s.setupRouter()
	go s.engine.Run()

	if cfg.HistoryRetentionDays > 0 {
		s.cron = cron.New()
		_, err := s.cron.AddFunc("13 3 * * *", s.retentionPurge)
		if err != nil {
			return nil, fmt.Errorf("schedule retention purge: %w", err)
		}
		s.cron.Start()
		log.Info().Int("days", cfg.HistoryRetentionDays).Msg("history retention enabled")
	}

	return s, nil
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	r.Get("/", s.handleHealth)

	r.Get("/agents", s.handleListAgents)
	r.Get("/agents/{agentID}", s.handleGetAgent)
	r.Post("/agents/{agentID}/commands", s.handleSubmit)
	r.Get("/agents/{agentID}/commands", s.handleAgentHistory)
	r.Get("/agents/{agentID}/queue", s.handleQueue)

	r.Get("/commands", s.handleListCommands)
	r.Get("/commands/{commandID}", s.handleGetCommand)
	r.Delete("/commands/{commandID}", s.handleCancel)
	r.Post("/commands/bulk", s.handleBulkSubmit)

	r.Get("/history/export", s.handleExport)
	r.Post("/history/cleanup", s.handleCleanup)
	r.Get("/statistics", s.handleStatistics)

	r.Get("/ws/agent", s.handleAgentSocket)

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) retentionPurge() {
	cutoff := time.Now().Add(-time.Duration(s.cfg.HistoryRetentionDays) * 24 * time.Hour)
	n, err := s.store.PurgeOlderThan(cutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("retention purge failed")
		return
	}
	if n > 0 {
		s.log.Info().Int64("purged", n).Msg("retention purge complete")
	}
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.router,
	}

	if s.cfg.TLSCert != "" {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting coordinator (tls)")
		return s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
	}
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting coordinator")
	return s.httpServer.ListenAndServe()
}

// Shutdown closes sessions and stops the engine, the retention job, and the
// HTTP server. Pending commands stay durable in the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down")

	if s.cron != nil {
		s.cron.Stop()
	}
	s.hub.CloseAll()
	s.engine.Shutdown()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}
