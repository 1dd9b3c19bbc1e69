// Package gateway wires together all subsystems and exposes the HTTP server.
// main() builds a Server, calls Run, done.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/blackroad/meshgate/internal/audit"
	"github.com/blackroad/meshgate/internal/classify"
	"github.com/blackroad/meshgate/internal/config"
	"github.com/blackroad/meshgate/internal/dispatch"
	"github.com/blackroad/meshgate/internal/gateway/auth"
	"github.com/blackroad/meshgate/internal/metrics"
	"github.com/blackroad/meshgate/internal/nodehealth"
	"github.com/blackroad/meshgate/internal/ratelimit"
	"github.com/blackroad/meshgate/internal/registry"
	"github.com/blackroad/meshgate/internal/route"
	"github.com/blackroad/meshgate/internal/signal"
	"github.com/blackroad/meshgate/internal/webhooks"
	"github.com/blackroad/meshgate/internal/ws"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const sessionCleanupInterval = 15 * time.Minute

// Server is the assembled edge gateway.
type Server struct {
	cfg    config.Config
	logger *zap.Logger

	// Routing core
	reg        *registry.Registry
	bus        *signal.Bus
	router     *route.Router
	dispatcher *dispatch.Dispatcher
	limiter    *ratelimit.Limiter

	// Auth
	users    *auth.UserStore
	sessions *auth.SessionStore
	keys     *auth.KeyStore
	tokens   *auth.TokenIssuer

	// Audit
	auditStore audit.Backend
	recorder   *audit.Recorder

	// Edge surfaces
	receiver *webhooks.Receiver
	hub      *ws.Hub
	nodes    *nodehealth.Tracker
	proxy    *OriginProxy

	// Observability
	metrics *metrics.Metrics
	rollup  *metrics.Rollup
	signals *signalLog

	cron         *cron.Cron
	startedAt    time.Time
	loopsStarted bool

	httpServer *http.Server
}

// New builds a fully-wired Server from config.
func New(cfg config.Config, logger *zap.Logger) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("gateway: jwt secret is required (MESHGATE_JWT_SECRET)")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("gateway: data dir: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		startedAt: time.Now().UTC(),
	}

	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		return nil, fmt.Errorf("gateway: registry: %w", err)
	}
	s.reg = reg

	s.bus = signal.NewBus(256)
	s.router = route.New(classify.New(reg), s.bus, logger.Named("route"))
	s.dispatcher = dispatch.New(reg, dispatch.NewHTTPCaller(), s.bus, logger.Named("dispatch"))
	s.limiter = ratelimit.New(
		time.Duration(cfg.RateLimit.WindowSeconds)*time.Second,
		cfg.RateLimit.Limit,
		logger.Named("ratelimit"),
	)

	if err := s.initAuth(); err != nil {
		return nil, err
	}
	if err := s.initAudit(); err != nil {
		return nil, err
	}
	// The audit trail taps the bus: every signal is appended inside Publish,
	// so a record is durable before the publishing request responds. Channel
	// subscribers (ws rooms, signal log) stay droppable.
	s.bus.Tap(s.recorder.Signal)

	s.receiver = webhooks.NewReceiver(webhooks.DefaultRegistry(), cfg.WebhookSecrets, s.bus, logger.Named("webhooks"))
	s.hub = ws.NewHub(s.tokens, logger.Named("ws"))
	s.nodes = nodehealth.New(s.bus, logger.Named("nodes"), 0)
	s.signals = newSignalLog()

	s.metrics = metrics.New()
	rollup, err := metrics.NewRollup(s.metrics, filepath.Join(cfg.DataDir, "metrics.db"), logger.Named("metrics"))
	if err != nil {
		return nil, fmt.Errorf("gateway: metrics rollup: %w", err)
	}
	s.rollup = rollup

	proxy, err := newOriginProxy(cfg.Origins, cfg.InternalToken, logger.Named("proxy"))
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	s.proxy = proxy

	if err := s.bootstrapAdmin(); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	authMiddleware := auth.NewMiddleware(s.tokens, s.keys, s.sessions, []string{
		"/health",
		"/version",
		"/v1/status",
		"/v1/auth/login",
		"/v1/auth/register",
		"/v1/auth/refresh",
		"/v1/webhooks/*",
		"/v1/ws",
	}, writeJSONError)

	var handler http.Handler = mux
	handler = s.rateLimitMiddleware(handler)
	handler = authMiddleware.Wrap(handler)
	handler = s.recoveryMiddleware(handler)
	handler = maxBodySizeMiddleware(handler)
	handler = s.metricsMiddleware(handler)
	handler = s.corsMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

func (s *Server) initAuth() error {
	var err error
	if s.users, err = auth.NewUserStore(filepath.Join(s.cfg.DataDir, "auth.db")); err != nil {
		return fmt.Errorf("gateway: user store: %w", err)
	}
	if s.sessions, err = auth.NewSessionStore(
		filepath.Join(s.cfg.DataDir, "sessions.db"),
		auth.DefaultSessionLifetime,
		auth.DefaultRefreshLifetime,
	); err != nil {
		return fmt.Errorf("gateway: session store: %w", err)
	}
	if s.keys, err = auth.NewKeyStore(filepath.Join(s.cfg.DataDir, "keys.db")); err != nil {
		return fmt.Errorf("gateway: key store: %w", err)
	}
	s.tokens = auth.NewTokenIssuer([]byte(s.cfg.JWTSecret), time.Duration(s.cfg.TokenTTL))
	return nil
}

func (s *Server) initAudit() error {
	switch s.cfg.AuditBackend {
	case "", "sqlite":
		store, err := audit.OpenSQLite(filepath.Join(s.cfg.DataDir, "audit.db"))
		if err != nil {
			return fmt.Errorf("gateway: audit store: %w", err)
		}
		s.auditStore = store
	case "postgres":
		store, err := audit.OpenPostgres(context.Background(), s.cfg.AuditDSN)
		if err != nil {
			return fmt.Errorf("gateway: audit store: %w", err)
		}
		s.auditStore = store
	case "memory":
		s.auditStore = audit.NewLog(10000)
	default:
		return fmt.Errorf("gateway: unknown audit backend %q", s.cfg.AuditBackend)
	}
	s.recorder = audit.NewRecorder(s.auditStore, s.logger.Named("audit"))
	return nil
}

// bootstrapAdmin creates the first account when the user table is empty.
// With no configured password a random one is generated and logged once;
// it is not recoverable afterwards.
func (s *Server) bootstrapAdmin() error {
	if s.cfg.BootstrapEmail == "" || s.users.Count() > 0 {
		return nil
	}

	password := s.cfg.BootstrapPassword
	generated := false
	if password == "" {
		raw := make([]byte, 16)
		if _, err := rand.Read(raw); err != nil {
			return fmt.Errorf("gateway: bootstrap password: %w", err)
		}
		password = hex.EncodeToString(raw)
		generated = true
	}

	user, err := s.users.Register(s.cfg.BootstrapEmail, password, "Administrator")
	if err != nil {
		return fmt.Errorf("gateway: bootstrap admin: %w", err)
	}

	if generated {
		s.logger.Warn("bootstrap admin created with generated password; change it after first login",
			zap.String("email", user.Email),
			zap.String("password", password),
		)
	} else {
		s.logger.Info("bootstrap admin created", zap.String("email", user.Email))
	}
	return nil
}

// Start launches the background loops without the HTTP listener. Tests pair
// it with httptest and Handler().
func (s *Server) Start(ctx context.Context) error {
	s.limiter.Start()
	s.loopsStarted = true

	go s.receiver.Run(ctx)
	go s.hub.Run(ctx, s.bus.Subscribe("ws-hub", signal.Subscription{}))
	go s.signals.run(ctx, s.bus.Subscribe("signal-log", signal.Subscription{}))
	go s.nodes.Run(ctx, 0)
	go s.sessionCleanupLoop(ctx)

	if err := s.rollup.Start(); err != nil {
		return fmt.Errorf("gateway: metrics rollup: %w", err)
	}

	s.cron = cron.New()
	retention := time.Duration(s.cfg.AuditRetention)
	if _, err := s.cron.AddFunc("45 3 * * *", func() {
		purged, err := s.auditStore.Purge(context.Background(), retention)
		if err != nil {
			s.logger.Warn("audit purge failed", zap.Error(err))
			return
		}
		if purged > 0 {
			s.logger.Info("audit purge", zap.Int64("removed", purged))
		}
	}); err != nil {
		return fmt.Errorf("gateway: audit purge schedule: %w", err)
	}
	s.cron.Start()
	return nil
}

// Run starts all background loops and the HTTP server, blocking until ctx
// is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	s.logger.Info("starting gateway",
		zap.String("addr", s.cfg.ListenAddr),
		zap.String("version", Version),
		zap.String("audit_backend", s.cfg.AuditBackend),
		zap.Int("rate_limit", s.cfg.RateLimit.Limit),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) sessionCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(sessionCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.sessions.Cleanup()
			if err != nil {
				s.logger.Warn("session cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				s.logger.Debug("session cleanup", zap.Int("removed", removed))
			}
		}
	}
}

// Close releases all resources.
func (s *Server) Close() {
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.rollup != nil {
		_ = s.rollup.Stop()
	}
	if s.loopsStarted {
		s.limiter.Stop()
	}
	if s.users != nil {
		_ = s.users.Close()
	}
	if s.sessions != nil {
		_ = s.sessions.Close()
	}
	if s.keys != nil {
		_ = s.keys.Close()
	}
	if s.auditStore != nil {
		_ = s.auditStore.Close()
	}
}

// Handler exposes the full middleware-wrapped handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
