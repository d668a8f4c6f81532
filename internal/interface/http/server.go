// Package http serves the ledger node RPC surface and the learner-facing
// REST API over gin.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/tutorhub/tutor-ledger/internal/application/command"
	"github.com/tutorhub/tutor-ledger/internal/application/query"
	"github.com/tutorhub/tutor-ledger/internal/domain/badge"
	"github.com/tutorhub/tutor-ledger/internal/domain/catalog"
	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/infrastructure/auth"
	"github.com/tutorhub/tutor-ledger/internal/interface/http/handlers"
	"github.com/tutorhub/tutor-ledger/internal/ledger"
	"github.com/tutorhub/tutor-ledger/internal/ledgerclient"
	"github.com/tutorhub/tutor-ledger/pkg/logger"
	"github.com/tutorhub/tutor-ledger/pkg/ratelimit"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	// Host - address to bind (default: "0.0.0.0").
	Host string

	// Port - port to listen on (default: 8080).
	Port int

	// ReadTimeout - maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout must exceed MaxConfirmWait.
	WriteTimeout time.Duration

	// IdleTimeout - maximum duration for idle connections.
	IdleTimeout time.Duration

	// RequestTimeout bounds handler work other than confirmation waits.
	RequestTimeout time.Duration

	// MaxConfirmWait caps the timeout_ms a confirm call may ask for.
	MaxConfirmWait time.Duration

	// MaxHeaderBytes - maximum size of request headers.
	MaxHeaderBytes int

	// MaxBodyBytes - maximum size of request bodies.
	MaxBodyBytes int64

	// EnableCORS - enable CORS headers.
	EnableCORS bool

	// AllowedOrigins - allowed origins for CORS; "*" allows any.
	AllowedOrigins []string

	// RateLimitPerMinute - requests per minute per IP (0 = disabled).
	RateLimitPerMinute int

	// ChatPerMinute - tutor chat requests per minute per wallet (0 = disabled).
	ChatPerMinute int

	// Mode is the gin mode: debug, release or test.
	Mode string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:               "0.0.0.0",
		Port:               8080,
		ReadTimeout:        15 * time.Second,
		WriteTimeout:       45 * time.Second,
		IdleTimeout:        60 * time.Second,
		RequestTimeout:     15 * time.Second,
		MaxConfirmWait:     30 * time.Second,
		MaxHeaderBytes:     1 << 20, // 1 MB
		MaxBodyBytes:       256 << 10,
		EnableCORS:         true,
		AllowedOrigins:     []string{"*"},
		RateLimitPerMinute: 300,
		ChatPerMinute:      20,
		Mode:               gin.ReleaseMode,
	}
}

// Address returns the server address string.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// LedgerNode is the node surface exposed over RPC.
type LedgerNode interface {
	ledgerclient.Node
	Block(ctx context.Context, slot uint64) (*ledger.Block, error)
	Head() *ledger.Block
}

// WalletAuth issues sign-in challenges and authenticates session tokens.
type WalletAuth interface {
	handlers.Authenticator
	Issue(ctx context.Context, wallet identity.PublicKey) (*auth.Challenge, error)
	Verify(ctx context.Context, nonce string, sig identity.Signature) (*auth.Session, error)
}

// Dependencies contains all dependencies required by HTTP handlers.
// Route groups whose dependencies are nil are not mounted.
type Dependencies struct {
	// Node enables the /v1/ledger RPC routes.
	Node LedgerNode

	// Learner API
	Catalog     *catalog.Catalog
	GetProgress *query.GetProgressHandler
	GetLesson   *query.GetLessonHandler
	IssueBadge  *command.IssueBadgeHandler
	AskTutor    *command.AskTutorHandler
	Auth        WalletAuth

	// Achievements serves badge listings.
	Achievements badge.Repository

	// Logger
	Logger *logger.Logger

	// Health Check Dependencies
	HealthChecker handlers.HealthChecker

	// Version is reported by / and /health.
	Version string
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server represents the HTTP server.
type Server struct {
	config     Config
	deps       Dependencies
	engine     *gin.Engine
	httpServer *http.Server
	logger     *logger.Logger

	// Server state
	mu        sync.RWMutex
	running   bool
	startedAt time.Time
}

// NewServer creates a new HTTP server with the given configuration and dependencies.
func NewServer(config Config, deps Dependencies) *Server {
	if config.Mode != "" {
		gin.SetMode(config.Mode)
	}
	if config.MaxConfirmWait <= 0 {
		config.MaxConfirmWait = DefaultConfig().MaxConfirmWait
	}
	if deps.HealthChecker == nil {
		deps.HealthChecker = handlers.NewNoopHealthChecker()
	}

	s := &Server{
		config: config,
		deps:   deps,
		engine: gin.New(),
		logger: deps.Logger,
	}
	if s.logger == nil {
		s.logger = logger.Default()
	}
	s.logger = s.logger.With(logger.Component("http"))

	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           config.Address(),
		Handler:        s.engine,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}

	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE CHAIN
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) setupMiddleware() {
	s.engine.Use(
		handlers.RequestID(s.logger),
		handlers.Recovery(),
		handlers.Logging(),
		handlers.SecurityHeaders(),
	)

	if s.config.EnableCORS && len(s.config.AllowedOrigins) > 0 {
		s.engine.Use(cors.New(s.corsConfig()))
	}

	if s.config.RateLimitPerMinute > 0 {
		s.engine.Use(handlers.RateLimit(perMinute(s.config.RateLimitPerMinute), handlers.ByClientIP))
	}

	if s.config.MaxBodyBytes > 0 {
		s.engine.Use(handlers.RequestSizeLimit(s.config.MaxBodyBytes))
	}

	s.engine.NoRoute(func(c *gin.Context) {
		writeJSONError(c, http.StatusNotFound, CodeNotFound, "route not found")
	})
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", handlers.RequestIDHeader},
		ExposeHeaders: []string{handlers.RequestIDHeader, "Retry-After"},
		MaxAge:        24 * time.Hour,
	}
	for _, o := range s.config.AllowedOrigins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = s.config.AllowedOrigins
	return cfg
}

func perMinute(n int) *ratelimit.Keyed {
	return ratelimit.NewKeyed(ratelimit.Config{
		RequestsPerSecond: float64(n) / 60,
		BurstSize:         n,
	}, 10_000)
}

// ══════════════════════════════════════════════════════════════════════════════
// ROUTING
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) setupRoutes() {
	// ─────────────────────────────────────────────────────────────────────────
	// Health & Status Endpoints
	// ─────────────────────────────────────────────────────────────────────────
	s.engine.GET("/", s.handleRoot)
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/healthz", s.handleHealth) // Kubernetes alias
	s.engine.GET("/ready", s.handleReady)
	s.engine.GET("/live", s.handleLive)

	timeout := handlers.Timeout(s.requestTimeout())

	// ─────────────────────────────────────────────────────────────────────────
	// Node RPC
	// ─────────────────────────────────────────────────────────────────────────
	if s.deps.Node != nil {
		rpc := s.engine.Group("/v1/ledger")
		rpc.GET("/head", timeout, s.handleHead)
		rpc.GET("/blockhash", timeout, s.handleLatestBlockhash)
		rpc.POST("/transactions", timeout, s.handleSendTransaction)
		rpc.GET("/transactions/:signature", timeout, s.handleSignatureStatus)
		// Confirm carries its own bounded wait.
		rpc.POST("/transactions/:signature/confirm", s.handleConfirmTransaction)
		rpc.GET("/accounts/:address", timeout, s.handleGetAccount)
		rpc.GET("/blocks/:slot", timeout, s.handleGetBlock)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// API v1 - Learner Endpoints
	// ─────────────────────────────────────────────────────────────────────────
	api := s.engine.Group("/api/v1", timeout)

	if s.deps.Auth != nil {
		api.POST("/auth/challenge", s.handleAuthChallenge)
		api.POST("/auth/verify", s.handleAuthVerify)
	}

	if s.deps.Catalog != nil {
		api.GET("/catalog", s.handleCatalog)
	}

	if s.deps.GetLesson != nil {
		if s.deps.Auth != nil {
			api.GET("/lessons/:id", handlers.OptionalWallet(s.deps.Auth), s.handleGetLesson)
		} else {
			api.GET("/lessons/:id", s.handleGetLesson)
		}
	}

	if s.deps.GetProgress != nil {
		api.GET("/progress/:owner", s.handleGetProgress)
	}
	if s.deps.Achievements != nil {
		api.GET("/badges/:owner", s.handleListBadges)
	}

	if s.deps.Auth == nil {
		return
	}
	private := api.Group("", handlers.RequireWallet(s.deps.Auth))

	if s.deps.IssueBadge != nil {
		private.POST("/badges", s.handleIssueBadge)
	}
	if s.deps.AskTutor != nil {
		chat := []gin.HandlerFunc{}
		if s.config.ChatPerMinute > 0 {
			chat = append(chat, handlers.RateLimit(perMinute(s.config.ChatPerMinute), handlers.ByWallet))
		}
		chat = append(chat, s.handleChat)
		private.POST("/chat", chat...)
	}
}

func (s *Server) requestTimeout() time.Duration {
	if s.config.RequestTimeout > 0 {
		return s.config.RequestTimeout
	}
	return DefaultConfig().RequestTimeout
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", logger.String("address", s.config.Address()))

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Uptime returns the server uptime.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startedAt)
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.config.Address()
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleRoot(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{
		"name":    "tutor-ledger",
		"version": s.deps.Version,
		"ledger":  s.deps.Node != nil,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	status := s.deps.HealthChecker.Check(c.Request.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":  status,
		"version": s.deps.Version,
		"uptime":  s.Uptime().String(),
	})
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.deps.HealthChecker.Check(c.Request.Context()).Ready {
		writeJSONError(c, http.StatusServiceUnavailable, CodeServiceUnavailable, "not ready")
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ready": true})
}

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alive": true})
}
