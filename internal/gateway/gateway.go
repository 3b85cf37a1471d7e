// ABOUTME: Gateway orchestrator that wires the relay components behind one HTTP server
// ABOUTME: Manages the WebSocket endpoint, health and API routes, background loops and shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-relay/internal/ai"
	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/delivery"
	"github.com/2389/coven-relay/internal/heartbeat"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/ratelimit"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/store"
)

// InternalServiceHeader carries the shared secret that exempts trusted
// services from rate limiting.
const InternalServiceHeader = "X-Internal-Service"

// retentionInterval is how often expired undelivered messages are purged.
const retentionInterval = time.Hour

// Gateway owns every relay component and the HTTP server in front of them.
type Gateway struct {
	config     *config.Config
	store      store.Store
	counters   ratelimit.CounterStore
	verifier   *auth.JWTVerifier
	registry   *session.Registry
	delivery   *delivery.Coordinator
	monitor    *heartbeat.Monitor
	gate       *ratelimit.Gate
	ai         *ai.Orchestrator
	dedupe     *dedupe.Cache
	stats      *metrics.Stats
	upgrader   websocket.Upgrader
	mux        *http.ServeMux
	httpServer *http.Server
	logger     *slog.Logger
	now        func() time.Time

	// ctx is cancelled by Shutdown; every connection and loop derives from it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connsMu sync.Mutex
	conns   map[string]*wsConn
}

// Option overrides a dependency New would otherwise build from config.
type Option func(*options) error

type options struct {
	store     store.Store
	counters  ratelimit.CounterStore
	providers []ai.Provider
	stats     *metrics.Stats
}

// WithStore uses s instead of opening the configured SQLite database.
func WithStore(s store.Store) Option {
	return func(o *options) error {
		if s == nil {
			return errors.New("store is nil")
		}
		o.store = s
		return nil
	}
}

// WithCounterStore uses cs for rate-limit counters instead of Redis or memory.
func WithCounterStore(cs ratelimit.CounterStore) Option {
	return func(o *options) error {
		if cs == nil {
			return errors.New("counter store is nil")
		}
		o.counters = cs
		return nil
	}
}

// WithProviders registers providers instead of those built from ai.providers.
func WithProviders(providers ...ai.Provider) Option {
	return func(o *options) error {
		o.providers = providers
		return nil
	}
}

// WithStats shares an existing Stats value.
func WithStats(s *metrics.Stats) Option {
	return func(o *options) error {
		o.stats = s
		return nil
	}
}

// initStore creates the SQLite store. COVEN_RELAY_DB_PATH overrides the config path.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_RELAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initCounterStore connects to Redis when an address is configured. An
// unreachable Redis falls back to process-local counters.
func initCounterStore(cfg *config.Config, logger *slog.Logger) ratelimit.CounterStore {
	if cfg.Redis.Addr == "" {
		logger.Info("rate limit counters kept in memory")
		return ratelimit.NewMemoryCounterStore()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rs, err := ratelimit.NewRedisCounterStore(ctx, ratelimit.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Warn("redis unavailable, rate limit counters kept in memory", "addr", cfg.Redis.Addr, "error", err)
		return ratelimit.NewMemoryCounterStore()
	}
	logger.Info("rate limit counters kept in redis", "addr", cfg.Redis.Addr)
	return rs
}

// buildProviders maps configured providers to OpenAI-compatible clients,
// falling back to the built-in set when none are configured.
func buildProviders(cfg *config.Config, logger *slog.Logger) []ai.Provider {
	specs := ai.DefaultProviderSpecs()
	if len(cfg.AI.Providers) > 0 {
		specs = specs[:0]
		for _, p := range cfg.AI.Providers {
			specs = append(specs, ai.ProviderSpec{
				ID:          p.ID,
				DisplayName: p.DisplayName,
				BaseURL:     p.BaseURL,
				APIKeyEnv:   p.APIKeyEnv,
				Models:      p.Models,
			})
		}
	}
	providers := make([]ai.Provider, 0, len(specs))
	for _, spec := range specs {
		providers = append(providers, ai.NewOpenAIProvider(spec, logger))
	}
	return providers
}

func trustedPrefixes(cidrs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := config.ParseTrusted(c)
		if err != nil {
			return nil, fmt.Errorf("trusted cidr %q: %w", c, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// New creates a Gateway from cfg. Options replace the store, counter store,
// providers or stats for embedding and tests.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, fmt.Errorf("applying option: %w", err)
		}
	}

	if o.stats == nil {
		o.stats = metrics.NewStats()
	}
	if o.store == nil {
		s, err := initStore(cfg)
		if err != nil {
			return nil, err
		}
		o.store = s
	}
	if o.counters == nil {
		o.counters = initCounterStore(cfg, logger.With("component", "ratelimit"))
	}
	if o.providers == nil {
		o.providers = buildProviders(cfg, logger)
	}

	trusted, err := trustedPrefixes(cfg.RateLimits.TrustedCIDRs)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))

	gw := &Gateway{
		config:   cfg,
		store:    o.store,
		counters: o.counters,
		verifier: verifier,
		stats:    o.stats,
		dedupe:   dedupe.New(dedupe.DefaultTTL, dedupe.DefaultMaxSize),
		logger:   logger.With("component", "gateway"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[string]*wsConn),
	}

	gw.registry = session.NewRegistry(verifier, session.Options{
		GracePeriod:   cfg.Sessions.GracePeriod,
		SweepInterval: cfg.Sessions.SweepInterval,
		Sink:          &pendingSink{store: o.store},
		Stats:         o.stats,
		Logger:        logger,
	})
	gw.delivery = delivery.New(delivery.Options{
		MaxRetries:  cfg.Delivery.MaxRetries,
		AckTimeout:  cfg.Delivery.AckTimeout,
		BackoffBase: cfg.Delivery.BackoffBase,
		Stats:       o.stats,
		Logger:      logger,
	})
	gw.monitor = heartbeat.NewMonitor(heartbeat.Options{
		Interval:          cfg.Heartbeat.Interval,
		DisconnectTimeout: cfg.Heartbeat.DisconnectTimeout,
		Stats:             o.stats,
		Logger:            logger,
	})
	gw.gate = ratelimit.NewGate(o.counters, ratelimit.Options{
		Limits: ratelimit.Limits{
			Window:   cfg.RateLimits.Window,
			Messages: cfg.RateLimits.Messages,
			Rooms:    cfg.RateLimits.Rooms,
			AI:       cfg.RateLimits.AI,
		},
		Trusted:        trusted,
		InternalSecret: cfg.Auth.InternalServiceSecret,
		Stats:          o.stats,
		Logger:         logger,
	})
	gw.ai = ai.NewOrchestrator(o.providers, ai.OrchestratorOptions{
		FallbackChain: cfg.AI.FallbackChain,
		BufferTokens:  cfg.AI.BufferTokens,
		Stats:         o.stats,
		Logger:        logger,
	})
	gw.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		CheckOrigin:      originChecker(cfg.Server.AllowedOrigins),
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	mux.HandleFunc("/ws", gw.handleWebSocket)
	gw.registerAPIRoutes(mux)
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, o.stats.Handler())
	}
	gw.mux = mux

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler serving every gateway route.
func (g *Gateway) Handler() http.Handler {
	return g.mux
}

// Stats returns the counters shared by all components.
func (g *Gateway) Stats() *metrics.Stats {
	return g.stats
}

// originChecker allows requests without an Origin header (non-browser
// clients) and browsers whose origin is listed. An empty list allows all.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(strings.ToLower(o), "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return set[strings.TrimRight(strings.ToLower(origin), "/")]
	}
}

// startBackground launches the session sweep and undelivered retention loops.
func (g *Gateway) startBackground() {
	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		g.registry.Run(g.ctx)
	}()
	go func() {
		defer g.wg.Done()
		g.runRetention(g.ctx)
	}()
}

// startServer serves HTTP on ln in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts serving and blocks until ctx is canceled or the server fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	g.logger.Info("starting relay", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	g.startBackground()
	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeConnections asks every live connection to close.
func (g *Gateway) closeConnections(reason string) {
	g.connsMu.Lock()
	conns := make([]*wsConn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.connsMu.Unlock()

	for _, c := range conns {
		_ = c.Close(reason)
	}
}

// waitGroup waits for background work or until ctx expires.
func (g *Gateway) waitGroup(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the HTTP server, closes live connections, waits for their
// teardown and releases the store and counter store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down relay")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.closeConnections("server shutting down")
	g.cancel()
	errs = appendCloseError(errs, "connection drain", g.waitGroup(ctx))

	errs = appendCloseError(errs, "store close", g.store.Close())
	if closer, ok := g.counters.(interface{ Close() error }); ok {
		errs = appendCloseError(errs, "counter store close", closer.Close())
	}
	g.dedupe.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store and counter store answer a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	if pinger, ok := g.counters.(interface{ Ping(context.Context) error }); ok {
		if err := pinger.Ping(ctx); err != nil {
			g.logger.Warn("readiness check failed", "component", "ratelimit", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("counter store unavailable"))
			return
		}
	}
	connections, rooms := g.registry.Counts()
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d connections, %d rooms)", connections, rooms)
}
