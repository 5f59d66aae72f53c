// ABOUTME: Gateway orchestrator that coordinates gRPC and HTTP servers
// ABOUTME: Wires store, conversation service, stream gateway and health endpoints, and owns shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/config"
	"github.com/2389/support-gateway/internal/conversation"
	"github.com/2389/support-gateway/internal/dedupe"
	"github.com/2389/support-gateway/internal/store"
	"github.com/2389/support-gateway/internal/stream"
)

// HealthService is the gRPC health service name reported alongside the
// server-wide "" entry.
const HealthService = "support.gateway"

// Gateway orchestrates the support-gateway server components.
type Gateway struct {
	config       *config.Config
	store        store.Store
	conversation *conversation.Service
	broadcaster  *conversation.EventBroadcaster
	idempotency  *dedupe.Cache[*store.Message]
	streams      *stream.Gateway
	identity     auth.Identity
	grpcServer   *grpc.Server
	health       *health.Server
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	shuttingDown atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore opens the SQLite store named by the config.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path,
		store.WithMaxContentLength(cfg.Messages.MaxLength))
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newIdentity picks JWT verification when a secret is configured and falls
// back to trusted headers otherwise.
func newIdentity(cfg *config.Config, logger *slog.Logger) (auth.Identity, error) {
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth disabled - no jwt_secret configured, trusting X-Viewer-ID/X-Viewer-Role headers")
		return auth.HeaderIdentity{}, nil
	}
	identity, err := auth.NewJWTIdentity([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT identity: %w", err)
	}
	logger.Info("HTTP auth middleware enabled")
	return identity, nil
}

// createGRPCServer builds the gRPC server and registers the health service.
func createGRPCServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

func streamConfig(cfg *config.Config) stream.Config {
	return stream.Config{
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		PollInterval:      cfg.Stream.PollInterval,
		MaxLifetime:       cfg.Stream.MaxLifetime,
		InitialLimit:      cfg.Stream.InitialLimit,
		PollLimit:         cfg.Stream.PollLimit,
		WriteTimeout:      cfg.Stream.WriteTimeout,
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	identity, err := newIdentity(cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	broadcaster := conversation.NewEventBroadcaster(logger.With("component", "broadcaster"))
	idempotency := dedupe.New[*store.Message](cfg.Idempotency.TTL, cfg.Idempotency.MaxEntries)
	convService := conversation.New(s, logger,
		conversation.WithBroadcaster(broadcaster),
		conversation.WithIdempotencyCache(idempotency),
	)
	streams := stream.New(convService, streamConfig(cfg), logger,
		stream.WithNotifier(broadcaster))

	grpcServer, healthServer := createGRPCServer()

	gw := &Gateway{
		config:       cfg,
		store:        s,
		conversation: convService,
		broadcaster:  broadcaster,
		idempotency:  idempotency,
		streams:      streams,
		identity:     identity,
		grpcServer:   grpcServer,
		health:       healthServer,
		logger:       logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	gw.registerRoutes(mux)

	// No WriteTimeout: streams are bounded by stream.max_lifetime instead
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	authMiddleware := auth.HTTPAuthMiddleware(g.identity, g.logger)
	mux.Handle("/api/conversations", authMiddleware(http.HandlerFunc(g.handleConversations)))
	mux.Handle("/api/conversations/", authMiddleware(http.HandlerFunc(g.handleConversationRoutes)))
}

func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
				"grpc_addr", g.config.Server.GRPCAddr,
				"http_addr", g.config.Server.HTTPAddr,
			)
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// Run starts the servers and blocks until ctx is canceled or a server fails,
// then shuts everything down.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
		select {
		case additionalErr := <-errCh:
			g.logger.Error("additional server error", "error", additionalErr)
		default:
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "support-gateway", "tailscale"), nil
}

func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		g.logger.Info("enabling HTTPS with Tailscale certs on :443")
		ln, err := g.tsnetServer.Listen("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		lc, err := g.tsnetServer.LocalClient()
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all gateway servers and releases resources.
// Open streams are closed before the HTTP server drains, since a live stream
// never goes idle on its own. Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")
		g.shuttingDown.Store(true)
		g.health.Shutdown()

		var errs []error
		errs = appendCloseError(errs, "stream close", g.streams.Close(ctx))
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

		g.shutdownGRPCServer(ctx)

		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}

		g.broadcaster.Close()
		g.idempotency.Close()
		errs = appendCloseError(errs, "store close", g.store.Close())

		if len(errs) > 0 {
			g.shutdownErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return g.shutdownErr
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK while the gateway accepts new streams.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.shuttingDown.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d streams)", g.streams.ActiveSessions())
}
