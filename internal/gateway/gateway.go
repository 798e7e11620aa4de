// ABOUTME: Gateway construction and lifecycle management
// ABOUTME: Two servers (data plane, admin plane) with graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/SatGate-io/satgate-sub000/internal/admin"
	"github.com/SatGate-io/satgate-sub000/internal/auth"
	"github.com/SatGate-io/satgate-sub000/internal/config"
	"github.com/SatGate-io/satgate-sub000/internal/l402"
	"github.com/SatGate-io/satgate-sub000/internal/lightning"
	"github.com/SatGate-io/satgate-sub000/internal/meter"
	"github.com/SatGate-io/satgate-sub000/internal/proxy"
	"github.com/SatGate-io/satgate-sub000/internal/route"
	"github.com/SatGate-io/satgate-sub000/internal/store"
)

// macaroonLocation is the location hint stamped into minted tokens.
const macaroonLocation = "satgate"

// meterTTL bounds how long an idle counter survives before its window
// resets.
const meterTTL = 24 * time.Hour

// Gateway owns every component of a running instance.
type Gateway struct {
	config  *config.Config
	store   *store.SQLiteStore
	backend lightning.Backend
	engine  *route.Engine
	proxy   *proxy.Proxy
	limiter *proxy.RateLimiter
	metrics *metrics

	dataServer  *http.Server
	adminServer *http.Server

	logger *slog.Logger
}

// initBackend selects the payment backend. Demo mode always forces the
// in-process fake so the whole flow runs without a Lightning node.
func initBackend(cfg *config.Config, logger *slog.Logger) (lightning.Backend, error) {
	if cfg.L402.Mode == "demo" {
		logger.Warn("demo mode: payments settle against an in-process fake backend")
		return lightning.NewFakeBackend(), nil
	}

	switch cfg.L402.Backend {
	case "lnbits":
		return lightning.NewLNBitsBackend(cfg.L402.LNBits.URL, cfg.L402.LNBits.APIKey), nil
	case "lnd":
		return lightning.NewLNDBackend(cfg.L402.LND.Host, cfg.L402.LND.MacaroonHex, nil), nil
	case "fake":
		logger.Warn("fake payment backend configured in live mode")
		return lightning.NewFakeBackend(), nil
	case "":
		// No l402 routes configured; nothing will create invoices.
		return lightning.NewFakeBackend(), nil
	default:
		return nil, fmt.Errorf("unknown payment backend %q", cfg.L402.Backend)
	}
}

// initMeterStore selects the counter store. The sqlite backend shares
// the gateway database so counters survive restarts.
func initMeterStore(cfg *config.Config, sqlStore *store.SQLiteStore) (meter.Store, error) {
	switch cfg.Metering.Backend {
	case "", "memory":
		return meter.NewMemoryStore(), nil
	case "sqlite":
		return sqlStore, nil
	default:
		return nil, fmt.Errorf("unknown metering backend %q", cfg.Metering.Backend)
	}
}

// New assembles a gateway from a validated config.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sqlStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	backend, err := initBackend(cfg, logger)
	if err != nil {
		sqlStore.Close()
		return nil, err
	}

	rootKey, err := cfg.L402.RootKeyBytes()
	if err != nil {
		sqlStore.Close()
		return nil, fmt.Errorf("decoding root key: %w", err)
	}

	meterStore, err := initMeterStore(cfg, sqlStore)
	if err != nil {
		sqlStore.Close()
		return nil, err
	}

	l402svc := l402.NewService(rootKey, macaroonLocation, backend, sqlStore, logger)
	engine := route.NewEngine(cfg, rootKey, l402svc, meter.NewEngine(meterStore, meterTTL), sqlStore, logger)

	prx, err := proxy.New(cfg.Upstreams, logger)
	if err != nil {
		sqlStore.Close()
		return nil, fmt.Errorf("building proxy: %w", err)
	}

	limiter, err := proxy.NewRateLimiter(cfg.RateLimit)
	if err != nil {
		sqlStore.Close()
		return nil, fmt.Errorf("building rate limiter: %w", err)
	}

	g := &Gateway{
		config:  cfg,
		store:   sqlStore,
		backend: backend,
		engine:  engine,
		proxy:   prx,
		limiter: limiter,
		metrics: newMetrics(),
		logger:  logger.With("component", "gateway"),
	}

	g.dataServer = &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           g.dataHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.adminServer = &http.Server{
		Addr:              cfg.Admin.Listen,
		Handler:           g.adminHandler(rootKey, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// adminHandler builds the admin-plane mux. Health and metrics are
// unauthenticated; everything under /admin/ requires an operator JWT.
func (g *Gateway) adminHandler(rootKey []byte, logger *slog.Logger) http.Handler {
	adminSrv := admin.New(g.store, g.store, g, rootKey, macaroonLocation, logger)

	adminMux := http.NewServeMux()
	adminSrv.Routes(adminMux)

	verifier := auth.NewJWTVerifier([]byte(g.config.Admin.JWTSecret))
	protected := auth.Middleware(verifier, logger)(adminMux)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", g.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/admin/", protected)
	return mux
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := g.backend.GetStatus(r.Context()); err != nil {
		g.logger.Warn("health check: payment backend unreachable", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"degraded","payment_backend":"unreachable"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Run starts both listeners and blocks until ctx is canceled or a
// server fails, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	dataLn, err := net.Listen("tcp", g.config.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on data address: %w", err)
	}
	adminLn, err := net.Listen("tcp", g.config.Admin.Listen)
	if err != nil {
		_ = dataLn.Close()
		return fmt.Errorf("listening on admin address: %w", err)
	}

	grp, ctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		g.logger.Info("data plane listening", "addr", dataLn.Addr().String())
		if err := g.dataServer.Serve(dataLn); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("data server: %w", err)
		}
		return nil
	})

	grp.Go(func() error {
		g.logger.Info("admin plane listening", "addr", adminLn.Addr().String())
		if err := g.adminServer.Serve(adminLn); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})

	grp.Go(func() error {
		<-ctx.Done()
		g.logger.Info("shutting down")
		return g.gracefulShutdown()
	})

	return grp.Wait()
}

// gracefulShutdown stops both servers with a fresh context; the
// original one is already canceled by the time we get here.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown drains in-flight requests and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := g.dataServer.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := g.adminServer.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := g.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	g.logger.Info("gateway stopped")
	return firstErr
}
