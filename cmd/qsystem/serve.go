package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"qms/qsystem/internal/alerts"
	"qms/qsystem/internal/config"
	"qms/qsystem/internal/httpapi"
	"qms/qsystem/internal/hub"
	"qms/qsystem/internal/ledger"
	"qms/qsystem/internal/logging"
	"qms/qsystem/internal/realtime"
	"qms/qsystem/internal/store"
	"qms/qsystem/internal/store/memory"
	"qms/qsystem/internal/store/postgres"
	"qms/qsystem/internal/store/sqlite"
	"qms/qsystem/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the queue HTTP server",
		Long:  "Runs the queue API with WebSocket and SockJS push. Settings come from the environment (PORT, STORE_DRIVER, DATABASE_URL, STAFF_PIN, ...).",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), config.Load())
		},
	}
}

func runServe(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		return err
	}
	trusted, err := httpapi.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: "qsystem",
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    cfg.OTelInsecure,
		Logger:      logger,
	})

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	catalog, err := config.LoadCatalog(cfg.CatalogFile)
	if err != nil {
		return err
	}

	notifier := hub.New(logger)
	var alerter ledger.Alerter
	var dispatcher *alerts.Dispatcher
	if provider, ok := alerts.NewProvider(cfg.Alerts, logger); ok {
		dispatcher = alerts.NewDispatcher(provider, alerts.Options{
			Template:    cfg.Alerts.Template,
			MaxAttempts: cfg.Alerts.MaxAttempts,
			RetryDelay:  cfg.Alerts.RetryDelay,
			Logger:      logger,
		})
		dispatcher.Start(ctx)
		alerter = dispatcher
	}

	l := ledger.New(st, ledger.Options{
		Notifier:          notifier,
		Alerter:           alerter,
		Logger:            logger,
		DefaultBranchName: cfg.DefaultBranchName,
	})

	seeded, err := l.SeedCatalog(ctx, catalog)
	if err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	if seeded > 0 {
		logger.Info("seeded service catalog", "services", seeded)
	}
	branch, err := l.EnsureDefaultBranch(ctx)
	if err != nil {
		return fmt.Errorf("default branch: %w", err)
	}
	logger.Info("default branch ready", "name", branch.Name, "code", branch.Code)

	handler := httpapi.NewHandler(l, httpapi.Options{
		Guard: httpapi.NewGuard(cfg.StaffPIN, cfg.AdminPIN),
		Limiter: httpapi.NewRateLimiter(httpapi.RateLimitConfig{
			IPPerMinute:    cfg.RateLimitPerMinute,
			IPBurst:        cfg.RateLimitBurst,
			TrustedProxies: trusted,
		}),
		Logger:         logger,
		WebSocket:      realtime.NewWebSocketHandler(notifier, logger),
		SockJS:         realtime.NewSockJSHandler(notifier, logger),
		RequestTimeout: cfg.RequestTimeout,
	})

	server := newHTTPServer(":"+cfg.Port, otelhttp.NewHandler(httpapi.LoggingMiddleware(logger, handler.Routes()), "qsystem"))

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("qsystem listening", "addr", server.Addr, "store", cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if dispatcher != nil {
		if err := dispatcher.Stop(shutdownCtx); err != nil {
			logger.Warn("alerts did not drain", "error", err)
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", "error", err)
	}
	return nil
}

// newHTTPServer leaves the read and write timeouts unset because they would
// cut SockJS streams and WebSocket sessions short. Ordinary routes are bounded
// by the handler's RequestTimeout instead.
func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return postgres.NewStore(pool, postgres.Options{
			CodeAttempts:      cfg.BranchCodeAttempts,
			DefaultBranchName: cfg.DefaultBranchName,
		}), nil
	case config.DriverSQLite:
		st, err := sqlite.Open(cfg.SQLitePath, sqlite.Options{
			CodeAttempts:      cfg.BranchCodeAttempts,
			DefaultBranchName: cfg.DefaultBranchName,
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return st, nil
	case config.DriverMemory:
		return memory.NewStore(memory.Options{
			CodeAttempts:      cfg.BranchCodeAttempts,
			DefaultBranchName: cfg.DefaultBranchName,
		}), nil
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}
