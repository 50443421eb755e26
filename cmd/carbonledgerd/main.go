// Command carbonledgerd serves the carbon credit computation and ledger
// API over HTTP.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/evergrid-labs/carbonledger/pkg/api"
	"github.com/evergrid-labs/carbonledger/pkg/auth"
	"github.com/evergrid-labs/carbonledger/pkg/config"
	"github.com/evergrid-labs/carbonledger/pkg/node"
	"github.com/evergrid-labs/carbonledger/pkg/observability"
	"github.com/evergrid-labs/carbonledger/pkg/observation"
)

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	profile := config.DefaultProfile()
	if cfg.ProfilePath != "" {
		p, err := config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			return err
		}
		profile = p
	}
	logger.Info("engine profile loaded",
		"profile", profile.Name,
		"grid_emission_factor", profile.GridEmissionFactor.String(),
		"fuel_comparison_factor", profile.FuelComparisonFactor.String(),
		"conversion_rate", profile.ConversionRate.String())

	db, err := sql.Open(driverName(cfg.DatabaseDriver), cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	obs, err := observation.NewSQLLog(ctx, db)
	if err != nil {
		return err
	}

	n, err := node.New(node.Options{
		GenesisAdmin:   auth.Principal(cfg.GenesisAdmin),
		Factors:        profile.Factors(),
		ConversionRate: profile.ConversionRate,
		Observations:   obs,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	obsProvider, err := observability.New(ctx, &observability.Config{
		ServiceName:    "carbonledger",
		ServiceVersion: "1.0.0",
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		return err
	}
	defer func() { _ = obsProvider.Shutdown(context.Background()) }()

	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	validator := auth.NewHMACValidator([]byte(cfg.JWTSecret))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewServer(n, obsProvider).Handler(validator),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "port", cfg.Port, "driver", cfg.DatabaseDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func driverName(driver string) string {
	if driver == "postgres" {
		return "postgres"
	}
	return "sqlite"
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
