// Package main is the entry point for the Nosana sidecar.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/InferiaAI/nosana-sidecar/internal/auth"
	"github.com/InferiaAI/nosana-sidecar/internal/bridge"
	"github.com/InferiaAI/nosana-sidecar/internal/config"
	"github.com/InferiaAI/nosana-sidecar/internal/database"
	"github.com/InferiaAI/nosana-sidecar/internal/handler"
	"github.com/InferiaAI/nosana-sidecar/internal/middleware"
	"github.com/InferiaAI/nosana-sidecar/internal/nosana"
	"github.com/InferiaAI/nosana-sidecar/internal/orchestrator"
	"github.com/InferiaAI/nosana-sidecar/internal/provider"
	"github.com/InferiaAI/nosana-sidecar/internal/reconciler"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("Starting Nosana sidecar",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
		slog.String("nosana_api", cfg.Nosana.APIURL),
	)

	// Redis is optional; without it the API runs unthrottled.
	var redis *database.Redis
	if cfg.Redis.Enabled() {
		redis, err = database.NewRedis(cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redis.Close()
		logger.Info("Connected to Redis")
	}

	orch := orchestrator.NewClient(
		cfg.Orchestrator.GatewayURL,
		cfg.Orchestrator.URL,
		cfg.Orchestrator.InternalAPIKey,
		logger,
		orchestrator.WithFetchTimeout(cfg.Orchestrator.FetchTimeout),
	)

	registry := provider.NewRegistry()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rec := reconciler.New(orch, registry, providerFactory(cfg, orch, logger), logger)
	if cfg.Orchestrator.PollInterval > 0 {
		rec = rec.WithInterval(cfg.Orchestrator.PollInterval)
	}
	go rec.Run(ctx)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())
	r.Use(middleware.Metrics())

	healthHandler := handler.NewHealthHandler(registry, func() string { return "api" })
	r.Get("/health", healthHandler.Health)
	r.Handle("/metrics", promhttp.Handler())

	// The log stream holds connections open; no request timeout on it.
	r.Method(http.MethodGet, "/ws/logs", bridge.New(registry, logger))

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(10 * time.Minute))
		r.Use(middleware.InternalAuth(cfg.Server.InboundAPIKey))
		if redis != nil {
			r.Use(middleware.RateLimit(redis, middleware.DefaultRateLimitConfig()))
		}
		r.Mount("/nosana", handler.NewJobsHandler(registry).Routes())
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		log.Fatalf("HTTP server failed: %v", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", slog.String("error", err.Error()))
	}
}

// providerFactory builds a provider client per credential: gateway, signer
// and recovered deployments wired together.
func providerFactory(cfg *config.Config, orch *orchestrator.Client, logger *slog.Logger) reconciler.Factory {
	return func(ctx context.Context, cred provider.Credential) (*provider.Client, error) {
		opts := []nosana.Option{
			nosana.WithBaseURL(cfg.Nosana.APIURL),
			nosana.WithIPFSGatewayURL(cfg.Nosana.IPFSGatewayURL),
		}
		if cfg.Nosana.SolanaRPCURL != "" {
			opts = append(opts, nosana.WithSolanaRPC(nosana.NewSolanaRPC(cfg.Nosana.SolanaRPCURL)))
		}

		var signer auth.Signer
		switch cred.Mode() {
		case provider.ModeDelegated:
			opts = append(opts, nosana.WithAPIKey(cred.APIKey))
		case provider.ModeLocal:
			local, err := auth.NewLocalSigner(cred.PrivateKey)
			if err != nil {
				return nil, fmt.Errorf("credential %q: %w", cred.Name, err)
			}
			signer = local
			opts = append(opts, nosana.WithAuthFunc(func(ctx context.Context) (string, error) {
				return local.Token(ctx, "Hello Nosana Node!")
			}))
		}

		gw := nosana.NewClient(opts...)

		if signer == nil {
			signer = auth.NewDelegatedSigner(delegatedSignFunc(gw))
		}

		client := provider.New(cred, provider.Deps{
			Gateway:       gw,
			Signer:        signer,
			Emitter:       orch,
			Logger:        logger,
			IngressDomain: cfg.Nosana.IngressDomain,
			Timing:        provider.DefaultTiming(),
		})

		// Put deployments surviving from a previous process back under
		// supervision. Best effort: a fresh credential has none.
		if err := client.Recover(ctx); err != nil {
			logger.Warn("deployment recovery failed",
				slog.String("credential", cred.Name),
				slog.String("error", err.Error()),
			)
		}
		return client, nil
	}
}

// delegatedSignFunc adapts the Network's external signing endpoint to the
// signer, classifying failures: transport problems mean the backend is
// unavailable, remote statuses mean the request was rejected.
func delegatedSignFunc(gw *nosana.Client) auth.SignFunc {
	return func(ctx context.Context, message string) (string, string, string, error) {
		signed, err := gw.SignMessageExternal(ctx, message)
		if err != nil {
			if nosana.IsTransport(err) {
				return "", "", "", fmt.Errorf("%w: %v", auth.ErrAuthUnavailable, err)
			}
			var remote *nosana.Error
			if errors.As(err, &remote) {
				return "", "", "", &auth.RejectedError{Status: remote.StatusCode, Err: err}
			}
			return "", "", "", err
		}
		return signed.Signature, signed.Message, signed.UserAddress, nil
	}
}
