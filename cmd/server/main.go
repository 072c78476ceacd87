package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"souk-chat/internal/config"
	"souk-chat/internal/database"
	"souk-chat/internal/handlers"
	"souk-chat/internal/logging"
	"souk-chat/internal/metrics"
	"souk-chat/internal/middleware"
	"souk-chat/internal/repository"
	"souk-chat/internal/router"
	"souk-chat/internal/services"
	"souk-chat/internal/websocket"
	"souk-chat/internal/worker"
)

func main() {
	cmd := &cobra.Command{
		Use:           "souk-relay",
		Short:         "Chat relay: accepts user turns over HTTP and pushes replies over WebSocket",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cmd.Flags().Changed("port") {
				cfg.Port, _ = cmd.Flags().GetString("port")
			}
			if cmd.Flags().Changed("workers") {
				cfg.WorkerCount, _ = cmd.Flags().GetInt("workers")
			}
			if cmd.Flags().Changed("sync-replies") {
				cfg.SyncReplies, _ = cmd.Flags().GetBool("sync-replies")
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.Flags().String("port", "", "listen port (overrides PORT)")
	cmd.Flags().Int("workers", 0, "reply worker goroutines (overrides WORKER_COUNT)")
	cmd.Flags().Bool("sync-replies", false, "return replies inline from POST /api/chat/ (overrides SYNC_REPLIES)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.IsProduction())
	logger.Info().Str("env", cfg.Env).Msg("starting chat relay")

	// ──── PostgreSQL ────
	pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	if err := database.RunMigrations(ctx, pool, os.DirFS(cfg.MigrationsDir), logger); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// ──── Redis ────
	redisClients, err := database.NewRedisClients(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer redisClients.Close()

	metrics.Register(prometheus.DefaultRegisterer)

	// ──── Repositories & services ────
	threadRepo := repository.NewThreadRepo(pool)
	jobRepo := repository.NewJobRepo(pool)

	jwtAuth := middleware.NewJWTAuth(cfg.JWTSecret, cfg.AccessTokenTTL)
	authService := services.NewAuthService(services.NewRedisRefreshStore(redisClients.Queue), jwtAuth, cfg.RefreshTokenTTL)

	queue := services.NewChatQueue(redisClients.Queue)
	publisher := services.NewPublisher(redisClients.Queue)
	chatService := services.NewChatService(
		threadRepo,
		jobRepo,
		queue,
		services.NewKeywordResponder(cfg.ResponderDelay),
		publisher,
		cfg.JobMaxRetries,
		logger,
	)

	// ──── Worker pool ────
	workerPool := worker.NewPool(queue, chatService, publisher, jobRepo, cfg.WorkerCount, logger)
	workerPool.Start(ctx)

	// ──── HTTP ────
	hub := websocket.NewHub(websocket.NewRedisSource(redisClients.PubSub), jwtAuth, threadRepo, publisher, logger)
	limiter := middleware.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	go sweepLimiter(ctx, limiter)

	r := router.New(
		logger,
		jwtAuth,
		limiter,
		handlers.NewAuthHandler(authService),
		handlers.NewChatHandler(chatService, cfg.SyncReplies),
		hub,
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("relay ready")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	workerPool.Stop()
	return nil
}

func sweepLimiter(ctx context.Context, limiter *middleware.RateLimiter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Sweep()
		}
	}
}
