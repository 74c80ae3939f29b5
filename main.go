package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opentalab/paperchat/internal/agent"
	"github.com/opentalab/paperchat/internal/catalog"
	"github.com/opentalab/paperchat/internal/config"
	"github.com/opentalab/paperchat/internal/db"
	"github.com/opentalab/paperchat/internal/httpapi"
	"github.com/opentalab/paperchat/internal/llm"
	"github.com/opentalab/paperchat/internal/session"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Durable store with its async persistence queue.
	dbClient, err := db.NewClient(db.Config{DSN: cfg.Postgres.DSN()}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database client", zap.Error(err))
	}
	defer dbClient.Close()

	// Cache tier. A failed initial ping is fine; the session manager
	// degrades to durable-store-only until Redis comes back.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	defer redisClient.Close()
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Warn("Redis unreachable at startup, continuing degraded", zap.Error(err))
	}
	pingCancel()

	sessions := session.NewManager(redisClient, dbClient, session.Config{
		TTL:     cfg.Redis.TTL,
		TurnCap: cfg.Chat.CacheTurnCap,
	}, logger)

	// The retriever shares the durable store's connection pool.
	retriever := catalog.NewPostgresRetriever(dbClient.DB(), logger)

	llmClient := llm.NewClient(llm.Options{
		BaseURL:           cfg.LLM.BaseURL,
		Timeout:           cfg.LLM.Timeout,
		StreamTimeout:     cfg.LLM.StreamTimeout,
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
	}, logger)

	tasks := agent.DefaultTasks()
	if path := cfg.LLM.PromptOverridesPath; path != "" {
		overrides, err := llm.LoadPromptOverrides(path)
		if err != nil {
			logger.Warn("Prompt overrides not loaded", zap.String("path", path), zap.Error(err))
		} else {
			tasks = tasks.WithOverrides(overrides)
		}
	}

	orchestrator := agent.New(llmClient, retriever, sessions, tasks,
		agent.Options{TopK: cfg.Chat.TopK, HistoryLimit: cfg.Chat.HistoryLimit}, logger)

	handler := httpapi.NewHandler(httpapi.Config{
		Engine:    orchestrator,
		History:   sessions,
		Store:     dbClient,
		Searcher:  retriever,
		CachePing: sessions,
		StorePing: dbClient,
	}, logger)

	// Metrics on their own port, matching the main/admin split.
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: metricsMux,
	}

	apiServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     handler.Routes(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		logger.Info("API server listening", zap.String("addr", apiServer.Addr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("Metrics server listening", zap.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown failed", zap.Error(err))
		}
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("Service exited", zap.Error(err))
	}
}
