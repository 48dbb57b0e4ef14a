package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/quotaengine/internal/aggregate"
	"example.com/quotaengine/internal/api"
	"example.com/quotaengine/internal/auth"
	"example.com/quotaengine/internal/config"
	"example.com/quotaengine/internal/membership"
	"example.com/quotaengine/internal/outbox"
	"example.com/quotaengine/internal/period"
	"example.com/quotaengine/internal/permcache"
	persistence "example.com/quotaengine/internal/persistence/postgres"
	"example.com/quotaengine/internal/reconcile"
	httptransport "example.com/quotaengine/internal/transport/http"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	repo := persistence.NewRepository(pool)
	producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
	defer producer.Close()

	dispatcher := outbox.NewDispatcher(pool, producer, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	go dispatcher.Start(ctx)

	notifier := outbox.NewEnqueuer(pool)
	aggregator := aggregate.NewAggregator(repo)
	resetter := period.NewResetter(repo, repo, aggregator, notifier)

	source := membership.NewClient(membership.Config{
		BaseURL:     cfg.MembershipBaseURL,
		APIKey:      cfg.MembershipAPIKey,
		CallTimeout: cfg.MembershipTimeout,
		MaxRetries:  cfg.MembershipMaxRetries,
		BaseDelay:   cfg.MembershipBaseDelay,
		PageSize:    cfg.MembershipPageSize,
	})
	reconciler := reconcile.NewReconciler(source, repo, notifier)

	cache := permcache.New(cfg.PermissionCacheTTL, nil)
	handler := api.NewHandler(repo, aggregator, resetter, reconciler, notifier, cache)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	// Basic request logger
	logger := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("%s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}

	authMiddleware := auth.NewMiddleware(
		auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer},
		func(r *http.Request) bool {
			return r.URL.Path == "/healthz" || r.URL.Path == "/metrics"
		},
	)

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, authMiddleware.Wrap(logger(mux)))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("quota-engine api listening on %s", cfg.HTTPAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	dispatcher.Wait()
}
