// The reconciler command runs scheduled reconciliation sweeps over every
// workspace linked to an external group.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"example.com/quotaengine/internal/config"
	"example.com/quotaengine/internal/domain"
	"example.com/quotaengine/internal/membership"
	"example.com/quotaengine/internal/observability"
	"example.com/quotaengine/internal/outbox"
	persistence "example.com/quotaengine/internal/persistence/postgres"
	"example.com/quotaengine/internal/reconcile"
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
	notifier := outbox.NewEnqueuer(pool)
	source := membership.NewClient(membership.Config{
		BaseURL:     cfg.MembershipBaseURL,
		APIKey:      cfg.MembershipAPIKey,
		CallTimeout: cfg.MembershipTimeout,
		MaxRetries:  cfg.MembershipMaxRetries,
		BaseDelay:   cfg.MembershipBaseDelay,
		PageSize:    cfg.MembershipPageSize,
	})
	reconciler := reconcile.NewReconciler(source, repo, notifier)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdownCh
		cancel()
	}()

	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()

	log.Printf("reconciler sweeping every %s", cfg.ReconcileInterval)
	for {
		sweep(ctx, repo, reconciler, cfg.ReconcileConcurrency)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sweep(ctx context.Context, repo *persistence.Repository, reconciler *reconcile.Reconciler, concurrency int) {
	ids, err := repo.SyncedWorkspaceIDs(ctx)
	if err != nil {
		log.Printf("sweep: listing workspaces: %v", err)
		return
	}

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(concurrency)
	for _, workspaceID := range ids {
		workspaceID := workspaceID
		grp.Go(func() error {
			summary, err := reconciler.Run(grpCtx, workspaceID)
			switch {
			case errors.Is(err, domain.ErrReconcileInProgress):
				// An on-demand pass holds the workspace; the next sweep
				// will pick it up.
			case err != nil:
				log.Printf("sweep: workspace %s: %v", workspaceID, err)
			default:
				observability.RecordMembershipFetched(time.Now())
				if summary.Added+summary.Removed+summary.Switched > 0 {
					log.Printf("sweep: workspace %s: +%d -%d ~%d", workspaceID, summary.Added, summary.Removed, summary.Switched)
				}
			}
			return nil
		})
	}
	_ = grp.Wait()
}
