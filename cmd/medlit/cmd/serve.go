package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/medlit/medlit/internal/errors"
	"github.com/medlit/medlit/internal/mcpserver"
	"github.com/medlit/medlit/internal/pubmed"
	"github.com/medlit/medlit/internal/server"
	"github.com/medlit/medlit/internal/tool"
)

func newServeCmd() *cobra.Command {
	var transport string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the retrieval service",
		Long: `Starts the job workers and the configured transports: the HTTP
tool surface, the MCP stdio surface, or both. A scheduled sync job is
enqueued periodically when sync.interval and sync.term are set.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), transport)
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "", "Override server.transport (http, stdio, both)")
	return cmd
}

func runServe(ctx context.Context, transportOverride string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	transport := strings.ToLower(a.cfg.Server.Transport)
	if transportOverride != "" {
		transport = strings.ToLower(transportOverride)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.pool.Run(gctx) })

	if transport == "http" || transport == "both" {
		srv := server.New(server.Options{
			Invoker:    a.invoker,
			Queue:      a.queue,
			Jobs:       a.store,
			Health:     a.health,
			Logger:     a.logger,
			AuthSecret: a.cfg.Server.AuthSecret,
		})
		httpServer := &http.Server{
			Addr:         a.cfg.Server.Addr,
			Handler:      srv.Handler(),
			ReadTimeout:  a.cfg.Server.ReadTimeout,
			WriteTimeout: a.cfg.Server.WriteTimeout,
		}

		g.Go(func() error {
			a.logger.Info("http server listening", "addr", a.cfg.Server.Addr)
			if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(
				context.Background(), a.cfg.Server.ShutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	if transport == "stdio" || transport == "both" {
		m, err := mcpserver.New(mcpserver.Options{
			Retrieval: a.search,
			Syncer:    a.syncer,
			Queue:     a.queue,
			Jobs:      a.store,
			Logger:    a.logger,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return m.Run(gctx) })
	}

	if a.cfg.Sync.Interval > 0 && a.cfg.Sync.Term != "" {
		g.Go(func() error { return runSyncScheduler(gctx, a) })
	}

	g.Go(func() error { return runRepairSweep(gctx, a) })

	err = g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// repairSweepInterval paces the background sweep that re-indexes
// documents whose chunk writes were deferred by an index outage.
const repairSweepInterval = 30 * time.Second

// runRepairSweep periodically re-chunks and indexes documents left
// chunks-pending, skipping rounds while the index breaker is open.
func runRepairSweep(ctx context.Context, a *app) error {
	ticker := time.NewTicker(repairSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if a.indexBreaker.State() == errors.StateOpen {
				continue
			}
			repaired, err := a.pipe.RepairPending(ctx, 100)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				a.logger.Warn("repair sweep failed", "error", err)
				continue
			}
			if repaired > 0 {
				a.logger.Info("repair sweep completed", "repaired", repaired)
			}
		}
	}
}

// runSyncScheduler enqueues a sync job every interval. The idempotency
// key is derived from the interval slot so a restart inside one slot
// cannot double-enqueue.
func runSyncScheduler(ctx context.Context, a *app) error {
	interval := a.cfg.Sync.Interval
	term := a.cfg.Sync.Term

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.Info("sync scheduler started", "term", term, "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			params, err := json.Marshal(map[string]string{
				"source": pubmed.SourceName,
				"term":   term,
			})
			if err != nil {
				return err
			}
			slot := now.Unix() / int64(interval/time.Second)
			key := fmt.Sprintf("scheduled:%s:%d", term, slot)

			_, inserted, err := a.queue.Enqueue(ctx, tool.NameSync, params, key)
			switch {
			case err != nil:
				a.logger.Warn("scheduled sync enqueue failed", "term", term, "error", err)
			case inserted:
				a.logger.Info("scheduled sync enqueued", "term", term)
			}
		}
	}
}
