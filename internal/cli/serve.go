package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"postflow/internal/api"
	"postflow/internal/config"
	"postflow/internal/logging"
	"postflow/internal/queue"
	"postflow/internal/retry"
	"postflow/internal/scheduler"
	"postflow/internal/store"
	"postflow/internal/worker"
)

func newServeCmd(o *overrides) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the dispatcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), o)
		},
	}
	cmd.Flags().StringVar(&o.addr, "addr", "", "Override http.addr")
	return cmd
}

func serve(parent context.Context, o *overrides) error {
	if parent == nil {
		parent = context.Background()
	}
	mgr, cfg, err := o.load()
	if err != nil {
		return err
	}
	closer, err := logging.Setup(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	pubs, err := publishers(cfg)
	if err != nil {
		return err
	}

	q := queue.New()
	rc := retry.NewController(st, q, retry.Policy{Base: cfg.RetryBase(), MaxDelay: cfg.RetryMaxDelay()})
	pool := worker.NewPool(st, q, rc, pubs, dispatchConfig(cfg))
	svc := scheduler.NewService(st, q, rc, scheduler.Config{
		MaxRetries:    cfg.Scheduler.MaxRetries,
		StaleAfter:    cfg.StaleAfter(),
		SweepSchedule: cfg.Scheduler.SweepSchedule,
		Platforms:     enabledPlatforms(pubs),
	})

	if _, err := svc.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if err := svc.StartSweeper(); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Run(dispatchCtx)
	}()

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		ReadTimeout:  cfg.ReadTimeout(),
		WriteTimeout: cfg.WriteTimeout(),
		Handler: api.NewServer(svc, api.Options{
			Debug:    cfg.HTTP.Debug,
			Counts:   st,
			Queue:    q,
			Dispatch: pool,
		}),
	}
	srvErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	updates := mgr.Subscribe(1)
	go func() {
		if err := mgr.Watch(ctx); err != nil {
			log.Error().Err(err).Msg("config watch")
		}
	}()
	go applyReloads(ctx, updates, o, pool)

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug().Err(err).Msg("sd_notify ready")
	}

	select {
	case <-ctx.Done():
	case err = <-srvErr:
		log.Error().Err(err).Msg("http server")
	}

	log.Info().Msg("shutting down")
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Error().Err(serr).Msg("http shutdown")
	}
	svc.Stop()
	cancelDispatch()
	wg.Wait()
	q.Close()
	return err
}

// applyReloads pushes the reloadable settings of every new config into the
// running process. Store, listen address and publishers need a restart.
func applyReloads(ctx context.Context, updates <-chan *config.Config, o *overrides, pool *worker.Pool) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-updates:
			o.apply(cfg)
			if err := logging.SetLevel(cfg.Log.Level); err != nil {
				log.Warn().Err(err).Msg("reload log level")
			}
			for p, l := range limits(cfg) {
				pool.SetLimit(p, l)
			}
			log.Info().Int("platforms", len(cfg.Platforms)).Msg("applied reloaded config")
		}
	}
}
