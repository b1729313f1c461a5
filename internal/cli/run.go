package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/memsync/internal/engine"
	"github.com/roach88/memsync/internal/identity"
	"github.com/roach88/memsync/internal/push"
	"github.com/roach88/memsync/internal/schema"
	"github.com/roach88/memsync/internal/snapshot"
	"github.com/roach88/memsync/internal/store"
)

// shutdownTimeout bounds the final checkpoint.
const shutdownTimeout = 10 * time.Second

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Journal     string
	MetricsAddr string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load every collection and follow server pushes",
		Long: `Start the sync engine against the configured server.

The engine restores the local mirror from the journal (if one is configured),
loads every collection, then applies push events until interrupted. On
shutdown every collection is checkpointed to the journal.

Example:
  memsync run --config ./memsync.yaml
  memsync run --config ./memsync.yaml --journal ./memsync.db --metrics-addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", "", "path to SQLite journal (overrides journal.path)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.addr)")

	return cmd
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	rt, err := loadRuntime(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if opts.Journal != "" {
		rt.cfg.Journal.Path = opts.Journal
	}
	if opts.MetricsAddr != "" {
		rt.cfg.Metrics.Addr = opts.MetricsAddr
	}

	client, err := rt.newAPIClient()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	// Provisional ids stay unique across restarts of a long-running client.
	engOpts := []engine.Option{
		engine.WithRetryPolicy(rt.retryPolicy()),
		engine.WithMetrics(engine.NewMetrics(reg)),
		engine.WithIDGenerator(engine.UUIDv7Generator{}),
	}

	if rt.cfg.Journal.Path != "" {
		st, warm, err := openJournal(cmd.Context(), rt.cfg.Journal.Path, rt.schema)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				slog.Error("error closing journal", "error", closeErr)
			}
		}()
		engOpts = append(engOpts, warm...)
	}

	eng := engine.New(rt.schema, client, engOpts...)

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	// The engine outlives ctx so Shutdown can still checkpoint through it.
	engCtx, engCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer engCancel()
	engDone := make(chan error, 1)
	go func() { engDone <- eng.Run(engCtx) }()

	fmt.Fprintln(cmd.OutOrStdout(), "Engine started. Press Ctrl-C to stop.")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	g.Go(func() error {
		if err := eng.LoadAll(gctx); err != nil {
			// Collections that failed keep their previous contents.
			slog.Error("initial load incomplete", "error", err)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Synced %d collections.\n", len(rt.schema.Names()))
		return nil
	})

	if rt.cfg.Push.URL != "" {
		pc, err := push.New(push.Config{
			URL:             rt.cfg.Push.URL,
			Schema:          rt.schema,
			Entities:        rt.cfg.Push.Entities,
			Token:           rt.cfg.API.Token,
			InitialInterval: rt.cfg.Push.InitialInterval,
			MaxInterval:     rt.cfg.Push.MaxInterval,
			Metrics:         push.NewMetrics(reg),
		}, eng)
		if err != nil {
			cancel()
			return shutdownAfter(eng, engDone, WrapExitError(ExitCommandError, "failed to create push client", err))
		}
		g.Go(func() error {
			return pc.Run(gctx)
		})
	}

	if rt.cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              rt.cfg.Metrics.Addr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			go func() {
				<-gctx.Done()
				_ = srv.Shutdown(context.Background())
			}()
			slog.Info("serving metrics", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	var runErr error
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		runErr = WrapExitError(ExitFailure, "engine error", err)
	}
	return shutdownAfter(eng, engDone, runErr)
}

// shutdownAfter checkpoints and stops eng, then returns runErr (or the
// shutdown error when runErr is nil).
func shutdownAfter(eng *engine.Engine, engDone <-chan error, runErr error) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := eng.Shutdown(ctx)
	if errors.Is(err, engine.ErrNotRunning) {
		// Run has not picked up yet; a closed queue makes it return at once.
		eng.Stop()
		err = nil
	}
	if err != nil {
		slog.Error("shutdown failed", "error", err)
		if runErr == nil {
			runErr = WrapExitError(ExitFailure, "shutdown failed", err)
		}
	}
	if err := <-engDone; err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("engine stopped with error", "error", err)
	}

	slog.Info("engine stopped gracefully")
	return runErr
}

// openJournal opens the journal at path and restores its state. The returned
// options start an engine from the restored store and resume the clock.
func openJournal(ctx context.Context, path string, s *schema.Schema) (*store.Store, []engine.Option, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	slog.Info("opening journal", "path", path)
	st, err := store.Open(path)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open journal", err)
	}

	restored := snapshot.New()
	res, err := st.Replay(ctx, identity.New(s), restored)
	if err != nil {
		_ = st.Close()
		return nil, nil, WrapExitError(ExitCommandError, "failed to replay journal", err)
	}
	slog.Info("journal restored", "last_seq", res.LastSeq, "applied", res.Applied, "skipped", res.Skipped)

	return st, []engine.Option{
		engine.WithJournal(st),
		engine.WithStore(restored),
		engine.WithClock(engine.NewClockAt(res.LastSeq)),
	}, nil
}
