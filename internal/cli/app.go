package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andywolf/ctxkeeper/internal/config"
	"github.com/andywolf/ctxkeeper/internal/control"
	"github.com/andywolf/ctxkeeper/internal/events"
	"github.com/andywolf/ctxkeeper/internal/ledger"
	"github.com/andywolf/ctxkeeper/internal/logging"
	"github.com/andywolf/ctxkeeper/internal/notes"
	"github.com/andywolf/ctxkeeper/internal/observer"
	"github.com/andywolf/ctxkeeper/internal/printer"
	"github.com/andywolf/ctxkeeper/internal/selfmodel"
	"github.com/andywolf/ctxkeeper/internal/version"
)

// app is everything one command invocation needs, wired from config.
type app struct {
	cfg      *config.Config
	logger   *logging.StructuredLogger
	observer *observer.Observer
	plane    *control.Plane
	builder  *selfmodel.Builder
	notes    notes.Store
	schema   notes.Schema
	printer  *printer.Printer

	closers []func() error
}

func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if viper.GetBool("verbose") {
		cfg.Log.Level = "debug"
	}
	return newApp(commandContext(cmd), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
}

func newApp(ctx context.Context, cfg *config.Config, out, errOut io.Writer) (*app, error) {
	level, _ := logging.ParseSeverity(cfg.Log.Level)
	logger := logging.New(
		logging.WithWriter(errOut),
		logging.WithLabels(version.Labels()),
		logging.WithMinSeverity(level),
	)

	a := &app{
		cfg:     cfg,
		logger:  logger,
		printer: printer.New(out, errOut),
	}

	backend, err := a.openBackend(ctx)
	if err != nil {
		return nil, err
	}

	a.observer = observer.New(backend,
		observer.WithConfig(cfg.ObserverLimits()),
		observer.WithLogger(logger.Named("observer")),
	)

	planeOpts := []control.Option{
		control.WithLogger(logger.Named("control")),
		control.WithPolicy(control.Policy{Overrides: cfg.PolicyOverrides()}),
		control.WithTTL(cfg.ActionTTL()),
	}
	if cfg.Audit.Enabled {
		sink, err := events.NewFileSink(cfg.Audit.Dir)
		if err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
		a.closers = append(a.closers, sink.Close)
		planeOpts = append(planeOpts, control.WithAuditSink(sink))
	}
	a.plane = control.New(a.observer, planeOpts...)

	a.builder = selfmodel.NewBuilder(selfmodel.WithLogger(logger.Named("selfmodel")))
	a.notes = notes.NewFileStore(cfg.Notes.Path)
	a.schema, err = notes.LoadSchema(cfg.Notes.Schema)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			_ = a.Close(ctx)
			return nil, err
		}
		logger.Debugf("no schema at %s, coverage will be empty", cfg.Notes.Schema)
		a.schema = notes.NewSchema()
	}

	return a, nil
}

func (a *app) openBackend(ctx context.Context) (ledger.Backend, error) {
	switch a.cfg.Storage.Backend {
	case "redis":
		b, err := ledger.DialRedis(ctx, a.cfg.Storage.RedisAddr,
			ledger.WithRedisKey(a.cfg.Storage.RedisKey),
			ledger.WithRedisLogger(a.logger.Named("ledger")),
		)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, b.Close)
		return b, nil
	default:
		return ledger.NewFileBackend(a.cfg.Storage.Path, ledger.WithFileLogger(a.logger.Named("ledger"))), nil
	}
}

// Close flushes the observer and releases resources.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.observer != nil {
		if err := a.observer.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush observer: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// closeTimeout bounds the final flush once a command has finished.
const closeTimeout = 5 * time.Second

// shutdown closes the app on a context detached from ctx's cancellation, so
// an interrupted command still flushes buffered events.
func (a *app) shutdown(ctx context.Context) error {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	return a.Close(closeCtx)
}

// withApp opens the app for a command and closes it afterwards.
func withApp(run func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		runErr := run(ctx, cmd, a, args)
		if err := a.shutdown(ctx); err != nil {
			if runErr == nil {
				return err
			}
			a.printer.Warning("cleanup failed: %v", err)
		}
		return runErr
	}
}
