package cli

import (
	"context"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/config"
	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/outbox"
	"github.com/roach88/tillsync/internal/pull"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/store"
)

// environment is everything a command needs, built from flags and config.
type environment struct {
	cfg    config.Config
	tenant string
	store  *store.Store
	queue  *outbox.Queue
	engine *engine.Engine
	logger *slog.Logger
	out    *OutputFormatter
}

// openEnvironment loads the config, opens the store, and wires the engine.
// Callers must Close the result.
func openEnvironment(opts *RootOptions, cmd *cobra.Command) (*environment, error) {
	out := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}

	tenant := opts.Tenant
	if tenant == "" && len(cfg.Tenants) > 0 {
		tenant = cfg.Tenants[0]
	}
	if tenant == "" {
		return nil, NewExitError(ExitCommandError, "no tenant: pass --tenant or configure tenants")
	}

	logger := newLogger(cmd, cfg.LogLevel, opts.Verbose)

	schemas, err := cfg.SchemaRegistry()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load payload schemas", err)
	}

	out.VerboseLog("opening database %s", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	queueOpts := append(cfg.QueueOptions(), outbox.WithSchemas(schemas), outbox.WithLogger(logger))
	q := outbox.New(st, queueOpts...)

	r := opts.Remote
	if r == nil {
		r = newHTTPRemote(cfg.Remote)
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = engine.UUIDv7Generator{}
	}

	eng := engine.New(st, q, r, logApplier(logger),
		engine.WithEntityTypes(cfg.EntityTypes...),
		engine.WithOrder(engine.Order(cfg.Order)),
		engine.WithTokenGenerator(tokens),
		engine.WithLogger(logger),
		engine.WithPullOptions(
			pull.WithPageSize(cfg.PageSize),
			pull.WithFetchRetries(cfg.Retry.FetchRetries),
		),
		engine.WithDispatchOptions(
			outbox.WithBatchSize(cfg.BatchSize),
			outbox.WithMaxBatches(cfg.MaxBatches),
			outbox.WithBackpressure(cfg.BackpressureSettings()),
		),
	)

	return &environment{
		cfg:    cfg,
		tenant: tenant,
		store:  st,
		queue:  q,
		engine: eng,
		logger: logger,
		out:    out,
	}, nil
}

// Close closes the store.
func (e *environment) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Error("error closing database", "error", err)
	}
}

// newLogger logs as text to stderr. --verbose wins over the configured level.
func newLogger(cmd *cobra.Command, level string, verbose bool) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: lvl}))
}

func newHTTPRemote(rc config.RemoteConfig) *remote.HTTPClient {
	keys := make([]string, 0, len(rc.Headers))
	for k := range rc.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	opts := make([]remote.ClientOption, 0, len(keys))
	for _, k := range keys {
		opts = append(opts, remote.WithHeader(k, rc.Headers[k]))
	}
	return remote.NewHTTPClient(rc.BaseURL, rc.Timeout.Std(), opts...)
}

// logApplier acknowledges pulled changes by logging them. The host
// application owns its business tables; the CLI only advances sync state.
func logApplier(logger *slog.Logger) pull.Applier {
	return pull.ApplierFunc(func(ctx context.Context, tenantID, entityType string, changes []remote.Change) error {
		for _, c := range changes {
			logger.Debug("change pulled",
				"tenant", tenantID,
				"entity_type", entityType,
				"record_id", c.RecordID,
				"sequence", c.Sequence,
				"operation", string(c.Operation))
		}
		return nil
	})
}

// commandContext returns the command's context or a background one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
