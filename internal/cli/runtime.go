package cli

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/roach88/atelier/internal/config"
	"github.com/roach88/atelier/internal/definition"
	"github.com/roach88/atelier/internal/events"
	"github.com/roach88/atelier/internal/logging"
	"github.com/roach88/atelier/internal/pushchan"
	"github.com/roach88/atelier/internal/store"
	"github.com/roach88/atelier/internal/synccache"
	"github.com/roach88/atelier/internal/workflow"
)

// pushMode selects how a runtime wires the push channel.
type pushMode int

const (
	// pushPublish publishes store writes to Redis when Redis is enabled.
	pushPublish pushMode = iota
	// pushAttach also feeds the channel back into the dispatcher, falling
	// back to an in-process channel without Redis.
	pushAttach
)

// runtime is everything a command needs to talk to the workflow.
type runtime struct {
	cfg        *config.Config
	logger     *slog.Logger
	def        *definition.Definition
	store      *store.Store
	cache      *synccache.Cache
	dispatcher *events.Dispatcher
	svc        *workflow.Service
	push       pushchan.Channel

	closers []func() error
}

// loadConfig applies the root flag overrides on top of atelier.yaml.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Store.Path = opts.Database
	}
	if opts.Definition != "" {
		cfg.Definition = opts.Definition
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// openRuntime loads configuration and the definition, opens the store and
// builds the cache and service on top of it. Logs go to stderr.
// Extra workflow options are applied after the configured ones.
func openRuntime(ctx context.Context, opts *RootOptions, cmd *cobra.Command, mode pushMode, extra ...workflow.Option) (*runtime, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg}
	logger, closeLog, err := logging.Setup(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to set up logging", err)
	}
	rt.logger = logger
	rt.closers = append(rt.closers, closeLog)

	rt.def, err = definition.Load(cfg.Definition)
	if err != nil {
		rt.Close()
		return nil, WrapExitError(ExitCommandError, "failed to load definition", err)
	}

	if cfg.Redis.Enabled {
		r, err := pushchan.NewRedis(ctx, pushchan.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
			Logger:   logger,
		})
		if err != nil {
			rt.Close()
			return nil, WrapExitError(ExitCommandError, "failed to connect to redis", err)
		}
		rt.push = r
		rt.closers = append(rt.closers, r.Close)
	} else if mode == pushAttach {
		rt.push = pushchan.NewLocal()
	}

	storeOpts := []store.Option{store.WithLogger(logger)}
	if rt.push != nil {
		storeOpts = append(storeOpts, store.WithPushChannel(rt.push))
	}
	rt.store, err = store.Open(cfg.Store.Path, rt.def, storeOpts...)
	if err != nil {
		rt.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	rt.closers = append(rt.closers, rt.store.Close)

	rt.cache = synccache.New(rt.store,
		synccache.WithTTL(cfg.Cache.TTL),
		synccache.WithRetention(cfg.Cache.Retention),
		synccache.WithCapacity(cfg.Cache.Capacity),
		synccache.WithRetryPolicy(cfg.Retry.Policy()),
		synccache.WithLogger(logger),
	)
	rt.closers = append(rt.closers, func() error { rt.cache.Close(); return nil })

	rt.dispatcher = events.NewDispatcher(rt.cache, events.WithLogger(logger))
	wfOpts := []workflow.Option{
		workflow.WithDispatcher(rt.dispatcher),
		workflow.WithJournal(rt.store),
		workflow.WithRetryPolicy(cfg.Retry.Policy()),
		workflow.WithLogger(logger),
	}
	rt.svc = workflow.New(rt.def, rt.cache, rt.store, append(wfOpts, extra...)...)

	if mode == pushAttach {
		detach, err := rt.dispatcher.Attach(ctx, rt.push)
		if err != nil {
			rt.Close()
			return nil, WrapExitError(ExitCommandError, "failed to subscribe to push channel", err)
		}
		rt.closers = append(rt.closers, func() error { detach(); return nil })
	}

	logger.Debug("runtime ready",
		"store", cfg.Store.Path,
		"definition", rt.def.Source,
		"redis", cfg.Redis.Enabled,
		"cache_ttl", cfg.Cache.TTL)
	return rt, nil
}

// Close waits for pending auto-chains and releases everything in reverse
// order of acquisition.
func (rt *runtime) Close() error {
	if rt.svc != nil {
		rt.svc.Wait()
	}
	var errs *multierror.Error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	rt.closers = nil
	return errs.ErrorOrNil()
}

// commandContext bounds one-shot commands. Long-running commands use the
// signal context from their RunE instead.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, time.Minute)
}
