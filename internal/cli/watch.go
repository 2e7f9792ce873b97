package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/atelier/internal/events"
	"github.com/roach88/atelier/internal/job"
	"github.com/roach88/atelier/internal/logging"
	"github.com/roach88/atelier/internal/pushchan"
)

// WatchEvent is one line of watch output.
type WatchEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print dossier events from the Redis push channel",
		Long: `Subscribe to the configured Redis channel and print every normalized
dossier event until interrupted. Requires redis.enabled.

With --format json each event is one JSON object per line.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, rootOpts, cmd)
		},
	}
	return cmd
}

func runWatch(ctx context.Context, rootOpts *RootOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(rootOpts)
	if err != nil {
		return err
	}
	if !cfg.Redis.Enabled {
		return NewExitError(ExitCommandError, "watch requires redis.enabled (or ATELIER_REDIS_ENABLED=true)")
	}

	logger, closeLog, err := logging.Setup(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up logging", err)
	}
	defer closeLog()

	ch, err := pushchan.NewRedis(ctx, pushchan.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Channel:  cfg.Redis.Channel,
		Logger:   logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect to redis", err)
	}
	defer ch.Close()

	formatter := rootOpts.formatter(cmd)
	var mu sync.Mutex
	dispatcher := events.NewDispatcher(nil, events.WithLogger(logger))
	dispatcher.Subscribe(func(eventType string, payload any) error {
		mu.Lock()
		defer mu.Unlock()
		if formatter.Format == "json" {
			return formatter.encode(CLIResponse{Status: "ok", Data: WatchEvent{Type: eventType, Payload: payload}})
		}
		fmt.Fprintln(formatter.Writer, describeEvent(eventType, payload))
		return nil
	})

	detach, err := dispatcher.Attach(ctx, ch)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to subscribe", err)
	}
	defer detach()

	formatter.VerboseLog("Watching %s on %s", ch.Channel(), cfg.Redis.Addr)
	<-ctx.Done()
	return nil
}

// describeEvent renders a dispatcher event as one line of text.
func describeEvent(eventType string, payload any) string {
	switch p := payload.(type) {
	case events.Change:
		return fmt.Sprintf("%s %s %s", p.Timestamp.Format("15:04:05"), eventType, strings.Join(p.IDs(), ","))
	case job.Notification:
		return fmt.Sprintf("%s %s %s %s: %s", p.At.Format("15:04:05"), eventType, p.Type, p.JobID, p.Message)
	default:
		return fmt.Sprintf("%s %v", eventType, payload)
	}
}
