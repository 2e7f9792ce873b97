package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/roach88/atelier/internal/api"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the workflow over HTTP",
		Long: `Run the JSON/HTTP API until interrupted. Store writes are published on
the push channel (Redis when enabled, in-process otherwise) and fed back
into the read cache, so writes by other processes are seen as well.

Examples:
  atelier serve --addr :8080
  ATELIER_REDIS_ENABLED=true atelier serve`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts, addr, cmd)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides http.addr)")
	return cmd
}

func runServe(ctx context.Context, rootOpts *RootOptions, addr string, cmd *cobra.Command) error {
	rt, err := openRuntime(ctx, rootOpts, cmd, pushAttach)
	if err != nil {
		return err
	}
	defer rt.Close()

	if addr == "" {
		addr = rt.cfg.HTTP.Addr
	}
	if !rootOpts.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := api.New(rt.svc, api.WithLogger(rt.logger))
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		return WrapExitError(ExitCommandError, "http server failed", err)
	}
	return nil
}
