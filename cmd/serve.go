package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/bnema/sdash/internal/adapters/web"
	"github.com/spf13/cobra"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Poll the API and relay dashboard events over HTTP and websocket",
		Long:  "serve runs the polling loop headless and exposes GET /api/state, POST /api/refresh and a /ws event stream for browser dashboards.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, v, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}

			a, err := wireApp(cfg, v, wireOptions{logOutput: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			hub := web.NewHub(a.logger)
			a.bus.Subscribe(hub.Publish)
			a.watchConfig()

			if err := a.orchestrator.Restore(ctx); err != nil {
				a.logger.Warn("restore snapshots failed", "err", err)
			}

			pollDone := make(chan error, 1)
			go func() { pollDone <- a.orchestrator.Run(ctx) }()

			serveErr := web.NewServer(a.orchestrator, hub, a.logger).ListenAndServe(ctx, cfg.Server.Listen)
			cancel()
			pollErr := <-pollDone

			return errors.Join(serveErr, pollErr)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "address to listen on (overrides server.listen)")
	return cmd
}
