package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bnema/sdash/internal/adapters/tui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

func newWatchCmd(root *rootOptions) *cobra.Command {
	var showActivity bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Open the live dashboard in the terminal",
		Long:  "watch polls the API in the background and redraws the dashboard whenever a resource changes. Polling pauses while the terminal is unfocused. Logs go to ~/.config/sdash/sdash.log.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, v, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}

			logFile, err := openLogFile()
			if err != nil {
				return err
			}
			defer func() { _ = logFile.Close() }()

			a, err := wireApp(cfg, v, wireOptions{logOutput: logFile, showActivity: showActivity})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p := tea.NewProgram(
				tui.NewModel(a.orchestrator, a.activity),
				tea.WithAltScreen(),
				tea.WithReportFocus(),
				tea.WithContext(ctx),
			)
			detach := tui.Attach(p, a.orchestrator, a.bus)
			defer detach()
			a.watchConfig()

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			runDone := make(chan error, 1)
			go func() {
				// Restore delivers to the program, so it must run once the
				// program is reading messages.
				if err := a.orchestrator.Restore(runCtx); err != nil {
					a.logger.Warn("restore snapshots failed", "err", err)
				}
				runDone <- a.orchestrator.Run(runCtx)
			}()

			_, runErr := p.Run()
			cancel()
			pollErr := <-runDone

			if runErr != nil && !errors.Is(runErr, tea.ErrProgramKilled) {
				return fmt.Errorf("run dashboard: %w", runErr)
			}
			return pollErr
		},
	}

	cmd.Flags().BoolVar(&showActivity, "activity", false, "show the activity log panel on start")
	return cmd
}
