package cmds

import (
	"context"
	stderrors "errors"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/modelctl/modelctl/pkg/events"
	"github.com/modelctl/modelctl/pkg/status"
	"github.com/modelctl/modelctl/pkg/sysinfo"
	"github.com/modelctl/modelctl/pkg/tui"
)

func newTuiCmd() *cobra.Command {
	var refresh time.Duration
	var altScreen bool

	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Interactive dashboard for the model catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			catalog, err := loadCatalog(opts)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			ctrl, err := newController(ctx, opts, catalog)
			if err != nil {
				return err
			}

			bus, err := events.NewInMemoryBus()
			if err != nil {
				return err
			}

			tui.RegisterDomainTransform(bus)
			tui.RegisterActionHandler(ctx, bus, catalog, ctrl)

			programOptions := []tea.ProgramOption{
				tea.WithInput(cmd.InOrStdin()),
				tea.WithOutput(cmd.OutOrStdout()),
			}
			if altScreen {
				programOptions = append(programOptions, tea.WithAltScreen())
			}
			program := tea.NewProgram(tui.NewDashboard(bus), programOptions...)
			tui.RegisterUIForwarder(bus, program)

			watcher := &tui.StatusWatcher{
				Collector: &status.Collector{Catalog: catalog, Runtime: ctrl.Runtime},
				Sys:       sysinfo.NewCollector(),
				Bus:       bus,
				Interval:  refresh,
			}

			eg, egCtx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				err := bus.Run(egCtx)
				if stderrors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
			eg.Go(func() error {
				err := watcher.Run(egCtx)
				if stderrors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
			eg.Go(func() error {
				_, err := program.Run()
				cancel()
				if stderrors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})

			if err := eg.Wait(); err != nil {
				return errors.Wrap(err, "tui")
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&refresh, "refresh", 1*time.Second, "Refresh interval for status polling")
	cmd.Flags().BoolVar(&altScreen, "alt-screen", true, "Use the terminal alternate screen buffer")
	return cmd
}
