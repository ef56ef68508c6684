package cmds

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newDownCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "down [model...]",
		Short: "Stop models (graceful stop, then force removal)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			catalog, err := loadCatalog(opts)
			if err != nil {
				return err
			}
			models, err := selectModels(catalog, args, all)
			if err != nil {
				return err
			}

			ctrl, err := newController(cmd.Context(), opts, catalog)
			if err != nil {
				return err
			}

			for _, m := range models {
				ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
				err := ctrl.Stop(ctx, m)
				cancel()
				if err != nil {
					return errors.Wrapf(err, "stop %s", m.ID)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s stopped\n", m.ID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Stop every model in the catalog")
	return cmd
}
