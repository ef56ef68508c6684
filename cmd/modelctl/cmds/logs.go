package cmds

import (
	"io"

	"github.com/araddon/dateparse"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/modelctl/modelctl/pkg/runtime"
)

func newLogsCmd() *cobra.Command {
	var lines int
	var follow bool
	var since string

	cmd := &cobra.Command{
		Use:   "logs <model>",
		Short: "Show a model's logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			catalog, err := loadCatalog(opts)
			if err != nil {
				return err
			}
			m := catalog.Find(args[0])
			if m == nil {
				return errors.Errorf("unknown model %q", args[0])
			}

			logOpts := runtime.LogOptions{Tail: lines, Follow: follow}
			if since != "" {
				t, err := dateparse.ParseAny(since)
				if err != nil {
					return errors.Wrapf(err, "parse --since %q", since)
				}
				logOpts.Since = t
			}

			ctrl, err := newController(cmd.Context(), opts, catalog)
			if err != nil {
				return err
			}

			rc, err := ctrl.Logs(cmd.Context(), m, logOpts)
			if err != nil {
				return err
			}
			defer func() { _ = rc.Close() }()

			_, err = io.Copy(cmd.OutOrStdout(), rc)
			return err
		},
	}

	cmd.Flags().IntVar(&lines, "lines", 100, "Number of trailing log lines")
	cmd.Flags().BoolVar(&follow, "follow", false, "Stream new log output (container models)")
	cmd.Flags().StringVar(&since, "since", "", "Only logs newer than this time (any common format)")
	return cmd
}
