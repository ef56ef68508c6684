package cmds

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/modelctl/modelctl/pkg/runtime"
	"github.com/modelctl/modelctl/pkg/status"
)

func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running/stopped state of every model",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			catalog, err := loadCatalog(opts)
			if err != nil {
				return err
			}

			rt, err := runtime.NewDocker(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			collector := &status.Collector{Catalog: catalog, Runtime: rt}
			snapshot, err := collector.Snapshot(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				b, err := json.MarshalIndent(snapshot, "", "  ")
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "MODEL\tENGINE\tPORT\tSTATUS")
			for _, ms := range snapshot {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", ms.ID, ms.Engine, ms.Port, ms.Status)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print statuses as JSON")
	return cmd
}
