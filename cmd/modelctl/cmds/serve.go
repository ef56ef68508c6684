package cmds

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/modelctl/modelctl/pkg/manager"
	"github.com/modelctl/modelctl/pkg/status"
	"github.com/modelctl/modelctl/pkg/sysinfo"
	"github.com/modelctl/modelctl/pkg/toolspec"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the management API (models, system memory, tool manifests)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			catalog, err := loadCatalog(opts)
			if err != nil {
				return err
			}

			ctrl, err := newController(cmd.Context(), opts, catalog)
			if err != nil {
				return err
			}

			srv := &manager.Server{
				Catalog:  catalog,
				Control:  ctrl,
				Statuses: &status.Collector{Catalog: catalog, Runtime: ctrl.Runtime},
				Runtime:  ctrl.Runtime,
				Sys:      sysinfo.NewCollector(),
				Tools:    &toolspec.Loader{ToolsDir: filepath.Join(opts.BaseDir, "tools")},
				Auth:     manager.AuthConfigFromEnv(),
			}
			return srv.ListenAndServe(cmd.Context(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":5175", "Listen address for the management API")
	return cmd
}
