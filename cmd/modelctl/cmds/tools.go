package cmds

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/modelctl/modelctl/pkg/toolspec"
)

func newToolsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the sandboxed tool manifests under <base-dir>/tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}

			loader := &toolspec.Loader{ToolsDir: filepath.Join(opts.BaseDir, "tools")}
			defs, err := loader.LoadAll()
			if err != nil {
				return err
			}

			names := make([]string, 0, len(defs))
			for name := range defs {
				names = append(names, name)
			}
			sort.Strings(names)

			if asJSON {
				tools := make([]map[string]any, 0, len(names))
				for _, name := range names {
					tools = append(tools, defs[name].OpenAITool())
				}
				b, err := json.MarshalIndent(tools, "", "  ")
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "TOOL\tVERSION\tDESCRIPTION")
			for _, name := range names {
				d := defs[name]
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", d.Name, d.Version, d.Description)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print manifests in OpenAI function format")
	return cmd
}
