package root

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/andrej220/goldenimage/internal/buildinfo"
)

func newVersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !asJSON {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "imagebuilder %s\n", buildinfo.Summary())
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{
				"version": buildinfo.Version,
				"commit":  buildinfo.Commit,
				"date":    buildinfo.Date,
				"go":      runtime.Version(),
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print detailed JSON version info")
	return cmd
}
