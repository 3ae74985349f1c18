package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telekom/csvaudit/pkg/output"
	"github.com/telekom/csvaudit/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show csvaudit version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.GetBuildInfo()

			// Get runtime if available (for custom writer), but don't fail if missing
			writer := cmd.OutOrStdout()
			format := output.FormatTable
			if rt, err := getRuntime(cmd); err == nil {
				writer = rt.Writer()
				format = rt.OutputFormat()
			}

			if format == output.FormatTable {
				_, err := fmt.Fprintln(writer, info.String())
				return err
			}
			return output.WriteObject(writer, format, info)
		},
	}
}
