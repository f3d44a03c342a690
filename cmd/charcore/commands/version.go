package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haivivi/charcore/cmd/charcore/internal/build"
	"github.com/haivivi/charcore/pkg/cli"
)

var versionFormat string

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		if versionFormat != "" {
			f, err := cli.ParseFormat(versionFormat, cli.FormatYAML, cli.FormatJSON)
			if err != nil {
				return err
			}
			return cli.Write(cmd.OutOrStdout(), build.Get(), f)
		}
		fmt.Fprintln(cmd.OutOrStdout(), build.String())
		if IsVerbose() {
			fmt.Fprintf(cmd.OutOrStdout(), "  go:     %s\n", build.Get().Go)
			if _, path, err := loadConfig(); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "  config: (unavailable: %v)\n", err)
			} else if path == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "  config: (defaults)")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "  config: %s\n", path)
			}
		}
		return nil
	},
}

func init() {
	versionCmd.Flags().StringVar(&versionFormat, "format", "", "structured output format (yaml, json)")
	rootCmd.AddCommand(versionCmd)
}
