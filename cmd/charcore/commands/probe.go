package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/haivivi/charcore/pkg/cli"
	"github.com/haivivi/charcore/pkg/operation/backends"
)

var (
	probeFormat  string
	probeTimeout time.Duration
)

var probeCmd = &cobra.Command{
	Use:   "probe <url>",
	Short: "Fetch the metadata of a remote operation server",
	Long: `Fetch GET <url>/metadata from a remote operation server and print it.

Example:
  charcore probe http://localhost:9000`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := cli.ParseFormat(probeFormat, cli.FormatYAML, cli.FormatJSON)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
		defer cancel()
		meta, err := backends.Probe(ctx, args[0])
		if err != nil {
			return err
		}
		if _, err := backends.RemoteCapability(meta, args[0], nil); err != nil {
			cli.Warning(cmd.ErrOrStderr(), "server cannot be loaded: %v", err)
		}
		return cli.Write(cmd.OutOrStdout(), meta, f)
	},
}

func init() {
	probeCmd.Flags().StringVarP(&probeFormat, "format", "o", "yaml", "output format (yaml, json)")
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 10*time.Second, "request timeout")
	rootCmd.AddCommand(probeCmd)
}
