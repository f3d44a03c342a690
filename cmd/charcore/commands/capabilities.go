package commands

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/haivivi/charcore/pkg/cli"
	"github.com/haivivi/charcore/pkg/operation"
	"github.com/haivivi/charcore/pkg/operation/backends"
)

var capabilitiesFormat string

var capabilitiesCmd = &cobra.Command{
	Use:     "capabilities",
	Aliases: []string{"caps"},
	Short:   "List the built-in operation capabilities",
	Long: `List every built-in operation capability.

Capabilities that are not compatible are dimmed: they cannot be loaded while
compatibility mode is enabled. Remote capabilities appear once a
configuration naming them is loaded; use 'charcore probe' to inspect one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := cli.ParseFormat(capabilitiesFormat, cli.FormatTable, cli.FormatYAML, cli.FormatJSON)
		if err != nil {
			return err
		}
		caps := backends.Capabilities(nil, newLogger(cmd))
		slices.SortStableFunc(caps, func(a, b operation.Capability) int {
			return int(a.Type) - int(b.Type)
		})

		if f != cli.FormatTable {
			type entry struct {
				Type        string `json:"type" yaml:"type"`
				ID          string `json:"id" yaml:"id"`
				Compatible  bool   `json:"compatible" yaml:"compatible"`
				Description string `json:"description" yaml:"description"`
			}
			out := make([]entry, len(caps))
			for i, c := range caps {
				out[i] = entry{c.Type.String(), c.ID, c.Compatible, c.Description}
			}
			return cli.Write(cmd.OutOrStdout(), out, f)
		}

		rows := make([][]string, len(caps))
		for i, c := range caps {
			compat := "yes"
			if !c.Compatible {
				compat = "no"
			}
			rows[i] = []string{c.Type.String(), c.ID, compat, c.Description}
		}
		styles := cli.NewStyles(cli.DefaultTheme)
		fmt.Fprintln(cmd.OutOrStdout(), cli.Table{
			Styles:  styles,
			Headers: []string{"TYPE", "ID", "COMPATIBLE", "DESCRIPTION"},
			Rows:    rows,
			Dim:     func(i int) bool { return !caps[i].Compatible },
		}.Render())
		return nil
	},
}

func init() {
	capabilitiesCmd.Flags().StringVarP(&capabilitiesFormat, "format", "o", "table", "output format (table, yaml, json)")
	rootCmd.AddCommand(capabilitiesCmd)
}
