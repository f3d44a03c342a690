// Package cli provides the output helpers of the charcore command.
//
// It covers:
//   - -o flag parsing and YAML/JSON documents
//   - Styled tables
//   - The ~/.charcore directory layout
//
// Example usage:
//
//	f, err := cli.ParseFormat(flag, cli.FormatTable, cli.FormatYAML, cli.FormatJSON)
//	if f != cli.FormatTable {
//	    return cli.Write(cmd.OutOrStdout(), caps, f)
//	}
//
//	fmt.Println(cli.Table{
//	    Styles:  cli.NewStyles(cli.DefaultTheme),
//	    Headers: []string{"TYPE", "ID"},
//	    Rows:    rows,
//	}.Render())
package cli
