package commands

import (
	"fmt"

	"github.com/itchyny/gojq"
	"github.com/spf13/cobra"

	"github.com/haivivi/charcore/pkg/cli"
	"github.com/haivivi/charcore/pkg/config"
)

var (
	configFormat string
	configQuery  string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show, query and validate configuration files",
	Long: `Inspect charcore configuration files.

The file named by --config (default ~/.charcore/config.yaml) is merged over
the built-in defaults and validated against the configuration schema.

Examples:
  charcore config show
  charcore config show --query '.backends.openai.chat_model'
  charcore config validate -c character.yaml
  charcore config schema`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		doc, err := config.ToMap(cfg)
		if err != nil {
			return err
		}
		f, err := cli.ParseFormat(configFormat, cli.FormatYAML, cli.FormatJSON)
		if err != nil {
			return err
		}
		if configQuery == "" {
			return cli.Write(cmd.OutOrStdout(), doc, f)
		}

		query, err := gojq.Parse(configQuery)
		if err != nil {
			return fmt.Errorf("invalid query: %w", err)
		}
		iter := query.RunWithContext(cmd.Context(), doc)
		for {
			v, ok := iter.Next()
			if !ok {
				return nil
			}
			if err, ok := v.(error); ok {
				if herr, ok := err.(*gojq.HaltError); ok && herr.Value() == nil {
					return nil
				}
				return fmt.Errorf("query: %w", err)
			}
			if s, ok := v.(string); ok && f != cli.FormatJSON {
				fmt.Fprintln(cmd.OutOrStdout(), s)
				continue
			}
			if err := cli.Write(cmd.OutOrStdout(), v, f); err != nil {
				return err
			}
		}
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			paths, err := cli.NewPaths()
			if err != nil {
				return err
			}
			path = paths.ConfigFile()
		}
		if _, err := config.LoadFile(path); err != nil {
			return err
		}
		cli.Success(cmd.OutOrStdout(), "%s is valid", path)
		return nil
	},
}

var configSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON Schema of configuration documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.Schema()
		if err != nil {
			return err
		}
		return cli.Write(cmd.OutOrStdout(), s, cli.FormatJSON)
	},
}

func init() {
	configShowCmd.Flags().StringVarP(&configFormat, "format", "o", "yaml", "output format (yaml, json)")
	configShowCmd.Flags().StringVarP(&configQuery, "query", "q", "", "jq expression evaluated over the configuration")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configSchemaCmd)
	rootCmd.AddCommand(configCmd)
}
