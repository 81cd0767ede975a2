package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/termfleet/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate or validate configuration files",
	Long: `Manage orchestrator configuration files.

Subcommands:
  init     - Generate a default configuration file
  validate - Validate an existing configuration file

Examples:
  termfleet config init -o termfleet.yaml
  termfleet config validate -f termfleet.yaml`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default configuration file",
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Check that a configuration file loads and passes validation after
environment overrides are applied.`,
	RunE: runConfigValidate,
}

var (
	configInitOutput   string
	configValidatePath string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	configInitCmd.Flags().StringVarP(&configInitOutput, "output", "o", "termfleet.yaml", "output config file path")
	configValidateCmd.Flags().StringVarP(&configValidatePath, "file", "f", "", "path to config file (required)")
	_ = configValidateCmd.MarkFlagRequired("file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if err := cfg.SaveToFile(configInitOutput); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Created default configuration: %s\n", configInitOutput)
	fmt.Fprintln(out, "\nSet terminal.binary and webhook.token, then run:")
	fmt.Fprintf(out, "  termfleet serve -c %s\n", configInitOutput)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configValidatePath, envFile)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Configuration valid: %s\n", configValidatePath)
	fmt.Fprintf(out, "  Listen:   %s\n", cfg.Server.Listen)
	fmt.Fprintf(out, "  Terminal: %s (work root %s, grace %s)\n", cfg.Terminal.Binary, cfg.Terminal.WorkRoot, cfg.Terminal.GracePeriod)
	fmt.Fprintf(out, "  Registry: %s\n", cfg.Registry.Driver)
	if cfg.Webhook.Token == "" {
		fmt.Fprintln(out, "  Webhook:  no token set, every signal will be rejected")
	} else {
		fmt.Fprintf(out, "  Webhook:  %s/<token>\n", cfg.Webhook.PathPrefix)
	}
	return nil
}
