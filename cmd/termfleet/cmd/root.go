package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "termfleet",
	Short: "Run and supervise trading terminals for many accounts",
	Long: `Termfleet keeps one trading terminal process running per registered
account and routes webhook trading signals to the right terminal.

It provides:
  - An orchestrator server (termfleet serve) with an operator HTTP API
  - A webhook endpoint that delivers signals to running terminals
  - Client commands to add, open, restart, stop and delete accounts`,
	SilenceUsage: true,
}

var (
	configPath string
	envFile    string
	serverURL  string
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (YAML or JSON); defaults apply when empty")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional file of TERMFLEET_* variables")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "orchestrator address used by client commands")
}
