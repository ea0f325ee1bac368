package cmd

import (
	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags; "dev" otherwise.
var version = "dev"

var cfgPath string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "transportd",
	Short:   "EventDance Web Transport Server",
	Long:    `transportd serves the EventDance Web Transport protocol: mechanism negotiation, Long-Polling, and WebSocket sub-transports behind a single HTTP listener.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main() and only needs to run
// once.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config.json (defaults to the XDG config location)")
}
