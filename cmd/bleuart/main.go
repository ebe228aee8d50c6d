package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "bleuart",
	Short: "BLE UART tester",
	Long: `Interactive tester for BLE UART-like services:

- Scan and list nearby BLE peripherals
- Connect to one peripheral at a time and subscribe to its notify characteristic
- Send raw messages over the write characteristic and watch notifications
- Bridge a peripheral to a PTY for serial-like access

Service and characteristic UUIDs, timeouts and the write policy for payloads
above 20 bytes come from the config file (~/.config/bleuart/config.yaml) and
can be overridden with flags.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("bleuart {{.Version}} (commit %s, built %s)\n", commit, date))

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(bridgeCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/bleuart/config.yaml)")
	rootCmd.PersistentFlags().String("driver", "", "BLE backend: go-ble or bluez (linux only)")
	rootCmd.PersistentFlags().String("write-policy", "", "Payloads above 20 bytes: fragment or reject")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
