package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// connectCmd represents the interactive connect command
var connectCmd = &cobra.Command{
	Use:   "connect [device-address]",
	Short: "Open an interactive UART session",
	Long: `Opens an interactive session with a BLE UART peripheral.

With an address the session connects right away. Without one a scan runs
first and a device can be picked with /connect <#>.

Every line typed is sent over the write characteristic; notifications are
printed as text and hex as they arrive. Type /help for the commands.

Example:
  bleuart connect
  bleuart connect AA:BB:CC:DD:EE:FF --eol crlf`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConnect,
}

var connectEOL string

func init() {
	connectCmd.Flags().StringVar(&connectEOL, "eol", "none", "Line ending appended to each text line (none, lf, cr, crlf)")
}

func runConnect(cmd *cobra.Command, args []string) error {
	eol, err := parseEOL(connectEOL)
	if err != nil {
		return err
	}

	rt, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := signalContext(cmd.Context(), cmd.OutOrStdout(), "")
	defer cancel()

	opts, err := buildScanOptions(rt.cfg.ScanTimeout)
	if err != nil {
		return err
	}

	in := cmd.InOrStdin()
	r := newREPL(rt.tester, cmd.OutOrStdout(), opts, eol, isTerminal(in))
	defer r.Close()

	if len(args) == 1 {
		r.Execute(ctx, "/connect "+args[0])
	} else {
		r.Execute(ctx, "/scan")
	}
	if r.prompt {
		r.printf("Type /help for commands.\n")
	}

	err = r.Run(ctx, in)
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(cmd.OutOrStdout())
		return nil
	}
	return err
}
