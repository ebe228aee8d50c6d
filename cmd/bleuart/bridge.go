package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srg/bleuart/bridge"
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge <device-address>",
	Short: "Create a PTY bridge to a BLE UART peripheral",
	Long: `Creates a pseudo-terminal bridged to a BLE UART peripheral, so that
applications expecting a serial port can talk to it.

Bytes written to the terminal are sent over the write characteristic and
notifications are written back to it. The bridge runs until Ctrl+C or until
the peripheral disconnects.

Example:
  bleuart bridge AA:BB:CC:DD:EE:FF
  bleuart bridge AA:BB:CC:DD:EE:FF --symlink /tmp/ble-uart
  screen /tmp/ble-uart`,
	Args: cobra.ExactArgs(1),
	RunE: runBridge,
}

var (
	bridgeSymlink      string
	bridgeStdinBuffer  int
	bridgeStdoutBuffer int
)

func init() {
	bridgeCmd.Flags().StringVar(&bridgeSymlink, "symlink", "", "Create a symlink to the PTY device (e.g., /tmp/ble-uart)")
	bridgeCmd.Flags().IntVar(&bridgeStdinBuffer, "stdin-buffer", bridge.DefaultPtyStdinBufferSize, "Bytes of terminal input buffered before dropping")
	bridgeCmd.Flags().IntVar(&bridgeStdoutBuffer, "stdout-buffer", bridge.DefaultPtyStdoutBufferSize, "Bytes of notifications buffered before dropping")
}

func runBridge(cmd *cobra.Command, args []string) error {
	rt, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	out := cmd.OutOrStdout()
	address := args[0]

	ctx, cancel := signalContext(cmd.Context(), out, "Ctrl+C pressed, stopping bridge...")
	defer cancel()

	progress := NewProgressPrinter(out, fmt.Sprintf("Starting bridge for %s", address), "Connecting", "Running", "Failed")
	progress.Start()
	defer progress.Stop()

	stats, err := bridge.Run(ctx, rt.tester, &bridge.Options{
		Address:             address,
		TTYSymlinkPath:      bridgeSymlink,
		PtyStdinBufferSize:  bridgeStdinBuffer,
		PtyStdoutBufferSize: bridgeStdoutBuffer,
		Logger:              rt.logger,
	}, progress.Callback(), func(b *bridge.Bridge) (bridge.Stats, error) {
		fmt.Fprintf(out, "Bridge running on %s", b.TTYName())
		if link := b.TTYSymlink(); link != "" {
			fmt.Fprintf(out, " (%s)", link)
		}
		fmt.Fprintln(out, ". Press Ctrl+C to stop.")

		sess := rt.tester.CurrentSession()
		if sess == nil {
			return b.Stats(), nil
		}
		select {
		case <-ctx.Done():
			return b.Stats(), nil
		case <-sess.Done():
			return b.Stats(), sess.Err()
		}
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Bridge stopped: %d message(s) sent, %d received, %d send error(s), %d byte(s) dropped\n",
		stats.MessagesSent, stats.MessagesReceived, stats.SendErrors,
		stats.PTY.DroppedReadBytes+stats.PTY.DroppedWriteBytes)
	return nil
}
