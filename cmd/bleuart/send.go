package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/bleuart/internal/device"
	"github.com/srg/bleuart/tester"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send <device-address> <message>...",
	Short: "Send one message to a BLE UART peripheral",
	Long: fmt.Sprintf(`Connects to a peripheral, sends one message and disconnects.

Messages longer than %d bytes are split into chunks or rejected, depending on
the write policy. With --wait the command keeps listening and prints the
notifications that arrive during that time.

Example:
  bleuart send AA:BB:CC:DD:EE:FF ping --wait 2s
  bleuart send AA:BB:CC:DD:EE:FF --hex "01 02 ff"`, device.MaxChunkSize),
	Args: cobra.MinimumNArgs(2),
	RunE: runSend,
}

var (
	sendHex  bool
	sendEOL  string
	sendWait time.Duration
)

func init() {
	sendCmd.Flags().BoolVar(&sendHex, "hex", false, "Treat the message as hex bytes")
	sendCmd.Flags().StringVar(&sendEOL, "eol", "none", "Line ending appended to text messages (none, lf, cr, crlf)")
	sendCmd.Flags().DurationVarP(&sendWait, "wait", "w", 0, "Print notifications received for this long after sending")
}

func runSend(cmd *cobra.Command, args []string) error {
	eol, err := parseEOL(sendEOL)
	if err != nil {
		return err
	}
	payload, err := encodeMessage(strings.Join(args[1:], " "), sendHex, eol)
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

	return sendOnce(ctx, rt.tester, args[0], payload, sendWait, cmd.OutOrStdout())
}

// sendOnce connects, sends payload and prints replies for wait. The session is
// left for the caller to close.
func sendOnce(ctx context.Context, t *tester.Tester, address string, payload []byte, wait time.Duration, out io.Writer) error {
	var mu sync.Mutex
	// registered before sending so an immediate reply is not missed
	t.OnNotification(func(evt device.NotificationEvent) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, "%s %s\n", rxColor("<<"), formatPayload(evt.Data))
	})
	defer t.OnNotification(nil)

	p := NewProgressPrinter(out, fmt.Sprintf("Connecting to %s", address), "Connecting")
	p.Start()
	sess, err := t.ConnectAddress(ctx, address)
	p.Stop()
	if err != nil {
		return err
	}

	if err := t.SendMessage(ctx, payload); err != nil {
		return err
	}
	mu.Lock()
	fmt.Fprintf(out, "%s %s\n", txColor(">>"), formatPayload(payload))
	mu.Unlock()

	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return ctx.Err()
	case <-sess.Done():
		return sess.Err()
	}
}
