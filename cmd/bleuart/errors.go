package main

import (
	"errors"
	"fmt"

	"github.com/srg/bleuart/internal/device"
)

// userHints pairs error classes with advice shown next to the error.
// Order matters: the first match wins, so narrower classes come first.
var userHints = []struct {
	target error
	hint   string
}{
	{device.ErrBluetoothOff, "turn Bluetooth on and try again"},
	{device.ErrUnsupported, "the selected driver does not support this platform; try --driver go-ble"},
	{device.ErrScanInProgress, "wait for the running scan to finish"},
	{device.ErrScanFailed, "check that the Bluetooth adapter is available and not in use"},
	{device.ErrPayloadTooLarge, fmt.Sprintf("messages are limited to %d bytes; use --write-policy fragment to split them", device.MaxChunkSize)},
	{device.ErrNoActiveSession, "connect to a peripheral first"},
	{device.ErrUnknownDevice, "run a scan to refresh the device list"},
	{device.ErrSessionBusy, "another operation is still running on this connection"},
	{device.ErrTimeout, "the peripheral did not respond in time"},
	{device.ErrLinkLost, "the peripheral went out of range or was turned off"},
	{device.ErrTransport, "the peripheral rejected the write"},
	{device.ErrSubscribeFailed, "the peripheral does not expose the configured UART service or notify characteristic"},
	{device.ErrConnectFailed, "make sure the peripheral is powered and advertising"},
}

// FormatUserError renders err for the terminal, adding a hint for the
// errors a user can act on.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	for _, h := range userHints {
		if errors.Is(err, h.target) {
			return fmt.Sprintf("%s (hint: %s)", err, h.hint)
		}
	}
	return err.Error()
}
