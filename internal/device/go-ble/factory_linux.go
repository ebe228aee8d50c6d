//go:build linux

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// newPlatformDevice opens the default HCI controller. It needs CAP_NET_ADMIN and
// CAP_NET_RAW, or root.
func newPlatformDevice() (ble.Device, error) {
	return linux.NewDevice()
}
