// Package goble implements device.Driver on top of github.com/go-ble/ble.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleuart/internal/device"
)

// DeviceFactory creates the underlying ble.Device (can be overridden in tests)
var DeviceFactory = newPlatformDevice

// Driver is a device.Driver backed by a single go-ble device, opened on first use.
type Driver struct {
	logger *logrus.Logger

	mu  sync.Mutex
	dev ble.Device
}

var _ device.Driver = (*Driver)(nil)

func NewDriver(logger *logrus.Logger) *Driver {
	if logger == nil {
		logger = logrus.New()
	}
	return &Driver{logger: logger}
}

// open returns the shared ble.Device, creating it if needed. A failed open is
// retried on the next call so the user can switch Bluetooth on and try again.
func (d *Driver) open() (ble.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dev != nil {
		return d.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		d.logger.WithError(err).Error("Failed to create BLE device")
		return nil, NormalizeError(err)
	}
	d.dev = dev
	return dev, nil
}

// Scan runs go-ble discovery without duplicate filtering; deduplication happens in the scanner.
func (d *Driver) Scan(ctx context.Context, handler func(device.PeripheralRef)) error {
	dev, err := d.open()
	if err != nil {
		return err
	}

	err = dev.Scan(ctx, true, func(adv ble.Advertisement) {
		handler(peripheralFromAdvertisement(adv))
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return NormalizeError(err)
	}
	return nil
}

// Connect dials the peripheral and resolves the profile's service and characteristics.
func (d *Driver) Connect(ctx context.Context, address string, profile device.Profile) (device.Link, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}

	dev, err := d.open()
	if err != nil {
		return nil, err
	}

	d.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("dial %s: %w", address, ctxErr)
		}
		return nil, fmt.Errorf("dial %s: %w", address, NormalizeError(err))
	}

	link, err := newLink(client, address, profile, d.logger)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			d.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection after discovery failure")
		}
		return nil, err
	}
	return link, nil
}
