//go:build linux

package bluez

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleuart/internal/device"
	"github.com/srg/bleuart/internal/groutine"
	"tinygo.org/x/bluetooth"
)

// Driver is a device.Driver backed by the default BlueZ adapter.
type Driver struct {
	adapter *bluetooth.Adapter
	logger  *logrus.Logger
	hints   []bluetooth.UUID

	enableOnce sync.Once
	enableErr  error

	mu    sync.Mutex
	links map[string]*Link // keyed by upper-case MAC
}

var _ device.Driver = (*Driver)(nil)

// NewDriver creates a driver. serviceHints are the service UUIDs reported in
// PeripheralRef.Services when a peripheral advertises them.
func NewDriver(logger *logrus.Logger, serviceHints ...string) (*Driver, error) {
	if logger == nil {
		logger = logrus.New()
	}
	d := &Driver{
		adapter: bluetooth.DefaultAdapter,
		logger:  logger,
		links:   make(map[string]*Link),
	}
	for _, h := range serviceHints {
		u, err := bluetooth.ParseUUID(h)
		if err != nil {
			return nil, fmt.Errorf("invalid service hint %q: %w", h, err)
		}
		d.hints = append(d.hints, u)
	}
	return d, nil
}

// enable powers up the adapter once and installs the disconnect handler.
func (d *Driver) enable() error {
	d.enableOnce.Do(func() {
		if err := d.adapter.Enable(); err != nil {
			d.enableErr = fmt.Errorf("enable adapter: %w", device.NormalizeError(err))
			return
		}
		d.adapter.SetConnectHandler(d.handleConnectEvent)
	})
	return d.enableErr
}

func (d *Driver) handleConnectEvent(dev bluetooth.Device, connected bool) {
	if connected {
		return
	}
	key := strings.ToUpper(dev.Address.String())
	d.mu.Lock()
	link, ok := d.links[key]
	delete(d.links, key)
	d.mu.Unlock()
	if ok {
		d.logger.WithField("address", key).Debug("BlueZ reported disconnection")
		link.fireDisconnected()
	}
}

// Scan runs discovery until ctx is done. StopScan is issued from a helper goroutine
// because adapter.Scan blocks.
func (d *Driver) Scan(ctx context.Context, handler func(device.PeripheralRef)) error {
	if err := d.enable(); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	groutine.Go(ctx, "bluez-scan-stop", func(ctx context.Context) {
		select {
		case <-ctx.Done():
			if err := d.adapter.StopScan(); err != nil {
				d.logger.WithError(err).Warn("Failed to stop scan")
			}
		case <-done:
		}
	})

	err := d.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		handler(peripheralFromAdvertisement(result.Address.String(), result.RSSI, result, d.hints))
	})
	if err != nil && ctx.Err() == nil {
		return device.NormalizeError(err)
	}
	return nil
}

// Connect dials the peripheral and resolves the profile. adapter.Connect cannot be
// cancelled, so on ctx expiry the late connection is torn down when it arrives.
func (d *Driver) Connect(ctx context.Context, address string, profile device.Profile) (device.Link, error) {
	if err := d.enable(); err != nil {
		return nil, err
	}
	mac, err := bluetooth.ParseMAC(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}
	addr := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}

	type connectResult struct {
		dev bluetooth.Device
		err error
	}
	ch := make(chan connectResult, 1)
	groutine.Go(context.Background(), "bluez-connect", func(context.Context) {
		dev, err := d.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{dev, err}
	})

	var res connectResult
	select {
	case <-ctx.Done():
		groutine.Go(context.Background(), "bluez-connect-orphan", func(context.Context) {
			if late := <-ch; late.err == nil {
				if err := late.dev.Disconnect(); err != nil {
					d.logger.WithError(err).Warn("Failed to drop late connection")
				}
			}
		})
		return nil, fmt.Errorf("connect to %s: %w", address, ctx.Err())
	case res = <-ch:
	}
	if res.err != nil {
		return nil, fmt.Errorf("connect to %s: %w", address, device.NormalizeError(res.err))
	}

	link, err := newLink(res.dev, strings.ToUpper(address), profile, d.logger)
	if err != nil {
		if derr := res.dev.Disconnect(); derr != nil {
			d.logger.WithError(derr).Warn("Failed to disconnect after discovery failure")
		}
		return nil, err
	}
	link.forget = func() { d.forget(link) }

	d.mu.Lock()
	d.links[link.address] = link
	d.mu.Unlock()
	return link, nil
}

func (d *Driver) forget(link *Link) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.links[link.address] == link {
		delete(d.links, link.address)
	}
}
