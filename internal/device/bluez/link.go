//go:build linux

package bluez

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleuart/internal/device"
	"tinygo.org/x/bluetooth"
)

// Link is a BlueZ connection bound to the UART profile.
type Link struct {
	dev     bluetooth.Device
	address string
	logger  *logrus.Logger

	writeUUID  string
	notifyUUID string
	write      bluetooth.DeviceCharacteristic
	notify     bluetooth.DeviceCharacteristic

	forget func()

	mu           sync.Mutex
	onDisconnect func()
	closed       bool // Disconnect was called
	lost         bool // BlueZ reported the drop
}

var _ device.Link = (*Link)(nil)

func newLink(dev bluetooth.Device, address string, profile device.Profile, logger *logrus.Logger) (*Link, error) {
	svcUUID, err := bluetooth.ParseUUID(profile.ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID: %w", err)
	}
	writeUUID, err := parseCharUUID(profile.WriteCharUUID)
	if err != nil {
		return nil, err
	}
	notifyUUID, err := parseCharUUID(profile.NotifyCharUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := dev.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", device.NormalizeError(err))
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("service %q not found", profile.ServiceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{writeUUID, notifyUUID})
	if err != nil {
		return nil, fmt.Errorf("discover characteristics: %w", device.NormalizeError(err))
	}

	l := &Link{
		dev:        dev,
		address:    address,
		logger:     logger,
		writeUUID:  profile.WriteCharUUID,
		notifyUUID: profile.NotifyCharUUID,
	}
	var haveWrite, haveNotify bool
	for _, c := range chars {
		switch c.UUID() {
		case writeUUID:
			l.write, haveWrite = c, true
		case notifyUUID:
			l.notify, haveNotify = c, true
		}
	}
	if !haveWrite {
		return nil, fmt.Errorf("characteristic %q not found in service %q", profile.WriteCharUUID, profile.ServiceUUID)
	}
	if !haveNotify {
		return nil, fmt.Errorf("characteristic %q not found in service %q", profile.NotifyCharUUID, profile.ServiceUUID)
	}
	return l, nil
}

func parseCharUUID(s string) (bluetooth.UUID, error) {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		return bluetooth.UUID{}, fmt.Errorf("invalid characteristic UUID %q: %w", s, err)
	}
	return u, nil
}

func (l *Link) Address() string { return l.address }

func (l *Link) Write(ctx context.Context, charUUID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !device.UUIDEqual(charUUID, l.writeUUID) {
		return fmt.Errorf("characteristic %q is not part of this link", charUUID)
	}
	_, err := l.write.WriteWithoutResponse(data)
	return device.NormalizeError(err)
}

func (l *Link) Subscribe(charUUID string, handler func(data []byte)) error {
	if !device.UUIDEqual(charUUID, l.notifyUUID) {
		return fmt.Errorf("characteristic %q is not part of this link", charUUID)
	}
	return device.NormalizeError(l.notify.EnableNotifications(func(buf []byte) {
		handler(buf)
	}))
}

func (l *Link) Disconnect() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	if l.forget != nil {
		l.forget()
	}
	return device.NormalizeError(l.dev.Disconnect())
}

// OnDisconnected registers handler for a peripheral-initiated drop. A drop
// that BlueZ reported before registration runs handler right away.
func (l *Link) OnDisconnected(handler func()) {
	l.mu.Lock()
	l.onDisconnect = handler
	fire := l.lost && !l.closed && handler != nil
	l.mu.Unlock()
	if fire {
		handler()
	}
}

// fireDisconnected runs the registered callback once, unless the link was closed locally.
func (l *Link) fireDisconnected() {
	l.mu.Lock()
	if l.closed || l.lost {
		l.mu.Unlock()
		return
	}
	l.lost = true
	cb := l.onDisconnect
	l.mu.Unlock()
	if cb != nil {
		cb()
	}
}
