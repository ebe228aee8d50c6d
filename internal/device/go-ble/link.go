package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleuart/internal/device"
	"github.com/srg/bleuart/internal/groutine"
)

// Link is an established go-ble client bound to the UART profile.
type Link struct {
	client  ble.Client
	address string
	logger  *logrus.Logger

	writeChar  *ble.Characteristic
	notifyChar *ble.Characteristic

	monitorOnce sync.Once
	closed      chan struct{}
	closeOnce   sync.Once
}

var _ device.Link = (*Link)(nil)

// newLink discovers the client's profile and resolves the write and notify characteristics.
func newLink(client ble.Client, address string, profile device.Profile, logger *logrus.Logger) (*Link, error) {
	logger.WithField("address", address).Debug("Discovering services and characteristics...")
	p, err := client.DiscoverProfile(true)
	if err != nil {
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	var svc *ble.Service
	for _, s := range p.Services {
		if device.UUIDEqual(s.UUID.String(), profile.ServiceUUID) {
			svc = s
			break
		}
	}
	if svc == nil {
		return nil, fmt.Errorf("service %q not found", profile.ServiceUUID)
	}

	l := &Link{client: client, address: address, logger: logger, closed: make(chan struct{})}
	for _, c := range svc.Characteristics {
		switch {
		case device.UUIDEqual(c.UUID.String(), profile.WriteCharUUID):
			l.writeChar = c
		case device.UUIDEqual(c.UUID.String(), profile.NotifyCharUUID):
			l.notifyChar = c
		}
	}
	if l.writeChar == nil {
		return nil, fmt.Errorf("characteristic %q not found in service %q", profile.WriteCharUUID, profile.ServiceUUID)
	}
	if l.notifyChar == nil {
		return nil, fmt.Errorf("characteristic %q not found in service %q", profile.NotifyCharUUID, profile.ServiceUUID)
	}

	logger.WithFields(logrus.Fields{
		"address":     address,
		"services":    len(p.Services),
		"write_char":  l.writeChar.UUID.String(),
		"notify_char": l.notifyChar.UUID.String(),
	}).Debug("Profile resolved")
	return l, nil
}

func (l *Link) Address() string { return l.address }

// Write issues one characteristic write. Write-without-response is used when the
// characteristic supports it.
func (l *Link) Write(ctx context.Context, charUUID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	char, err := l.characteristic(charUUID, l.writeChar)
	if err != nil {
		return err
	}
	noRsp := char.Property&ble.CharWriteNR != 0
	return NormalizeError(l.client.WriteCharacteristic(char, data, noRsp))
}

// Subscribe enables notifications, or indications when the characteristic only supports those.
func (l *Link) Subscribe(charUUID string, handler func(data []byte)) error {
	char, err := l.characteristic(charUUID, l.notifyChar)
	if err != nil {
		return err
	}
	if char.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return fmt.Errorf("characteristic %s does not support notifications: %w", charUUID, device.ErrUnsupported)
	}
	ind := char.Property&ble.CharNotify == 0
	return NormalizeError(l.client.Subscribe(char, ind, func(data []byte) {
		handler(data)
	}))
}

func (l *Link) Disconnect() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return NormalizeError(l.client.CancelConnection())
}

// OnDisconnected watches the client's Disconnected channel. Clients without one
// never report drops; writes on them fail with a driver error instead.
func (l *Link) OnDisconnected(handler func()) {
	l.monitorOnce.Do(func() {
		dc, ok := l.client.(interface{ Disconnected() <-chan struct{} })
		if !ok {
			l.logger.Debug("Client does not support Disconnected() channel")
			return
		}
		groutine.Go(context.Background(), "ble-link-monitor", func(ctx context.Context) {
			select {
			case <-dc.Disconnected():
				select {
				case <-l.closed:
					return
				default:
				}
				l.logger.WithField("address", l.address).Debug("go-ble reported disconnection")
				handler()
			case <-l.closed:
			}
		})
	})
}

func (l *Link) characteristic(uuid string, resolved *ble.Characteristic) (*ble.Characteristic, error) {
	if resolved != nil && device.UUIDEqual(uuid, resolved.UUID.String()) {
		return resolved, nil
	}
	return nil, fmt.Errorf("characteristic %q is not part of this link", uuid)
}
