package device

import (
	"context"
	"fmt"
	"time"
)

// UART profile defaults. Fixed at build time, overridable through configuration, never negotiated.
const (
	DefaultServiceUUID    = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"
	DefaultWriteCharUUID  = "ac7bf687-7a30-4336-a6f6-b8030930854d"
	DefaultNotifyCharUUID = "00002a2b-0000-1000-8000-00805f9b34fb"

	// Nordic UART Service characteristics, for peripherals that follow the NUS layout.
	NordicRXCharUUID = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"
	NordicTXCharUUID = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"

	// MaxChunkSize is the largest payload sent in a single characteristic write.
	MaxChunkSize = 20
)

// PeripheralRef describes a discovered peripheral. It is a value; holders get copies.
type PeripheralRef struct {
	// Address is the platform identifier: a MAC on Linux, a CoreBluetooth UUID on macOS.
	Address     string
	Name        string
	RSSI        int
	Connectable bool
	// Services holds normalized advertised service UUIDs.
	Services []string
	// AdvData is the raw advertisement blob as reported by the backend.
	AdvData []byte
}

// DisplayName returns the advertised name, or the address when the peripheral has none.
func (p PeripheralRef) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Address
}

func (p PeripheralRef) String() string {
	if p.Name == "" {
		return p.Address
	}
	return fmt.Sprintf("%s (%s)", p.Name, p.Address)
}

// Clone returns a deep copy of the reference.
func (p PeripheralRef) Clone() PeripheralRef {
	c := p
	if p.Services != nil {
		c.Services = append([]string(nil), p.Services...)
	}
	if p.AdvData != nil {
		c.AdvData = append([]byte(nil), p.AdvData...)
	}
	return c
}

// NotificationEvent is one notification received on a session's notify characteristic.
type NotificationEvent struct {
	Characteristic string
	Data           []byte
	Seq            uint64
	ReceivedAt     time.Time
	SessionID      string
}

// Profile selects the service and characteristics a session binds to.
type Profile struct {
	ServiceUUID    string
	WriteCharUUID  string
	NotifyCharUUID string
}

// DefaultProfile returns the built-in UART profile.
func DefaultProfile() Profile {
	return Profile{
		ServiceUUID:    DefaultServiceUUID,
		WriteCharUUID:  DefaultWriteCharUUID,
		NotifyCharUUID: DefaultNotifyCharUUID,
	}
}

// Validate checks that every UUID of the profile parses.
func (p Profile) Validate() error {
	if _, err := ValidateUUID(p.ServiceUUID, p.WriteCharUUID, p.NotifyCharUUID); err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}
	return nil
}

// Driver is the platform BLE capability used by the scanner and sessions.
type Driver interface {
	// Scan reports advertisements to handler until ctx is done or discovery stops.
	// Returning because ctx ended is not an error.
	Scan(ctx context.Context, handler func(PeripheralRef)) error

	// Connect establishes a link to the peripheral and resolves the profile's
	// characteristics. It honours ctx cancellation.
	Connect(ctx context.Context, address string, profile Profile) (Link, error)
}

// Link is an established connection to one peripheral.
type Link interface {
	Address() string

	// Write sends data to the characteristic in a single platform write.
	// Success means the local stack accepted the bytes.
	Write(ctx context.Context, charUUID string, data []byte) error

	// Subscribe enables notifications on the characteristic. The handler runs on a
	// backend goroutine and must not block.
	Subscribe(charUUID string, handler func(data []byte)) error

	// Disconnect tears the link down. Subscriptions end with it.
	Disconnect() error

	// OnDisconnected registers a callback fired once when the link drops for any reason.
	OnDisconnected(handler func())
}
