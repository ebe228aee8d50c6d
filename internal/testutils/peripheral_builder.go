package testutils

import (
	"github.com/srg/bleuart/internal/device"
)

// PeripheralBuilder builds device.PeripheralRef values for scan tests.
type PeripheralBuilder struct {
	ref device.PeripheralRef
}

// NewPeripheralBuilder starts a connectable peripheral with the given address.
func NewPeripheralBuilder(address string) *PeripheralBuilder {
	return &PeripheralBuilder{ref: device.PeripheralRef{Address: address, Connectable: true, RSSI: -60}}
}

func (b *PeripheralBuilder) WithName(name string) *PeripheralBuilder {
	b.ref.Name = name
	return b
}

func (b *PeripheralBuilder) WithRSSI(rssi int) *PeripheralBuilder {
	b.ref.RSSI = rssi
	return b
}

// WithServices adds advertised service UUIDs, normalized the way backends report them.
func (b *PeripheralBuilder) WithServices(uuids ...string) *PeripheralBuilder {
	b.ref.Services = append(b.ref.Services, device.NormalizeUUIDs(uuids)...)
	return b
}

// WithUART advertises the default UART service.
func (b *PeripheralBuilder) WithUART() *PeripheralBuilder {
	return b.WithServices(device.DefaultServiceUUID)
}

func (b *PeripheralBuilder) Build() device.PeripheralRef {
	return b.ref.Clone()
}
