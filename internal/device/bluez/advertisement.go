//go:build linux

package bluez

import (
	"encoding/binary"

	"github.com/srg/bleuart/internal/device"
	"tinygo.org/x/bluetooth"
)

// advertisement is the part of bluetooth.ScanResult the conversion reads.
type advertisement interface {
	LocalName() string
	HasServiceUUID(bluetooth.UUID) bool
	ManufacturerData() []bluetooth.ManufacturerDataElement
}

// peripheralFromAdvertisement builds a PeripheralRef. BlueZ does not hand out
// the advertised service list, so only the hinted services are checked.
func peripheralFromAdvertisement(address string, rssi int16, adv advertisement, hints []bluetooth.UUID) device.PeripheralRef {
	ref := device.PeripheralRef{
		Address:     address,
		Name:        adv.LocalName(),
		RSSI:        int(rssi),
		Connectable: true,
	}

	for _, u := range hints {
		if adv.HasServiceUUID(u) {
			ref.Services = append(ref.Services, device.NormalizeUUID(u.String()))
		}
	}

	// Manufacturer data in advertisement wire order: company ID (LE) then payload.
	for _, md := range adv.ManufacturerData() {
		var id [2]byte
		binary.LittleEndian.PutUint16(id[:], md.CompanyID)
		ref.AdvData = append(ref.AdvData, id[:]...)
		ref.AdvData = append(ref.AdvData, md.Data...)
	}
	return ref
}
