package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/bleuart/internal/device"
)

// peripheralFromAdvertisement converts a go-ble advertisement into a PeripheralRef.
// The advertisement buffers are reused by go-ble, so byte slices are copied.
func peripheralFromAdvertisement(adv ble.Advertisement) device.PeripheralRef {
	ref := device.PeripheralRef{
		Name:        adv.LocalName(),
		RSSI:        adv.RSSI(),
		Connectable: adv.Connectable(),
	}
	if addr := adv.Addr(); addr != nil {
		ref.Address = addr.String()
	}

	services := adv.Services()
	if len(services) > 0 {
		ref.Services = make([]string, 0, len(services))
		for _, u := range services {
			ref.Services = append(ref.Services, device.NormalizeUUID(u.String()))
		}
	}

	if md := adv.ManufacturerData(); len(md) > 0 {
		ref.AdvData = append([]byte(nil), md...)
	}
	return ref
}
