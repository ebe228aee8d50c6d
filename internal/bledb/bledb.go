// Package bledb names the GATT services and characteristics a UART tester
// is likely to see in advertisements and profiles. Lookups accept any UUID
// form device.NormalizeUUID understands.
package bledb

import "github.com/srg/bleuart/internal/device"

var services = map[string]string{
	"1800": "Generic Access",
	"1801": "Generic Attribute",
	"1805": "Current Time Service",
	"180a": "Device Information",
	"180d": "Heart Rate",
	"180f": "Battery Service",
	"181a": "Environmental Sensing",
	"fe59": "Nordic DFU",
	"ffe0": "HM-10 UART",

	"6e400001b5a3f393e0a9e50e24dcca9e": "Nordic UART Service",
	"49535343fe7d4ae58fa99fafd205e455": "Microchip Transparent UART",
}

var characteristics = map[string]string{
	"2a00": "Device Name",
	"2a19": "Battery Level",
	"2a24": "Model Number String",
	"2a25": "Serial Number String",
	"2a26": "Firmware Revision String",
	"2a29": "Manufacturer Name String",
	"2a2b": "Current Time",
	"2a37": "Heart Rate Measurement",
	"ffe1": "HM-10 UART Data",

	"6e400002b5a3f393e0a9e50e24dcca9e": "Nordic UART RX",
	"6e400003b5a3f393e0a9e50e24dcca9e": "Nordic UART TX",
}

// LookupService returns the service name, or "" when unknown.
func LookupService(uuid string) string {
	return services[key(uuid)]
}

// LookupCharacteristic returns the characteristic name, or "" when unknown.
func LookupCharacteristic(uuid string) string {
	return characteristics[key(uuid)]
}

// ServiceLabel returns the service name when known and a shortened UUID
// otherwise, for tables.
func ServiceLabel(uuid string) string {
	if name := LookupService(uuid); name != "" {
		return name
	}
	if n := device.NormalizeUUID(uuid); n != "" {
		return device.ShortenUUID(n)
	}
	return uuid
}

func key(uuid string) string {
	return device.NormalizeUUID(uuid)
}
