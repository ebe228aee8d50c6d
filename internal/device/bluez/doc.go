// Package bluez implements device.Driver on top of tinygo.org/x/bluetooth,
// which talks to BlueZ over D-Bus. It needs no raw HCI privileges and is
// only built on Linux; on macOS go-ble already owns CoreBluetooth.
package bluez
