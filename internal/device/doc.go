// Package device defines the platform capability surface used by the BLE UART
// tester: the Driver and Link interfaces implemented by the platform backends,
// the peripheral and notification data model, and the error taxonomy shared by
// the scanner, session and CLI layers.
//
// Backends live in sub-packages:
//   - go-ble: github.com/go-ble/ble (CoreBluetooth on macOS, HCI on Linux)
//   - bluez: tinygo.org/x/bluetooth (BlueZ over D-Bus on Linux)
//
// Callbacks registered on a Link are invoked from backend goroutines. They must
// return quickly and must not call back into the Link.
package device
