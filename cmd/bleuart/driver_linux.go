//go:build linux

package main

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/bleuart/internal/device"
	"github.com/srg/bleuart/internal/device/bluez"
	goble "github.com/srg/bleuart/internal/device/go-ble"
	"github.com/srg/bleuart/pkg/config"
)

func newDriver(cfg *config.Config, logger *logrus.Logger) (device.Driver, error) {
	switch cfg.Driver {
	case config.DriverGoBLE:
		return goble.NewDriver(logger), nil
	case config.DriverBlueZ:
		// hinted so scan results can be filtered by the UART service
		d, err := bluez.NewDriver(logger, cfg.ServiceUUID)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, unsupportedDriver(cfg.Driver)
	}
}
