//go:build !linux

package main

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/bleuart/internal/device"
	goble "github.com/srg/bleuart/internal/device/go-ble"
	"github.com/srg/bleuart/pkg/config"
)

func newDriver(cfg *config.Config, logger *logrus.Logger) (device.Driver, error) {
	if cfg.Driver != config.DriverGoBLE {
		return nil, unsupportedDriver(cfg.Driver)
	}
	return goble.NewDriver(logger), nil
}
