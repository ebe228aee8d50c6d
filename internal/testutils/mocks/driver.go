// Package mocks provides testify mocks of the device.Driver and device.Link interfaces.
package mocks

import (
	"context"
	"sync"

	"github.com/srg/bleuart/internal/device"
	"github.com/stretchr/testify/mock"
)

// MockDriver is a mock implementation of device.Driver.
type MockDriver struct {
	mock.Mock
}

var _ device.Driver = (*MockDriver)(nil)

func NewMockDriver() *MockDriver {
	return &MockDriver{}
}

func (d *MockDriver) Scan(ctx context.Context, handler func(device.PeripheralRef)) error {
	ret := d.Called(ctx, handler)
	return ret.Error(0)
}

func (d *MockDriver) Connect(ctx context.Context, address string, profile device.Profile) (device.Link, error) {
	ret := d.Called(ctx, address, profile)

	var link device.Link
	if v := ret.Get(0); v != nil {
		link = v.(device.Link)
	}
	return link, ret.Error(1)
}

// MockLink is a mock implementation of device.Link. Besides the recorded calls it
// keeps the registered notification and disconnect callbacks so tests can play
// the peripheral's side.
type MockLink struct {
	mock.Mock

	address string

	mu             sync.Mutex
	notify         func([]byte)
	onDisconnected func()
	writes         [][]byte
}

var _ device.Link = (*MockLink)(nil)

func NewMockLink(address string) *MockLink {
	return &MockLink{address: address}
}

// ExpectHealthy registers catch-all successful Write, Subscribe and Disconnect
// expectations. Expectations registered earlier take precedence.
func (l *MockLink) ExpectHealthy() *MockLink {
	l.On("Write", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	l.On("Subscribe", mock.Anything, mock.Anything).Return(nil).Maybe()
	l.On("Disconnect").Return(nil).Maybe()
	return l
}

func (l *MockLink) Address() string {
	return l.address
}

func (l *MockLink) Write(ctx context.Context, charUUID string, data []byte) error {
	l.mu.Lock()
	l.writes = append(l.writes, append([]byte(nil), data...))
	l.mu.Unlock()

	ret := l.Called(ctx, charUUID, data)
	return ret.Error(0)
}

func (l *MockLink) Subscribe(charUUID string, handler func(data []byte)) error {
	ret := l.Called(charUUID, handler)
	if err := ret.Error(0); err != nil {
		return err
	}
	l.mu.Lock()
	l.notify = handler
	l.mu.Unlock()
	return nil
}

func (l *MockLink) Disconnect() error {
	ret := l.Called()
	return ret.Error(0)
}

// OnDisconnected stores the callback; it is not recorded as a mock call.
func (l *MockLink) OnDisconnected(handler func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onDisconnected = handler
}

// SimulateNotification invokes the subscribed handler the way a backend callback would.
// It reports false when nothing is subscribed.
func (l *MockLink) SimulateNotification(data []byte) bool {
	l.mu.Lock()
	h := l.notify
	l.mu.Unlock()
	if h == nil {
		return false
	}
	h(data)
	return true
}

// SimulateDisconnect fires the OnDisconnected callback, as on a peripheral-initiated drop.
func (l *MockLink) SimulateDisconnect() bool {
	l.mu.Lock()
	h := l.onDisconnected
	l.mu.Unlock()
	if h == nil {
		return false
	}
	h()
	return true
}

// Writes returns the payload of every Write call, in call order.
func (l *MockLink) Writes() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.writes))
	copy(out, l.writes)
	return out
}

// Subscribed reports whether a notification handler is installed.
func (l *MockLink) Subscribed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notify != nil
}
