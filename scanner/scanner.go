// Package scanner discovers BLE peripherals and keeps the registry of the last
// completed scan.
package scanner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/bleuart/internal/device"
	"github.com/srg/bleuart/internal/ringchan"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

func (t DeviceEventType) String() string {
	if t == EventNew {
		return "new"
	}
	return "updated"
}

type DeviceEvent struct {
	Type       DeviceEventType
	Peripheral device.PeripheralRef
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	// Duration bounds the scan; zero scans until ctx is cancelled.
	Duration     time.Duration
	ServiceUUIDs []string
	AllowList    []string
	BlockList    []string
	NamePrefix   string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration: 10 * time.Second,
	}
}

const eventBufferSize = 100

// Scanner handles BLE device discovery
type Scanner struct {
	driver   device.Driver
	registry *Registry
	events   *ringchan.RingChannel[DeviceEvent]
	logger   *logrus.Logger

	scanning atomic.Bool
}

func NewScanner(driver device.Driver, registry *Registry, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Scanner{
		driver:   driver,
		registry: registry,
		events:   ringchan.New[DeviceEvent](eventBufferSize),
		logger:   logger,
	}
}

// scanRun is the state of one Scan call.
type scanRun struct {
	opts         *ScanOptions
	serviceUUIDs []string

	// seen maps address to index in found. Lookups of repeat advertisements
	// stay lock-free; only first sightings take mu.
	seen  *hashmap.Map[string, int]
	mu    sync.Mutex
	found []device.PeripheralRef
}

// Scan performs one discovery and, on success, replaces the registry with what it found.
// Ending because the duration elapsed or ctx was cancelled is a normal completion.
// A driver failure returns a *device.ScanError and leaves the registry untouched.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) ([]device.PeripheralRef, error) {
	if !s.scanning.CompareAndSwap(false, true) {
		return nil, device.ErrScanInProgress
	}
	defer s.scanning.Store(false)

	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {}
	}

	run := &scanRun{
		opts:         opts,
		serviceUUIDs: device.NormalizeUUIDs(opts.ServiceUUIDs),
		seen:         hashmap.New[string, int](),
	}

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")
	progressCallback("Scanning")

	if err := s.driver.Scan(scanCtx, func(ref device.PeripheralRef) { s.handleAdvertisement(run, ref) }); err != nil {
		s.logger.WithError(err).Error("BLE scan failed")
		return nil, &device.ScanError{Err: err}
	}

	progressCallback("Processing results")

	run.mu.Lock()
	found := make([]device.PeripheralRef, len(run.found))
	copy(found, run.found)
	run.mu.Unlock()

	generation := s.registry.Replace(found)
	s.logger.WithFields(logrus.Fields{
		"device_count": len(found),
		"generation":   generation,
	}).Info("BLE scan completed")

	return s.registry.List(), nil
}

// handleAdvertisement records a first sighting or refreshes a known peripheral.
// It runs on the driver's callback goroutine and never blocks on consumers.
func (s *Scanner) handleAdvertisement(run *scanRun, ref device.PeripheralRef) {
	if ref.Address == "" {
		return
	}
	key := addressKey(ref.Address)

	if idx, ok := run.seen.Get(key); ok {
		run.mu.Lock()
		current := &run.found[idx]
		current.RSSI = ref.RSSI
		if current.Name == "" && ref.Name != "" {
			current.Name = ref.Name
		}
		updated := current.Clone()
		run.mu.Unlock()

		s.events.Send(DeviceEvent{Type: EventUpdated, Peripheral: updated})
		return
	}

	if !run.shouldInclude(ref) {
		return
	}

	run.mu.Lock()
	if _, ok := run.seen.Get(key); ok {
		// another callback won the race for this address
		run.mu.Unlock()
		return
	}
	run.found = append(run.found, ref.Clone())
	run.seen.Set(key, len(run.found)-1)
	run.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"device":  ref.DisplayName(),
		"address": ref.Address,
		"rssi":    ref.RSSI,
	}).Info("Discovered new device")

	s.events.Send(DeviceEvent{Type: EventNew, Peripheral: ref.Clone()})
}

// shouldInclude applies the allow/block/service/name filters
func (run *scanRun) shouldInclude(ref device.PeripheralRef) bool {
	for _, blocked := range run.opts.BlockList {
		if strings.EqualFold(ref.Address, blocked) {
			return false
		}
	}

	if len(run.opts.AllowList) > 0 {
		allowed := false
		for _, a := range run.opts.AllowList {
			if strings.EqualFold(ref.Address, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(run.serviceUUIDs) > 0 {
		hasRequired := false
		for _, required := range run.serviceUUIDs {
			for _, advertised := range ref.Services {
				if device.NormalizeUUID(advertised) == required {
					hasRequired = true
					break
				}
			}
			if hasRequired {
				break
			}
		}
		if !hasRequired {
			return false
		}
	}

	if run.opts.NamePrefix != "" && !strings.HasPrefix(strings.ToLower(ref.Name), strings.ToLower(run.opts.NamePrefix)) {
		return false
	}

	return true
}

// Registry returns the registry this scanner publishes to.
func (s *Scanner) Registry() *Registry {
	return s.registry
}

func (s *Scanner) IsScanning() bool {
	return s.scanning.Load()
}

// Events return a read-only channel of device events
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}

// String describes the scanner state for logs.
func (s *Scanner) String() string {
	return fmt.Sprintf("scanner(scanning=%t, discovered=%d, generation=%d)",
		s.IsScanning(), s.registry.Len(), s.registry.Generation())
}
