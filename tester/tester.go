// Package tester is the consumer-facing interface of the UART tester. It ties
// the scanner, the device registry and the session manager together and keeps
// a bounded transcript of what happened.
package tester

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleuart/internal/device"
	"github.com/srg/bleuart/scanner"
	"github.com/srg/bleuart/session"
)

type Options struct {
	Scan           *scanner.ScanOptions
	Session        session.Options
	TranscriptSize uint32
	Logger         *logrus.Logger
}

func DefaultOptions() Options {
	return Options{
		Scan:           scanner.DefaultScanOptions(),
		Session:        session.DefaultOptions(),
		TranscriptSize: DefaultTranscriptSize,
	}
}

// Stats reports transcript counters.
type Stats struct {
	TranscriptOverwritten int64
	TranscriptDropped     int64
}

type Tester struct {
	logger     *logrus.Logger
	scanOpts   *scanner.ScanOptions
	registry   *scanner.Registry
	scanner    *scanner.Scanner
	manager    *session.Manager
	transcript *transcript

	listener atomic.Pointer[session.NotificationListener]

	closeOnce sync.Once
	closeErr  error
}

// New builds a tester on top of driver.
func New(driver device.Driver, opts Options) (*Tester, error) {
	if driver == nil {
		return nil, fmt.Errorf("driver cannot be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Scan == nil {
		opts.Scan = scanner.DefaultScanOptions()
	}
	if opts.TranscriptSize == 0 {
		opts.TranscriptSize = DefaultTranscriptSize
	}
	if err := opts.Session.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session options: %w", err)
	}

	tr, err := newTranscript(opts.TranscriptSize)
	if err != nil {
		return nil, err
	}

	registry := scanner.NewRegistry()
	t := &Tester{
		logger:     logger,
		scanOpts:   opts.Scan,
		registry:   registry,
		scanner:    scanner.NewScanner(driver, registry, logger),
		manager:    session.NewManager(driver, opts.Session, logger),
		transcript: tr,
	}
	t.manager.OnNotification(t.handleNotification)
	t.manager.OnSessionClosed(t.recordClosed)
	return t, nil
}

// StartScan runs one scan cycle with the configured options and replaces the
// discovered list with its results.
func (t *Tester) StartScan(ctx context.Context, progress scanner.ProgressCallback) ([]device.PeripheralRef, error) {
	return t.Scan(ctx, t.scanOpts, progress)
}

// Scan is StartScan with explicit options.
func (t *Tester) Scan(ctx context.Context, opts *scanner.ScanOptions, progress scanner.ProgressCallback) ([]device.PeripheralRef, error) {
	t.transcript.add(Entry{Kind: EntryScanStarted, Message: "Started scanner"})

	refs, err := t.scanner.Scan(ctx, opts, progress)
	if err != nil {
		t.recordError("", "", err)
		return nil, err
	}

	t.transcript.add(Entry{Kind: EntryScanFinished, Message: fmt.Sprintf("Finish scanner: %d device(s)", len(refs))})
	return refs, nil
}

// ListDiscovered returns the result of the last completed scan, in discovery order.
func (t *Tester) ListDiscovered() []device.PeripheralRef {
	return t.registry.List()
}

// Generation identifies the scan cycle ListDiscovered reflects.
func (t *Tester) Generation() uint64 {
	return t.registry.Generation()
}

// Events streams discovery events while a scan runs.
func (t *Tester) Events() <-chan scanner.DeviceEvent {
	return t.scanner.Events()
}

// Connect connects to the index-th peripheral of the last scan.
func (t *Tester) Connect(ctx context.Context, index int) (*session.Session, error) {
	ref, err := t.registry.Get(index)
	if err != nil {
		return nil, err
	}
	return t.connect(ctx, ref)
}

// ConnectAt is Connect that fails if a newer scan replaced the list the
// index was taken from.
func (t *Tester) ConnectAt(ctx context.Context, generation uint64, index int) (*session.Session, error) {
	ref, err := t.registry.GetAt(generation, index)
	if err != nil {
		return nil, err
	}
	return t.connect(ctx, ref)
}

// ConnectAddress connects by address. Peripherals absent from the last scan
// are still dialed; the platform decides whether the address is reachable.
func (t *Tester) ConnectAddress(ctx context.Context, address string) (*session.Session, error) {
	ref, ok := t.registry.Lookup(address)
	if !ok {
		ref = device.PeripheralRef{Address: address}
	}
	return t.connect(ctx, ref)
}

func (t *Tester) connect(ctx context.Context, ref device.PeripheralRef) (*session.Session, error) {
	t.transcript.add(Entry{Kind: EntryConnecting, Address: ref.Address, Message: "try connect " + ref.DisplayName()})

	s, err := t.manager.ConnectTo(ctx, ref)
	if err != nil {
		t.recordError(ref.Address, "", err)
		return nil, err
	}

	t.transcript.add(Entry{Kind: EntryConnected, Address: ref.Address, SessionID: s.ID(), Message: "connected"})
	return s, nil
}

// SendMessage writes data on the current session.
func (t *Tester) SendMessage(ctx context.Context, data []byte) error {
	s := t.manager.Current()
	if err := t.manager.SendMessage(ctx, data); err != nil {
		var address, id string
		if s != nil {
			address, id = s.Peripheral().Address, s.ID()
		}
		t.recordError(address, id, err)
		return err
	}
	if s != nil && len(data) > 0 {
		t.transcript.add(Entry{
			Kind:      EntrySent,
			Address:   s.Peripheral().Address,
			SessionID: s.ID(),
			Message:   "msg: " + string(data),
			Data:      append([]byte(nil), data...),
		})
	}
	return nil
}

// Disconnect closes the current session, if any.
func (t *Tester) Disconnect(ctx context.Context) error {
	return t.manager.Disconnect(ctx)
}

// CurrentSession returns the active session, or nil.
func (t *Tester) CurrentSession() *session.Session {
	return t.manager.Current()
}

// OnNotification sets the single notification listener; nil unregisters.
// Notifications arriving without a listener are recorded in the transcript
// and otherwise dropped.
func (t *Tester) OnNotification(fn session.NotificationListener) {
	if fn == nil {
		t.listener.Store(nil)
		return
	}
	t.listener.Store(&fn)
}

// OnSessionClosed registers fn for closed events and returns its unsubscribe function.
func (t *Tester) OnSessionClosed(fn session.ClosedListener) (unsubscribe func()) {
	return t.manager.OnSessionClosed(fn)
}

// Transcript removes and returns the buffered transcript entries, oldest first.
func (t *Tester) Transcript() []Entry {
	return t.transcript.drain()
}

func (t *Tester) Stats() Stats {
	return Stats{
		TranscriptOverwritten: t.transcript.overwritten.Load(),
		TranscriptDropped:     t.transcript.dropped.Load(),
	}
}

// Close disconnects the current session and refuses further connects.
func (t *Tester) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		t.closeErr = t.manager.Close(ctx)
	})
	return t.closeErr
}

func (t *Tester) handleNotification(evt device.NotificationEvent) {
	var address string
	if s := t.manager.Current(); s != nil && s.ID() == evt.SessionID {
		address = s.Peripheral().Address
	}
	t.transcript.add(Entry{
		Time:      evt.ReceivedAt,
		Kind:      EntryReceived,
		Address:   address,
		SessionID: evt.SessionID,
		Message:   "msg: " + string(evt.Data),
		Data:      evt.Data,
	})

	if fn := t.listener.Load(); fn != nil {
		(*fn)(evt)
	}
}

func (t *Tester) recordClosed(evt session.ClosedEvent) {
	msg := fmt.Sprintf("disconnected (%s)", evt.Reason)
	if evt.Err != nil {
		msg = fmt.Sprintf("disconnected (%s): %v", evt.Reason, evt.Err)
	}
	t.transcript.add(Entry{
		Kind:      EntryClosed,
		Address:   evt.Peripheral.Address,
		SessionID: evt.SessionID,
		Message:   msg,
	})
}

func (t *Tester) recordError(address, sessionID string, err error) {
	t.logger.WithField("address", address).WithError(err).Debug("Recording failure in transcript")
	t.transcript.add(Entry{Kind: EntryError, Address: address, SessionID: sessionID, Message: err.Error()})
}
