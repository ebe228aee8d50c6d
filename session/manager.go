package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleuart/internal/device"
)

// NotificationListener receives notifications of the current session.
type NotificationListener func(device.NotificationEvent)

// ClosedListener receives an event for every installed session that closes.
type ClosedListener func(ClosedEvent)

// Manager owns at most one live session. Connecting to a new peripheral tears
// the previous session down first.
type Manager struct {
	driver device.Driver
	opts   Options
	logger *logrus.Logger

	// connectMu serializes ConnectTo; mu guards the fields below it.
	connectMu sync.Mutex

	mu              sync.Mutex
	current         *Session
	pending         *Session
	closed          bool
	closedListeners map[uint64]ClosedListener
	nextListenerID  uint64

	listener atomic.Pointer[NotificationListener]
	events   *dispatcher[ClosedEvent]
}

func NewManager(driver device.Driver, opts Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	m := &Manager{
		driver:          driver,
		opts:            opts.withDefaults(),
		logger:          logger,
		closedListeners: make(map[uint64]ClosedListener),
	}
	m.events = newDispatcher("session-closed-events", m.dispatchClosed, logger)
	return m
}

// ConnectTo replaces the current session with a new one bound to ref. A failed
// or timed-out teardown of the old session is logged and does not stop the new
// connect. The new session becomes current only if it connects.
func (m *Manager) ConnectTo(ctx context.Context, ref device.PeripheralRef) (*Session, error) {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("session manager: %w", device.ErrSessionClosed)
	}
	old := m.current
	m.mu.Unlock()

	if old != nil {
		m.teardown(old, ReasonReplaced)
	}

	s := New(m.driver, ref, m.opts, m.logger, m.deliver)
	s.onClosed = m.handleClosed

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("session manager: %w", device.ErrSessionClosed)
	}
	m.pending = s
	m.mu.Unlock()

	err := s.Connect(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == s {
		m.pending = nil
	}
	if err != nil {
		return nil, err
	}
	if s.State() != StateActive {
		// dropped between subscribe and install
		return nil, &device.SessionError{Kind: device.KindConnectFailed, Address: ref.Address, Err: s.Err()}
	}
	m.current = s
	return s, nil
}

// teardown closes s within the teardown timeout and makes sure it is no longer current.
func (m *Manager) teardown(s *Session, reason CloseReason) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.TeardownTimeout)
	defer cancel()

	if err := s.close(ctx, reason); err != nil {
		m.logger.WithFields(logrus.Fields{
			"session_id": s.ID(),
			"address":    s.Peripheral().Address,
		}).WithError(err).Warn("Session teardown did not complete cleanly")
	}

	m.mu.Lock()
	if m.current == s {
		m.current = nil
	}
	m.mu.Unlock()
}

// Current returns the active session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// SendMessage writes data on the current session.
func (m *Manager) SendMessage(ctx context.Context, data []byte) error {
	s := m.Current()
	if s == nil {
		return device.ErrNoActiveSession
	}
	return s.Write(ctx, data)
}

// Disconnect closes the current session, or cancels a connect in progress.
// It is a no-op when there is neither.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	s := m.current
	if s == nil {
		s = m.pending
	}
	m.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.Disconnect(ctx)
}

// OnNotification sets the single notification listener, replacing any previous
// one. nil unregisters; notifications arriving with no listener are dropped.
func (m *Manager) OnNotification(fn NotificationListener) {
	if fn == nil {
		m.listener.Store(nil)
		return
	}
	m.listener.Store(&fn)
}

// OnSessionClosed registers fn for closed events and returns its unsubscribe function.
func (m *Manager) OnSessionClosed(fn ClosedListener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextListenerID
	m.nextListenerID++
	m.closedListeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.closedListeners, id)
			m.mu.Unlock()
		})
	}
}

// Close disconnects the current session and refuses further connects.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	s := m.current
	if s == nil {
		s = m.pending
	}
	m.mu.Unlock()

	var err error
	if s != nil {
		err = s.close(ctx, ReasonShutdown)
	}
	m.events.Close()

	select {
	case <-m.events.Done():
	case <-ctx.Done():
	}
	return err
}

// deliver runs on a session's dispatcher goroutine.
func (m *Manager) deliver(evt device.NotificationEvent) {
	if fn := m.listener.Load(); fn != nil {
		(*fn)(evt)
	}
}

// handleClosed runs on whatever goroutine closed the session. Listeners are
// called from the events dispatcher so they may call back into the manager.
func (m *Manager) handleClosed(s *Session, evt ClosedEvent) {
	m.mu.Lock()
	installed := m.current == s
	if installed {
		m.current = nil
	}
	m.mu.Unlock()

	if installed {
		m.events.Push(evt)
	}
}

func (m *Manager) dispatchClosed(evt ClosedEvent) {
	m.mu.Lock()
	listeners := make([]ClosedListener, 0, len(m.closedListeners))
	for _, fn := range m.closedListeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		m.safeCall(fn, evt)
	}
}

func (m *Manager) safeCall(fn ClosedListener, evt ClosedEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithFields(logrus.Fields{
				"session_id": evt.SessionID,
				"panic":      r,
			}).Error("Session closed listener panicked")
		}
	}()
	fn(evt)
}
