// Package session implements the peripheral session state machine and the
// manager that keeps at most one of them alive.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/srg/bleuart/internal/device"
	"github.com/srg/bleuart/internal/groutine"
)

// ClosedEvent describes a session that reached Closed.
type ClosedEvent struct {
	SessionID  string
	Peripheral device.PeripheralRef
	Reason     CloseReason
	Err        error
	// WasActive is false when the session never finished connecting.
	WasActive bool
}

// Session is one connection attempt to one peripheral. It is never reused:
// once Closed, a new Session is needed to reconnect.
type Session struct {
	id     string
	ref    device.PeripheralRef
	driver device.Driver
	opts   Options
	logger *logrus.Logger

	mu         sync.Mutex
	state      State
	link       device.Link
	cancelConn context.CancelFunc
	requested  CloseReason
	writing    bool
	wasActive  bool
	reason     CloseReason
	closeErr   error

	// linkCtx is cancelled, with the cause, as soon as the link is going away.
	// In-flight writes watch it.
	linkCtx    context.Context
	linkCancel context.CancelCauseFunc

	dropped  chan struct{}
	dropOnce sync.Once
	done     chan struct{}

	notifyMu      sync.Mutex
	seq           uint64
	notifications *dispatcher[device.NotificationEvent]

	onClosed func(*Session, ClosedEvent)
}

// New creates an Idle session bound to ref. deliver receives notifications on
// the session's dispatcher goroutine, in arrival order; nil drops them.
func New(driver device.Driver, ref device.PeripheralRef, opts Options, logger *logrus.Logger, deliver func(device.NotificationEvent)) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	if deliver == nil {
		deliver = func(device.NotificationEvent) {}
	}

	s := &Session{
		id:      ulid.Make().String(),
		ref:     ref.Clone(),
		driver:  driver,
		opts:    opts.withDefaults(),
		logger:  logger,
		state:   StateIdle,
		dropped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.linkCtx, s.linkCancel = context.WithCancelCause(context.Background())
	s.notifications = newDispatcher("session-notify-"+s.id, deliver, logger)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Peripheral() device.PeripheralRef { return s.ref.Clone() }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session closed, or nil while open or after a clean disconnect.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// CloseReason returns the close reason, or "" while the session is open.
func (s *Session) CloseReason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) String() string {
	return fmt.Sprintf("session %s to %s (%s)", s.id, s.ref, s.State())
}

func (s *Session) log() *logrus.Entry {
	return s.logger.WithFields(logrus.Fields{
		"session_id": s.id,
		"address":    s.ref.Address,
	})
}

// Connect dials the peripheral, subscribes to the notify characteristic and
// moves the session to Active. On failure the session is Closed and the error
// is a *device.SessionError of kind ConnectFailed or SubscribeFailed.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateConnecting:
		s.mu.Unlock()
		return device.ErrSessionBusy
	case StateActive:
		s.mu.Unlock()
		return device.ErrAlreadyConnected
	case StateDisconnecting, StateClosed:
		s.mu.Unlock()
		return device.ErrSessionClosed
	}
	connCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()
	s.cancelConn = cancel
	s.state = StateConnecting
	s.mu.Unlock()

	s.log().WithField("timeout", s.opts.ConnectTimeout).Info("Connecting to peripheral...")

	link, err := s.driver.Connect(connCtx, s.ref.Address, s.opts.Profile)
	if err != nil {
		if errors.Is(connCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s: %w", device.ErrTimeout, s.opts.ConnectTimeout, err)
		}
		return s.failConnect(device.KindConnectFailed, ReasonConnectFailed, err)
	}

	if !s.attach(link) {
		s.dropLink(link)
		return s.failConnect(device.KindConnectFailed, ReasonConnectFailed, device.ErrSessionClosed)
	}

	link.OnDisconnected(s.signalDropped)

	if err := link.Subscribe(s.opts.Profile.NotifyCharUUID, s.handleNotification); err != nil {
		s.dropLink(link)
		return s.failConnect(device.KindSubscribeFailed, ReasonSubscribeFailed, err)
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		s.dropLink(link)
		return s.failConnect(device.KindConnectFailed, ReasonConnectFailed, device.ErrSessionClosed)
	}
	s.state = StateActive
	s.wasActive = true
	s.cancelConn = nil
	s.mu.Unlock()

	groutine.Go(context.Background(), "session-monitor-"+s.id, s.monitor)

	s.log().WithField("notify_char", s.opts.Profile.NotifyCharUUID).Info("Session active")
	return nil
}

// attach stores the link unless the session was closed while dialing.
func (s *Session) attach(link device.Link) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return false
	}
	s.link = link
	return true
}

func (s *Session) failConnect(kind device.ErrorKind, reason CloseReason, cause error) error {
	serr := &device.SessionError{Kind: kind, Address: s.ref.Address, Err: cause}
	s.log().WithError(cause).Error(string(kind))
	s.finish(reason, serr)
	return serr
}

// dropLink disconnects a link the session will not use. Best effort.
func (s *Session) dropLink(link device.Link) {
	if err := link.Disconnect(); err != nil {
		s.log().WithError(err).Warn("Failed to disconnect link")
	}
}

// signalDropped is the backend's disconnect callback. It only signals; the
// monitor goroutine does the state transition.
func (s *Session) signalDropped() {
	s.dropOnce.Do(func() { close(s.dropped) })
}

func (s *Session) monitor(ctx context.Context) {
	select {
	case <-s.dropped:
		s.mu.Lock()
		link, requested := s.link, s.requested
		s.mu.Unlock()
		if requested != "" {
			// local teardown in progress; close owns the transition
			return
		}

		cause := fmt.Errorf("peripheral %s disconnected: %w", s.ref.Address, device.ErrNotConnected)
		s.linkCancel(cause)
		s.log().Warn("Peripheral disconnected")
		s.finish(ReasonLinkLost, cause)

		if link != nil {
			s.dropLink(link)
		}
	case <-s.done:
	}
}

func (s *Session) handleNotification(data []byte) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.seq++
	evt := device.NotificationEvent{
		Characteristic: s.opts.Profile.NotifyCharUUID,
		Data:           append([]byte(nil), data...),
		Seq:            s.seq,
		ReceivedAt:     time.Now(),
		SessionID:      s.id,
	}
	if !s.notifications.Push(evt) {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"session_id": s.id,
		"seq":        evt.Seq,
		"bytes":      len(data),
	}).Debug("Notification received")
}

// Write sends data on the write characteristic. Payloads above MaxChunkSize are
// split into chunks (PolicyFragment) or refused (PolicyReject). Only one write
// runs at a time; a concurrent call gets ErrSessionBusy. Success means the
// local stack accepted every chunk.
func (s *Session) Write(ctx context.Context, data []byte) error {
	s.mu.Lock()
	if s.state != StateActive {
		serr := &device.SessionError{Kind: device.KindWriteFailed, Address: s.ref.Address, Err: device.ErrNotActive}
		if s.state == StateDisconnecting || s.state == StateClosed {
			serr.Err = device.ErrSessionClosed
			if s.reason == ReasonLinkLost {
				serr.Reason = device.ReasonLinkLost
			}
		}
		s.mu.Unlock()
		return serr
	}
	if s.writing {
		s.mu.Unlock()
		return device.ErrSessionBusy
	}
	if len(data) > s.opts.MaxChunkSize && s.opts.WritePolicy == PolicyReject {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d bytes exceeds %d", device.ErrPayloadTooLarge, len(data), s.opts.MaxChunkSize)
	}
	if len(data) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.writing = true
	link := s.link
	s.mu.Unlock()

	// A driver call that outlives this Write keeps the session busy until
	// it returns, so the next write can never overtake it.
	var pending <-chan error
	defer func() {
		if pending == nil {
			s.releaseWrite()
			return
		}
		groutine.Go(context.Background(), "session-write-drain-"+s.id, func(context.Context) {
			if err := <-pending; err != nil {
				s.log().WithError(err).Debug("Abandoned chunk write failed")
			}
			s.releaseWrite()
		})
	}()

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.linkCtx, cancel)
	defer stop()

	var limiter *rate.Limiter
	if s.opts.ChunkInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(s.opts.ChunkInterval), 1)
	}

	for off := 0; off < len(data); off += s.opts.MaxChunkSize {
		end := min(off+s.opts.MaxChunkSize, len(data))
		if limiter != nil {
			if err := limiter.Wait(wctx); err != nil {
				return s.writeError(err)
			}
		}
		chunk := append([]byte(nil), data[off:end]...)
		var err error
		if pending, err = s.writeChunk(wctx, link, chunk); err != nil {
			return s.writeError(err)
		}
		s.logger.WithFields(logrus.Fields{
			"session_id": s.id,
			"offset":     off,
			"bytes":      len(chunk),
		}).Debug("Chunk written")
	}
	return nil
}

func (s *Session) releaseWrite() {
	s.mu.Lock()
	s.writing = false
	s.mu.Unlock()
}

// writeChunk runs the backend write on its own goroutine so a stuck driver
// call cannot hold the caller past its context or the link's lifetime. When
// it gives up waiting, the returned channel yields the driver's result once
// the call finally returns.
func (s *Session) writeChunk(ctx context.Context, link device.Link, chunk []byte) (<-chan error, error) {
	errCh := make(chan error, 1)
	groutine.Go(context.Background(), "session-write-"+s.id, func(context.Context) {
		errCh <- link.Write(ctx, s.opts.Profile.WriteCharUUID, chunk)
	})

	select {
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return errCh, ctx.Err()
	}
}

func (s *Session) writeError(err error) error {
	reason := device.ReasonTransportError
	if s.linkCtx.Err() != nil {
		reason = device.ReasonLinkLost
		err = context.Cause(s.linkCtx)
	} else if errors.Is(err, device.ErrNotConnected) {
		reason = device.ReasonLinkLost
	}
	serr := &device.SessionError{Kind: device.KindWriteFailed, Reason: reason, Address: s.ref.Address, Err: err}
	s.log().WithError(err).WithField("reason", reason).Error("Write failed")
	return serr
}

// Disconnect closes the session. It is a no-op on a closing or closed session.
// While connecting it cancels the connect and waits for it to settle.
func (s *Session) Disconnect(ctx context.Context) error {
	return s.close(ctx, ReasonUser)
}

// close tears the session down. The session is Closed when it returns, even
// when ctx expires first; the error then reports the timeout.
func (s *Session) close(ctx context.Context, reason CloseReason) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return nil
	case StateDisconnecting:
		s.mu.Unlock()
		select {
		case <-s.done:
		case <-ctx.Done():
		}
		return nil
	case StateIdle:
		s.mu.Unlock()
		s.finish(reason, nil)
		return nil
	case StateConnecting:
		s.state = StateDisconnecting
		s.requested = reason
		cancel := s.cancelConn
		s.mu.Unlock()

		s.log().Info("Cancelling connect")
		if cancel != nil {
			cancel()
		}
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			s.finish(reason, nil)
			return fmt.Errorf("%w: connect to %s did not settle: %w", device.ErrTimeout, s.ref.Address, ctx.Err())
		}
	}

	s.state = StateDisconnecting
	s.requested = reason
	link := s.link
	s.mu.Unlock()

	s.log().WithField("reason", reason).Info("Disconnecting...")
	s.linkCancel(device.ErrSessionClosed)

	errCh := make(chan error, 1)
	groutine.Go(context.Background(), "session-disconnect-"+s.id, func(context.Context) {
		errCh <- link.Disconnect()
	})

	select {
	case err := <-errCh:
		s.finish(reason, nil)
		if err != nil {
			return fmt.Errorf("disconnect %s: %w", s.ref.Address, err)
		}
		return nil
	case <-ctx.Done():
		s.finish(reason, nil)
		return fmt.Errorf("%w: disconnect %s: %w", device.ErrTimeout, s.ref.Address, ctx.Err())
	}
}

// finish moves the session to Closed exactly once and notifies the owner.
func (s *Session) finish(reason CloseReason, cause error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if s.requested != "" {
		reason = s.requested
	}
	s.state = StateClosed
	s.reason = reason
	s.closeErr = cause
	s.link = nil
	s.cancelConn = nil
	evt := ClosedEvent{
		SessionID:  s.id,
		Peripheral: s.ref.Clone(),
		Reason:     reason,
		Err:        cause,
		WasActive:  s.wasActive,
	}
	onClosed := s.onClosed
	s.mu.Unlock()

	s.linkCancel(device.ErrSessionClosed)
	close(s.done)
	s.notifications.Close()

	entry := s.log().WithField("reason", reason)
	if cause != nil {
		entry = entry.WithError(cause)
	}
	entry.Info("Session closed")

	if onClosed != nil {
		onClosed(s, evt)
	}
}
