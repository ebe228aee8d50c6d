package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/bleuart/internal/device"
	"github.com/srg/bleuart/internal/testutils"
	"github.com/srg/bleuart/internal/testutils/mocks"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

const (
	addrP1 = "AA:BB:CC:DD:EE:01"
	addrP2 = "AA:BB:CC:DD:EE:02"
)

type SessionTestSuite struct {
	testutils.MockDriverSuite

	opts     Options
	received chan device.NotificationEvent
}

func (s *SessionTestSuite) SetupTest() {
	s.MockDriverSuite.SetupTest()
	s.opts = DefaultOptions()
	s.opts.ChunkInterval = 0
	s.received = make(chan device.NotificationEvent, 1024)
}

func (s *SessionTestSuite) newSession(address string) *Session {
	ref := testutils.NewPeripheralBuilder(address).WithName("uart").WithUART().Build()
	return New(s.Driver, ref, s.opts, s.Logger, func(evt device.NotificationEvent) { s.received <- evt })
}

// connected returns an Active session on a healthy mock link.
func (s *SessionTestSuite) connected(address string) (*Session, *mocks.MockLink) {
	link := s.ExpectConnect(address)
	sess := s.newSession(address)
	s.Require().NoError(sess.Connect(s.Context()))
	s.Require().Equal(StateActive, sess.State())
	return sess, link
}

func (s *SessionTestSuite) waitClosed(sess *Session) {
	select {
	case <-sess.Done():
	case <-time.After(s.TestTimeout):
		s.FailNow("session did not close")
	}
	s.Equal(StateClosed, sess.State())
}

func (s *SessionTestSuite) TestConnectSubscribesAndActivates() {
	sess, link := s.connected(addrP1)

	s.True(link.Subscribed())
	link.AssertCalled(s.T(), "Subscribe", device.DefaultNotifyCharUUID, mock.Anything)
	s.NotEmpty(sess.ID())
	s.Equal(addrP1, sess.Peripheral().Address)
	s.Empty(sess.CloseReason())
	s.NoError(sess.Err())
}

func (s *SessionTestSuite) TestSessionIDsAreUnique() {
	a := s.newSession(addrP1)
	b := s.newSession(addrP1)
	s.NotEqual(a.ID(), b.ID())
}

func (s *SessionTestSuite) TestConnectFailureCloses() {
	s.ExpectConnectFailure(addrP1, errors.New("connection refused"))
	sess := s.newSession(addrP1)

	err := sess.Connect(s.Context())

	s.ErrorIs(err, device.ErrConnectFailed)
	s.ErrorContains(err, "connection refused")
	s.waitClosed(sess)
	s.Equal(ReasonConnectFailed, sess.CloseReason())
	s.ErrorIs(sess.Err(), device.ErrConnectFailed)
}

func (s *SessionTestSuite) TestConnectTimeout() {
	s.opts.ConnectTimeout = 30 * time.Millisecond
	s.ExpectConnectBlocked(addrP1)
	sess := s.newSession(addrP1)

	err := sess.Connect(s.Context())

	s.ErrorIs(err, device.ErrConnectFailed)
	s.ErrorIs(err, device.ErrTimeout)
	s.waitClosed(sess)
}

func (s *SessionTestSuite) TestSubscribeFailureDisconnectsLink() {
	link := mocks.NewMockLink(addrP1)
	link.On("Subscribe", device.DefaultNotifyCharUUID, mock.Anything).Return(errors.New("cccd write rejected")).Once()
	link.On("Disconnect").Return(nil).Once()
	s.ExpectConnectWith(link)
	sess := s.newSession(addrP1)

	err := sess.Connect(s.Context())

	s.ErrorIs(err, device.ErrSubscribeFailed)
	s.NotErrorIs(err, device.ErrConnectFailed)
	s.waitClosed(sess)
	s.Equal(ReasonSubscribeFailed, sess.CloseReason())
	link.AssertExpectations(s.T())
}

func (s *SessionTestSuite) TestConnectTwice() {
	sess, _ := s.connected(addrP1)
	s.ErrorIs(sess.Connect(s.Context()), device.ErrAlreadyConnected)

	s.Require().NoError(sess.Disconnect(s.Context()))
	s.ErrorIs(sess.Connect(s.Context()), device.ErrSessionClosed)
}

func (s *SessionTestSuite) TestSmallPayloadIsOneIdenticalWrite() {
	sess, link := s.connected(addrP1)

	for _, payload := range [][]byte{[]byte("ping"), bytes.Repeat([]byte{0xAB}, device.MaxChunkSize)} {
		before := len(link.Writes())
		s.Require().NoError(sess.Write(s.Context(), payload))

		writes := link.Writes()[before:]
		s.Require().Len(writes, 1)
		s.Equal(payload, writes[0])
	}
	link.AssertCalled(s.T(), "Write", mock.Anything, device.DefaultWriteCharUUID, []byte("ping"))
}

func (s *SessionTestSuite) TestFragmentPolicySplitsInOrder() {
	sess, link := s.connected(addrP1)
	payload := make([]byte, 45)
	for i := range payload {
		payload[i] = byte(i)
	}

	s.Require().NoError(sess.Write(s.Context(), payload))

	writes := link.Writes()
	s.Require().Len(writes, 3)
	s.Len(writes[0], 20)
	s.Len(writes[1], 20)
	s.Len(writes[2], 5)
	s.Equal(payload, bytes.Join(writes, nil))
}

func (s *SessionTestSuite) TestFragmentedWritesArePaced() {
	s.opts.ChunkInterval = 20 * time.Millisecond
	sess, link := s.connected(addrP1)

	start := time.Now()
	s.Require().NoError(sess.Write(s.Context(), make([]byte, 60)))

	s.Len(link.Writes(), 3)
	s.GreaterOrEqual(time.Since(start), 35*time.Millisecond)
}

func (s *SessionTestSuite) TestRejectPolicy() {
	s.opts.WritePolicy = PolicyReject
	sess, link := s.connected(addrP1)

	err := sess.Write(s.Context(), make([]byte, device.MaxChunkSize+1))

	s.ErrorIs(err, device.ErrPayloadTooLarge)
	s.Empty(link.Writes())
	s.Equal(StateActive, sess.State())

	s.NoError(sess.Write(s.Context(), make([]byte, device.MaxChunkSize)))
	s.Len(link.Writes(), 1)
}

func (s *SessionTestSuite) TestEmptyWriteIsNoop() {
	sess, link := s.connected(addrP1)

	s.NoError(sess.Write(s.Context(), nil))
	s.NoError(sess.Write(s.Context(), []byte{}))
	s.Empty(link.Writes())
}

func (s *SessionTestSuite) TestWriteBeforeActive() {
	sess := s.newSession(addrP1)

	err := sess.Write(s.Context(), []byte("x"))

	s.ErrorIs(err, device.ErrWriteFailed)
	s.ErrorIs(err, device.ErrNotActive)
}

func (s *SessionTestSuite) TestWriteAfterDisconnect() {
	sess, link := s.connected(addrP1)
	s.Require().NoError(sess.Disconnect(s.Context()))

	err := sess.Write(s.Context(), []byte("x"))

	s.ErrorIs(err, device.ErrWriteFailed)
	s.ErrorIs(err, device.ErrSessionClosed)
	s.NotErrorIs(err, device.ErrLinkLost)
	s.Empty(link.Writes())
}

func (s *SessionTestSuite) TestConcurrentWriteIsBusy() {
	entered := make(chan struct{})
	release := make(chan struct{})
	link := mocks.NewMockLink(addrP1)
	link.On("Write", mock.Anything, mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		close(entered)
		<-release
	}).Return(nil).Once()
	link.ExpectHealthy()
	s.ExpectConnectWith(link)
	sess := s.newSession(addrP1)
	s.Require().NoError(sess.Connect(s.Context()))

	firstErr := make(chan error, 1)
	go func() { firstErr <- sess.Write(context.Background(), []byte("first")) }()
	<-entered

	s.ErrorIs(sess.Write(s.Context(), []byte("second")), device.ErrSessionBusy)

	close(release)
	s.NoError(<-firstErr)
	s.NoError(sess.Write(s.Context(), []byte("third")), "busy flag is released")
}

func (s *SessionTestSuite) TestAbandonedWriteKeepsSessionBusy() {
	entered := make(chan struct{})
	release := make(chan struct{})
	var (
		mu          sync.Mutex
		inFlight    int
		maxInFlight int
		order       []string
	)
	track := func(args mock.Arguments) {
		mu.Lock()
		inFlight++
		maxInFlight = max(maxInFlight, inFlight)
		order = append(order, string(args.Get(2).([]byte)))
		mu.Unlock()
	}
	done := func() {
		mu.Lock()
		inFlight--
		mu.Unlock()
	}

	link := mocks.NewMockLink(addrP1)
	// ignores its context, like a driver stuck in the host stack
	link.On("Write", mock.Anything, mock.Anything, []byte("first")).Run(func(args mock.Arguments) {
		track(args)
		close(entered)
		<-release
		done()
	}).Return(nil).Once()
	link.On("Write", mock.Anything, mock.Anything, []byte("second")).Run(func(args mock.Arguments) {
		track(args)
		done()
	}).Return(nil).Once()
	link.ExpectHealthy()
	s.ExpectConnectWith(link)
	sess := s.newSession(addrP1)
	s.Require().NoError(sess.Connect(s.Context()))

	ctx, cancel := context.WithTimeout(s.Context(), 50*time.Millisecond)
	defer cancel()
	firstErr := sess.Write(ctx, []byte("first"))
	<-entered

	s.ErrorIs(firstErr, device.ErrWriteFailed)
	s.ErrorIs(firstErr, context.DeadlineExceeded)
	s.ErrorIs(sess.Write(s.Context(), []byte("second")), device.ErrSessionBusy, "driver call still in flight")

	close(release)
	s.Eventually(func() bool {
		return sess.Write(s.Context(), []byte("second")) == nil
	}, s.TestTimeout, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	s.Equal(1, maxInFlight)
	s.Equal([]string{"first", "second"}, order)
}

func (s *SessionTestSuite) TestWriteTransportError() {
	link := mocks.NewMockLink(addrP1)
	link.On("Write", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("ATT error 0x0e")).Once()
	link.ExpectHealthy()
	s.ExpectConnectWith(link)
	sess := s.newSession(addrP1)
	s.Require().NoError(sess.Connect(s.Context()))

	err := sess.Write(s.Context(), []byte("x"))

	s.ErrorIs(err, device.ErrTransport)
	s.NotErrorIs(err, device.ErrLinkLost)
	s.ErrorContains(err, "ATT error")
	s.Equal(StateActive, sess.State(), "a failed write does not close the session")
}

func (s *SessionTestSuite) TestWriteReportsLinkLostFromDriver() {
	link := mocks.NewMockLink(addrP1)
	link.On("Write", mock.Anything, mock.Anything, mock.Anything).Return(device.NormalizeError(errors.New("device not connected"))).Once()
	link.ExpectHealthy()
	s.ExpectConnectWith(link)
	sess := s.newSession(addrP1)
	s.Require().NoError(sess.Connect(s.Context()))

	s.ErrorIs(sess.Write(s.Context(), []byte("x")), device.ErrLinkLost)
}

func (s *SessionTestSuite) TestLinkDropDuringWriteFailsWithLinkLost() {
	entered := make(chan struct{})
	link := mocks.NewMockLink(addrP1)
	link.On("Write", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		close(entered)
		<-args.Get(0).(context.Context).Done()
	}).Return(context.Canceled).Once()
	link.ExpectHealthy()
	s.ExpectConnectWith(link)
	sess := s.newSession(addrP1)
	s.Require().NoError(sess.Connect(s.Context()))

	writeErr := make(chan error, 1)
	go func() { writeErr <- sess.Write(context.Background(), []byte("in flight")) }()
	<-entered

	s.True(link.SimulateDisconnect())

	select {
	case err := <-writeErr:
		s.ErrorIs(err, device.ErrLinkLost)
		s.ErrorIs(err, device.ErrNotConnected)
	case <-time.After(s.TestTimeout):
		s.FailNow("write was not failed by the link drop")
	}
	s.waitClosed(sess)
}

func (s *SessionTestSuite) TestWriteAfterLinkLost() {
	sess, link := s.connected(addrP1)

	s.True(link.SimulateDisconnect())
	s.waitClosed(sess)

	s.Equal(ReasonLinkLost, sess.CloseReason())
	s.ErrorIs(sess.Err(), device.ErrNotConnected)
	s.ErrorIs(sess.Write(s.Context(), []byte("x")), device.ErrLinkLost)
	s.Empty(link.Writes())
}

func (s *SessionTestSuite) TestDisconnectIsIdempotent() {
	sess, link := s.connected(addrP1)

	s.NoError(sess.Disconnect(s.Context()))
	s.NoError(sess.Disconnect(s.Context()))

	s.waitClosed(sess)
	s.Equal(ReasonUser, sess.CloseReason())
	s.NoError(sess.Err())
	link.AssertNumberOfCalls(s.T(), "Disconnect", 1)
}

func (s *SessionTestSuite) TestDropDuringLocalDisconnectIsNotAnError() {
	link := mocks.NewMockLink(addrP1)
	// the backend reports the drop from inside Disconnect
	link.On("Disconnect").Run(func(mock.Arguments) { link.SimulateDisconnect() }).Return(nil)
	link.ExpectHealthy()
	s.ExpectConnectWith(link)
	sess := s.newSession(addrP1)
	s.Require().NoError(sess.Connect(s.Context()))

	var closed []ClosedEvent
	var mu sync.Mutex
	sess.mu.Lock()
	sess.onClosed = func(_ *Session, evt ClosedEvent) {
		mu.Lock()
		closed = append(closed, evt)
		mu.Unlock()
	}
	sess.mu.Unlock()

	s.Require().NoError(sess.Disconnect(s.Context()))
	s.waitClosed(sess)

	s.Equal(ReasonUser, sess.CloseReason())
	s.NoError(sess.Err())
	mu.Lock()
	defer mu.Unlock()
	s.Require().Len(closed, 1)
	s.NoError(closed[0].Err)
}

func (s *SessionTestSuite) TestDisconnectIdleSession() {
	sess := s.newSession(addrP1)

	s.NoError(sess.Disconnect(s.Context()))
	s.waitClosed(sess)
	s.Driver.AssertNotCalled(s.T(), "Connect", mock.Anything, mock.Anything, mock.Anything)
}

func (s *SessionTestSuite) TestDisconnectWhileConnecting() {
	entered := s.ExpectConnectBlocked(addrP1)
	sess := s.newSession(addrP1)

	connectErr := make(chan error, 1)
	go func() { connectErr <- sess.Connect(context.Background()) }()
	<-entered
	s.Equal(StateConnecting, sess.State())

	s.NoError(sess.Disconnect(s.Context()))
	s.waitClosed(sess)
	s.Equal(ReasonUser, sess.CloseReason())
	s.ErrorIs(<-connectErr, device.ErrConnectFailed)
}

func (s *SessionTestSuite) TestConnectWhileConnectingIsBusy() {
	entered := s.ExpectConnectBlocked(addrP1)
	sess := s.newSession(addrP1)

	go func() { _ = sess.Connect(context.Background()) }()
	<-entered

	s.ErrorIs(sess.Connect(s.Context()), device.ErrSessionBusy)
	s.NoError(sess.Disconnect(s.Context()))
}

func (s *SessionTestSuite) TestStuckDisconnectStillCloses() {
	release := make(chan struct{})
	defer close(release)
	link := mocks.NewMockLink(addrP1)
	link.On("Disconnect").Run(func(mock.Arguments) { <-release }).Return(nil)
	link.ExpectHealthy()
	s.ExpectConnectWith(link)
	sess := s.newSession(addrP1)
	s.Require().NoError(sess.Connect(s.Context()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := sess.Disconnect(ctx)

	s.ErrorIs(err, device.ErrTimeout)
	s.waitClosed(sess)
}

func (s *SessionTestSuite) TestNotificationsDeliveredInOrder() {
	_, link := s.connected(addrP1)

	const n = 200
	for i := 0; i < n; i++ {
		s.Require().True(link.SimulateNotification([]byte{byte(i)}))
	}

	for i := 0; i < n; i++ {
		select {
		case evt := <-s.received:
			s.Equal(uint64(i+1), evt.Seq)
			s.Equal([]byte{byte(i)}, evt.Data)
			s.Equal(device.DefaultNotifyCharUUID, evt.Characteristic)
		case <-time.After(s.TestTimeout):
			s.FailNow("missing notification", "index %d", i)
		}
	}
}

func (s *SessionTestSuite) TestSlowListenerNeverBlocksDriver() {
	release := make(chan struct{})
	var mu sync.Mutex
	var got [][]byte
	link := s.ExpectConnect(addrP1)
	ref := testutils.NewPeripheralBuilder(addrP1).Build()
	sess := New(s.Driver, ref, s.opts, s.Logger, func(evt device.NotificationEvent) {
		<-release
		mu.Lock()
		got = append(got, evt.Data)
		mu.Unlock()
	})
	s.Require().NoError(sess.Connect(s.Context()))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			link.SimulateNotification([]byte{byte(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.TestTimeout):
		s.FailNow("driver callback blocked on a slow listener")
	}

	close(release)
	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1000
	}, s.TestTimeout, 5*time.Millisecond)
}

func (s *SessionTestSuite) TestNotificationBufferIsCopied() {
	_, link := s.connected(addrP1)

	buf := []byte("pong")
	link.SimulateNotification(buf)
	copy(buf, "XXXX")

	evt := <-s.received
	s.Equal([]byte("pong"), evt.Data)
}

func (s *SessionTestSuite) TestNotificationsAfterCloseAreDropped() {
	sess, link := s.connected(addrP1)
	s.Require().NoError(sess.Disconnect(s.Context()))

	link.SimulateNotification([]byte("late"))

	select {
	case evt := <-s.received:
		s.Failf("unexpected notification", "%q", evt.Data)
	case <-time.After(30 * time.Millisecond):
	}
}

func (s *SessionTestSuite) TestListenerPanicIsRecovered() {
	link := s.ExpectConnect(addrP1)
	ref := testutils.NewPeripheralBuilder(addrP1).Build()
	calls := make(chan uint64, 2)
	sess := New(s.Driver, ref, s.opts, s.Logger, func(evt device.NotificationEvent) {
		calls <- evt.Seq
		if evt.Seq == 1 {
			panic("listener bug")
		}
	})
	s.Require().NoError(sess.Connect(s.Context()))

	link.SimulateNotification([]byte("a"))
	link.SimulateNotification([]byte("b"))

	s.Equal(uint64(1), <-calls)
	s.Equal(uint64(2), <-calls)
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{
		StateIdle:          "idle",
		StateConnecting:    "connecting",
		StateActive:        "active",
		StateDisconnecting: "disconnecting",
		StateClosed:        "closed",
		State(42):          "unknown",
	} {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
