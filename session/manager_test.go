package session

import (
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

type ManagerTestSuite struct {
	testutils.MockDriverSuite

	opts    Options
	manager *Manager

	mu     sync.Mutex
	closed []ClosedEvent
}

func (s *ManagerTestSuite) SetupTest() {
	s.MockDriverSuite.SetupTest()
	s.opts = DefaultOptions()
	s.opts.ChunkInterval = 0
	s.opts.TeardownTimeout = 200 * time.Millisecond
	s.closed = nil
	s.manager = nil
}

func (s *ManagerTestSuite) TearDownTest() {
	if s.manager != nil {
		_ = s.manager.Close(s.Context())
	}
	s.MockDriverSuite.TearDownTest()
}

func (s *ManagerTestSuite) newManager() *Manager {
	s.manager = NewManager(s.Driver, s.opts, s.Logger)
	s.manager.OnSessionClosed(func(evt ClosedEvent) {
		s.mu.Lock()
		s.closed = append(s.closed, evt)
		s.mu.Unlock()
	})
	return s.manager
}

func (s *ManagerTestSuite) closedEvents() []ClosedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ClosedEvent(nil), s.closed...)
}

func (s *ManagerTestSuite) waitClosedEvents(n int) []ClosedEvent {
	s.Eventually(func() bool { return len(s.closedEvents()) >= n }, s.TestTimeout, 5*time.Millisecond)
	return s.closedEvents()
}

func peripheral(address, name string) device.PeripheralRef {
	return testutils.NewPeripheralBuilder(address).WithName(name).WithUART().Build()
}

func (s *ManagerTestSuite) TestPingPong() {
	m := s.newManager()
	link := s.ExpectConnect(addrP1)
	received := make(chan device.NotificationEvent, 4)
	m.OnNotification(func(evt device.NotificationEvent) { received <- evt })

	sess, err := m.ConnectTo(s.Context(), peripheral(addrP1, "P1"))
	s.Require().NoError(err)
	s.Same(sess, m.Current())

	s.Require().NoError(m.SendMessage(s.Context(), []byte("ping")))
	s.Equal([][]byte{[]byte("ping")}, link.Writes())

	link.SimulateNotification([]byte("pong"))
	select {
	case evt := <-received:
		s.Equal([]byte("pong"), evt.Data)
		s.Equal(sess.ID(), evt.SessionID)
		s.Equal(uint64(1), evt.Seq)
	case <-time.After(s.TestTimeout):
		s.FailNow("notification not delivered")
	}

	s.Require().NoError(m.Disconnect(s.Context()))
	s.Nil(m.Current())

	events := s.waitClosedEvents(1)
	s.Equal(ReasonUser, events[0].Reason)
	s.True(events[0].WasActive)
	s.Empty(received, "notification delivered exactly once")
}

func (s *ManagerTestSuite) TestOversizedPayloadRejected() {
	s.opts.WritePolicy = PolicyReject
	m := s.newManager()
	link := s.ExpectConnect(addrP1)
	_, err := m.ConnectTo(s.Context(), peripheral(addrP1, "P1"))
	s.Require().NoError(err)

	err = m.SendMessage(s.Context(), make([]byte, 21))

	s.ErrorIs(err, device.ErrPayloadTooLarge)
	s.Empty(link.Writes())
	s.Equal(StateActive, m.Current().State())
}

func (s *ManagerTestSuite) TestOversizedPayloadFragmented() {
	m := s.newManager()
	link := s.ExpectConnect(addrP1)
	_, err := m.ConnectTo(s.Context(), peripheral(addrP1, "P1"))
	s.Require().NoError(err)

	s.Require().NoError(m.SendMessage(s.Context(), make([]byte, 45)))

	writes := link.Writes()
	s.Require().Len(writes, 3)
	s.Len(writes[2], 5)
}

func (s *ManagerTestSuite) TestSwitchPeripheral() {
	m := s.newManager()

	link1 := mocks.NewMockLink(addrP1)
	link1.On("Disconnect").Run(func(mock.Arguments) { s.Helper.Record("disconnect P1") }).Return(nil).Once()
	link1.ExpectHealthy()
	s.ExpectConnectWith(link1)

	link2 := mocks.NewMockLink(addrP2).ExpectHealthy()
	s.Driver.On("Connect", mock.Anything, addrP2, mock.Anything).
		Run(func(mock.Arguments) { s.Helper.Record("connect P2") }).
		Return(link2, nil).Once()

	first, err := m.ConnectTo(s.Context(), peripheral(addrP1, "P1"))
	s.Require().NoError(err)

	second, err := m.ConnectTo(s.Context(), peripheral(addrP2, "P2"))
	s.Require().NoError(err)

	s.Equal([]string{"disconnect P1", "connect P2"}, s.Helper.Trace())
	s.Same(second, m.Current())
	s.Equal(StateClosed, first.State())
	s.Equal(ReasonReplaced, first.CloseReason())

	events := s.waitClosedEvents(1)
	s.Equal(first.ID(), events[0].SessionID)
	s.Equal(ReasonReplaced, events[0].Reason)

	s.Require().NoError(m.SendMessage(s.Context(), []byte("hi")))
	s.Empty(link1.Writes())
	s.Len(link2.Writes(), 1)
}

func (s *ManagerTestSuite) TestLinkLost() {
	m := s.newManager()
	link := s.ExpectConnect(addrP1)
	sess, err := m.ConnectTo(s.Context(), peripheral(addrP1, "P1"))
	s.Require().NoError(err)

	s.True(link.SimulateDisconnect())

	events := s.waitClosedEvents(1)
	s.Equal(sess.ID(), events[0].SessionID)
	s.Equal(ReasonLinkLost, events[0].Reason)
	s.ErrorIs(events[0].Err, device.ErrNotConnected)
	s.Nil(m.Current())
	s.ErrorIs(m.SendMessage(s.Context(), []byte("x")), device.ErrNoActiveSession)

	// a late user disconnect does not produce a second event
	s.NoError(sess.Disconnect(s.Context()))
	s.NoError(m.Disconnect(s.Context()))
	time.Sleep(20 * time.Millisecond)
	s.Len(s.closedEvents(), 1)
}

func (s *ManagerTestSuite) TestClosedEventFiresOncePerSession() {
	m := s.newManager()
	link := s.ExpectConnect(addrP1)
	sess, err := m.ConnectTo(s.Context(), peripheral(addrP1, "P1"))
	s.Require().NoError(err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			link.SimulateDisconnect()
		}()
		go func() {
			defer wg.Done()
			_ = m.Disconnect(context.Background())
		}()
	}
	wg.Wait()
	<-sess.Done()

	s.waitClosedEvents(1)
	time.Sleep(20 * time.Millisecond)
	s.Len(s.closedEvents(), 1)
}

func (s *ManagerTestSuite) TestSendWithoutSession() {
	m := s.newManager()
	s.ErrorIs(m.SendMessage(s.Context(), []byte("x")), device.ErrNoActiveSession)
	s.NoError(m.Disconnect(s.Context()))
	s.Nil(m.Current())
}

func (s *ManagerTestSuite) TestNotificationsWithoutListenerAreDropped() {
	m := s.newManager()
	link := s.ExpectConnect(addrP1)
	_, err := m.ConnectTo(s.Context(), peripheral(addrP1, "P1"))
	s.Require().NoError(err)

	s.True(link.SimulateNotification([]byte("dropped")))

	received := make(chan device.NotificationEvent, 4)
	s.Eventually(func() bool {
		return m.Current().notifications.Len() == 0
	}, s.TestTimeout, time.Millisecond)
	time.Sleep(20 * time.Millisecond) // let the dispatcher finish the dequeued event
	m.OnNotification(func(evt device.NotificationEvent) { received <- evt })

	link.SimulateNotification([]byte("kept"))
	select {
	case evt := <-received:
		s.Equal([]byte("kept"), evt.Data)
		s.Equal(uint64(2), evt.Seq)
	case <-time.After(s.TestTimeout):
		s.FailNow("notification not delivered")
	}

	m.OnNotification(nil)
	link.SimulateNotification([]byte("dropped again"))
	select {
	case evt := <-received:
		s.Failf("unexpected notification", "%q", evt.Data)
	case <-time.After(30 * time.Millisecond):
	}
}

func (s *ManagerTestSuite) TestOnNotificationReplacesListener() {
	m := s.newManager()
	link := s.ExpectConnect(addrP1)
	_, err := m.ConnectTo(s.Context(), peripheral(addrP1, "P1"))
	s.Require().NoError(err)

	first := make(chan device.NotificationEvent, 4)
	second := make(chan device.NotificationEvent, 4)
	m.OnNotification(func(evt device.NotificationEvent) { first <- evt })
	m.OnNotification(func(evt device.NotificationEvent) { second <- evt })

	link.SimulateNotification([]byte("x"))

	select {
	case <-second:
	case <-time.After(s.TestTimeout):
		s.FailNow("notification not delivered")
	}
	s.Empty(first)
}

func (s *ManagerTestSuite) TestStuckTeardownDoesNotBlockSwitch() {
	m := s.newManager()
	release := make(chan struct{})
	defer close(release)

	link1 := mocks.NewMockLink(addrP1)
	link1.On("Disconnect").Run(func(mock.Arguments) { <-release }).Return(nil)
	link1.ExpectHealthy()
	s.ExpectConnectWith(link1)
	s.ExpectConnect(addrP2)

	first, err := m.ConnectTo(s.Context(), peripheral(addrP1, "P1"))
	s.Require().NoError(err)

	start := time.Now()
	second, err := m.ConnectTo(s.Context(), peripheral(addrP2, "P2"))
	s.Require().NoError(err)

	s.Less(time.Since(start), s.TestTimeout)
	s.Equal(StateClosed, first.State())
	s.Same(second, m.Current())
}

func (s *ManagerTestSuite) TestFailedConnectIsNotInstalled() {
	m := s.newManager()
	s.ExpectConnect(addrP1)
	s.ExpectConnectFailure(addrP2, errors.New("connection refused"))

	first, err := m.ConnectTo(s.Context(), peripheral(addrP1, "P1"))
	s.Require().NoError(err)

	sess, err := m.ConnectTo(s.Context(), peripheral(addrP2, "P2"))

	s.Nil(sess)
	s.ErrorIs(err, device.ErrConnectFailed)
	s.Nil(m.Current())
	s.Equal(StateClosed, first.State())

	events := s.waitClosedEvents(1)
	time.Sleep(20 * time.Millisecond)
	s.Len(s.closedEvents(), 1, "failed connects surface only as errors")
	s.Equal(first.ID(), events[0].SessionID)
}

func (s *ManagerTestSuite) TestSubscribeFailureIsNotInstalled() {
	m := s.newManager()
	link := mocks.NewMockLink(addrP1)
	link.On("Subscribe", mock.Anything, mock.Anything).Return(errors.New("not permitted")).Once()
	link.On("Disconnect").Return(nil).Once()
	s.ExpectConnectWith(link)

	_, err := m.ConnectTo(s.Context(), peripheral(addrP1, "P1"))

	s.ErrorIs(err, device.ErrSubscribeFailed)
	s.Nil(m.Current())
	link.AssertExpectations(s.T())
}

func (s *ManagerTestSuite) TestDisconnectCancelsPendingConnect() {
	m := s.newManager()
	entered := s.ExpectConnectBlocked(addrP1)

	connectErr := make(chan error, 1)
	go func() {
		_, err := m.ConnectTo(context.Background(), peripheral(addrP1, "P1"))
		connectErr <- err
	}()
	<-entered

	s.NoError(m.Disconnect(s.Context()))

	select {
	case err := <-connectErr:
		s.ErrorIs(err, device.ErrConnectFailed)
	case <-time.After(s.TestTimeout):
		s.FailNow("connect was not cancelled")
	}
	s.Nil(m.Current())
}

func (s *ManagerTestSuite) TestCloseShutsDownAndRefusesConnects() {
	m := s.newManager()
	s.ExpectConnect(addrP1)
	_, err := m.ConnectTo(s.Context(), peripheral(addrP1, "P1"))
	s.Require().NoError(err)

	s.Require().NoError(m.Close(s.Context()))
	s.NoError(m.Close(s.Context()))

	events := s.closedEvents()
	s.Require().Len(events, 1, "closed listeners are drained before Close returns")
	s.Equal(ReasonShutdown, events[0].Reason)

	_, err = m.ConnectTo(s.Context(), peripheral(addrP2, "P2"))
	s.ErrorIs(err, device.ErrSessionClosed)
}

func (s *ManagerTestSuite) TestUnsubscribedListenerStopsReceiving() {
	m := NewManager(s.Driver, s.opts, s.Logger)
	s.manager = m
	got := make(chan ClosedEvent, 2)
	unsubscribe := m.OnSessionClosed(func(evt ClosedEvent) { got <- evt })
	unsubscribe()
	unsubscribe()

	s.ExpectConnect(addrP1)
	_, err := m.ConnectTo(s.Context(), peripheral(addrP1, "P1"))
	s.Require().NoError(err)
	s.Require().NoError(m.Close(s.Context()))

	s.Empty(got)
}

func (s *ManagerTestSuite) TestClosedListenerMayCallBack() {
	m := s.newManager()
	s.ExpectConnect(addrP1)

	observed := make(chan *Session, 1)
	m.OnSessionClosed(func(ClosedEvent) {
		observed <- m.Current()
	})
	m.OnSessionClosed(func(ClosedEvent) { panic("listener bug") })

	_, err := m.ConnectTo(s.Context(), peripheral(addrP1, "P1"))
	s.Require().NoError(err)
	s.Require().NoError(m.Disconnect(s.Context()))

	select {
	case cur := <-observed:
		s.Nil(cur)
	case <-time.After(s.TestTimeout):
		s.FailNow("listener was not called")
	}
	s.waitClosedEvents(1)
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}
