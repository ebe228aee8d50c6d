package testutils

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleuart/internal/device"
	"github.com/srg/bleuart/internal/testutils/mocks"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

// MockDriverSuite provides a reusable test suite around a mocked device.Driver.
//
// Scans replay the advertisements configured with WithAdvertisements; connects
// are configured per peripheral with ExpectConnect:
//
//	type SessionSuite struct {
//	    testutils.MockDriverSuite
//	}
//
//	func (s *SessionSuite) TestSomething() {
//	    link := s.ExpectConnect("AA:BB:CC:DD:EE:01")
//	    ...
//	    link.SimulateNotification([]byte("pong"))
//	}
type MockDriverSuite struct {
	suite.Suite

	Helper      *TestHelper
	Logger      *logrus.Logger
	TestTimeout time.Duration

	Driver *mocks.MockDriver

	advertisements []device.PeripheralRef
}

// SetupSuite is called once before all tests in the suite.
func (s *MockDriverSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 2 * time.Second
}

// SetupTest gives every test a fresh driver mock whose Scan replays the
// configured advertisements and returns once they are delivered.
func (s *MockDriverSuite) SetupTest() {
	s.Helper = NewTestHelper(s.T())
	s.Driver = mocks.NewMockDriver()
	s.advertisements = nil

	s.Driver.On("Scan", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		handler := args.Get(1).(func(device.PeripheralRef))
		for _, ref := range s.advertisements {
			handler(ref)
		}
	}).Return(nil).Maybe()
}

// TearDownTest verifies the driver expectations.
func (s *MockDriverSuite) TearDownTest() {
	s.Driver.AssertExpectations(s.T())
}

// WithAdvertisements sets what the next scans report, in order. Repeats are allowed.
func (s *MockDriverSuite) WithAdvertisements(refs ...device.PeripheralRef) {
	s.advertisements = append([]device.PeripheralRef(nil), refs...)
}

// ExpectConnect makes Connect to address succeed with a healthy mock link.
func (s *MockDriverSuite) ExpectConnect(address string) *mocks.MockLink {
	link := mocks.NewMockLink(address)
	return s.ExpectConnectWith(link.ExpectHealthy())
}

// ExpectConnectWith makes Connect to link's address succeed with link as configured.
func (s *MockDriverSuite) ExpectConnectWith(link *mocks.MockLink) *mocks.MockLink {
	s.Driver.On("Connect", mock.Anything, link.Address(), mock.Anything).Return(link, nil).Once()
	return link
}

// ExpectConnectFailure makes Connect to address fail with err.
func (s *MockDriverSuite) ExpectConnectFailure(address string, err error) {
	s.Driver.On("Connect", mock.Anything, address, mock.Anything).Return(nil, err).Once()
}

// ExpectConnectBlocked makes Connect to address block until its context ends,
// then fail with the context error. The returned channel closes when Connect is entered.
func (s *MockDriverSuite) ExpectConnectBlocked(address string) <-chan struct{} {
	entered := make(chan struct{})
	s.Driver.On("Connect", mock.Anything, address, mock.Anything).Run(func(args mock.Arguments) {
		close(entered)
		<-args.Get(0).(context.Context).Done()
	}).Return(nil, context.Canceled).Once()
	return entered
}

// Context returns a context bounded by the suite timeout.
func (s *MockDriverSuite) Context() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), s.TestTimeout)
	s.T().Cleanup(cancel)
	return ctx
}
