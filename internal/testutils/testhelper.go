package testutils

import (
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger

	mu    sync.Mutex
	trace []string
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// Record appends a step to the helper's trace; used to assert cross-mock ordering.
func (h *TestHelper) Record(step string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trace = append(h.trace, step)
}

// Trace returns the recorded steps in order.
func (h *TestHelper) Trace() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.trace...)
}
