// Package bridge exposes a UART session as a pseudo-terminal: bytes written
// into the terminal are sent to the peripheral and notifications are written
// back out.
package bridge

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleuart/internal/device"
	"github.com/srg/bleuart/internal/ptyio"
	"github.com/srg/bleuart/session"
)

const (
	// DefaultPtyStdoutBufferSize is the size, in bytes, of the buffer toward the terminal.
	DefaultPtyStdoutBufferSize = 4096

	// DefaultPtyStdinBufferSize is the size, in bytes, of the buffer of terminal input.
	DefaultPtyStdinBufferSize = 4096

	disconnectTimeout = 5 * time.Second
)

// Endpoint is the tester surface the bridge drives.
type Endpoint interface {
	ConnectAddress(ctx context.Context, address string) (*session.Session, error)
	SendMessage(ctx context.Context, data []byte) error
	OnNotification(fn session.NotificationListener)
	Disconnect(ctx context.Context) error
}

// Options contains all the configuration for running a bridge
type Options struct {
	Address             string         // BLE device address
	TTYSymlinkPath      string         // Optional symlink to the PTY slave (e.g., /tmp/ble-uart)
	PtyStdinBufferSize  int            // 0 = DefaultPtyStdinBufferSize
	PtyStdoutBufferSize int            // 0 = DefaultPtyStdoutBufferSize
	Logger              *logrus.Logger // Logger instance
}

// ProgressCallback is called when the bridge phase changes
type ProgressCallback func(phase string)

// Callback is executed with the running bridge.
type Callback[R any] func(*Bridge) (R, error)

// Bridge is a running session-to-PTY bridge.
type Bridge struct {
	ctx      context.Context
	endpoint Endpoint
	pty      *ptyio.PTY
	symlink  string
	logger   *logrus.Logger

	sent       atomic.Uint64
	received   atomic.Uint64
	sendErrors atomic.Uint64
}

// Stats are the bridge's traffic counters.
type Stats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	SendErrors       uint64
	PTY              ptyio.Stats
}

func (b *Bridge) TTYName() string { return b.pty.TTYName() }

// TTYSymlink returns the symlink path, or "" when none was requested.
func (b *Bridge) TTYSymlink() string { return b.symlink }

func (b *Bridge) Stats() Stats {
	return Stats{
		MessagesSent:     b.sent.Load(),
		MessagesReceived: b.received.Load(),
		SendErrors:       b.sendErrors.Load(),
		PTY:              b.pty.Stats(),
	}
}

// Deliver writes a notification to the terminal. It never blocks; bytes that
// do not fit the output buffer are dropped and counted by the PTY.
func (b *Bridge) Deliver(evt device.NotificationEvent) {
	b.received.Add(1)
	if _, err := b.pty.Write(evt.Data); err != nil {
		b.logger.WithError(err).Debug("Dropping notification: PTY closed")
	}
}

// handleInput runs on the PTY dispatcher goroutine; the chunk is only valid
// for the duration of the call.
func (b *Bridge) handleInput(data []byte) {
	payload := append([]byte(nil), data...)
	if err := b.endpoint.SendMessage(b.ctx, payload); err != nil {
		b.sendErrors.Add(1)
		b.logger.WithError(err).WithField("bytes", len(payload)).Warn("Failed to forward PTY input")
		return
	}
	b.sent.Add(1)
}

// Run connects to opts.Address, opens a PTY bridged to the session and runs
// callback with it. The PTY is closed and the session disconnected when
// callback returns.
func Run[R any](ctx context.Context, endpoint Endpoint, opts *Options, progressCallback ProgressCallback, callback Callback[R]) (R, error) {
	var zero R

	if opts == nil {
		return zero, fmt.Errorf("failed to execute bridge: options are required")
	}
	if opts.Address == "" {
		return zero, fmt.Errorf("failed to execute bridge: device address is required")
	}
	if endpoint == nil {
		return zero, fmt.Errorf("failed to execute bridge: endpoint is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if progressCallback == nil {
		progressCallback = func(string) {}
	}

	bridgeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	progressCallback("Connecting")
	if _, err := endpoint.ConnectAddress(bridgeCtx, opts.Address); err != nil {
		progressCallback("Failed")
		return zero, fmt.Errorf("failed to connect to device %s: %w", opts.Address, err)
	}
	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer dcancel()
		if err := endpoint.Disconnect(dctx); err != nil {
			logger.WithError(err).Warn("Failed to disconnect after bridge")
		}
	}()
	progressCallback("Connected")

	progressCallback("Setting up PTY")
	p, err := ptyio.New(&ptyio.Options{
		ReadCap:  valueOr(opts.PtyStdinBufferSize, DefaultPtyStdinBufferSize),
		WriteCap: valueOr(opts.PtyStdoutBufferSize, DefaultPtyStdoutBufferSize),
		Logger:   logger,
	})
	if err != nil {
		return zero, err
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close PTY")
		}
	}()
	logger.WithField("tty", p.TTYName()).Info("Created PTY device")

	b := &Bridge{ctx: bridgeCtx, endpoint: endpoint, pty: p, logger: logger}

	if opts.TTYSymlinkPath != "" {
		if err := os.Symlink(p.TTYName(), opts.TTYSymlinkPath); err != nil {
			return zero, fmt.Errorf("failed to create tty symlink %s -> %s: %w", opts.TTYSymlinkPath, p.TTYName(), err)
		}
		b.symlink = opts.TTYSymlinkPath
		// removed before the PTY closes; defers run in reverse
		defer func() {
			if err := os.Remove(b.symlink); err != nil {
				logger.WithError(err).WithField("ttySymlink", b.symlink).Warn("Failed to remove tty symlink")
			}
		}()
		logger.WithFields(logrus.Fields{
			"ttySymlink": b.symlink,
			"target":     p.TTYName(),
		}).Info("Created PTY symlink")
	}

	endpoint.OnNotification(b.Deliver)
	defer endpoint.OnNotification(nil)
	p.SetReadCallback(b.handleInput)
	defer p.SetReadCallback(nil)

	progressCallback("Running")
	return callback(b)
}

func valueOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
