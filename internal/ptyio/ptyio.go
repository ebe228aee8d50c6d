// Package ptyio wraps a pseudo-terminal master in ring buffers so that writes
// toward the slave never block the caller and data typed into the slave is
// delivered to a callback on a background goroutine.
//
//	p, err := ptyio.New(&ptyio.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//	p.SetReadCallback(func(data []byte) { ... }) // bytes written by the slave's user
//	p.Write([]byte("hello\n"))                   // shows up on p.TTYName()
//
// The poll timeout bounds how long the loops wait for I/O readiness before
// noticing Close. Lower values shut down faster at the price of more idle wakeups.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srg/bleuart/internal/groutine"
)

// ReadCallback receives bytes written into the slave. It runs on the
// dispatcher goroutine and must not retain data.
type ReadCallback func(data []byte)

const (
	DefaultBufferSize    = 4096
	DefaultPollTimeoutMs = 50
)

type Options struct {
	ReadCap       int // bytes read from the slave, awaiting the callback
	WriteCap      int // bytes queued toward the slave
	PollTimeoutMs int
	Logger        *logrus.Logger
}

// Stats are runtime counters for monitoring drops and throughput.
type Stats struct {
	WriteQueueLen     int
	ReadQueueLen      int
	DroppedWriteBytes uint64
	DroppedReadBytes  uint64
	ReadBytesTotal    uint64
	WriteBytesTotal   uint64
}

// PTY is a non-blocking pseudo-terminal master.
type PTY struct {
	logger        *logrus.Logger
	master        *os.File
	slave         *os.File
	ttyName       string
	pollTimeoutMs int

	writeBuf *ringbuffer.RingBuffer
	readBuf  *ringbuffer.RingBuffer

	readCb     atomic.Pointer[ReadCallback]
	readNotify chan struct{}
	writeReady chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	droppedWrite atomic.Uint64
	droppedRead  atomic.Uint64
	readBytes    atomic.Uint64
	writeBytes   atomic.Uint64
}

var _ io.WriteCloser = (*PTY)(nil)

// New opens a PTY pair in raw mode and starts its I/O loops.
func New(opts *Options) (*PTY, error) {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	readCap, writeCap := opts.ReadCap, opts.WriteCap
	if readCap <= 0 {
		readCap = DefaultBufferSize
	}
	if writeCap <= 0 {
		writeCap = DefaultBufferSize
	}
	pollTimeout := opts.PollTimeoutMs
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeoutMs
	}

	master, slave, err := open()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &PTY{
		logger:        logger,
		master:        master,
		slave:         slave, // kept open so the slave node stays usable between clients
		ttyName:       slave.Name(),
		pollTimeoutMs: pollTimeout,
		writeBuf:      ringbuffer.New(writeCap),
		readBuf:       ringbuffer.New(readCap),
		readNotify:    make(chan struct{}, 1),
		writeReady:    make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}

	p.wg.Add(3)
	groutine.GoSafe(ctx, "pty-read-loop", p.logger, func(context.Context) {
		defer p.wg.Done()
		p.readLoop(master)
	})
	groutine.GoSafe(ctx, "pty-write-loop", p.logger, func(context.Context) {
		defer p.wg.Done()
		p.writeLoop(master)
	})
	groutine.GoSafe(ctx, "pty-dispatcher", p.logger, func(context.Context) {
		defer p.wg.Done()
		p.dispatch()
	})

	return p, nil
}

// TTYName is the slave path, e.g. /dev/pts/5.
func (p *PTY) TTYName() string { return p.ttyName }

// Write queues data toward the slave and returns at once. When the queue is
// full the excess is dropped and n < len(data).
func (p *PTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	n, err := p.writeBuf.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		return 0, err
	}
	if n < len(data) {
		p.droppedWrite.Add(uint64(len(data) - n))
		p.logger.WithFields(logrus.Fields{
			"queued":  n,
			"dropped": len(data) - n,
		}).Warn("PTY write buffer overflow")
	}
	if n > 0 {
		signal(p.writeReady)
	}
	return n, nil
}

// SetReadCallback installs cb; nil unregisters. Bytes that arrive with no
// callback stay buffered until one is installed or the buffer overflows.
func (p *PTY) SetReadCallback(cb ReadCallback) {
	if cb == nil {
		p.readCb.Store(nil)
		return
	}
	p.readCb.Store(&cb)
	signal(p.readNotify)
}

func (p *PTY) Stats() Stats {
	return Stats{
		WriteQueueLen:     p.writeBuf.Length(),
		ReadQueueLen:      p.readBuf.Length(),
		DroppedWriteBytes: p.droppedWrite.Load(),
		DroppedReadBytes:  p.droppedRead.Load(),
		ReadBytesTotal:    p.readBytes.Load(),
		WriteBytesTotal:   p.writeBytes.Load(),
	}
}

// Close stops the loops and closes both ends. It is idempotent.
func (p *PTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()

	var errs []error
	if err := p.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY master: %w", err))
	}
	if err := p.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY slave: %w", err))
	}

	done := make(chan struct{})
	groutine.Go(context.Background(), "pty-close-wait", func(context.Context) {
		p.wg.Wait()
		close(done)
	})
	timeout := max(time.Duration(p.pollTimeoutMs)*time.Millisecond*3+time.Second, 5*time.Second)
	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.WithField("tty", p.ttyName).Errorf("PTY loops did not exit within %v", timeout)
	}
	return errors.Join(errs...)
}

func (p *PTY) writeLoop(master *os.File) {
	fds := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLOUT}}
	buf := make([]byte, 4096)

	for {
		n, err := p.writeBuf.Read(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			p.logger.WithError(err).Warn("PTY write buffer read failed")
		}
		if n == 0 {
			select {
			case <-p.ctx.Done():
				return
			case <-p.writeReady:
			}
			continue
		}

		for off := 0; off < n; {
			written, err := master.Write(buf[off:n])
			if written > 0 {
				off += written
				p.writeBytes.Add(uint64(written))
			}
			switch {
			case err == nil:
			case errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				if _, perr := unix.Poll(fds, p.pollTimeoutMs); perr != nil && !errors.Is(perr, syscall.EINTR) {
					p.logger.WithError(perr).Warn("PTY write poll failed")
				}
				if p.ctx.Err() != nil {
					return
				}
			default:
				if p.ctx.Err() == nil {
					p.logger.WithError(err).Warn("PTY write loop exiting")
				}
				return
			}
		}
	}
}

func (p *PTY) readLoop(master *os.File) {
	fds := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for p.ctx.Err() == nil {
		ready, err := unix.Poll(fds, p.pollTimeoutMs)
		if err != nil {
			if !errors.Is(err, syscall.EINTR) {
				p.logger.WithError(err).Warn("PTY read poll failed")
			}
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := master.Read(buf)
		if n > 0 {
			written, werr := p.readBuf.Write(buf[:n])
			if werr != nil && !errors.Is(werr, ringbuffer.ErrIsFull) && !errors.Is(werr, ringbuffer.ErrTooMuchDataToWrite) {
				p.logger.WithError(werr).Warn("PTY read buffer write failed")
			}
			if written < n {
				p.droppedRead.Add(uint64(n - written))
				p.logger.WithField("dropped", n-written).Warn("PTY read buffer overflow")
			}
			p.readBytes.Add(uint64(written))
			if written > 0 {
				signal(p.readNotify)
			}
		}

		switch {
		case err == nil, errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF):
			p.logger.WithError(err).Debug("PTY read loop exiting")
			return
		default:
			// EIO is reported while no process holds the slave open; keep waiting.
			if errors.Is(err, syscall.EIO) {
				select {
				case <-p.ctx.Done():
				case <-time.After(time.Duration(p.pollTimeoutMs) * time.Millisecond):
				}
				continue
			}
			if p.ctx.Err() == nil {
				p.logger.WithError(err).Warn("PTY read loop exiting")
			}
			return
		}
	}
}

// dispatch hands buffered slave input to the read callback.
func (p *PTY) dispatch() {
	buf := make([]byte, 4096)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.readNotify:
		}

		for p.ctx.Err() == nil {
			cb := p.readCb.Load()
			if cb == nil {
				break
			}
			n, _ := p.readBuf.Read(buf)
			if n == 0 {
				break
			}
			p.deliver(*cb, buf[:n])
		}
	}
}

func (p *PTY) deliver(cb ReadCallback, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithField("panic", r).Error("PTY read callback panicked; unregistering it")
			p.readCb.Store(nil)
		}
	}()
	cb(data)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// open creates a PTY pair with the slave in raw mode and a non-blocking master.
func open() (master, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	cleanup := func(cause error) error {
		return errors.Join(cause, master.Close(), slave.Close())
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return nil, nil, cleanup(fmt.Errorf("failed to set PTY slave %s to raw mode: %w", slave.Name(), err))
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return nil, nil, cleanup(fmt.Errorf("failed to set PTY master %s to non-blocking mode: %w", slave.Name(), err))
	}
	return master, slave, nil
}
