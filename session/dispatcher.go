package session

import (
	"context"
	"sync"

	list "github.com/bahlo/generic-list-go"
	"github.com/sirupsen/logrus"

	"github.com/srg/bleuart/internal/groutine"
)

// dispatcher delivers values to a callback on its own goroutine, in push order.
// The queue is unbounded so Push never blocks the producer, which is usually a
// backend callback.
type dispatcher[T any] struct {
	name    string
	deliver func(T)
	logger  *logrus.Logger

	mu     sync.Mutex
	queue  *list.List[T]
	closed bool
	signal chan struct{}
	done   chan struct{}
}

func newDispatcher[T any](name string, deliver func(T), logger *logrus.Logger) *dispatcher[T] {
	d := &dispatcher[T]{
		name:    name,
		deliver: deliver,
		logger:  logger,
		queue:   list.New[T](),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	groutine.Go(context.Background(), name, d.run)
	return d
}

// Push enqueues v. It reports false once the dispatcher is closed.
func (d *dispatcher[T]) Push(v T) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.queue.PushBack(v)
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
	return true
}

// Close stops accepting values. Values already queued are still delivered.
func (d *dispatcher[T]) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// Done closes after Close once the queue is drained.
func (d *dispatcher[T]) Done() <-chan struct{} {
	return d.done
}

// Len returns the number of undelivered values.
func (d *dispatcher[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}

func (d *dispatcher[T]) run(ctx context.Context) {
	defer close(d.done)
	for {
		d.mu.Lock()
		front := d.queue.Front()
		if front == nil {
			closed := d.closed
			d.mu.Unlock()
			if closed {
				return
			}
			<-d.signal
			continue
		}
		v := d.queue.Remove(front)
		d.mu.Unlock()

		d.safeDeliver(v)
	}
}

func (d *dispatcher[T]) safeDeliver(v T) {
	defer groutine.Recover(d.logger, d.name)
	d.deliver(v)
}
