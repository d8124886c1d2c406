// Package realtime fans document-change messages out to live subscribers keyed by
// document owner.
package realtime

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const defaultBufferSize = 16

// Publisher delivers a message to every subscriber of the key.
type Publisher[T any] interface {
	Publish(key string, message T)
}

// Dispatcher is an in-process Publisher with per-key subscriber sets. Messages are
// full states, so a subscriber whose buffer is full loses its oldest pending
// message and still receives the newest one. Publishers never block.
type Dispatcher[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber[T]
	nextID      int64
	bufferSize  int
	logger      *zap.Logger
}

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*dispatcherOptions)

type dispatcherOptions struct {
	logger     *zap.Logger
	bufferSize int
}

// WithLogger records lagging subscribers on the given logger.
func WithLogger(logger *zap.Logger) DispatcherOption {
	return func(o *dispatcherOptions) {
		o.logger = logger
	}
}

// WithBufferSize overrides the per-subscriber buffer.
func WithBufferSize(size int) DispatcherOption {
	return func(o *dispatcherOptions) {
		if size > 0 {
			o.bufferSize = size
		}
	}
}

type subscriber[T any] struct {
	id     int64
	stream chan T
	once   sync.Once
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher[T any](opts ...DispatcherOption) *Dispatcher[T] {
	options := dispatcherOptions{bufferSize: defaultBufferSize}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = zap.NewNop()
	}
	return &Dispatcher[T]{
		subscribers: make(map[string]map[int64]*subscriber[T]),
		bufferSize:  options.bufferSize,
		logger:      options.logger,
	}
}

// Subscribe registers a subscriber for the key. The returned cleanup closes the
// stream; it also runs when ctx ends.
func (d *Dispatcher[T]) Subscribe(ctx context.Context, key string) (<-chan T, func()) {
	if key == "" {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber[T]{
		id:     d.nextSequence(),
		stream: make(chan T, d.bufferSize),
	}
	d.registerSubscriber(key, sub)
	cleanup := func() {
		d.unregisterSubscriber(key, sub)
	}
	stop := context.AfterFunc(ctx, cleanup)
	return sub.stream, func() {
		stop()
		cleanup()
	}
}

// Publish implements Publisher.
func (d *Dispatcher[T]) Publish(key string, message T) {
	if key == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sub := range d.subscribers[key] {
		select {
		case sub.stream <- message:
			continue
		default:
		}
		select {
		case <-sub.stream:
		default:
		}
		select {
		case sub.stream <- message:
			d.logger.Warn("realtime subscriber lagging; oldest message dropped",
				zap.String("key", key),
				zap.Int64("subscriber_id", sub.id))
		default:
			d.logger.Warn("realtime message dropped",
				zap.String("key", key),
				zap.Int64("subscriber_id", sub.id))
		}
	}
}

// SubscriberCount reports the live subscribers for the key.
func (d *Dispatcher[T]) SubscriberCount(key string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[key])
}

func (d *Dispatcher[T]) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher[T]) registerSubscriber(key string, sub *subscriber[T]) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[key]; !ok {
		d.subscribers[key] = make(map[int64]*subscriber[T])
	}
	d.subscribers[key][sub.id] = sub
}

// unregisterSubscriber closes the stream under the write lock so Publish, which
// sends under the read lock, never writes to a closed channel.
func (d *Dispatcher[T]) unregisterSubscriber(key string, sub *subscriber[T]) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[key]
	if subscribers != nil {
		delete(subscribers, sub.id)
		if len(subscribers) == 0 {
			delete(d.subscribers, key)
		}
	}
	sub.once.Do(func() {
		close(sub.stream)
	})
}
