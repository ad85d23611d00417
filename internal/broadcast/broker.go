// Package broadcast fans published messages out to every subscriber of a
// topic. Each topic stamps messages with a sequence number under its own
// lock, so all subscribers observe the same relative order. Subscribers
// own a bounded buffer and pull from it with Next; Publish never waits for
// a subscriber.
package broadcast

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSlowSubscriber     = errors.New("subscriber fell behind")
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrBrokerClosed       = errors.New("broker closed")
)

// Overflow decides what happens when a subscriber buffer is full.
type Overflow int

const (
	// DropOldest discards the oldest buffered message to make room.
	DropOldest Overflow = iota
	// Disconnect closes the subscription with ErrSlowSubscriber.
	Disconnect
)

func (o Overflow) String() string {
	switch o {
	case DropOldest:
		return "drop_oldest"
	case Disconnect:
		return "disconnect"
	}
	return fmt.Sprintf("overflow(%d)", int(o))
}

func ParseOverflow(raw string) (Overflow, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "drop_oldest":
		return DropOldest, nil
	case "disconnect":
		return Disconnect, nil
	}
	return DropOldest, fmt.Errorf("unknown overflow policy %q", raw)
}

const DefaultBufferSize = 64

type Options struct {
	BufferSize int
	Overflow   Overflow
	Metrics    *Metrics
}

type Message[T any] struct {
	Topic       string
	Sequence    uint64
	Payload     T
	PublishedAt time.Time
}

type Broker[T any] struct {
	opts Options

	mu     sync.Mutex
	topics map[string]*topic[T]
	closed bool
}

type topic[T any] struct {
	name string
	mu   sync.Mutex
	seq  uint64
	subs map[*Subscription[T]]struct{}
}

func NewBroker[T any](opts Options) *Broker[T] {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	return &Broker[T]{
		opts:   opts,
		topics: make(map[string]*topic[T]),
	}
}

func (b *Broker[T]) topic(name string) (*topic[T], error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	t, ok := b.topics[name]
	if !ok {
		t = &topic[T]{name: name, subs: make(map[*Subscription[T]]struct{})}
		b.topics[name] = t
	}
	return t, nil
}

// Publish delivers payload to every current subscriber of topicName and
// returns the sequence number it was stamped with. It returns 0 once the
// broker is closed.
func (b *Broker[T]) Publish(topicName string, payload T) uint64 {
	t, err := b.topic(topicName)
	if err != nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	msg := Message[T]{Topic: topicName, Sequence: t.seq, Payload: payload, PublishedAt: time.Now()}
	for sub := range t.subs {
		if !sub.enqueue(msg) {
			delete(t.subs, sub)
			b.opts.Metrics.disconnected(topicName)
		}
	}
	b.opts.Metrics.published(topicName)
	b.opts.Metrics.setSubscribers(topicName, len(t.subs))
	return msg.Sequence
}

// Subscribe registers a subscriber that receives every message published
// to topicName from now on. Earlier messages are not replayed.
func (b *Broker[T]) Subscribe(topicName string) (*Subscription[T], error) {
	t, err := b.topic(topicName)
	if err != nil {
		return nil, err
	}
	sub := &Subscription[T]{
		id:       uuid.NewString(),
		topic:    t,
		overflow: b.opts.Overflow,
		metrics:  b.opts.Metrics,
		buf:      make([]Message[T], b.opts.BufferSize),
		notify:   make(chan struct{}, 1),
	}

	t.mu.Lock()
	// Close may have run between topic() and here.
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		t.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	t.subs[sub] = struct{}{}
	count := len(t.subs)
	t.mu.Unlock()

	b.opts.Metrics.setSubscribers(topicName, count)
	return sub, nil
}

// Subscribers returns the number of live subscriptions on topicName.
func (b *Broker[T]) Subscribers(topicName string) int {
	b.mu.Lock()
	t, ok := b.topics[topicName]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close ends every subscription with ErrBrokerClosed once their buffered
// messages are consumed. Publish and Subscribe fail afterwards.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	topics := make([]*topic[T], 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		for sub := range t.subs {
			sub.terminate(ErrBrokerClosed, true)
			delete(t.subs, sub)
		}
		t.mu.Unlock()
		b.opts.Metrics.setSubscribers(t.name, 0)
	}
}
