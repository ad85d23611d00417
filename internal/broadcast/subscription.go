package broadcast

import (
	"context"
	"sync"
)

type Subscription[T any] struct {
	id       string
	topic    *topic[T]
	overflow Overflow
	metrics  *Metrics
	notify   chan struct{}

	mu      sync.Mutex
	buf     []Message[T]
	head    int
	size    int
	dropped uint64
	err     error
}

func (s *Subscription[T]) ID() string {
	return s.id
}

func (s *Subscription[T]) Topic() string {
	return s.topic.name
}

// enqueue is called with the topic lock held. It returns false when the
// subscription is no longer live and must be removed from the topic.
func (s *Subscription[T]) enqueue(msg Message[T]) bool {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return false
	}
	if s.size == len(s.buf) {
		if s.overflow == Disconnect {
			s.err = ErrSlowSubscriber
			s.mu.Unlock()
			s.wake()
			return false
		}
		var zero Message[T]
		s.buf[s.head] = zero
		s.head = (s.head + 1) % len(s.buf)
		s.size--
		s.dropped++
		s.metrics.dropped(s.topic.name)
	}
	s.buf[(s.head+s.size)%len(s.buf)] = msg
	s.size++
	s.mu.Unlock()
	s.wake()
	return true
}

func (s *Subscription[T]) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// terminate marks the subscription finished with err. When keep is true the
// buffered messages stay readable before Next reports err.
func (s *Subscription[T]) terminate(err error, keep bool) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	if !keep {
		clear(s.buf)
		s.head, s.size = 0, 0
	}
	s.mu.Unlock()
	s.wake()
}

// Next blocks until a message is available, the subscription ends or ctx
// is done. Messages are returned in publish order. Once the buffer is
// drained after the subscription ended, Next returns the terminal error:
// ErrSlowSubscriber, ErrBrokerClosed or ErrSubscriptionClosed.
func (s *Subscription[T]) Next(ctx context.Context) (Message[T], error) {
	for {
		s.mu.Lock()
		if s.size > 0 {
			msg := s.buf[s.head]
			var zero Message[T]
			s.buf[s.head] = zero
			s.head = (s.head + 1) % len(s.buf)
			s.size--
			s.mu.Unlock()
			return msg, nil
		}
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return Message[T]{}, err
		}

		select {
		case <-ctx.Done():
			return Message[T]{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Close unsubscribes and discards anything still buffered. It is safe to
// call more than once and concurrently with Next.
func (s *Subscription[T]) Close() {
	s.topic.mu.Lock()
	_, live := s.topic.subs[s]
	delete(s.topic.subs, s)
	count := len(s.topic.subs)
	s.topic.mu.Unlock()
	if live {
		s.metrics.setSubscribers(s.topic.name, count)
	}
	s.terminate(ErrSubscriptionClosed, false)
}

// Dropped reports how many messages were discarded because the buffer was
// full.
func (s *Subscription[T]) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Err returns the reason the subscription ended, or nil while it is live.
func (s *Subscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
