package docstore

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Subscription delivers events for one watched path in commit order.
// Producers never block: events are queued until the consumer reads them.
type Subscription struct {
	id   string
	path string
	out  chan Event

	mu    sync.Mutex
	queue []Event
	wake  chan struct{}
	done  chan struct{}
	err   error

	once    sync.Once
	onClose func(*Subscription)
}

// NewSubscription creates a subscription and starts its delivery goroutine.
// onClose is called once when the subscription is closed.
func NewSubscription(ctx context.Context, path string, onClose func(*Subscription)) *Subscription {
	s := &Subscription{
		id:      uuid.NewString(),
		path:    path,
		out:     make(chan Event),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go s.deliver()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s
}

func (s *Subscription) ID() string {
	return s.id
}

func (s *Subscription) Path() string {
	return s.path
}

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Done is closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the subscription ended abnormally, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Push queues an event for delivery. Events pushed after Close are dropped.
func (s *Subscription) Push(ev Event) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close stops delivery. It is safe to call more than once.
func (s *Subscription) Close() {
	s.CloseWithError(nil)
}

func (s *Subscription) CloseWithError(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.queue = nil
		close(s.done)
		s.mu.Unlock()
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

func (s *Subscription) deliver() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
