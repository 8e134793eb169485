// Package bus implements fanout channels connecting actors of one device.
// Delivery is at-least-once to current subscribers, publisher included,
// with no persistence and no ordering across publishers.
package bus

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Handler receives raw message data
type Handler func(data []byte)

// Bus publishes to and subscribes on named topics
type Bus interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(topic string, h Handler) (Subscription, error)
}

// Subscription is a handle of active subscriber
type Subscription interface {
	Unsubscribe() error
}

// ErrClosed returned on use of closed subscription or bus
var ErrClosed = errors.New("bus closed")

// Local is in-process Bus. Publish never blocks, every subscriber has its own
// unbounded queue drained by a dedicated goroutine.
type Local struct {
	mu     sync.RWMutex
	subs   map[string]map[*localSub]struct{}
	closed bool
}

// NewLocal makes in-process bus
func NewLocal() *Local {
	return &Local{subs: map[string]map[*localSub]struct{}{}}
}

// Publish delivers data to all current subscribers of the topic
func (l *Local) Publish(_ context.Context, topic string, data []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	for s := range l.subs[topic] {
		msg := make([]byte, len(data))
		copy(msg, data)
		s.push(msg)
	}
	return nil
}

// Subscribe registers handler for the topic. Messages published before the call are not delivered.
func (l *Local) Subscribe(topic string, h Handler) (Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	s := &localSub{bus: l, topic: topic, handler: h, signal: make(chan struct{}, 1), done: make(chan struct{})}
	if l.subs[topic] == nil {
		l.subs[topic] = map[*localSub]struct{}{}
	}
	l.subs[topic][s] = struct{}{}
	go s.run()
	return s, nil
}

// Close unsubscribes everybody
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for _, subs := range l.subs {
		for s := range subs {
			s.stop()
		}
	}
	l.subs = map[string]map[*localSub]struct{}{}
	return nil
}

type localSub struct {
	bus     *Local
	topic   string
	handler Handler

	mu     sync.Mutex
	queue  [][]byte
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *localSub) push(data []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, data)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *localSub) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			msg := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.handler(msg)
		}
	}
}

func (s *localSub) stop() {
	s.once.Do(func() { close(s.done) })
}

// Unsubscribe stops delivery, pending messages are discarded
func (s *localSub) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs[s.topic], s)
	s.bus.mu.Unlock()
	s.stop()
	return nil
}
