package transport

import (
	"sync"

	"github.com/c360/embedbridge/errors"
)

// MemoryBus is an in-process Transport used by tests and by single-process
// deployments that co-locate host and sandbox runtime. Delivery is
// asynchronous (one goroutine per message) so message ordering between
// concurrent publishes is as loose as over a real network.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub
	closed bool

	// failNext, when positive, makes that many Publish calls fail with a
	// transport error. Tests use it to exercise the forced-reinit path.
	failNext int
}

type memorySub struct {
	bus     *MemoryBus
	subject string
	h       Handler
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memorySub)}
}

// Publish delivers data to every handler subscribed to subject, each on its
// own goroutine. Publishing to a subject with no subscribers is not an
// error; the message is simply dropped, as on a real bus.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.ErrNoConnection
	}
	if b.failNext > 0 {
		b.failNext--
		b.mu.Unlock()
		return errors.ErrTransport
	}
	handlers := make([]*memorySub, len(b.subs[subject]))
	copy(handlers, b.subs[subject])
	b.mu.Unlock()

	msg := make([]byte, len(data))
	copy(msg, data)
	for _, s := range handlers {
		go s.h(subject, msg)
	}
	return nil
}

// Subscribe registers h for subject.
func (b *MemoryBus) Subscribe(subject string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.ErrNoConnection
	}
	s := &memorySub{bus: b, subject: subject, h: h}
	b.subs[subject] = append(b.subs[subject], s)
	return s, nil
}

// FailNext makes the next n Publish calls fail with ErrTransport.
func (b *MemoryBus) FailNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = n
}

// Close drops all subscriptions and fails subsequent operations.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string][]*memorySub)
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	list := s.bus.subs[s.subject]
	for i, cur := range list {
		if cur == s {
			s.bus.subs[s.subject] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}
