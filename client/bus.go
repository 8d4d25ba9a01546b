package client

import (
	"sync"

	"mace/protocol"
)

type Handler func(*protocol.Update)

// Subscription is returned by On and identifies a handler to Off.
type Subscription struct {
	fn Handler
}

// Bus delivers updates between engines of one Provider, keyed by editor id.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]*Subscription
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]*Subscription)}
}

func (b *Bus) On(key string, fn Handler) *Subscription {
	s := &Subscription{fn: fn}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[key] = append(b.subs[key], s)
	return s
}

func (b *Bus) Off(key string, s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, existing := range subs {
		if existing == s {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, key)
	} else {
		b.subs[key] = subs
	}
}

// Emit calls every handler registered for key. Handlers run on the caller's
// goroutine and may call On or Off.
func (b *Bus) Emit(key string, u *protocol.Update) {
	b.mu.Lock()
	subs := append([]*Subscription(nil), b.subs[key]...)
	b.mu.Unlock()
	for _, s := range subs {
		s.fn(u)
	}
}
