package server

import (
	"context"
	"sync"
)

// Subscriber receives every payload published under its identity key.
// Deliver must not block; returning false drops the subscriber.
type Subscriber interface {
	Deliver(payload []byte) bool
}

// Publisher fans a payload out to every live session of an identity.
type Publisher interface {
	Publish(ctx context.Context, identityKey string, payload []byte) error
}

// Registry maps identity keys to the sessions currently connected under them.
// It delivers in process only; see RedisRelay for fan-out across processes.
type Registry struct {
	mu   sync.Mutex
	subs map[string]map[Subscriber]struct{}
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]map[Subscriber]struct{})}
}

func (r *Registry) Subscribe(identityKey string, s Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[identityKey]
	if !ok {
		set = make(map[Subscriber]struct{})
		r.subs[identityKey] = set
	}
	set[s] = struct{}{}
}

func (r *Registry) Unsubscribe(identityKey string, s Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(identityKey, s)
}

func (r *Registry) remove(identityKey string, s Subscriber) {
	set, ok := r.subs[identityKey]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.subs, identityKey)
	}
}

// Publish delivers payload to every subscriber of identityKey, including the
// session that sent it. Subscribers that cannot keep up are removed.
func (r *Registry) Publish(_ context.Context, identityKey string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s := range r.subs[identityKey] {
		if !s.Deliver(payload) {
			r.remove(identityKey, s)
		}
	}
	return nil
}

// Count returns the number of live subscribers for identityKey.
func (r *Registry) Count(identityKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[identityKey])
}
