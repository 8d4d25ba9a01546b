// Package store persists updates as an append-only log keyed by identity and
// editor id. The current state of an editor is its entry with the greatest
// timestamp.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"mace/protocol"
)

// ErrNotFound is returned by Latest when nothing was ever saved for a key.
var ErrNotFound = errors.New("store: no entry")

// Entry is one persisted update.
type Entry struct {
	IdentityKey string            `json:"identityKey" bson:"identityKey"`
	EditorID    string            `json:"editorId" bson:"editorId"`
	Origin      string            `json:"origin" bson:"origin"`
	Client      string            `json:"client" bson:"client"`
	Email       string            `json:"email,omitempty" bson:"email,omitempty"`
	Timestamp   time.Time         `json:"timestamp" bson:"timestamp"`
	Update      protocol.Update   `json:"update" bson:"update"`
	Versions    protocol.Versions `json:"versions" bson:"versions"`
}

type Store interface {
	Insert(ctx context.Context, e Entry) error
	Latest(ctx context.Context, identityKey, editorID string) (*Entry, error)
	Close() error
}

// Opener connects to a backend. collection names the table or collection
// entries are written to.
type Opener func(ctx context.Context, uri, collection string) (Store, error)

var (
	openersMu sync.RWMutex
	openers   = map[string]Opener{}
)

// Register makes a backend available to Open under a URI scheme.
func Register(scheme string, o Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()
	openers[scheme] = o
}

// Open picks a backend by the scheme of uri.
func Open(ctx context.Context, uri, collection string) (Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse store uri: %w", err)
	}
	openersMu.RLock()
	o, ok := openers[u.Scheme]
	openersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("store: no backend registered for scheme %q", u.Scheme)
	}
	return o(ctx, uri, collection)
}

func init() {
	Register("memory", func(context.Context, string, string) (Store, error) {
		return NewMemory(), nil
	})
}

type memoryKey struct {
	identityKey string
	editorID    string
}

// Memory keeps every entry in process, ordered by timestamp per key.
type Memory struct {
	mu      sync.RWMutex
	entries map[memoryKey][]Entry
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[memoryKey][]Entry)}
}

func (m *Memory) Insert(_ context.Context, e Entry) error {
	k := memoryKey{e.IdentityKey, e.EditorID}
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.entries[k]
	i := sort.Search(len(log), func(i int) bool { return log[i].Timestamp.After(e.Timestamp) })
	log = append(log, Entry{})
	copy(log[i+1:], log[i:])
	log[i] = e
	m.entries[k] = log
	return nil
}

func (m *Memory) Latest(_ context.Context, identityKey, editorID string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.entries[memoryKey{identityKey, editorID}]
	if len(log) == 0 {
		return nil, ErrNotFound
	}
	e := log[len(log)-1]
	e.Update.Records = append([]protocol.Record(nil), e.Update.Records...)
	return &e, nil
}

// Len returns the number of entries stored for a key.
func (m *Memory) Len(identityKey, editorID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries[memoryKey{identityKey, editorID}])
}

func (m *Memory) Close() error { return nil }
