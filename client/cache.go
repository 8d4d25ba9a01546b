package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"mace/protocol"
)

var (
	updatesBucket = []byte("updates")
	metaBucket    = []byte("meta")
	clientIDKey   = []byte("client")
)

// Cache keeps the last known snapshot update of every editor on disk, so a
// registering editor can show it before the server answers.
type Cache struct {
	db *bolt.DB
}

func OpenCache(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{updatesBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Put stores u as the last known state of its editor. Streaming batches are
// not self-contained and are skipped.
func (c *Cache) Put(u *protocol.Update) error {
	if u.Streaming {
		return nil
	}
	if _, ok := u.Snapshot(); !ok {
		return nil
	}
	data, err := json.Marshal(u.Trimmed())
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(updatesBucket).Put([]byte(u.EditorID), data)
	})
}

// Get returns nil when nothing is cached for editorID.
func (c *Cache) Get(editorID string) (*protocol.Update, error) {
	var u *protocol.Update
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(updatesBucket).Get([]byte(editorID))
		if data == nil {
			return nil
		}
		u = &protocol.Update{}
		return json.Unmarshal(data, u)
	})
	if err != nil {
		return nil, fmt.Errorf("read cache: %w", err)
	}
	return u, nil
}

// ClientID returns the anonymous id of this installation, minting it on
// first use.
func (c *Cache) ClientID() (string, error) {
	var id string
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		if v := b.Get(clientIDKey); v != nil {
			id = string(v)
			return nil
		}
		id = uuid.NewString()
		return b.Put(clientIDKey, []byte(id))
	})
	return id, err
}

func (c *Cache) Close() error {
	return c.db.Close()
}
