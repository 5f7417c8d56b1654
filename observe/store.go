// Package observe implements the RFC 7641 Observe extension: the
// subscription registry, sequence-number bookkeeping and the engine
// that fans notifications out to subscribers of a mutated resource
// (spec §4.5).
package observe

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// Record is the persisted subscription value (DATA MODEL §3 "Subscription record").
type Record struct {
	Token []byte
	Seq   uint32
}

// Store is the backend contract every observer store implements
// (spec §4.5 "Backend contract"). All operations are atomic with
// respect to each other.
type Store interface {
	Put(ctx context.Context, path, identity string, rec Record) error
	Delete(ctx context.Context, path, identity string) error
	DeleteAll(ctx context.Context, identity string) error
	Iter(ctx context.Context, path string) ([]Subscriber, error)
	BumpSeq(ctx context.Context, path, identity string) (uint32, error)
	Close() error
}

// Subscriber pairs a stored record with the identity it belongs to,
// as returned by Iter.
type Subscriber struct {
	Identity string
	Record   Record
}

// key renders the canonical path\0identity byte string (spec §4.5,
// §6 "Persisted state") so a persistent backend's Iter is a plain
// prefix scan.
func key(path, identity string) []byte {
	b := make([]byte, 0, len(path)+1+len(identity))
	b = append(b, path...)
	b = append(b, 0)
	b = append(b, identity...)
	return b
}

func splitKey(k []byte) (path, identity string) {
	idx := bytes.IndexByte(k, 0)
	if idx < 0 {
		return string(k), ""
	}
	return string(k[:idx]), string(k[idx+1:])
}

// --- in-memory backend ------------------------------------------------

// MemoryStore is the in-memory observer backend (spec §4.5 "an
// in-memory one (map guarded by a reader-writer discipline)").
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record // keyed by key(path, identity)
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Record)}
}

func (m *MemoryStore) Put(_ context.Context, path, identity string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key(path, identity))] = rec
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, path, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key(path, identity)))
	return nil
}

func (m *MemoryStore) DeleteAll(_ context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	suffix := "\x00" + identity
	for k := range m.data {
		if len(k) >= len(suffix) && k[len(k)-len(suffix):] == suffix {
			delete(m.data, k)
		}
	}
	return nil
}

func (m *MemoryStore) Iter(_ context.Context, path string) ([]Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefix := path + "\x00"
	var out []Subscriber
	for k, rec := range m.data {
		if len(k) <= len(prefix) || k[:len(prefix)] != prefix {
			continue
		}
		_, identity := splitKey([]byte(k))
		out = append(out, Subscriber{Identity: identity, Record: rec})
	}
	return out, nil
}

func (m *MemoryStore) BumpSeq(_ context.Context, path, identity string) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := string(key(path, identity))
	rec, ok := m.data[k]
	if !ok {
		return 0, fmt.Errorf("observe: no subscription for %s/%s", path, identity)
	}
	rec.Seq = NextSeq(rec.Seq)
	if rec.Seq == 0 {
		// seq 0 belongs to the registration response only.
		rec.Seq = NextSeq(rec.Seq)
	}
	m.data[k] = rec
	return rec.Seq, nil
}

func (m *MemoryStore) Close() error { return nil }

// --- bbolt-backed persistent backend -----------------------------------

var subscriptionsBucket = []byte("observe_subscriptions_v1")

// BoltStore is the on-disk ordered-KV observer backend (spec §4.5 "a
// persistent one (on-disk ordered KV)", §6 "versioned so
// forward-migration is possible" — record encoding carries a version
// byte so a later schema revision can coexist).
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if absent) a bbolt database at path and
// ensures the subscriptions bucket exists.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("observe: open bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(subscriptionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("observe: init bolt bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Put(_ context.Context, path, identity string, rec Record) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(subscriptionsBucket).Put(key(path, identity), encodeRecord(rec))
	})
}

func (b *BoltStore) Delete(_ context.Context, path, identity string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(subscriptionsBucket).Delete(key(path, identity))
	})
}

func (b *BoltStore) DeleteAll(_ context.Context, identity string) error {
	suffix := []byte("\x00" + identity)
	return b.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(subscriptionsBucket).Cursor()
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if bytes.HasSuffix(k, suffix) {
				cp := make([]byte, len(k))
				copy(cp, k)
				toDelete = append(toDelete, cp)
			}
		}
		bucket := tx.Bucket(subscriptionsBucket)
		for _, k := range toDelete {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltStore) Iter(_ context.Context, path string) ([]Subscriber, error) {
	prefix := []byte(path + "\x00")
	var out []Subscriber
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(subscriptionsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			_, identity := splitKey(k)
			out = append(out, Subscriber{Identity: identity, Record: rec})
		}
		return nil
	})
	return out, err
}

func (b *BoltStore) BumpSeq(_ context.Context, path, identity string) (uint32, error) {
	var seq uint32
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(subscriptionsBucket)
		k := key(path, identity)
		v := bucket.Get(k)
		if v == nil {
			return fmt.Errorf("observe: no subscription for %s/%s", path, identity)
		}
		rec, err := decodeRecord(v)
		if err != nil {
			return err
		}
		rec.Seq = NextSeq(rec.Seq)
		if rec.Seq == 0 {
			// seq 0 belongs to the registration response only.
			rec.Seq = NextSeq(rec.Seq)
		}
		seq = rec.Seq
		return bucket.Put(k, encodeRecord(rec))
	})
	return seq, err
}

func (b *BoltStore) Close() error { return b.db.Close() }

const recordVersion1 = 1

// encodeRecord is a tiny versioned encoding: version byte, 4-byte
// big-endian seq, then the raw token bytes.
func encodeRecord(rec Record) []byte {
	out := make([]byte, 1+4+len(rec.Token))
	out[0] = recordVersion1
	out[1] = byte(rec.Seq >> 24)
	out[2] = byte(rec.Seq >> 16)
	out[3] = byte(rec.Seq >> 8)
	out[4] = byte(rec.Seq)
	copy(out[5:], rec.Token)
	return out
}

func decodeRecord(b []byte) (Record, error) {
	if len(b) < 5 || b[0] != recordVersion1 {
		return Record{}, fmt.Errorf("observe: unrecognized subscription record encoding")
	}
	seq := uint32(b[1])<<24 | uint32(b[2])<<16 | uint32(b[3])<<8 | uint32(b[4])
	token := append([]byte(nil), b[5:]...)
	return Record{Token: token, Seq: seq}, nil
}
