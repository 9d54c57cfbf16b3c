// Package budgetcache implements the embedded key-value store of
// SPEC_FULL.md §4.5: a single bbolt file keyed by the 12-byte object id of
// the watched key or provider, holding {usage, budget, remaining,
// updated_at}. It is the direct replacement for the original's embedded LMDB
// store (see original_source/aggregator/core/budget.py), chosen because
// go.etcd.io/bbolt is the closest embedded single-file KV store anywhere in
// the retrieved example pack.
package budgetcache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/nulpointcorp/llm-gateway/internal/configstore"
)

const bucketName = "budgetcache"

// entryTTL bounds how long a written entry is trusted before a reader
// treats it as a miss, per §4.5 "readers tolerate TTL-expired entries by
// returning null".
const entryTTL = 30 * time.Second

// Entry is the cached spend snapshot for one watched object.
type Entry struct {
	Usage     float64
	Budget    float64
	Remaining float64
	UpdatedAt time.Time
}

// Store wraps one bbolt database file. Budgetcache and the mail/log queues
// (internal/queue) may share the same underlying *bbolt.DB via different
// buckets — Store only ever touches bucketName.
type Store struct {
	db *bbolt.DB
}

// Open creates (if needed) and opens the bbolt file at path, ensuring the
// budget-cache bucket exists.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("budgetcache: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("budgetcache: init bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenShared wraps an already-open *bbolt.DB (used when the budget cache
// shares a file with internal/queue), ensuring its bucket exists.
func OpenShared(db *bbolt.DB) (*Store, error) {
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		return nil, fmt.Errorf("budgetcache: init bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying bbolt file. Safe to skip if the *bbolt.DB is
// owned and closed elsewhere (OpenShared case).
func (s *Store) Close() error { return s.db.Close() }

// Get returns the cached entry for id. The second return is false both on a
// genuine miss and on a TTL-expired entry — callers cannot distinguish the
// two, matching §4.5's "cache misses are silent".
func (s *Store) Get(id configstore.ObjectID) (Entry, bool) {
	var entry Entry
	var found bool
	_ = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		raw := b.Get(id[:])
		if raw == nil {
			return nil
		}
		var e Entry
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&e); err != nil {
			return nil
		}
		if time.Since(e.UpdatedAt) > entryTTL {
			return nil
		}
		entry, found = e, true
		return nil
	})
	return entry, found
}

// Put writes a fresh entry for id. Only the budget maintainer loop
// (internal/background) calls this — bbolt enforces the single-writer
// invariant of §5 "shared resources" (c) via its transaction model.
func (s *Store) Put(id configstore.ObjectID, e Entry) error {
	e.UpdatedAt = time.Now()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return fmt.Errorf("budgetcache: encode: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.Put(id[:], buf.Bytes())
	})
}

// Smaller picks whichever of two optional entries has the smaller Remaining,
// falling back to whichever exists, matching §4.5's "attaches ... whichever
// has the smaller remaining (falling back to whichever entry exists)".
func Smaller(a Entry, aOK bool, b Entry, bOK bool) (Entry, bool) {
	switch {
	case aOK && bOK:
		if a.Remaining <= b.Remaining {
			return a, true
		}
		return b, true
	case aOK:
		return a, true
	case bOK:
		return b, true
	default:
		return Entry{}, false
	}
}
