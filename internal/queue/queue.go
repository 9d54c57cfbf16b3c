// Package queue implements the two embedded append stores of SPEC_FULL.md
// §6 "Persisted state layout" (c): outbound mail and structured log records,
// each a bbolt bucket in the same embedded file the budget cache uses. One
// writer per process per bucket, matching §5's "single-writer-per-process
// append store".
package queue

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const (
	mailBucket = "mailqueue"
	logBucket  = "logqueue"
)

// MailRecord is one outbound mail, as enqueued by the alert watchdog and
// drained by the mail dispatcher loop.
type MailRecord struct {
	ID          string
	Key         string // dedup key, e.g. "alert:{alert_id}"
	Recipients  []string
	Subject     string
	TemplateBody string
	Context     map[string]string
	SendAt      time.Time
	Attempts    int
	RetryAfter  time.Duration
	RetryMax    int
	CreatedAt   time.Time
}

// LogRecord is one structured log line enqueued for durable batch drain.
type LogRecord struct {
	ID        string
	Level     string
	Message   string
	Fields    map[string]string
	CreatedAt time.Time
}

// Store wraps a *bbolt.DB exposing the mail and log buckets.
type Store struct {
	db *bbolt.DB
}

// Open creates (if needed) and opens the bbolt file at path with both
// buckets present.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", path, err)
	}
	s, err := OpenShared(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenShared wraps an already-open *bbolt.DB, ensuring both buckets exist.
func OpenShared(db *bbolt.DB) (*Store, error) {
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(mailBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(logBucket))
		return err
	}); err != nil {
		return nil, fmt.Errorf("queue: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// EnqueueMail appends a mail record, filling ID/CreatedAt if unset.
func (s *Store) EnqueueMail(m MailRecord) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putGob(tx.Bucket([]byte(mailBucket)), m.ID, m)
	})
}

// DueMail returns every mail record with SendAt <= now and Attempts <
// RetryMax, matching §4.9's mail dispatcher selection rule.
func (s *Store) DueMail(now time.Time) ([]MailRecord, error) {
	var out []MailRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(mailBucket))
		return b.ForEach(func(k, v []byte) error {
			var m MailRecord
			if err := decodeGob(v, &m); err != nil {
				return nil // skip corrupt record rather than abort the whole scan
			}
			if !m.SendAt.After(now) && m.Attempts < m.RetryMax {
				out = append(out, m)
			}
			return nil
		})
	})
	return out, err
}

// DeleteMail removes a dispatched mail record.
func (s *Store) DeleteMail(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(mailBucket)).Delete([]byte(id))
	})
}

// UpdateMail rewrites a mail record after a failed send attempt
// (send_at = now + retry_after, attempts++).
func (s *Store) UpdateMail(m MailRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putGob(tx.Bucket([]byte(mailBucket)), m.ID, m)
	})
}

// EnqueueLog appends a structured log record.
func (s *Store) EnqueueLog(r LogRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putGob(tx.Bucket([]byte(logBucket)), r.ID, r)
	})
}

// DrainLogBatch pops up to n log records (FIFO by insertion key order isn't
// guaranteed by bbolt's byte-sorted keys, so records carry their own
// CreatedAt for downstream ordering) and deletes them from the queue.
// Matches §5's "backpressure" contract: records are deleted only after
// consume returns nil, so a consume func that returns an error aborts the
// batch without losing records.
func (s *Store) DrainLogBatch(n int, consume func([]LogRecord) error) error {
	var batch []LogRecord
	var keys [][]byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(logBucket))
		c := b.Cursor()
		for k, v := c.First(); k != nil && len(batch) < n; k, v = c.Next() {
			var r LogRecord
			if err := decodeGob(v, &r); err != nil {
				continue
			}
			batch = append(batch, r)
			keys = append(keys, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil || len(batch) == 0 {
		return err
	}
	if err := consume(batch); err != nil {
		return fmt.Errorf("queue: consume batch: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(logBucket))
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func putGob(b *bbolt.Bucket, key string, v any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("queue: encode: %w", err)
	}
	return b.Put([]byte(key), buf.Bytes())
}

func decodeGob(raw []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(raw)).Decode(v)
}
