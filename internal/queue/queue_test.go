package queue

import (
	"path/filepath"
	"testing"
	"time"
)

func TestMailEnqueueDueDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "q.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.EnqueueMail(MailRecord{
		Key: "alert:1", Recipients: []string{"a@example.com"},
		Subject: "hi", SendAt: time.Now().Add(-time.Second), RetryMax: 3,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	due, err := s.DueMail(time.Now())
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due mail, got %d", len(due))
	}

	if err := s.DeleteMail(due[0].ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	due, _ = s.DueMail(time.Now())
	if len(due) != 0 {
		t.Fatalf("expected 0 due mail after delete, got %d", len(due))
	}
}

func TestMailNotYetDueExcluded(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "q.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.EnqueueMail(MailRecord{SendAt: time.Now().Add(time.Hour), RetryMax: 3}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	due, _ := s.DueMail(time.Now())
	if len(due) != 0 {
		t.Fatalf("expected 0 due mail, got %d", len(due))
	}
}

func TestMailExhaustedRetriesExcluded(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "q.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.EnqueueMail(MailRecord{SendAt: time.Now(), Attempts: 3, RetryMax: 3}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	due, _ := s.DueMail(time.Now())
	if len(due) != 0 {
		t.Fatalf("expected 0 due mail once attempts==RetryMax, got %d", len(due))
	}
}

func TestLogDrainBatchDeletesOnSuccess(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "q.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	for i := 0; i < 3; i++ {
		if err := s.EnqueueLog(LogRecord{Level: "info", Message: "hi"}); err != nil {
			t.Fatalf("enqueue log: %v", err)
		}
	}

	var seen int
	err = s.DrainLogBatch(25, func(batch []LogRecord) error {
		seen = len(batch)
		return nil
	})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if seen != 3 {
		t.Fatalf("expected batch of 3, got %d", seen)
	}

	seen = -1
	_ = s.DrainLogBatch(25, func(batch []LogRecord) error {
		seen = len(batch)
		return nil
	})
	if seen != -1 {
		t.Fatalf("expected no consume call on empty queue, got batch of %d", seen)
	}
}

func TestLogDrainBatchKeepsRecordsOnConsumeError(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "q.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.EnqueueLog(LogRecord{Level: "info", Message: "hi"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	_ = s.DrainLogBatch(25, func(batch []LogRecord) error {
		return errBoom
	})

	var seen int
	_ = s.DrainLogBatch(25, func(batch []LogRecord) error {
		seen = len(batch)
		return nil
	})
	if seen != 1 {
		t.Fatalf("expected the record to survive a failed consume, got batch of %d", seen)
	}
}

var errBoom = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
