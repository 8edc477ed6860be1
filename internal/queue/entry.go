// Package queue implements the durable outbound delivery queue: the store
// of committed envelopes, the retry scheduler that drains it, and the
// commit path that feeds it from accepted SMTP transactions.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/welldanyogia/smtp-receiver/internal/smtp"
)

// Status is the lifecycle position of a queue entry. Transitions are
// monotonic: Pending and Retry are interchangeable, everything else is
// terminal.
type Status string

// Queue entry statuses.
const (
	StatusPending    Status = "pending"
	StatusRetry      Status = "retry"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// Terminal reports whether no further delivery attempts will happen.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusDeadLetter
}

// Entry is one recipient's delivery work item. A committed transaction with
// n recipients produces n entries sharing message_id, reverse_path, and
// body_ref, so per-recipient retry is independent.
type Entry struct {
	ID             int64      `db:"id"`
	MessageID      string     `db:"message_id"`
	ReversePath    string     `db:"reverse_path"`
	ForwardPath    string     `db:"forward_path"`
	BodyRef        string     `db:"body_ref"`
	DeclaredSize   int64      `db:"declared_size"`
	Priority       int        `db:"priority"`
	Attempts       int        `db:"attempts"`
	MaxAttempts    int        `db:"max_attempts"`
	NextAttemptAt  time.Time  `db:"next_attempt_at"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at"`
	LastError      *string    `db:"last_error"`
	Status         Status     `db:"status"`
	CreatedAt      time.Time  `db:"created_at"`
}

// OutcomeKind classifies the result of one delivery attempt.
type OutcomeKind int

// Delivery outcomes.
const (
	OutcomeDelivered OutcomeKind = iota
	OutcomeTempFail
	OutcomePermFail
)

// Outcome is the recorded result of a delivery attempt.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	At     time.Time
}

// Delivered builds a success outcome.
func Delivered(at time.Time) Outcome {
	return Outcome{Kind: OutcomeDelivered, At: at}
}

// TempFail builds a transient-failure outcome; the store recomputes
// next_attempt_at from it.
func TempFail(reason string, at time.Time) Outcome {
	return Outcome{Kind: OutcomeTempFail, Reason: reason, At: at}
}

// PermFail builds a permanent-failure outcome.
func PermFail(reason string, at time.Time) Outcome {
	return Outcome{Kind: OutcomePermFail, Reason: reason, At: at}
}

// Stats is the per-status entry count, fed to metrics and health output.
type Stats struct {
	Pending    int64
	Retry      int64
	Leased     int64
	Delivered  int64
	Failed     int64
	DeadLetter int64
}

// Store errors.
var (
	ErrEntryNotFound    = errors.New("queue entry not found")
	ErrStatusRegression = errors.New("queue entry status cannot regress")
)

// Store is the durable persistence contract for queue entries. Every
// state-changing operation commits before returning; a crash after a
// successful Enqueue never loses a message, and a crash between ClaimDue
// and RecordOutcome re-exposes the row once its lease expires, so delivery
// is at-least-once.
type Store interface {
	// Enqueue atomically persists one entry per forward-path of the
	// envelope: either all recipient rows land or none.
	Enqueue(ctx context.Context, env smtp.Envelope, bodyRef string, priority int) ([]int64, error)

	// ClaimDue returns up to batchSize entries with status Pending or Retry
	// and next_attempt_at <= now, marking each with a lease that expires on
	// its own after lease elapses. Rows are ordered by
	// (priority ASC, next_attempt_at ASC, id ASC).
	ClaimDue(ctx context.Context, now time.Time, batchSize int, lease time.Duration) ([]Entry, error)

	// RecordOutcome applies a delivery outcome: transitions status, bumps
	// attempts, updates last_error, and recomputes next_attempt_at for
	// transient failures. Recording Delivered twice is a no-op; regressing
	// a terminal status fails with ErrStatusRegression.
	RecordOutcome(ctx context.Context, id int64, outcome Outcome) error

	// ReleaseLease drops the lease of a claimed entry without recording an
	// attempt, making it immediately eligible again. Used during shutdown.
	ReleaseLease(ctx context.Context, id int64) error

	// ExpireLeases clears leases that have passed, returning how many rows
	// became eligible again.
	ExpireLeases(ctx context.Context, now time.Time) (int, error)

	// Stats counts entries by status.
	Stats(ctx context.Context) (Stats, error)
}
