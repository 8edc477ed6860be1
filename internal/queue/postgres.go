package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/welldanyogia/smtp-receiver/internal/smtp"
)

// PostgresStore implements Store on PostgreSQL. Claiming uses
// FOR UPDATE SKIP LOCKED so concurrent workers never hand out the same row,
// and every state change commits before the call returns.
type PostgresStore struct {
	db     *sqlx.DB
	policy RetryPolicy
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sqlx.DB, policy RetryPolicy) *PostgresStore {
	return &PostgresStore{db: db, policy: policy}
}

// Enqueue implements Store. All recipient rows are inserted in one
// transaction: either every row lands or none.
func (s *PostgresStore) Enqueue(ctx context.Context, env smtp.Envelope, bodyRef string, priority int) ([]int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO queue_entries
			(message_id, reverse_path, forward_path, body_ref, declared_size,
			 priority, attempts, max_attempts, next_attempt_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, NOW(), 'pending', NOW())
		RETURNING id
	`

	ids := make([]int64, 0, len(env.ForwardPaths))
	for _, fp := range env.ForwardPaths {
		var id int64
		err := tx.QueryRowContext(ctx, query,
			env.MessageID,
			env.ReversePath,
			fp,
			bodyRef,
			env.DeclaredSize,
			priority,
			s.policy.MaxAttempts,
		).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("failed to insert queue entry: %w", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return ids, nil
}

// ClaimDue implements Store.
func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, batchSize int, lease time.Duration) ([]Entry, error) {
	const query = `
		UPDATE queue_entries
		SET lease_expires_at = $1
		WHERE id IN (
			SELECT id FROM queue_entries
			WHERE status IN ('pending', 'retry')
			  AND next_attempt_at <= $2
			  AND (lease_expires_at IS NULL OR lease_expires_at <= $2)
			ORDER BY priority ASC, next_attempt_at ASC, id ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, message_id, reverse_path, forward_path, body_ref, declared_size,
		          priority, attempts, max_attempts, next_attempt_at, lease_expires_at,
		          last_error, status, created_at
	`

	rows, err := s.db.QueryxContext(ctx, query, now.Add(lease), now, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to claim queue entries: %w", err)
	}
	defer rows.Close()

	var claimed []Entry
	for rows.Next() {
		var e Entry
		if err := rows.StructScan(&e); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		claimed = append(claimed, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claimed entries: %w", err)
	}

	// The UPDATE ... IN (SELECT ... ORDER BY) does not promise output
	// order; restore the claim ordering contract here.
	sortEntries(claimed)
	return claimed, nil
}

// RecordOutcome implements Store.
func (s *PostgresStore) RecordOutcome(ctx context.Context, id int64, outcome Outcome) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin outcome transaction: %w", err)
	}
	defer tx.Rollback()

	var e Entry
	err = tx.QueryRowxContext(ctx, `
		SELECT id, message_id, reverse_path, forward_path, body_ref, declared_size,
		       priority, attempts, max_attempts, next_attempt_at, lease_expires_at,
		       last_error, status, created_at
		FROM queue_entries WHERE id = $1 FOR UPDATE
	`, id).StructScan(&e)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrEntryNotFound
		}
		return fmt.Errorf("failed to load queue entry: %w", err)
	}

	switch outcome.Kind {
	case OutcomeDelivered:
		if e.Status == StatusDelivered {
			return tx.Commit()
		}
		if e.Status.Terminal() {
			return ErrStatusRegression
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE queue_entries
			SET status = 'delivered', lease_expires_at = NULL, last_error = NULL
			WHERE id = $1
		`, id)

	case OutcomeTempFail:
		if e.Status.Terminal() {
			return ErrStatusRegression
		}
		attempts := e.Attempts + 1
		if attempts >= e.MaxAttempts {
			_, err = tx.ExecContext(ctx, `
				UPDATE queue_entries
				SET status = 'dead_letter', attempts = $2, last_error = $3,
				    lease_expires_at = NULL
				WHERE id = $1
			`, id, attempts, outcome.Reason)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE queue_entries
				SET status = 'retry', attempts = $2, last_error = $3,
				    next_attempt_at = $4, lease_expires_at = NULL
				WHERE id = $1
			`, id, attempts, outcome.Reason, s.policy.NextAttemptAt(outcome.At, attempts))
		}

	case OutcomePermFail:
		if e.Status.Terminal() {
			return ErrStatusRegression
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE queue_entries
			SET status = 'failed', attempts = attempts + 1, last_error = $2,
			    lease_expires_at = NULL
			WHERE id = $1
		`, id, outcome.Reason)
	}
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit outcome: %w", err)
	}
	return nil
}

// ReleaseLease implements Store.
func (s *PostgresStore) ReleaseLease(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET lease_expires_at = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// ExpireLeases implements Store.
func (s *PostgresStore) ExpireLeases(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries
		SET lease_expires_at = NULL
		WHERE lease_expires_at IS NOT NULL AND lease_expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire leases: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(affected), nil
}

// Stats implements Store.
func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'retry' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN lease_expires_at IS NOT NULL AND lease_expires_at > NOW() THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'delivered' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'dead_letter' THEN 1 ELSE 0 END), 0)
		FROM queue_entries
	`).Scan(&st.Pending, &st.Retry, &st.Leased, &st.Delivered, &st.Failed, &st.DeadLetter)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to query queue stats: %w", err)
	}
	return st, nil
}

// sortEntries applies the (priority, next_attempt_at, id) claim ordering.
func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.NextAttemptAt.Equal(b.NextAttemptAt) {
			return a.NextAttemptAt.Before(b.NextAttemptAt)
		}
		return a.ID < b.ID
	})
}
