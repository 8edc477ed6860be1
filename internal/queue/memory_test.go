package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/welldanyogia/smtp-receiver/internal/smtp"
)

func testEnvelope(id string, rcpts ...string) smtp.Envelope {
	return smtp.Envelope{
		MessageID:    id,
		ReversePath:  "a@x.example",
		ForwardPaths: rcpts,
	}
}

func testPolicy() RetryPolicy {
	return RetryPolicy{
		Base:          time.Minute,
		MaxDelay:      time.Hour,
		MaxAttempts:   3,
		DisableJitter: true,
	}
}

func TestEnqueueFansOutPerRecipient(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(testPolicy())

	ids, err := store.Enqueue(ctx, testEnvelope("m1", "b@y.example", "c@y.example", "b@y.example"), "ref1", 100)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("got %d entries, want 3 (duplicates kept)", len(ids))
	}

	for i, id := range ids {
		e, ok := store.Get(id)
		if !ok {
			t.Fatalf("entry %d missing", id)
		}
		if e.MessageID != "m1" || e.ReversePath != "a@x.example" || e.BodyRef != "ref1" {
			t.Errorf("entry %d = %+v", id, e)
		}
		if e.Status != StatusPending || e.Attempts != 0 {
			t.Errorf("fresh entry %d has status %s attempts %d", id, e.Status, e.Attempts)
		}
		wantRcpt := []string{"b@y.example", "c@y.example", "b@y.example"}[i]
		if e.ForwardPath != wantRcpt {
			t.Errorf("entry %d forward path = %q, want %q", id, e.ForwardPath, wantRcpt)
		}
	}
}

func TestClaimDueOrderingAndLease(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(testPolicy())

	// Three distinct priorities, enqueued out of order.
	lowIDs, _ := store.Enqueue(ctx, testEnvelope("low", "r@y.example"), "ref", 200)
	highIDs, _ := store.Enqueue(ctx, testEnvelope("high", "r@y.example"), "ref", 1)
	midIDs, _ := store.Enqueue(ctx, testEnvelope("mid", "r@y.example"), "ref", 100)
	now := time.Now()

	claimed, err := store.ClaimDue(ctx, now, 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimDue failed: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("claimed %d, want 3", len(claimed))
	}
	wantOrder := []int64{highIDs[0], midIDs[0], lowIDs[0]}
	for i, want := range wantOrder {
		if claimed[i].ID != want {
			t.Errorf("claim order[%d] = %d, want %d", i, claimed[i].ID, want)
		}
	}

	// Leased rows are not handed out again before expiry.
	again, err := store.ClaimDue(ctx, now.Add(30*time.Second), 10, time.Minute)
	if err != nil {
		t.Fatalf("second ClaimDue failed: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("leased rows re-claimed: %v", again)
	}

	// Past lease expiry they become eligible again.
	later, err := store.ClaimDue(ctx, now.Add(2*time.Minute), 10, time.Minute)
	if err != nil {
		t.Fatalf("third ClaimDue failed: %v", err)
	}
	if len(later) != 3 {
		t.Fatalf("expired leases not re-claimable: got %d", len(later))
	}
}

func TestClaimDueRespectsBatchAndDueTime(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(testPolicy())

	for i := 0; i < 5; i++ {
		store.Enqueue(ctx, testEnvelope("m", "r@y.example"), "ref", 100)
	}
	now := time.Now()

	claimed, err := store.ClaimDue(ctx, now, 2, time.Minute)
	if err != nil {
		t.Fatalf("ClaimDue failed: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("batch size ignored: got %d", len(claimed))
	}

	// A row pushed into the future is not due.
	if err := store.RecordOutcome(ctx, claimed[0].ID, TempFail("busy", now)); err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}
	e, _ := store.Get(claimed[0].ID)
	if e.Status != StatusRetry {
		t.Fatalf("status = %s, want retry", e.Status)
	}
	if !e.NextAttemptAt.Equal(now.Add(time.Minute)) {
		t.Errorf("next attempt = %v, want %v", e.NextAttemptAt, now.Add(time.Minute))
	}
	reclaimed, _ := store.ClaimDue(ctx, now, 10, time.Minute)
	for _, r := range reclaimed {
		if r.ID == claimed[0].ID {
			t.Error("retrying row claimed before its next attempt time")
		}
	}
}

func TestRecordOutcomeLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(testPolicy())
	now := time.Now()

	ids, _ := store.Enqueue(ctx, testEnvelope("m", "r@y.example"), "ref", 100)
	id := ids[0]

	// Attempts accumulate until max_attempts dead-letters the entry.
	for i := 1; i < 3; i++ {
		if err := store.RecordOutcome(ctx, id, TempFail("soft", now)); err != nil {
			t.Fatalf("TempFail %d failed: %v", i, err)
		}
		e, _ := store.Get(id)
		if e.Attempts != i {
			t.Fatalf("attempts = %d, want %d", e.Attempts, i)
		}
		if e.Status != StatusRetry {
			t.Fatalf("status = %s, want retry", e.Status)
		}
	}
	if err := store.RecordOutcome(ctx, id, TempFail("soft", now)); err != nil {
		t.Fatalf("final TempFail failed: %v", err)
	}
	e, _ := store.Get(id)
	if e.Status != StatusDeadLetter {
		t.Fatalf("status = %s, want dead_letter", e.Status)
	}
	if e.Attempts != e.MaxAttempts {
		t.Errorf("dead-letter attempts = %d, want %d", e.Attempts, e.MaxAttempts)
	}

	// Terminal statuses never regress.
	if err := store.RecordOutcome(ctx, id, TempFail("soft", now)); !errors.Is(err, ErrStatusRegression) {
		t.Errorf("regression from dead_letter: got %v", err)
	}
}

func TestRecordOutcomeDeliveredIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(testPolicy())

	ids, _ := store.Enqueue(ctx, testEnvelope("m", "r@y.example"), "ref", 100)
	now := time.Now()

	if err := store.RecordOutcome(ctx, ids[0], Delivered(now)); err != nil {
		t.Fatalf("Delivered failed: %v", err)
	}
	if err := store.RecordOutcome(ctx, ids[0], Delivered(now)); err != nil {
		t.Fatalf("repeated Delivered should be a no-op: %v", err)
	}
	if err := store.RecordOutcome(ctx, ids[0], TempFail("late", now)); !errors.Is(err, ErrStatusRegression) {
		t.Errorf("regression from delivered: got %v", err)
	}
}

func TestRecordOutcomePermFail(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(testPolicy())

	ids, _ := store.Enqueue(ctx, testEnvelope("m", "r@y.example"), "ref", 100)
	if err := store.RecordOutcome(ctx, ids[0], PermFail("no such domain", time.Now())); err != nil {
		t.Fatalf("PermFail failed: %v", err)
	}
	e, _ := store.Get(ids[0])
	if e.Status != StatusFailed {
		t.Errorf("status = %s, want failed", e.Status)
	}
	if e.LastError == nil || *e.LastError != "no such domain" {
		t.Errorf("last error = %v", e.LastError)
	}
}

func TestExpireLeasesAndRelease(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(testPolicy())

	ids, _ := store.Enqueue(ctx, testEnvelope("m", "r@y.example", "s@y.example"), "ref", 100)
	now := time.Now()
	if _, err := store.ClaimDue(ctx, now, 10, time.Minute); err != nil {
		t.Fatal(err)
	}

	// Releasing one makes it eligible immediately.
	if err := store.ReleaseLease(ctx, ids[0]); err != nil {
		t.Fatalf("ReleaseLease failed: %v", err)
	}
	claimed, _ := store.ClaimDue(ctx, now, 10, time.Minute)
	if len(claimed) != 1 || claimed[0].ID != ids[0] {
		t.Fatalf("released row not re-claimable: %v", claimed)
	}

	// Both leases, the re-claimed one and the other, expire by time.
	n, err := store.ExpireLeases(ctx, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("ExpireLeases failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expired %d leases, want 2", n)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Pending != 2 || stats.Leased != 0 {
		t.Errorf("stats = %+v", stats)
	}
}
