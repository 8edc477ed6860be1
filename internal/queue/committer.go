package queue

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/welldanyogia/smtp-receiver/internal/smtp"
	"github.com/welldanyogia/smtp-receiver/internal/spool"
)

// Committer is the bridge between an accepted SMTP transaction and the
// queue: it persists the body in the spool, then enqueues one entry per
// recipient. The body write happens first so the enqueue is visible
// atomically with the body being readable; a failed enqueue removes the
// orphaned body again.
type Committer struct {
	store    Store
	bodies   spool.Store
	priority int
	log      *slog.Logger
}

// NewCommitter wires the commit path.
func NewCommitter(store Store, bodies spool.Store, priority int, log *slog.Logger) *Committer {
	return &Committer{store: store, bodies: bodies, priority: priority, log: log}
}

// Commit implements smtp.Committer.
func (c *Committer) Commit(ctx context.Context, env smtp.Envelope, body io.Reader) error {
	ref, size, err := c.bodies.Put(ctx, body)
	if err != nil {
		return fmt.Errorf("%w: body spool write failed: %w", smtp.ErrCommitTemporary, err)
	}

	ids, err := c.store.Enqueue(ctx, env, ref, c.priority)
	if err != nil {
		if derr := c.bodies.Delete(ctx, ref); derr != nil {
			c.log.Warn("failed to remove orphaned body",
				slog.String("body_ref", ref),
				slog.String("error", derr.Error()),
			)
		}
		return fmt.Errorf("%w: enqueue failed: %w", smtp.ErrCommitTemporary, err)
	}

	c.log.Debug("envelope enqueued",
		slog.String("message_id", env.MessageID),
		slog.String("body_ref", ref),
		slog.Int64("body_octets", size),
		slog.Int("entries", len(ids)),
	)
	return nil
}
