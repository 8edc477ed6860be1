package smtp

import (
	"context"
	"errors"
	"io"
)

// Envelope is the committed form of a transaction: the reverse-path, the
// accepted forward-paths in acceptance order, and the negotiated flags.
// Duplicates among the forward-paths are preserved.
type Envelope struct {
	MessageID    string
	ReversePath  string
	ForwardPaths []string
	DeclaredSize int64
	BodyOctets   int64
	Body8Bit     bool
	SMTPUTF8     bool
	Chunking     bool
}

// ErrCommitTemporary is returned by a Committer when the store refused the
// write for a transient reason; the session reports 451 and the client may
// retry the whole transaction.
var ErrCommitTemporary = errors.New("temporary commit failure")

// ErrCommitPermanent marks an envelope the store considers permanently
// invalid; the session reports 554.
var ErrCommitPermanent = errors.New("permanent commit failure")

// Committer accepts a finished transaction: the envelope plus the body to
// store, which is the receiver's trace header block followed by the client's
// bytes exactly as received (already unstuffed). Implementations persist the body, create
// one durable queue entry per forward-path atomically, and must not retain
// the reader past the call.
type Committer interface {
	Commit(ctx context.Context, env Envelope, body io.Reader) error
}

// RateLimiter is the sliding-window admission capability checked at MAIL
// time, keyed by remote IP or by authenticated user.
type RateLimiter interface {
	CheckAndIncrement(key string, limit int) bool
}

// RecipientPolicy decides whether a forward-path is accepted at RCPT time.
// The default policy accepts everything syntactically valid (accept, then
// bounce later); deployments that know their user base can refuse with 550.
type RecipientPolicy interface {
	Accept(ctx context.Context, addr Address) error
}

// acceptAllPolicy is the default RecipientPolicy.
type acceptAllPolicy struct{}

func (acceptAllPolicy) Accept(context.Context, Address) error { return nil }

// AcceptAllRecipients returns the accept-then-bounce recipient policy.
func AcceptAllRecipients() RecipientPolicy { return acceptAllPolicy{} }
