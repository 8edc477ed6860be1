package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/welldanyogia/smtp-receiver/internal/queue"
	"github.com/welldanyogia/smtp-receiver/internal/smtp"
	"github.com/welldanyogia/smtp-receiver/internal/spool"
)

// upstreamCommitter captures what the upstream test server accepted.
type upstreamCommitter struct {
	mu     sync.Mutex
	envs   []smtp.Envelope
	bodies []string
}

func (c *upstreamCommitter) Commit(_ context.Context, env smtp.Envelope, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	c.bodies = append(c.bodies, string(data))
	return nil
}

// startUpstream runs a receiver that plays the smarthost role.
func startUpstream(t *testing.T) (addr string, committer *upstreamCommitter) {
	t.Helper()
	cfg := smtp.DefaultConfig()
	cfg.Hostname = "upstream.test.example"
	cfg.TempDir = t.TempDir()
	committer = &upstreamCommitter{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := smtp.NewServer(cfg, []smtp.Listener{{Addr: "127.0.0.1:0"}}, nil,
		nil, nil, committer, nil, log)
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start upstream: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv.Addrs()[0], committer
}

func TestSmarthostDelivers(t *testing.T) {
	addr, committer := startUpstream(t)

	bodies, err := spool.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	body := "Subject: forwarded\r\n\r\npayload"
	ref, _, err := bodies.Put(context.Background(), strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}

	deliverer := NewSmarthost(addr, "origin.test.example", bodies)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entry := queue.Entry{
		ID:          1,
		MessageID:   "m1",
		ReversePath: "a@x.example",
		ForwardPath: "b@y.example",
		BodyRef:     ref,
	}
	if err := deliverer.Deliver(ctx, entry); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	committer.mu.Lock()
	defer committer.mu.Unlock()
	if len(committer.envs) != 1 {
		t.Fatalf("upstream accepted %d messages, want 1", len(committer.envs))
	}
	if committer.envs[0].ReversePath != "a@x.example" {
		t.Errorf("upstream reverse path = %q", committer.envs[0].ReversePath)
	}
	if got := committer.envs[0].ForwardPaths; len(got) != 1 || got[0] != "b@y.example" {
		t.Errorf("upstream forward paths = %v", got)
	}
	if !strings.Contains(committer.bodies[0], "payload") {
		t.Errorf("upstream body = %q", committer.bodies[0])
	}
}

func TestSmarthostMissingBodyIsHardBounce(t *testing.T) {
	addr, _ := startUpstream(t)

	bodies, err := spool.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	deliverer := NewSmarthost(addr, "origin.test.example", bodies)

	err = deliverer.Deliver(context.Background(), queue.Entry{
		ID:          1,
		ReversePath: "a@x.example",
		ForwardPath: "b@y.example",
		BodyRef:     strings.Repeat("0", 64),
	})
	var bounce *queue.HardBounce
	if !errors.As(err, &bounce) {
		t.Fatalf("missing body: got %v, want HardBounce", err)
	}
}

func TestSmarthostConnectFailureIsTransient(t *testing.T) {
	bodies, err := spool.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ref, _, err := bodies.Put(context.Background(), strings.NewReader("m"))
	if err != nil {
		t.Fatal(err)
	}

	// Nothing listens here.
	deliverer := NewSmarthost("127.0.0.1:1", "origin.test.example", bodies)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = deliverer.Deliver(ctx, queue.Entry{ID: 1, ReversePath: "a@x.example", ForwardPath: "b@y.example", BodyRef: ref})
	if err == nil {
		t.Fatal("delivery to a dead smarthost succeeded")
	}
	var bounce *queue.HardBounce
	if errors.As(err, &bounce) {
		t.Fatal("connection failure must stay transient")
	}
}
