package smtp

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func newTestServer(t *testing.T, cfg *Config) *Server {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	cfg.TempDir = t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(cfg, []Listener{{Addr: "127.0.0.1:0"}}, nil,
		nil, nil, &testCommitter{}, nil, log)
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func dialServer(t *testing.T, srv *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addrs()[0], 2*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn, bufio.NewReader(conn)
}

func TestServerAcceptAndGreet(t *testing.T) {
	srv := newTestServer(t, nil)
	conn, br := dialServer(t, srv)

	expectCode(t, br, "220")
	send(t, conn, "EHLO c\r\n")
	expectCode(t, br, "250")
	send(t, conn, "QUIT\r\n")
	expectCode(t, br, "221")
}

func TestServerSessionCountNeverExceedsMax(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	srv := newTestServer(t, cfg)

	_, br1 := dialServer(t, srv)
	expectCode(t, br1, "220")

	// The second connection is refused before any command is read.
	_, br2 := dialServer(t, srv)
	expectCode(t, br2, "421")
}

func TestServerGracefulStop(t *testing.T) {
	cfg := testConfig()
	cfg.ShutdownGrace = 500 * time.Millisecond
	srv := newTestServer(t, cfg)

	conn, br := dialServer(t, srv)
	expectCode(t, br, "220")

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Stop()
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return after the grace window")
	}
	// The lingering connection was force-closed.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := br.ReadString('\n'); err == nil {
		// A shutdown notice may arrive first; the next read must fail.
		if _, err := br.ReadString('\n'); err == nil {
			t.Error("connection still open after shutdown")
		}
	}
}

// For any configured maximum, acquiring slots one after another is granted
// exactly up to the limit and the active-session counter never exceeds it.
func TestServerAdmissionCounters(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxConns := rapid.IntRange(1, 20).Draw(t, "maxConnections")
		maxPerIP := rapid.IntRange(1, 5).Draw(t, "maxConnectionsPerIP")

		cfg := testConfig()
		cfg.MaxConnections = maxConns
		cfg.MaxConnectionsPerIP = maxPerIP
		log := slog.New(slog.NewTextHandler(io.Discard, nil))
		srv := NewServer(cfg, nil, nil, nil, nil, &testCommitter{}, nil, log)

		acquired := 0
		for i := 0; i < maxConns; i++ {
			if !srv.acquireConn() {
				t.Fatalf("slot %d refused below the limit", i+1)
			}
			acquired++
		}
		if srv.acquireConn() {
			t.Fatal("slot above the limit granted")
		}
		if srv.ActiveSessions() != int64(maxConns) {
			t.Fatalf("ActiveSessions = %d, want %d", srv.ActiveSessions(), maxConns)
		}
		for ; acquired > 0; acquired-- {
			srv.releaseConn()
		}
		if srv.ActiveSessions() != 0 {
			t.Fatalf("ActiveSessions = %d after release, want 0", srv.ActiveSessions())
		}

		ip := "192.0.2.7"
		for i := 0; i < maxPerIP; i++ {
			if !srv.acquireIPConn(ip) {
				t.Fatalf("per-IP slot %d refused below the limit", i+1)
			}
		}
		if srv.acquireIPConn(ip) {
			t.Fatal("per-IP slot above the limit granted")
		}
		if !srv.acquireIPConn("192.0.2.8") {
			t.Fatal("unrelated IP refused")
		}
	})
}
