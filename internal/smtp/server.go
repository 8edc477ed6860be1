package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/welldanyogia/smtp-receiver/internal/metrics"
)

// Listener describes one endpoint the supervisor accepts on.
type Listener struct {
	Addr       string
	Submission bool
}

// Server is the connection supervisor: it owns the listening endpoints,
// enforces admission, spawns one session task per accepted socket, and
// coordinates graceful shutdown. Sessions share nothing mutable beyond the
// rate limiter, the authenticator, and the committer, all thread-safe by
// contract.
type Server struct {
	cfg       *Config
	listeners []Listener
	tlsConfig *tls.Config

	auth      Authenticator
	limiter   RateLimiter
	committer Committer
	rcptPol   RecipientPolicy
	log       *slog.Logger

	activeConns   int64
	nextSessionID uint64
	ipConns       map[string]int
	ipConnMu      sync.Mutex

	running    atomic.Bool
	netLs      []net.Listener
	conns      map[net.Conn]struct{}
	connMu     sync.Mutex
	wg         sync.WaitGroup
	cancelSess context.CancelFunc
}

// NewServer builds a supervisor for the given endpoints.
func NewServer(cfg *Config, listeners []Listener, tlsConfig *tls.Config,
	auth Authenticator, limiter RateLimiter, committer Committer, rcptPol RecipientPolicy, log *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		listeners: listeners,
		tlsConfig: tlsConfig,
		auth:      auth,
		limiter:   limiter,
		committer: committer,
		rcptPol:   rcptPol,
		log:       log,
		ipConns:   make(map[string]int),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Start opens every configured endpoint and begins accepting.
func (s *Server) Start() error {
	if len(s.listeners) == 0 {
		return errors.New("no listeners configured")
	}
	sessCtx, cancel := context.WithCancel(context.Background())
	s.cancelSess = cancel

	for _, l := range s.listeners {
		nl, err := net.Listen("tcp", l.Addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to listen on %s: %w", l.Addr, err)
		}
		s.netLs = append(s.netLs, nl)
		s.log.Info("listening", slog.String("addr", nl.Addr().String()), slog.Bool("submission", l.Submission))
		go s.acceptLoop(sessCtx, nl, l.Submission)
	}
	s.running.Store(true)
	return nil
}

// Addrs returns the bound addresses, useful when listening on port 0.
func (s *Server) Addrs() []string {
	addrs := make([]string, 0, len(s.netLs))
	for _, nl := range s.netLs {
		addrs = append(addrs, nl.Addr().String())
	}
	return addrs
}

// ActiveSessions returns the current session count.
func (s *Server) ActiveSessions() int64 {
	return atomic.LoadInt64(&s.activeConns)
}

// acceptLoop accepts until the listener closes.
func (s *Server) acceptLoop(ctx context.Context, nl net.Listener, submission bool) {
	for {
		conn, err := nl.Accept()
		if err != nil {
			if s.running.Load() {
				s.log.Warn("accept failed", slog.String("error", err.Error()))
				continue
			}
			return
		}
		go s.handleConn(ctx, conn, submission)
	}
}

// handleConn applies admission checks and runs a session. Admission failure
// is reported to the client before any data is read.
func (s *Server) handleConn(ctx context.Context, conn net.Conn, submission bool) {
	s.wg.Add(1)
	defer s.wg.Done()

	metrics.ConnectionsTotal.Inc()

	remoteIP := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(remoteIP); err == nil {
		remoteIP = host
	}

	if !s.acquireConn() {
		s.refuse(conn, "Too many connections, try again later")
		return
	}
	defer s.releaseConn()

	if !s.acquireIPConn(remoteIP) {
		s.refuse(conn, "Too many connections from your address")
		return
	}
	defer s.releaseIPConn(remoteIP)

	s.trackConn(conn)
	defer s.untrackConn(conn)

	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	id := atomic.AddUint64(&s.nextSessionID, 1)
	sess := NewSession(id, conn, s.cfg, s.tlsConfig, submission,
		s.auth, s.limiter, s.committer, s.rcptPol, s.log)
	sess.Run(ctx)
}

// refuse writes a 421 and closes without reading anything.
func (s *Server) refuse(conn net.Conn, text string) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	fmt.Fprintf(conn, "%d %s %s\r\n", CodeServiceUnavailable, EnhRateLimited, text)
	conn.Close()
}

// acquireConn claims a global session slot; the count never exceeds the
// configured maximum.
func (s *Server) acquireConn() bool {
	for {
		current := atomic.LoadInt64(&s.activeConns)
		if current >= int64(s.cfg.MaxConnections) {
			return false
		}
		if atomic.CompareAndSwapInt64(&s.activeConns, current, current+1) {
			return true
		}
	}
}

func (s *Server) releaseConn() {
	atomic.AddInt64(&s.activeConns, -1)
}

func (s *Server) acquireIPConn(ip string) bool {
	if s.cfg.MaxConnectionsPerIP <= 0 {
		return true
	}
	s.ipConnMu.Lock()
	defer s.ipConnMu.Unlock()
	if s.ipConns[ip] >= s.cfg.MaxConnectionsPerIP {
		return false
	}
	s.ipConns[ip]++
	return true
}

func (s *Server) releaseIPConn(ip string) {
	if s.cfg.MaxConnectionsPerIP <= 0 {
		return
	}
	s.ipConnMu.Lock()
	defer s.ipConnMu.Unlock()
	if s.ipConns[ip] <= 1 {
		delete(s.ipConns, ip)
	} else {
		s.ipConns[ip]--
	}
}

func (s *Server) trackConn(conn net.Conn) {
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

func (s *Server) closeListeners() {
	for _, nl := range s.netLs {
		nl.Close()
	}
}

// Stop shuts down gracefully: stop accepting, signal every session, wait up
// to the grace window, then force-close whatever remains.
func (s *Server) Stop() error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)
	s.closeListeners()
	if s.cancelSess != nil {
		s.cancelSess()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("all sessions finished")
	case <-time.After(s.cfg.ShutdownGrace):
		s.log.Warn("shutdown grace expired, closing remaining connections",
			slog.Int64("remaining", s.ActiveSessions()))
		s.connMu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.connMu.Unlock()
		<-done
	}
	return nil
}
