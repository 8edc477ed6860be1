package smtp

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/welldanyogia/smtp-receiver/internal/metrics"
)

// SessionState is the position of a session in the command state machine.
type SessionState int

// Session states. Greeting is entered on accept; Quit is terminal.
const (
	StateGreeting SessionState = iota
	StateHello
	StateMail
	StateRcpt
	StateData
	StateQuit
)

func (s SessionState) String() string {
	switch s {
	case StateGreeting:
		return "greeting"
	case StateHello:
		return "hello"
	case StateMail:
		return "mail"
	case StateRcpt:
		return "rcpt"
	case StateData:
		return "data"
	case StateQuit:
		return "quit"
	}
	return "unknown"
}

// Session drives the SMTP command/response state machine for one accepted
// connection. It exclusively owns its transaction; on commit the transaction
// is surrendered by value to the Committer and never referenced again.
type Session struct {
	id         uint64
	cfg        *Config
	conn       *TextConn
	tlsConfig  *tls.Config
	submission bool
	remoteIP   string

	auth      Authenticator
	limiter   RateLimiter
	committer Committer
	rcptPol   RecipientPolicy
	log       *slog.Logger

	state        SessionState
	helloName    string
	ehlo         bool
	helloSeen    bool
	tlsActive    bool
	user         string
	authFailures int
	tx           *Transaction

	connectedAt    time.Time
	globalDeadline time.Time
}

// NewSession wires a session for an accepted connection. tlsConfig may be
// nil, in which case STARTTLS is neither advertised nor accepted.
func NewSession(id uint64, conn net.Conn, cfg *Config, tlsConfig *tls.Config, submission bool,
	auth Authenticator, limiter RateLimiter, committer Committer, rcptPol RecipientPolicy, log *slog.Logger) *Session {

	remoteIP := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(remoteIP); err == nil {
		remoteIP = host
	}
	if rcptPol == nil {
		rcptPol = AcceptAllRecipients()
	}
	now := time.Now()
	return &Session{
		id:             id,
		cfg:            cfg,
		conn:           NewTextConn(conn),
		tlsConfig:      tlsConfig,
		submission:     submission,
		remoteIP:       remoteIP,
		auth:           auth,
		limiter:        limiter,
		committer:      committer,
		rcptPol:        rcptPol,
		log:            log.With(slog.Uint64("session_id", id), slog.String("remote_ip", remoteIP)),
		state:          StateGreeting,
		connectedAt:    now,
		globalDeadline: now.Add(cfg.GlobalTimeout),
	}
}

// Run executes the session until QUIT, a fatal error, or a deadline. It
// always closes the connection before returning.
func (s *Session) Run(ctx context.Context) {
	defer s.close()
	defer s.discardTransaction()

	greeting := fmt.Sprintf("%s ESMTP %s", s.cfg.Hostname, s.cfg.Product)
	if err := s.conn.WriteReply(NewReply(CodeServiceReady, "", greeting)); err != nil {
		return
	}
	// The greeting state exists only between accept and the first byte; the
	// first read below runs under the greeting timer.
	s.state = StateHello

	timeout := s.cfg.GreetingTimeout
	for s.state != StateQuit {
		if ctx.Err() != nil {
			s.writeShutdown()
			return
		}
		s.armReadDeadline(timeout)
		line, err := s.conn.ReadLine()
		if err != nil {
			s.handleReadError(err, false)
			return
		}
		timeout = s.cfg.CommandTimeout

		cmd, err := ParseCommand(line)
		if err != nil {
			s.reply(NewReply(CodeSyntaxError, EnhSyntaxError, "Syntax error"))
			continue
		}
		metrics.CommandsTotal.WithLabelValues(cmd.Verb).Inc()
		if fatal := s.dispatch(ctx, cmd); fatal {
			return
		}
	}
}

// dispatch handles one command. It returns true when the session must end
// without reading further commands.
func (s *Session) dispatch(ctx context.Context, cmd Command) bool {
	switch cmd.Verb {
	case "HELO", "EHLO":
		s.handleHello(cmd)
	case "STARTTLS":
		return s.handleStartTLS()
	case "AUTH":
		return s.handleAuth(ctx, cmd.Arg)
	case "MAIL":
		s.handleMail(cmd.Arg)
	case "RCPT":
		s.handleRcpt(ctx, cmd.Arg)
	case "DATA":
		return s.handleData(ctx)
	case "BDAT":
		return s.handleBdat(ctx, cmd.Arg)
	case "RSET":
		s.discardTransaction()
		s.state = StateHello
		s.reply(NewReply(CodeOK, EnhOK, "Ok"))
	case "NOOP":
		s.reply(NewReply(CodeOK, EnhOK, "Ok"))
	case "VRFY":
		s.reply(NewReply(CodeCannotVerify, "", "Cannot verify user"))
	case "QUIT":
		s.reply(NewReply(CodeServiceClosing, EnhBye, "Bye"))
		s.state = StateQuit
		return true
	default:
		s.reply(NewReply(CodeSyntaxError, EnhSyntaxError, "Command not recognized"))
	}
	return false
}

// handleHello serves HELO and EHLO. Either clears any open transaction.
func (s *Session) handleHello(cmd Command) {
	if cmd.Arg == "" {
		s.reply(NewReply(CodeSyntaxErrorParams, EnhBadParameter, "Hostname required"))
		return
	}
	s.discardTransaction()
	s.helloName = cmd.Arg
	s.helloSeen = true
	s.ehlo = cmd.Verb == "EHLO"
	s.state = StateHello

	if !s.ehlo {
		s.reply(NewReply(CodeOK, "", s.cfg.Hostname))
		return
	}
	lines := append([]string{s.cfg.Hostname}, s.cfg.AdvertisedExtensions(s.extensionState())...)
	s.reply(NewReply(CodeOK, "", lines...))
}

func (s *Session) extensionState() ExtensionState {
	return ExtensionState{
		TLSActive:     s.tlsActive,
		TLSAvailable:  s.tlsConfig != nil,
		AuthAvailable: s.auth != nil,
		Authenticated: s.user != "",
		Submission:    s.submission,
	}
}

// handleStartTLS upgrades the transport. On success every piece of session
// state except the remote address is forgotten: hello name, authentication,
// advertised capabilities, and any in-flight transaction.
func (s *Session) handleStartTLS() bool {
	if s.tlsActive {
		s.badSequence()
		return false
	}
	if s.tlsConfig == nil {
		s.reply(NewReply(CodeTLSNotAvailable, "", "TLS not available"))
		return false
	}
	if s.state != StateHello {
		s.badSequence()
		return false
	}
	// Commands pipelined behind STARTTLS would be read from the plaintext
	// buffer after the handshake; refuse the upgrade instead.
	if s.conn.Buffered() > 0 {
		s.badSequence()
		return false
	}
	if err := s.reply(NewReply(CodeServiceReady, "", "Ready to start TLS")); err != nil {
		return true
	}

	tlsConn := tls.Server(s.conn.Conn(), s.tlsConfig)
	tlsConn.SetDeadline(time.Now().Add(s.cfg.CommandTimeout))
	if err := tlsConn.Handshake(); err != nil {
		s.log.Warn("TLS handshake failed", slog.String("error", err.Error()))
		return true
	}
	tlsConn.SetDeadline(time.Time{})

	s.conn.Upgrade(tlsConn)
	s.tlsActive = true
	s.discardTransaction()
	s.helloName = ""
	s.helloSeen = false
	s.ehlo = false
	s.user = ""
	s.state = StateHello
	metrics.TLSUpgradesTotal.Inc()
	return false
}

// handleAuth serves AUTH PLAIN and AUTH LOGIN, including the 334
// continuation exchanges. Returns true when the connection must close.
func (s *Session) handleAuth(ctx context.Context, arg string) bool {
	if s.user != "" || s.state != StateHello {
		s.badSequence()
		return false
	}
	if !s.cfg.authOffered(s.extensionState()) {
		if s.auth != nil && s.cfg.RequireTLSForAuth && !s.tlsActive {
			s.reply(NewReply(CodeAuthRequired, EnhTLSRequired, "Must issue STARTTLS first"))
		} else {
			s.reply(NewReply(CodeSyntaxError, EnhSyntaxError, "Command not recognized"))
		}
		return false
	}

	mech, initial, _ := strings.Cut(arg, " ")
	var username, password string
	var err error
	switch strings.ToUpper(mech) {
	case "PLAIN":
		username, password, err = s.authPlain(initial)
	case "LOGIN":
		username, password, err = s.authLogin(initial)
	default:
		s.reply(NewReply(CodeNotImplemented, EnhBadParameter, "Unsupported authentication mechanism"))
		return false
	}
	if err != nil {
		if errors.Is(err, errAuthCancelled) {
			s.reply(NewReply(CodeSyntaxErrorParams, EnhBadParameter, "Authentication cancelled"))
			return false
		}
		if !errors.Is(err, ErrAuthFailed) {
			// I/O failure during the exchange.
			return true
		}
		return s.authFailure()
	}

	identity, err := s.auth.Verify(ctx, username, password)
	if err != nil {
		return s.authFailure()
	}
	s.user = identity
	s.authFailures = 0
	s.log.Info("authentication successful", slog.String("user", identity))
	s.reply(NewReply(CodeAuthSuccessful, EnhAuthSuccess, "Authentication successful"))
	return false
}

// errAuthCancelled is the client aborting an AUTH exchange with "*".
var errAuthCancelled = errors.New("authentication cancelled")

// authPlain decodes the PLAIN initial response, requesting it with an empty
// challenge when the client did not inline it.
func (s *Session) authPlain(initial string) (string, string, error) {
	if initial == "" {
		var err error
		initial, err = s.authChallenge("")
		if err != nil {
			return "", "", err
		}
	}
	raw, err := base64.StdEncoding.DecodeString(initial)
	if err != nil {
		return "", "", ErrAuthFailed
	}
	parts := strings.Split(string(raw), "\x00")
	if len(parts) != 3 {
		return "", "", ErrAuthFailed
	}
	// parts[0] is the authorization identity, accepted and ignored.
	return parts[1], parts[2], nil
}

// authLogin runs the two-step LOGIN exchange.
func (s *Session) authLogin(initial string) (string, string, error) {
	userB64 := initial
	if userB64 == "" {
		var err error
		userB64, err = s.authChallenge("VXNlcm5hbWU6")
		if err != nil {
			return "", "", err
		}
	}
	passB64, err := s.authChallenge("UGFzc3dvcmQ6")
	if err != nil {
		return "", "", err
	}
	user, err := base64.StdEncoding.DecodeString(userB64)
	if err != nil {
		return "", "", ErrAuthFailed
	}
	pass, err := base64.StdEncoding.DecodeString(passB64)
	if err != nil {
		return "", "", ErrAuthFailed
	}
	return string(user), string(pass), nil
}

// authChallenge writes a 334 continuation and reads the client's response.
func (s *Session) authChallenge(challenge string) (string, error) {
	text := fmt.Sprintf("%d %s", CodeAuthContinue, challenge)
	if challenge == "" {
		text = fmt.Sprintf("%d", CodeAuthContinue)
	}
	if err := s.conn.WriteLine(text); err != nil {
		return "", err
	}
	s.armReadDeadline(s.cfg.CommandTimeout)
	line, err := s.conn.ReadLine()
	if err != nil {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "*" {
		return "", errAuthCancelled
	}
	return line, nil
}

// authFailure reports 535 and closes the connection after three consecutive
// failures.
func (s *Session) authFailure() bool {
	s.authFailures++
	metrics.AuthFailuresTotal.Inc()
	s.reply(NewReply(CodeAuthFailed, EnhAuthFailed, "Authentication failed"))
	if s.authFailures >= maxAuthFailures {
		s.log.Warn("closing connection after repeated authentication failures")
		return true
	}
	return false
}

// handleMail opens a transaction. The rate limit is checked here, not at
// connect time, so unauthenticated submissions burn the IP budget and
// authenticated ones the per-user budget.
func (s *Session) handleMail(arg string) {
	if s.state != StateHello || !s.helloSeen {
		s.badSequence()
		return
	}
	if s.submission && s.cfg.RequireAuthOnSubmission && s.user == "" {
		s.reply(NewReply(CodeAuthRequired, EnhAuthRequired, "Authentication required"))
		return
	}

	args, err := ParseMailArgs(arg)
	if err != nil {
		s.reply(NewReply(CodeSyntaxErrorParams, EnhBadParameter, "Bad sender address syntax"))
		return
	}
	if args.DeclaredSize > s.cfg.MaxMessageSize {
		s.reply(NewReply(CodeMessageTooLarge, EnhSizeExceeded, "Message size exceeds fixed maximum"))
		return
	}

	key, limit := "ip:"+s.remoteIP, s.cfg.RateLimitIP
	if s.user != "" {
		key, limit = "user:"+s.user, s.cfg.RateLimitUser
	}
	if s.limiter != nil && !s.limiter.CheckAndIncrement(key, limit) {
		metrics.RateLimitedTotal.Inc()
		s.reply(NewReply(CodeTempFailure, EnhRateLimited, "Rate limit exceeded, try again later"))
		return
	}

	s.tx = NewTransaction(args, s.cfg.MaxMessageSize, s.cfg.MemoryBufferThreshold, s.cfg.TempDir)
	s.state = StateMail
	s.reply(NewReply(CodeOK, EnhSenderOK, "Ok"))
}

// handleRcpt appends a forward-path to the open transaction.
func (s *Session) handleRcpt(ctx context.Context, arg string) {
	if s.state != StateMail && s.state != StateRcpt {
		s.badSequence()
		return
	}
	if len(s.tx.ForwardPaths) >= s.cfg.MaxRecipients {
		s.reply(NewReply(CodeInsufficientStore, EnhTooManyRcpts, "Too many recipients"))
		return
	}
	args, err := ParseRcptArgs(arg, s.tx.SMTPUTF8)
	if err != nil {
		s.reply(NewReply(CodeSyntaxErrorParams, EnhBadParameter, "Bad recipient address syntax"))
		return
	}
	if err := s.rcptPol.Accept(ctx, args.ForwardPath); err != nil {
		s.reply(NewReply(CodeUserNotFound, EnhNoSuchUser, "No such user"))
		return
	}
	s.tx.AddRecipient(args.ForwardPath)
	s.state = StateRcpt
	s.reply(NewReply(CodeOK, EnhRecipientOK, "Ok"))
}

// handleData runs the dot-stuffed body phase. Returns true on fatal errors.
func (s *Session) handleData(ctx context.Context) bool {
	if s.state != StateRcpt {
		s.badSequence()
		return false
	}
	if s.tx.Chunking {
		// DATA cannot follow BDAT within one transaction.
		s.badSequence()
		return false
	}
	if err := s.reply(NewReply(CodeStartMailInput, "", "Start mail input, end with <CRLF>.<CRLF>")); err != nil {
		return true
	}

	s.armReadDeadline(s.cfg.DataTimeout)
	tooLarge := false
	for {
		line, end, err := s.conn.ReadBodyLine()
		if err != nil {
			s.handleReadError(err, true)
			return true
		}
		if end {
			break
		}
		if tooLarge {
			continue
		}
		if err := s.tx.WriteLine(line); err != nil {
			if errors.Is(err, ErrMessageTooLarge) {
				// Keep draining to the terminator so the reply lands in the
				// right protocol slot.
				tooLarge = true
				continue
			}
			s.log.Error("transaction buffer write failed", slog.String("error", err.Error()))
			s.reply(NewReply(CodeTempFailure, EnhTempFailure, "Temporary failure, try again"))
			s.discardTransaction()
			s.state = StateHello
			return false
		}
	}
	if tooLarge {
		s.reply(NewReply(CodeMessageTooLarge, EnhSizeExceeded, "Message size exceeds fixed maximum"))
		s.discardTransaction()
		s.state = StateHello
		return false
	}
	s.commit(ctx)
	return false
}

// handleBdat reads one CHUNKING chunk of exactly the declared size.
func (s *Session) handleBdat(ctx context.Context, arg string) bool {
	args, err := ParseBdatArgs(arg)
	if err != nil {
		s.reply(NewReply(CodeSyntaxErrorParams, EnhBadParameter, "Bad BDAT parameter"))
		return false
	}
	if s.state != StateRcpt && s.state != StateData {
		// The chunk is already in flight; consume it to stay in sync.
		if err := s.conn.DiscardChunk(args.Size); err != nil {
			return true
		}
		s.badSequence()
		return false
	}

	s.tx.Chunking = true
	s.state = StateData
	s.armReadDeadline(s.cfg.DataTimeout)
	before := s.tx.Octets()
	if err := s.conn.ReadChunk(args.Size, s.tx); err != nil {
		if errors.Is(err, ErrMessageTooLarge) {
			if remaining := args.Size - (s.tx.Octets() - before); remaining > 0 {
				if derr := s.conn.DiscardChunk(remaining); derr != nil {
					s.handleReadError(derr, true)
					return true
				}
			}
			s.reply(NewReply(CodeMessageTooLarge, EnhSizeExceeded, "Message size exceeds fixed maximum"))
			s.discardTransaction()
			s.state = StateHello
			return false
		}
		s.handleReadError(err, true)
		return true
	}

	if !args.Last {
		s.reply(NewReply(CodeOK, EnhOK, fmt.Sprintf("%d octets received", args.Size)))
		return false
	}
	s.commit(ctx)
	return false
}

// commit surrenders the transaction to the Committer and reports the
// outcome. The transaction is destroyed regardless of the result.
func (s *Session) commit(ctx context.Context) {
	tx := s.tx
	defer func() {
		s.discardTransaction()
		s.state = StateHello
	}()

	env := Envelope{
		MessageID:    uuid.NewString(),
		ReversePath:  tx.ReversePath.String(),
		DeclaredSize: tx.DeclaredSize,
		BodyOctets:   tx.Octets(),
		Body8Bit:     tx.Body8Bit,
		SMTPUTF8:     tx.SMTPUTF8,
		Chunking:     tx.Chunking,
	}
	for _, fp := range tx.ForwardPaths {
		env.ForwardPaths = append(env.ForwardPaths, fp.String())
	}

	// The header scan reads with ReadAt and leaves the buffer's read
	// position alone, so it does not disturb the reader BodyReader returns.
	headers := s.traceHeaders(tx, env.MessageID)
	body, err := tx.BodyReader()
	if err != nil {
		s.log.Error("failed to read transaction body", slog.String("error", err.Error()))
		s.reply(NewReply(CodeTempFailure, EnhTempFailure, "Temporary failure, try again"))
		return
	}
	stamped := io.MultiReader(strings.NewReader(headers), body)

	if err := s.committer.Commit(ctx, env, stamped); err != nil {
		if errors.Is(err, ErrCommitPermanent) {
			s.reply(NewReply(CodeTransactionFailed, EnhPermFailure, "Transaction rejected"))
			return
		}
		s.log.Error("queue commit failed", slog.String("error", err.Error()))
		s.reply(NewReply(CodeTempFailure, EnhTempFailure, "Temporary failure, try again"))
		return
	}

	metrics.MessagesQueuedTotal.Inc()
	metrics.MessageBytesTotal.Add(float64(tx.Octets()))
	s.log.Info("message queued",
		slog.String("message_id", env.MessageID),
		slog.Int("recipients", len(env.ForwardPaths)),
		slog.Int64("octets", tx.Octets()),
	)
	s.reply(NewReply(CodeOK, EnhOK, fmt.Sprintf("Ok: queued as %s", env.MessageID)))
}

// traceHeaders renders the Received header, plus a Message-ID header when
// the client supplied none.
func (s *Session) traceHeaders(tx *Transaction, messageID string) string {
	with := "ESMTP"
	if s.tlsActive {
		with = "ESMTPS"
	}
	if s.user != "" {
		with += "A"
	}
	helloName := s.helloName
	if helloName == "" {
		helloName = "unknown"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Received: from %s (%s)\r\n\tby %s with %s id %s;\r\n\t%s\r\n",
		helloName, s.remoteIP, s.cfg.Hostname, with, messageID,
		time.Now().UTC().Format(time.RFC1123Z))
	if !tx.HasMessageID() {
		fmt.Fprintf(&b, "Message-ID: <%s@%s>\r\n", messageID, s.cfg.Hostname)
	}
	return b.String()
}

// badSequence reports 503 without touching session state.
func (s *Session) badSequence() {
	s.reply(NewReply(CodeBadSequence, EnhBadSequence, "Bad sequence of commands"))
}

// reply writes one reply, logging write failures once.
func (s *Session) reply(r Reply) error {
	err := s.conn.WriteReply(r)
	if err != nil {
		s.log.Debug("response write failed", slog.String("error", err.Error()))
	}
	return err
}

// armReadDeadline applies the tighter of the phase timeout and the global
// session deadline.
func (s *Session) armReadDeadline(phase time.Duration) {
	deadline := time.Now().Add(phase)
	if deadline.After(s.globalDeadline) {
		deadline = s.globalDeadline
	}
	s.conn.SetReadDeadline(deadline)
}

// handleReadError converts a failed read into the best-effort wire response
// for the failure class. All of these end the session.
func (s *Session) handleReadError(err error, inData bool) {
	switch {
	case errors.Is(err, ErrLineTooLong):
		s.reply(NewReply(CodeSyntaxError, EnhSyntaxError, "Line too long"))
	case isTimeout(err):
		metrics.SessionTimeoutsTotal.Inc()
		if inData {
			s.reply(NewReply(CodeTempFailure, EnhTimeout, "Timeout waiting for data"))
		} else {
			s.reply(NewReply(CodeServiceUnavailable, EnhTimeout, "Timeout, closing connection"))
		}
	case errors.Is(err, ErrUnexpectedEOF), errors.Is(err, io.EOF):
		// Peer went away; nothing useful to write.
	default:
		s.log.Debug("read failed", slog.String("error", err.Error()))
	}
	s.state = StateQuit
}

// writeShutdown notifies the client of a server-initiated close.
func (s *Session) writeShutdown() {
	s.reply(NewReply(CodeServiceUnavailable, EnhTimeout, "Service shutting down"))
	s.state = StateQuit
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// discardTransaction drops any open transaction and its buffered body.
func (s *Session) discardTransaction() {
	if s.tx != nil {
		s.tx.Discard()
		s.tx = nil
	}
}

// close tears down the connection.
func (s *Session) close() {
	s.conn.Conn().Close()
}
