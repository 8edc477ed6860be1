// Package delivery provides the outbound delivery capability consumed by
// the retry scheduler. The shipped implementation forwards every entry to a
// configured upstream relay; MX resolution and routing policy live outside
// this process.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"net/textproto"

	"github.com/welldanyogia/smtp-receiver/internal/queue"
	"github.com/welldanyogia/smtp-receiver/internal/spool"
)

// Smarthost delivers queue entries to one upstream relay over SMTP. It is
// safe for concurrent use; every attempt opens its own connection.
type Smarthost struct {
	addr      string
	localName string
	bodies    spool.Store
}

// NewSmarthost builds a deliverer targeting addr (host:port).
func NewSmarthost(addr, localName string, bodies spool.Store) *Smarthost {
	return &Smarthost{addr: addr, localName: localName, bodies: bodies}
}

// Deliver implements queue.Deliverer. Permanent upstream rejections (5xx)
// surface as HardBounce so the scheduler skips further retries.
func (s *Smarthost) Deliver(ctx context.Context, entry queue.Entry) error {
	body, err := s.bodies.Open(ctx, entry.BodyRef)
	if err != nil {
		if errors.Is(err, spool.ErrNotFound) {
			return &queue.HardBounce{Reason: "message body is gone"}
		}
		return fmt.Errorf("failed to open body %s: %w", entry.BodyRef, err)
	}
	defer body.Close()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to smarthost: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	host, _, err := net.SplitHostPort(s.addr)
	if err != nil {
		host = s.addr
	}
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smarthost greeting failed: %w", err)
	}
	defer client.Close()

	if err := client.Hello(s.localName); err != nil {
		return classify(err, "EHLO")
	}
	if err := client.Mail(entry.ReversePath); err != nil {
		return classify(err, "MAIL")
	}
	if err := client.Rcpt(entry.ForwardPath); err != nil {
		return classify(err, "RCPT")
	}
	w, err := client.Data()
	if err != nil {
		return classify(err, "DATA")
	}
	if _, err := io.Copy(w, body); err != nil {
		w.Close()
		return fmt.Errorf("failed to stream body: %w", err)
	}
	if err := w.Close(); err != nil {
		return classify(err, "DATA close")
	}
	return client.Quit()
}

// classify maps an upstream reply to a transient or permanent failure.
func classify(err error, phase string) error {
	var proto *textproto.Error
	if errors.As(err, &proto) && proto.Code >= 500 && proto.Code < 600 {
		return &queue.HardBounce{Reason: fmt.Sprintf("%s rejected: %v", phase, err)}
	}
	return fmt.Errorf("%s failed: %w", phase, err)
}
