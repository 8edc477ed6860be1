package smtp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Codec errors.
var (
	ErrLineTooLong   = errors.New("line too long")
	ErrUnexpectedEOF = errors.New("unexpected end of stream")
)

const (
	// maxLineOctets is the maximum content length of a line, excluding the
	// CRLF terminator (RFC 5321 Section 4.5.3.1.6).
	maxLineOctets = 998

	// readBufferSize leaves room for the longest legal line plus CRLF.
	readBufferSize = maxLineOctets + 2
)

// TextConn frames CRLF-terminated lines over a plain or TLS transport and
// renders single- and multi-line replies. Sessions exchange all command,
// reply and body lines through it.
type TextConn struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

// NewTextConn wraps a connection with buffered line framing.
func NewTextConn(conn net.Conn) *TextConn {
	return &TextConn{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, readBufferSize),
		writer: bufio.NewWriter(conn),
	}
}

// Upgrade replaces the underlying transport after a STARTTLS handshake. Any
// bytes buffered from the plaintext phase are discarded.
func (c *TextConn) Upgrade(conn net.Conn) {
	c.conn = conn
	c.reader = bufio.NewReaderSize(conn, readBufferSize)
	c.writer = bufio.NewWriter(conn)
}

// Conn returns the current underlying transport.
func (c *TextConn) Conn() net.Conn {
	return c.conn
}

// Buffered reports how many read bytes are queued behind the current
// command. Non-zero means the client pipelined further commands.
func (c *TextConn) Buffered() int {
	return c.reader.Buffered()
}

// SetReadDeadline arms the transport read deadline.
func (c *TextConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// ReadLine reads one CRLF-terminated line and returns its content with the
// terminator stripped. A bare LF terminator is tolerated. Lines longer than
// the hard ceiling fail with ErrLineTooLong.
func (c *TextConn) ReadLine() (string, error) {
	line, err := c.readRawLine()
	if err != nil {
		return "", err
	}
	return string(line), nil
}

// readRawLine returns line content without CRLF. The returned slice is only
// valid until the next read.
func (c *TextConn) readRawLine() ([]byte, error) {
	line, err := c.reader.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return nil, ErrLineTooLong
		}
		if errors.Is(err, io.EOF) {
			return nil, ErrUnexpectedEOF
		}
		return nil, err
	}
	// Strip LF, then an optional CR.
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	if len(line) > maxLineOctets {
		return nil, ErrLineTooLong
	}
	return line, nil
}

// ReadBodyLine reads one line of dot-stuffed message data. It returns the
// unstuffed content (terminator stripped) and whether the line was the
// end-of-data marker, a line containing only ".".
func (c *TextConn) ReadBodyLine() (line []byte, end bool, err error) {
	raw, err := c.readRawLine()
	if err != nil {
		return nil, false, err
	}
	if len(raw) == 1 && raw[0] == '.' {
		return nil, true, nil
	}
	if len(raw) > 0 && raw[0] == '.' {
		raw = raw[1:]
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, false, nil
}

// ReadChunk copies exactly n octets of chunked (BDAT) data to w.
func (c *TextConn) ReadChunk(n int64, w io.Writer) error {
	copied, err := io.CopyN(w, c.reader, n)
	if err != nil {
		if errors.Is(err, io.EOF) && copied < n {
			return ErrUnexpectedEOF
		}
		return err
	}
	return nil
}

// DiscardChunk consumes and drops exactly n octets of chunked data. Used
// when a BDAT chunk arrives for an already-failed transaction.
func (c *TextConn) DiscardChunk(n int64) error {
	return c.ReadChunk(n, io.Discard)
}

// WriteReply renders a reply and flushes it. All lines but the last use "-"
// as the code separator; the last uses a single space. The enhanced status
// code, when set, prefixes the text of every line.
func (c *TextConn) WriteReply(r Reply) error {
	for i, text := range r.Lines {
		sep := "-"
		if i == len(r.Lines)-1 {
			sep = " "
		}
		if r.Enhanced != "" {
			text = r.Enhanced + " " + text
		}
		if _, err := fmt.Fprintf(c.writer, "%d%s%s\r\n", r.Code, sep, text); err != nil {
			return err
		}
	}
	return c.writer.Flush()
}

// WriteLine writes one raw CRLF-terminated line and flushes. Used for the
// AUTH continuation challenge.
func (c *TextConn) WriteLine(text string) error {
	if _, err := fmt.Fprintf(c.writer, "%s\r\n", text); err != nil {
		return err
	}
	return c.writer.Flush()
}
