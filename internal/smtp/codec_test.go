package smtp

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// bufferConn is an in-memory net.Conn good enough for codec tests: reads
// come from a fixed input, writes collect in a buffer.
type bufferConn struct {
	in  *bytes.Reader
	out bytes.Buffer
}

func newBufferConn(input string) *bufferConn {
	return &bufferConn{in: bytes.NewReader([]byte(input))}
}

func (c *bufferConn) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c *bufferConn) Write(p []byte) (int, error) { return c.out.Write(p) }
func (c *bufferConn) Close() error                { return nil }
func (c *bufferConn) LocalAddr() net.Addr         { return &net.TCPAddr{} }
func (c *bufferConn) RemoteAddr() net.Addr        { return &net.TCPAddr{} }
func (c *bufferConn) SetDeadline(time.Time) error { return nil }
func (c *bufferConn) SetReadDeadline(time.Time) error {
	return nil
}
func (c *bufferConn) SetWriteDeadline(time.Time) error { return nil }

func TestReadLineLimits(t *testing.T) {
	// 998 octets of content plus CRLF is the longest legal line.
	longest := strings.Repeat("a", 998)
	conn := NewTextConn(newBufferConn(longest + "\r\n"))
	line, err := conn.ReadLine()
	if err != nil {
		t.Fatalf("998-octet line rejected: %v", err)
	}
	if line != longest {
		t.Fatalf("line mangled: got %d octets", len(line))
	}

	// One more octet fails with ErrLineTooLong.
	conn = NewTextConn(newBufferConn(strings.Repeat("a", 999) + "\r\n"))
	if _, err := conn.ReadLine(); !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("999-octet line: got %v, want ErrLineTooLong", err)
	}
}

func TestReadLineStripsTerminator(t *testing.T) {
	conn := NewTextConn(newBufferConn("HELO client\r\nNOOP\nQUIT\r\n"))
	for i, want := range []string{"HELO client", "NOOP", "QUIT"} {
		line, err := conn.ReadLine()
		if err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if line != want {
			t.Errorf("line %d = %q, want %q", i, line, want)
		}
	}
	if _, err := conn.ReadLine(); !errors.Is(err, ErrUnexpectedEOF) {
		t.Errorf("EOF read: got %v, want ErrUnexpectedEOF", err)
	}
}

func TestReadBodyLineDotStuffing(t *testing.T) {
	conn := NewTextConn(newBufferConn(".hidden\r\n..dot\r\nplain\r\n.\r\n"))

	var got []string
	for {
		line, end, err := conn.ReadBodyLine()
		if err != nil {
			t.Fatalf("ReadBodyLine failed: %v", err)
		}
		if end {
			break
		}
		got = append(got, string(line))
	}
	want := []string{"hidden", ".dot", "plain"}
	if len(got) != len(want) {
		t.Fatalf("got %d lines, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestReadBodyLineMissingTerminator(t *testing.T) {
	// A final line without CRLF never forms the terminator.
	conn := NewTextConn(newBufferConn("body\r\n."))
	if _, _, err := conn.ReadBodyLine(); err != nil {
		t.Fatalf("first body line failed: %v", err)
	}
	if _, _, err := conn.ReadBodyLine(); !errors.Is(err, ErrUnexpectedEOF) {
		t.Fatalf("unterminated body: got %v, want ErrUnexpectedEOF", err)
	}
}

func TestWriteReplySingleLine(t *testing.T) {
	raw := newBufferConn("")
	conn := NewTextConn(raw)
	if err := conn.WriteReply(NewReply(250, "2.1.0", "Ok")); err != nil {
		t.Fatalf("WriteReply failed: %v", err)
	}
	if got := raw.out.String(); got != "250 2.1.0 Ok\r\n" {
		t.Errorf("reply = %q", got)
	}
}

func TestWriteReplyMultiLine(t *testing.T) {
	raw := newBufferConn("")
	conn := NewTextConn(raw)
	if err := conn.WriteReply(NewReply(250, "", "mail.example", "PIPELINING", "SIZE 1000")); err != nil {
		t.Fatalf("WriteReply failed: %v", err)
	}
	want := "250-mail.example\r\n250-PIPELINING\r\n250 SIZE 1000\r\n"
	if got := raw.out.String(); got != want {
		t.Errorf("reply = %q, want %q", got, want)
	}
}

func TestReadChunk(t *testing.T) {
	conn := NewTextConn(newBufferConn("0123456789tail"))
	var sink bytes.Buffer
	if err := conn.ReadChunk(10, &sink); err != nil {
		t.Fatalf("ReadChunk failed: %v", err)
	}
	if sink.String() != "0123456789" {
		t.Errorf("chunk = %q", sink.String())
	}

	// Short stream surfaces as UnexpectedEof.
	conn = NewTextConn(newBufferConn("abc"))
	sink.Reset()
	if err := conn.ReadChunk(10, &sink); !errors.Is(err, ErrUnexpectedEOF) {
		t.Errorf("short chunk: got %v, want ErrUnexpectedEOF", err)
	}
}

// stuffBody renders body lines the way a client puts them on the wire:
// CRLF-joined, a leading dot doubled, and the lone-dot terminator appended.
func stuffBody(lines []string) string {
	var b strings.Builder
	for _, line := range lines {
		if strings.HasPrefix(line, ".") {
			b.WriteString(".")
		}
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	b.WriteString(".\r\n")
	return b.String()
}

// The wire form of any body round-trips through the codec unchanged: the
// bytes handed over after unstuffing equal the client's original lines.
func TestDotStuffingRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		lineCount := rapid.IntRange(0, 20).Draw(t, "lineCount")
		lines := make([]string, lineCount)
		for i := range lines {
			// Includes lines that start with "." or are exactly "."; the
			// client-side stuffing escapes both.
			lines[i] = rapid.StringMatching(`[\x20-\x7e]{0,80}`).Draw(t, "line")
		}

		conn := NewTextConn(newBufferConn(stuffBody(lines)))
		var got []string
		for {
			line, end, err := conn.ReadBodyLine()
			if err != nil {
				t.Fatalf("ReadBodyLine failed: %v", err)
			}
			if end {
				break
			}
			got = append(got, string(line))
		}

		if len(got) != len(lines) {
			t.Fatalf("got %d lines, want %d", len(got), len(lines))
		}
		for i := range lines {
			if got[i] != lines[i] {
				t.Fatalf("line %d = %q, want %q", i, got[i], lines[i])
			}
		}
		// Nothing left on the wire after the terminator.
		if _, err := conn.ReadLine(); !errors.Is(err, ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			t.Fatalf("trailing bytes after terminator: %v", err)
		}
	})
}
