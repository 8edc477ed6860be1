package smtp

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
)

// ErrMessageTooLarge is returned by the transaction buffer when the body
// exceeds the declared SIZE or the configured maximum.
var ErrMessageTooLarge = errors.New("message exceeds maximum size")

// Transaction accumulates one in-flight mail: the envelope built by MAIL and
// RCPT plus the body received by DATA or BDAT. The body stays in memory up
// to a threshold and spills to a temporary spool file beyond it. A session
// exclusively owns its transaction until commit or discard.
type Transaction struct {
	ReversePath  Address
	ForwardPaths []Address
	DeclaredSize int64
	Body8Bit     bool
	SMTPUTF8     bool
	Chunking     bool

	maxSize   int64
	threshold int64
	tempDir   string

	mem       bytes.Buffer
	spill     *os.File
	octets    int64
	wroteLine bool
}

// NewTransaction opens a transaction for the given MAIL arguments.
func NewTransaction(args MailArgs, maxSize, memThreshold int64, tempDir string) *Transaction {
	return &Transaction{
		ReversePath:  args.ReversePath,
		DeclaredSize: args.DeclaredSize,
		Body8Bit:     args.Body8Bit,
		SMTPUTF8:     args.SMTPUTF8,
		maxSize:      maxSize,
		threshold:    memThreshold,
		tempDir:      tempDir,
	}
}

// AddRecipient appends one accepted forward-path. Duplicates are kept; each
// accepted recipient becomes its own queue entry.
func (t *Transaction) AddRecipient(addr Address) {
	t.ForwardPaths = append(t.ForwardPaths, addr)
}

// Octets returns the exact body size accumulated so far, after
// dot-unstuffing.
func (t *Transaction) Octets() int64 {
	return t.octets
}

// WriteLine appends one unstuffed body line. Lines are joined with CRLF; the
// terminator of the final line is not part of the stored body.
func (t *Transaction) WriteLine(line []byte) error {
	if t.wroteLine {
		if err := t.write([]byte("\r\n")); err != nil {
			return err
		}
	}
	t.wroteLine = true
	return t.write(line)
}

// Write appends raw chunked (BDAT) data.
func (t *Transaction) Write(p []byte) (int, error) {
	if err := t.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *Transaction) write(p []byte) error {
	t.octets += int64(len(p))
	if t.overLimit() {
		return ErrMessageTooLarge
	}
	if t.spill != nil {
		_, err := t.spill.Write(p)
		return err
	}
	if int64(t.mem.Len())+int64(len(p)) > t.threshold {
		if err := t.spillToFile(); err != nil {
			return err
		}
		_, err := t.spill.Write(p)
		return err
	}
	t.mem.Write(p)
	return nil
}

// overLimit checks the running octet count against the configured maximum
// and, when declared, the SIZE parameter.
func (t *Transaction) overLimit() bool {
	if t.maxSize > 0 && t.octets > t.maxSize {
		return true
	}
	return t.DeclaredSize > 0 && t.octets > t.DeclaredSize
}

func (t *Transaction) spillToFile() error {
	f, err := os.CreateTemp(t.tempDir, "smtpd-tx-*")
	if err != nil {
		return err
	}
	if _, err := f.Write(t.mem.Bytes()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	t.spill = f
	t.mem.Reset()
	return nil
}

// BodyReader returns a reader over the complete accumulated body. The
// transaction must not be written to afterwards.
func (t *Transaction) BodyReader() (io.Reader, error) {
	if t.spill == nil {
		return bytes.NewReader(t.mem.Bytes()), nil
	}
	if err := t.spill.Sync(); err != nil {
		return nil, err
	}
	if _, err := t.spill.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return t.spill, nil
}

// HasMessageID scans the header block of the accumulated body for a
// Message-ID field. The scan covers at most the first 64 KiB; bodies whose
// headers run longer are treated as having no Message-ID. The scan never
// moves the read position of a spilled buffer.
func (t *Transaction) HasMessageID() bool {
	const scanLimit = 64 * 1024

	var head []byte
	if t.spill == nil {
		head = t.mem.Bytes()
		if len(head) > scanLimit {
			head = head[:scanLimit]
		}
	} else {
		// ReadAt leaves the file offset alone, so a reader positioned by
		// BodyReader stays where it is.
		buf := make([]byte, scanLimit)
		n, _ := t.spill.ReadAt(buf, 0)
		head = buf[:n]
	}

	// Headers end at the first empty line.
	if idx := bytes.Index(head, []byte("\r\n\r\n")); idx >= 0 {
		head = head[:idx]
	}
	for _, line := range bytes.Split(head, []byte("\r\n")) {
		if len(line) >= 11 && strings.EqualFold(string(line[:11]), "Message-ID:") {
			return true
		}
	}
	return false
}

// Discard releases the buffer, removing any spill file.
func (t *Transaction) Discard() {
	t.mem.Reset()
	if t.spill != nil {
		name := t.spill.Name()
		t.spill.Close()
		os.Remove(name)
		t.spill = nil
	}
}
