package smtp

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrAuthFailed is returned by Authenticator implementations for any
// credential mismatch. The session maps it to 535 without distinguishing
// unknown users from wrong passwords.
var ErrAuthFailed = errors.New("authentication failed")

// Authenticator verifies credentials presented via AUTH PLAIN or AUTH LOGIN
// and returns an opaque user identity. Implementations must take constant
// time with respect to the supplied password.
type Authenticator interface {
	Verify(ctx context.Context, username, password string) (string, error)
}

// maxAuthFailures closes the connection after this many consecutive
// failures on one session.
const maxAuthFailures = 3

// FileAuthenticator verifies against a credentials file of
// "username:bcrypt-hash" lines. Lines starting with '#' are skipped.
type FileAuthenticator struct {
	users map[string]string
}

// NewFileAuthenticator loads the credentials file.
func NewFileAuthenticator(path string) (*FileAuthenticator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials file: %w", err)
	}
	defer f.Close()

	users := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			return nil, fmt.Errorf("malformed credentials line: %q", line)
		}
		users[line[:idx]] = line[idx+1:]
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	return &FileAuthenticator{users: users}, nil
}

// Verify compares the password against the stored bcrypt hash. The compare
// runs even for unknown users so lookups take uniform time.
func (a *FileAuthenticator) Verify(_ context.Context, username, password string) (string, error) {
	hash, ok := a.users[username]
	if !ok {
		// Burn a compare against a fixed hash to keep timing uniform.
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return "", ErrAuthFailed
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ErrAuthFailed
	}
	return username, nil
}

// dummyHash is a bcrypt hash of an unguessable throwaway value, used to
// equalize verification time for unknown usernames.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// StaticAuthenticator verifies against an in-memory plaintext map using
// constant-time comparison. Used by tests and development setups.
type StaticAuthenticator struct {
	users map[string]string
}

// NewStaticAuthenticator wraps a username -> password map.
func NewStaticAuthenticator(users map[string]string) *StaticAuthenticator {
	return &StaticAuthenticator{users: users}
}

// Verify implements Authenticator.
func (a *StaticAuthenticator) Verify(_ context.Context, username, password string) (string, error) {
	want, ok := a.users[username]
	match := subtle.ConstantTimeCompare([]byte(want), []byte(password)) == 1
	if !ok || !match {
		return "", ErrAuthFailed
	}
	return username, nil
}
