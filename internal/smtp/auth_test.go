package smtp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestStaticAuthenticator(t *testing.T) {
	auth := NewStaticAuthenticator(map[string]string{"alice": "s3cret"})

	identity, err := auth.Verify(context.Background(), "alice", "s3cret")
	if err != nil {
		t.Fatalf("valid credentials rejected: %v", err)
	}
	if identity != "alice" {
		t.Errorf("identity = %q, want alice", identity)
	}

	if _, err := auth.Verify(context.Background(), "alice", "wrong"); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("wrong password: got %v, want ErrAuthFailed", err)
	}
	if _, err := auth.Verify(context.Background(), "bob", "s3cret"); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("unknown user: got %v, want ErrAuthFailed", err)
	}
}

func TestFileAuthenticator(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "credentials")
	content := "# test credentials\n\nalice:" + string(hash) + "\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	auth, err := NewFileAuthenticator(path)
	if err != nil {
		t.Fatalf("failed to load credentials: %v", err)
	}

	if _, err := auth.Verify(context.Background(), "alice", "hunter2"); err != nil {
		t.Errorf("valid credentials rejected: %v", err)
	}
	if _, err := auth.Verify(context.Background(), "alice", "wrong"); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("wrong password: got %v, want ErrAuthFailed", err)
	}
	if _, err := auth.Verify(context.Background(), "mallory", "hunter2"); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("unknown user: got %v, want ErrAuthFailed", err)
	}
}

func TestFileAuthenticatorMalformedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials")
	if err := os.WriteFile(path, []byte("no-colon-here\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileAuthenticator(path); err == nil {
		t.Error("malformed credentials file should be rejected")
	}
}
