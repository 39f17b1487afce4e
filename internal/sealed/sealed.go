// Package sealed encrypts OAuth tokens for storage at rest. It wraps
// filippo.io/age X25519 encryption behind the narrow seal/open interface
// the participant service consumes. Ciphertext is base64-encoded so it can
// live inside JSON store files and sqlite text columns.
package sealed

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"

	"github.com/user/sessiond/internal/types"
)

var _ types.TokenCipher = (*Cipher)(nil)

// Cipher seals and opens token plaintext with a single age X25519 keypair.
type Cipher struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// New creates a Cipher from an AGE-SECRET-KEY-1... identity string.
func New(identityStr string) (*Cipher, error) {
	identity, err := age.ParseX25519Identity(strings.TrimSpace(identityStr))
	if err != nil {
		return nil, fmt.Errorf("parse age identity: %w", err)
	}
	return &Cipher{identity: identity, recipient: identity.Recipient()}, nil
}

// LoadOrCreate reads the identity file at path, generating and writing a
// new identity (mode 0600) if the file does not exist.
func LoadOrCreate(path string) (*Cipher, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return New(string(data))
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate age identity: %w", err)
	}
	if err := os.WriteFile(path, []byte(identity.String()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write identity file: %w", err)
	}
	return &Cipher{identity: identity, recipient: identity.Recipient()}, nil
}

// Seal encrypts plaintext and returns base64 ciphertext.
func (c *Cipher) Seal(plaintext string) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, c.recipient)
	if err != nil {
		return "", fmt.Errorf("begin encrypt: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finish encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open decrypts base64 ciphertext produced by Seal.
func (c *Cipher) Open(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), c.identity)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read plaintext: %w", err)
	}
	return string(plaintext), nil
}
