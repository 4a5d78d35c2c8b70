// Package secrets provides at-rest encryption for sensitive configuration
// values such as provider API keys.
//
// Encrypted values are encoded as "enc:<ivB64>:<tagB64>:<cipherB64>" using
// AES-256-GCM with a random 16-byte IV per call. A string either matches
// that form exactly or is treated as plaintext, so encryption is idempotent
// and legacy plaintext values pass through decryption unchanged.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

const (
	// Prefix marks a value as encrypted.
	Prefix = "enc:"

	// KeySize is the required key length for AES-256-GCM.
	KeySize = 32

	// IVSize is the IV length used for each encryption call.
	IVSize = 16

	// tagSize is the GCM authentication tag length.
	tagSize = 16
)

var ErrInvalidKeySize = fmt.Errorf("key must be exactly %d bytes", KeySize)

// Store encrypts and decrypts configuration secrets with a single symmetric key.
// Safe for concurrent use.
type Store struct {
	aead   cipher.AEAD
	logger *slog.Logger
}

// NewStore creates a secret store from a 32-byte key.
func NewStore(key []byte, logger *slog.Logger) (*Store, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &Store{aead: aead, logger: logger}, nil
}

// IsEncrypted reports whether the value carries the encrypted-form prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// Encrypt encrypts a plaintext value. Empty input and already-encrypted
// input are returned unchanged.
func (s *Store) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || IsEncrypted(plaintext) {
		return plaintext, nil
	}

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	sealed := s.aead.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return Prefix +
		base64.StdEncoding.EncodeToString(iv) + ":" +
		base64.StdEncoding.EncodeToString(tag) + ":" +
		base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptResult distinguishes a successful decryption from a passthrough.
// When the input was not in encrypted form, Value echoes it with
// Decrypted=false and Err=nil. When the payload is malformed or fails
// authentication, Value still echoes the input but Err explains why — the
// caller decides whether to keep the original or surface the failure.
type DecryptResult struct {
	Value     string
	Decrypted bool
	Err       error
}

// Decrypt decrypts a value produced by Encrypt. Values without the "enc:"
// prefix are treated as legacy plaintext and passed through.
func (s *Store) Decrypt(value string) DecryptResult {
	if !IsEncrypted(value) {
		return DecryptResult{Value: value}
	}

	plaintext, err := s.open(value)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("secret decryption failed, keeping original value",
				slog.String("error", err.Error()),
			)
		}
		return DecryptResult{Value: value, Err: err}
	}
	return DecryptResult{Value: plaintext, Decrypted: true}
}

func (s *Store) open(value string) (string, error) {
	parts := strings.Split(strings.TrimPrefix(value, Prefix), ":")
	if len(parts) != 3 {
		return "", errors.New("malformed encrypted value")
	}

	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decoding iv: %w", err)
	}
	if len(iv) != IVSize {
		return "", fmt.Errorf("iv must be %d bytes, got %d", IVSize, len(iv))
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decoding tag: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}

	plaintext, err := s.aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}
