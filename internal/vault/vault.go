// Package vault encrypts credentials at rest with AES-256-GCM. The key is
// derived from a stable machine fingerprint plus a random salt persisted
// alongside the database, so ciphertext is bound to the installation and
// never leaves the host in usable form.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"
)

const (
	saltFileName = "vault.salt"
	saltSize     = 32
	keySize      = 32
	nonceSize    = 12
	tagSize      = 16
)

// EncryptionError reports an underlying cryptographic failure during Encrypt.
type EncryptionError struct {
	Err error
}

func (e *EncryptionError) Error() string { return fmt.Sprintf("vault encrypt: %v", e.Err) }
func (e *EncryptionError) Unwrap() error { return e.Err }

// DecryptionError reports an auth-tag mismatch, corrupted fields, or
// malformed input. Callers must treat it as recoverable: log and behave as
// if the secret were absent, never crash.
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string { return fmt.Sprintf("vault decrypt: %v", e.Err) }
func (e *DecryptionError) Unwrap() error { return e.Err }

// Vault derives and caches the symmetric key and performs authenticated
// encryption of credential values. Safe for concurrent use.
type Vault struct {
	homeDir string

	mu  sync.Mutex
	key []byte // derived once, read-only afterwards
}

// New creates a Vault rooted at homeDir. The salt file is created lazily on
// first key derivation.
func New(homeDir string) *Vault {
	return &Vault{homeDir: homeDir}
}

// Encrypt seals plaintext with a fresh random nonce and returns the
// serialized form base64(nonce):base64(tag):base64(ciphertext).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	aead, err := v.aead()
	if err != nil {
		return "", &EncryptionError{Err: err}
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", &EncryptionError{Err: err}
	}
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	// GCM appends the tag to the ciphertext; split for the serialized form.
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]
	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ct),
	}, ":"), nil
}

// Decrypt opens a serialized value produced by Encrypt. Any structural or
// authentication failure returns a *DecryptionError.
func (v *Vault) Decrypt(serialized string) (string, error) {
	parts := strings.Split(serialized, ":")
	if len(parts) != 3 {
		return "", &DecryptionError{Err: fmt.Errorf("expected 3 segments, got %d", len(parts))}
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", &DecryptionError{Err: fmt.Errorf("decode nonce: %w", err)}
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", &DecryptionError{Err: fmt.Errorf("decode tag: %w", err)}
	}
	ct, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", &DecryptionError{Err: fmt.Errorf("decode ciphertext: %w", err)}
	}
	if len(nonce) != nonceSize || len(tag) != tagSize {
		return "", &DecryptionError{Err: fmt.Errorf("bad nonce/tag length %d/%d", len(nonce), len(tag))}
	}
	aead, err := v.aead()
	if err != nil {
		return "", &DecryptionError{Err: err}
	}
	plaintext, err := aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", &DecryptionError{Err: err}
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether value looks like serialized ciphertext: three
// colon-delimited segments that each decode as base64, with nonce and tag
// segments of the expected lengths. Legacy plaintext secrets fail this check
// and are re-encrypted on first read by the store's credential accessor.
func IsEncrypted(value string) bool {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return false
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return false
	}
	if _, err := base64.StdEncoding.DecodeString(parts[2]); err != nil {
		return false
	}
	return true
}

func (v *Vault) aead() (cipher.AEAD, error) {
	key, err := v.deriveKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// deriveKey derives the symmetric key from the machine fingerprint and the
// persisted salt, caching the result for the process lifetime.
func (v *Vault) deriveKey() ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key != nil {
		return v.key, nil
	}
	salt, err := v.loadOrCreateSalt()
	if err != nil {
		return nil, err
	}
	key, err := scrypt.Key([]byte(machineFingerprint()), salt, 1<<15, 8, 1, keySize)
	if err != nil {
		return nil, err
	}
	v.key = key
	return key, nil
}

// loadOrCreateSalt reads the salt file, generating it with owner-only
// permissions on first use.
func (v *Vault) loadOrCreateSalt() ([]byte, error) {
	path := filepath.Join(v.homeDir, saltFileName)
	data, err := os.ReadFile(path)
	if err == nil && len(data) == saltSize {
		return data, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read vault salt: %w", err)
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate vault salt: %w", err)
	}
	if err := os.MkdirAll(v.homeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("write vault salt: %w", err)
	}
	return salt, nil
}

// machineFingerprint returns a stable per-host identifier. The systemd
// machine-id is preferred; the hostname is the last resort.
func machineFingerprint() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "threadclaw-fallback"
	}
	return host
}
