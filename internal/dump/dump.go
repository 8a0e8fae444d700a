// Package dump optionally archives outbound request bodies to disk for
// operator debugging, encrypted at rest when a key is configured. Per
// spec.md's error-handling rule, a dump failure is logged and swallowed —
// it never fails the request it was archiving.
package dump

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/scrypt"
)

const dumpKeySalt = "corerelay-dump"

// Archiver writes one file per dumped request under Dir, named by request
// ID and timestamp. A nil or empty-key Archiver still works, just without
// at-rest encryption.
type Archiver struct {
	dir string

	mu        sync.RWMutex
	derived   []byte
	keySource string
}

// New builds an Archiver rooted at dir. If encryptionKey is non-empty,
// every dumped file is AES-256-CBC encrypted with a key derived from it via
// scrypt, matching the teacher's account-credential encryption scheme.
func New(dir, encryptionKey string) (*Archiver, error) {
	if dir == "" {
		return nil, errors.New("dump: directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("dump: create directory: %w", err)
	}
	a := &Archiver{dir: dir, keySource: encryptionKey}
	return a, nil
}

func (a *Archiver) deriveKey() ([]byte, error) {
	a.mu.RLock()
	if a.derived != nil {
		defer a.mu.RUnlock()
		return a.derived, nil
	}
	a.mu.RUnlock()

	key, err := scrypt.Key([]byte(a.keySource), []byte(dumpKeySalt), 32768, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("scrypt derive: %w", err)
	}
	a.mu.Lock()
	a.derived = key
	a.mu.Unlock()
	return key, nil
}

// Write archives raw under a filename derived from requestID and the
// current time. Errors are returned to the caller but spec.md's error
// model calls for logging and swallowing them at the call site, not
// failing the relayed request.
func (a *Archiver) Write(ctx context.Context, requestID string, raw []byte) error {
	name := fmt.Sprintf("%s_%s.json", time.Now().UTC().Format("20060102T150405.000000000"), sanitizeID(requestID))
	path := filepath.Join(a.dir, name)

	payload := raw
	if a.keySource != "" {
		encrypted, err := a.encrypt(raw)
		if err != nil {
			return fmt.Errorf("dump: encrypt: %w", err)
		}
		payload = []byte(encrypted)
		path += ".enc"
	}

	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return fmt.Errorf("dump: write %s: %w", path, err)
	}
	return nil
}

// WriteLogged is the call-site-friendly form: it logs and swallows any
// error rather than returning it, matching spec.md's "dump failures are
// logged, not fatal" rule.
func (a *Archiver) WriteLogged(ctx context.Context, requestID string, raw []byte) {
	if err := a.Write(ctx, requestID, raw); err != nil {
		slog.Warn("dump: archive request failed", "requestId", requestID, "error", err)
	}
}

func (a *Archiver) encrypt(plaintext []byte) (string, error) {
	key, err := a.deriveKey()
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("rand iv: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt reverses encrypt, for an operator tool reading archived dumps
// back out.
func (a *Archiver) Decrypt(encrypted string) ([]byte, error) {
	key, err := a.deriveKey()
	if err != nil {
		return nil, err
	}

	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return nil, errors.New("dump: invalid encrypted format")
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("dump: decode iv: %w", err)
	}
	ciphertext, err := hex.DecodeString(parts[1])
	if err != nil || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("dump: decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext, aes.BlockSize)
}

func sanitizeID(id string) string {
	if id == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	pad := make([]byte, padding)
	for i := range pad {
		pad[i] = byte(padding)
	}
	return append(data, pad...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("dump: empty data")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, fmt.Errorf("dump: invalid padding: %d", padding)
	}
	for i := len(data) - padding; i < len(data); i++ {
		if data[i] != byte(padding) {
			return nil, errors.New("dump: invalid padding bytes")
		}
	}
	return data[:len(data)-padding], nil
}
