// Package vault provides symmetric encryption of configuration secrets
// behind a process-wide unlock state.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/centavo-app/centavo/internal/common"
)

// Vault encrypts and decrypts secret configuration values with AES-256-GCM.
// It starts locked; Unlock supplies the master key exactly once and the
// vault stays unlocked for the rest of the process lifetime.
type Vault struct {
	mu        sync.RWMutex
	masterKey []byte
	unlocked  chan struct{}
}

// New creates a locked vault.
func New() *Vault {
	return &Vault{unlocked: make(chan struct{})}
}

// Unlock installs the master key. The key must be a 32-byte hex string.
// Unlocking an already-unlocked vault is an error; there is no re-lock.
func (v *Vault) Unlock(masterKeyHex string) error {
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return fmt.Errorf("invalid master key format (must be hex): %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("master key must be 32 bytes (64 hex characters), got %d bytes", len(key))
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.masterKey != nil {
		return errors.New("vault is already unlocked")
	}
	v.masterKey = key
	close(v.unlocked)
	return nil
}

// Unlocked reports whether the master key has been installed.
func (v *Vault) Unlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.masterKey != nil
}

// WaitUnlock blocks until the vault is unlocked or the context is done.
// Code paths that need a secret before unlock wait here instead of failing.
func (v *Vault) WaitUnlock(ctx context.Context) error {
	select {
	case <-v.unlocked:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deriveKey derives a per-scope key from the master key so that ciphertexts
// from different integration instances do not share key material.
func (v *Vault) deriveKey(scope string) ([]byte, error) {
	v.mu.RLock()
	master := v.masterKey
	v.mu.RUnlock()
	if master == nil {
		return nil, common.ErrVaultLocked
	}

	r := hkdf.New(sha256.New, master, []byte(scope), []byte("centavo-secret-field"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// Encrypt encrypts plaintext for the given scope and returns base64
// ciphertext with the nonce prepended. Encrypting while locked is fatal to
// the calling operation.
func (v *Vault) Encrypt(scope, plaintext string) (string, error) {
	key, err := v.deriveKey(scope)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt for the same scope.
func (v *Vault) Decrypt(scope, ciphertextB64 string) (string, error) {
	key, err := v.deriveKey(scope)
	if err != nil {
		return "", err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(ciphertext) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// GenerateMasterKey generates a fresh random 32-byte master key for setup.
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
