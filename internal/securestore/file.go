package securestore

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// FileStore persists each key as one encrypted file under a directory.
// Values are sealed with NaCl secretbox; the 24-byte nonce prefixes the
// ciphertext on disk.
type FileStore struct {
	mu  sync.Mutex
	dir string
	key [32]byte
}

// NewFileStore creates a file store rooted at dir. hexKey must decode to
// exactly 32 bytes.
func NewFileStore(dir, hexKey string) (*FileStore, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode store key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("store key must be 32 bytes, got %d", len(raw))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	fs := &FileStore{dir: dir}
	copy(fs.key[:], raw)
	return fs, nil
}

func (f *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if len(data) < nonceSize {
		return nil, fmt.Errorf("corrupt value for %s", key)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])

	plain, ok := secretbox.Open(nil, data[nonceSize:], &nonce, &f.key)
	if !ok {
		return nil, fmt.Errorf("decrypt %s: authentication failed", key)
	}
	return plain, nil
}

func (f *FileStore) Set(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], value, &nonce, &f.key)

	// Write-then-rename so a crash never leaves a half-written value.
	tmp := f.path(key) + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp, f.path(key)); err != nil {
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}

func (f *FileStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (f *FileStore) path(key string) string {
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	name := strings.ToLower(enc.EncodeToString([]byte(key)))
	return filepath.Join(f.dir, name+".sealed")
}

// GenerateKey returns a fresh hex-encoded 32-byte key.
func GenerateKey() (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}
