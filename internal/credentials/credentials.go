// Package credentials supplies the account used to log in. Environment
// variables win over the encrypted local store.
package credentials

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/maltedev/olx-scraper/internal/models"
)

const (
	EnvEmail    = "OLX_EMAIL"
	EnvPassword = "OLX_PASSWORD"

	keySize   = 32
	nonceSize = 24
)

var (
	ErrNotFound   = errors.New("no credentials configured")
	ErrCorrupted  = errors.New("credentials store cannot be decrypted")
	ErrIncomplete = errors.New("email and password are required")
)

// EnvSource reads credentials from the environment, optionally loading a
// dotenv file first. Variables already set are not overridden.
type EnvSource struct {
	DotenvPath string
}

// Get reads the credentials from the environment, loading DotenvPath first
// when set.
func (s EnvSource) Get() (*models.Credentials, error) {
	if s.DotenvPath != "" {
		if err := godotenv.Load(s.DotenvPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", s.DotenvPath, err)
		}
	}

	c := &models.Credentials{Email: os.Getenv(EnvEmail), Password: os.Getenv(EnvPassword)}
	if !c.Complete() {
		return nil, ErrNotFound
	}
	return c, nil
}

// EncryptedStore keeps credentials sealed with nacl/secretbox. The key is
// generated on first use and written next to the data file with mode 0600.
type EncryptedStore struct {
	mu       sync.Mutex
	keyPath  string
	dataPath string
}

// NewEncryptedStore keeps the key and the sealed credentials under dir.
func NewEncryptedStore(dir string) *EncryptedStore {
	return &EncryptedStore{
		keyPath:  filepath.Join(dir, "secret.key"),
		dataPath: filepath.Join(dir, "credentials.enc"),
	}
}

// Save seals c with the store key, creating the key on first use.
func (s *EncryptedStore) Save(c *models.Credentials) error {
	if c == nil || !c.Complete() {
		return ErrIncomplete
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.key(true)
	if err != nil {
		return err
	}

	plain, err := json.Marshal(c)
	if err != nil {
		return err
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plain, &nonce, key)

	tmp := s.dataPath + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0600); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	return os.Rename(tmp, s.dataPath)
}

// Get opens the sealed credentials.
func (s *EncryptedStore) Get() (*models.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := os.ReadFile(s.dataPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	key, err := s.key(false)
	if err != nil {
		return nil, err
	}
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrCorrupted
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrCorrupted
	}

	var c models.Credentials
	if err := json.Unmarshal(plain, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return &c, nil
}

func (s *EncryptedStore) key(create bool) (*[keySize]byte, error) {
	var key [keySize]byte

	raw, err := os.ReadFile(s.keyPath)
	switch {
	case err == nil:
		if len(raw) != keySize {
			return nil, fmt.Errorf("key file %s: %w", s.keyPath, ErrCorrupted)
		}
		copy(key[:], raw)
		return &key, nil
	case errors.Is(err, os.ErrNotExist) && create:
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("key file %s missing: %w", s.keyPath, ErrCorrupted)
	default:
		return nil, fmt.Errorf("failed to read key: %w", err)
	}

	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.keyPath), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(s.keyPath, key[:], 0600); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}
	return &key, nil
}

// Manager resolves credentials from the environment first and the encrypted
// store second. Save only writes the store.
type Manager struct {
	env    EnvSource
	store  *EncryptedStore
	logger *slog.Logger
}

// NewManager combines the environment and the encrypted store.
func NewManager(env EnvSource, store *EncryptedStore) *Manager {
	return &Manager{
		env:    env,
		store:  store,
		logger: slog.Default().With("component", "credentials"),
	}
}

// Get prefers complete credentials from the environment over the store.
func (m *Manager) Get() (*models.Credentials, error) {
	c, err := m.env.Get()
	if err == nil {
		m.logger.Debug("using credentials from environment")
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if m.store == nil {
		return nil, ErrNotFound
	}
	c, err = m.store.Get()
	if err != nil {
		return nil, err
	}
	m.logger.Debug("using credentials from encrypted store")
	return c, nil
}

// Save writes c to the encrypted store.
func (m *Manager) Save(c *models.Credentials) error {
	if m.store == nil {
		return errors.New("no credentials store configured")
	}
	if err := m.store.Save(c); err != nil {
		return err
	}
	m.logger.Info("credentials saved", "email", c.Email)
	return nil
}
