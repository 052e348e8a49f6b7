// Package store persists per-tenant pairing credentials. Each tenant owns
// one directory under the base path holding its credential metadata and the
// gateway session database; no other component touches these files.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/schedulink/wagateway/pkg/models"
)

const credsFileName = "creds.json"

// Credentials is the pairing metadata saved after a successful login. The
// gateway library keeps its own key material in the session database inside
// the same tenant directory.
type Credentials struct {
	RegisteredJID string    `json:"registered_jid"`
	PhoneNumber   string    `json:"phone_number,omitempty"`
	PairedAt      time.Time `json:"paired_at"`
}

// Store manages tenant-scoped credential directories. Saves for the same
// tenant serialize; writes are temp-then-rename so a crash never leaves a
// partial file.
type Store struct {
	baseDir string
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[models.TenantID]*sync.Mutex
}

// New creates a store rooted at baseDir, creating it if needed.
func New(baseDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	expanded := ExpandPath(baseDir)
	if err := os.MkdirAll(expanded, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &Store{
		baseDir: expanded,
		logger:  logger,
		locks:   make(map[models.TenantID]*sync.Mutex),
	}, nil
}

// BaseDir returns the storage root.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// TenantDir returns the tenant's credential directory, creating it if
// needed. Failure here is fatal for that tenant's connect.
func (s *Store) TenantDir(tenant models.TenantID) (string, error) {
	if err := validateTenantID(tenant); err != nil {
		return "", err
	}
	dir := filepath.Join(s.baseDir, string(tenant))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create tenant directory: %w", err)
	}
	return dir, nil
}

// Load reads the tenant's credentials. Missing or unreadable credentials
// degrade to (nil, nil): the tenant simply needs a fresh pairing.
func (s *Store) Load(tenant models.TenantID) (*Credentials, error) {
	if err := validateTenantID(tenant); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.baseDir, string(tenant), credsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		s.logger.Warn("failed to read credentials, treating as unpaired",
			"tenant", tenant, "error", err)
		return nil, nil
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		s.logger.Warn("corrupt credentials file, treating as unpaired",
			"tenant", tenant, "error", err)
		return nil, nil
	}
	return &creds, nil
}

// Save writes the tenant's credentials atomically. Concurrent saves for the
// same tenant serialize; last writer wins.
func (s *Store) Save(tenant models.TenantID, creds *Credentials) error {
	if err := validateTenantID(tenant); err != nil {
		return err
	}
	if creds == nil {
		return fmt.Errorf("nil credentials")
	}

	lock := s.tenantLock(tenant)
	lock.Lock()
	defer lock.Unlock()

	dir, err := s.TenantDir(tenant)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", credsFileName, uuid.NewString()))
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, credsFileName)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to install credentials: %w", err)
	}
	return nil
}

// Delete removes the tenant's entire credential directory, including the
// gateway session database. Used for permanent logout.
func (s *Store) Delete(tenant models.TenantID) error {
	if err := validateTenantID(tenant); err != nil {
		return err
	}

	lock := s.tenantLock(tenant)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(filepath.Join(s.baseDir, string(tenant))); err != nil {
		return fmt.Errorf("failed to delete tenant credentials: %w", err)
	}
	return nil
}

func (s *Store) tenantLock(tenant models.TenantID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[tenant]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[tenant] = lock
	}
	return lock
}

// validateTenantID rejects identifiers that would escape the base
// directory.
func validateTenantID(tenant models.TenantID) error {
	id := string(tenant)
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("empty tenant id")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." || strings.Contains(id, "..") {
		return fmt.Errorf("invalid tenant id %q", id)
	}
	return nil
}

// ExpandPath expands ~ to the home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
