package session

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mtaalamux/client/internal/errs"
	"github.com/mtaalamux/client/internal/model"
)

// Snapshot is the persisted part of a session.
type Snapshot struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time       `json:"expires_at,omitzero"`
	User         *model.User     `json:"user,omitempty"`
	TierInfo     *model.TierInfo `json:"tier_info,omitempty"`
}

// Store persists a session between process runs.
type Store interface {
	Load() (Snapshot, error)
	Save(Snapshot) error
	Delete() error
}

// DefaultDir returns $XDG_CONFIG_HOME/mtaalamux, or ~/.config/mtaalamux.
func DefaultDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "mtaalamux")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "mtaalamux")
}

// FileStore keeps the session as a JSON file readable only by the owner.
type FileStore struct{ dir string }

// NewFileStore constructs a FileStore rooted at dir (DefaultDir when empty).
func NewFileStore(dir string) *FileStore {
	if dir == "" {
		dir = DefaultDir()
	}
	return &FileStore{dir: dir}
}

func (s *FileStore) path() string { return filepath.Join(s.dir, "session.json") }

// Load reads the stored session; errs.ErrNoSession when nothing is stored.
func (s *FileStore) Load() (Snapshot, error) {
	b, err := os.ReadFile(s.path())
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{}, errs.ErrNoSession
	}
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return Snapshot{}, err
	}
	if snap.AccessToken == "" {
		return Snapshot{}, errs.ErrNoSession
	}
	return snap, nil
}

// Save writes the session atomically.
func (s *FileStore) Save(snap Snapshot) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path())
}

// Delete removes the stored session. Deleting a missing session is not an error.
func (s *FileStore) Delete() error {
	err := os.Remove(s.path())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// TokenExpiry reads the exp claim of a JWT without verifying it. The zero time is
// returned when the token is not a JWT or carries no expiry.
func TokenExpiry(token string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
