// Package session holds the signed-in user's credentials, profile and tier information.
//
// A Session is passed explicitly to the components that need it; there is no global store.
// It implements transport.Credentials so the transport can refresh or expire it.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mtaalamux/client/internal/errs"
	"github.com/mtaalamux/client/internal/model"
	"github.com/mtaalamux/client/internal/transport"
	"github.com/mtaalamux/client/pkg/logger"
)

var _ transport.Credentials = (*Session)(nil)

// Backend is the subset of the API the session lifecycle needs. *api.Client implements it.
type Backend interface {
	Login(ctx context.Context, username, password string) (model.Tokens, error)
	Me(ctx context.Context) (*model.User, error)
	TierInfo(ctx context.Context) (*model.TierInfo, error)
}

// Session is safe for concurrent use.
type Session struct {
	mu       sync.RWMutex
	access   string
	refresh  string
	expires  time.Time
	user     *model.User
	tier     *model.TierInfo
	store    Store
	log      *zap.Logger
	onExpire []func()
}

// New constructs an empty session persisted through store (may be nil).
func New(store Store, log *zap.Logger) *Session {
	return &Session{store: store, log: logger.OrNop(log)}
}

// Restore loads a previously persisted session.
func (s *Session) Restore() error {
	if s.store == nil {
		return errs.ErrNoSession
	}
	snap, err := s.store.Load()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.access, s.refresh, s.expires = snap.AccessToken, snap.RefreshToken, snap.ExpiresAt
	s.user, s.tier = snap.User, snap.TierInfo
	s.mu.Unlock()
	return nil
}

// Login authenticates and loads the user's profile and tier. A tier fetch failure is
// logged and leaves the tier absent, which evaluates as basic.
func (s *Session) Login(ctx context.Context, b Backend, username, password string) error {
	tok, err := b.Login(ctx, username, password)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.access, s.refresh, s.expires = tok.AccessToken, tok.RefreshToken, TokenExpiry(tok.AccessToken)
	s.user, s.tier = nil, nil
	s.mu.Unlock()

	u, err := b.Me(ctx)
	if err != nil {
		s.clear()
		return err
	}
	s.mu.Lock()
	s.user = u
	s.mu.Unlock()

	s.loadTier(ctx, b)
	s.persist()
	s.log.Info("signed in", zap.Int64("user_id", u.ID))
	return nil
}

// CheckAuth re-validates stored credentials and refreshes user and tier information.
// An authentication failure ends the session.
func (s *Session) CheckAuth(ctx context.Context, b Backend) error {
	if !s.Authenticated() {
		return errs.ErrNoSession
	}
	u, err := b.Me(ctx)
	if err != nil {
		if errors.Is(err, errs.ErrUnauthenticated) {
			_ = s.Logout()
		}
		return err
	}
	s.mu.Lock()
	s.user = u
	s.mu.Unlock()
	s.loadTier(ctx, b)
	s.persist()
	return nil
}

// ReloadTier re-fetches tier information, e.g. after an upgrade request.
func (s *Session) ReloadTier(ctx context.Context, b Backend) error {
	ti, err := b.TierInfo(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.tier = ti
	s.mu.Unlock()
	s.persist()
	return nil
}

func (s *Session) loadTier(ctx context.Context, b Backend) {
	ti, err := b.TierInfo(ctx)
	if err != nil {
		s.log.Warn("tier info unavailable, treating as basic", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.tier = ti
	s.mu.Unlock()
}

// Logout clears the session in memory and in the store.
func (s *Session) Logout() error {
	s.clear()
	if s.store != nil {
		return s.store.Delete()
	}
	return nil
}

// OnExpire registers fn to run when the transport ends the session.
func (s *Session) OnExpire(fn func()) {
	s.mu.Lock()
	s.onExpire = append(s.onExpire, fn)
	s.mu.Unlock()
}

// Expire implements transport.Credentials.
func (s *Session) Expire() {
	if err := s.Logout(); err != nil {
		s.log.Warn("delete stored session", zap.Error(err))
	}
	s.mu.RLock()
	hooks := append([]func(){}, s.onExpire...)
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

// AccessToken implements transport.Credentials.
func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

// RefreshToken implements transport.Credentials.
func (s *Session) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh
}

// UpdateTokens implements transport.Credentials.
func (s *Session) UpdateTokens(access, refresh string) {
	s.mu.Lock()
	s.access = access
	s.expires = TokenExpiry(access)
	if refresh != "" {
		s.refresh = refresh
	}
	s.mu.Unlock()
	s.persist()
}

// Authenticated reports whether an access token is held.
func (s *Session) Authenticated() bool { return s.AccessToken() != "" }

// ExpiresAt is the access token's expiry, zero when unknown.
func (s *Session) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expires
}

// User returns a copy of the signed-in user, or nil.
func (s *Session) User() *model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// UserID returns the signed-in user's id, or 0.
func (s *Session) UserID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return 0
	}
	return s.user.ID
}

// TierInfo returns a copy of the current tier information, or nil when absent.
func (s *Session) TierInfo() *model.TierInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tier == nil {
		return nil
	}
	ti := *s.tier
	return &ti
}

func (s *Session) clear() {
	s.mu.Lock()
	s.access, s.refresh, s.expires = "", "", time.Time{}
	s.user, s.tier = nil, nil
	s.mu.Unlock()
}

func (s *Session) persist() {
	if s.store == nil {
		return
	}
	s.mu.RLock()
	snap := Snapshot{AccessToken: s.access, RefreshToken: s.refresh, ExpiresAt: s.expires, User: s.user, TierInfo: s.tier}
	s.mu.RUnlock()
	if snap.AccessToken == "" {
		return
	}
	if err := s.store.Save(snap); err != nil {
		s.log.Warn("persist session", zap.Error(err))
	}
}
