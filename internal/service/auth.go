// Package service contains the stand-in backend's application services: authentication,
// accounts and tiers, and consultation-gated messaging.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	pkgcrypto "github.com/mtaalamux/client/internal/crypto"
	"github.com/mtaalamux/client/internal/errs"
	"github.com/mtaalamux/client/internal/limiter"
	"github.com/mtaalamux/client/internal/model"
	"github.com/mtaalamux/client/internal/repository"
)

// Token types carried in the "typ" claim.
const (
	TokenAccess  = "access"
	TokenRefresh = "refresh"
)

// AuthService defines authentication operations.
type AuthService interface {
	// Register creates a new account with a hashed password.
	Register(ctx context.Context, in RegisterInput) (*model.Account, error)
	// Login applies lockout rules and issues an access/refresh pair.
	Login(ctx context.Context, username, password, ip string) (model.Tokens, error)
	// Refresh exchanges a refresh token for a new access token.
	Refresh(ctx context.Context, refreshToken string) (model.Tokens, error)
	// Authenticate validates an access token and returns its user ID.
	Authenticate(token string) (int64, error)
}

// RegisterInput describes a new account.
type RegisterInput struct {
	Username  string
	Password  string
	Email     string
	FirstName string
	LastName  string
	IsExpert  bool
	Tier      model.Tier
	Verified  bool
}

// TokenConfig sets signing key and lifetimes.
type TokenConfig struct {
	SignKey    []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// LockoutError reports a temporarily blocked login. It matches errs.ErrRateLimited.
type LockoutError struct{ RetryAfter time.Duration }

func (e *LockoutError) Error() string {
	return fmt.Sprintf("too many failed login attempts, retry in %s", e.RetryAfter.Round(time.Second))
}

func (e *LockoutError) Unwrap() error { return errs.ErrRateLimited }

type claims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

type AuthServiceImpl struct {
	users  repository.UserRepository
	hasher *pkgcrypto.Hasher
	tokens TokenConfig
	lim    limiter.Limiter
	now    func() time.Time
}

var _ AuthService = (*AuthServiceImpl)(nil)

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(users repository.UserRepository, hasher *pkgcrypto.Hasher, tokens TokenConfig, lim limiter.Limiter) *AuthServiceImpl {
	if tokens.AccessTTL <= 0 {
		tokens.AccessTTL = 15 * time.Minute
	}
	if tokens.RefreshTTL <= 0 {
		tokens.RefreshTTL = 7 * 24 * time.Hour
	}
	return &AuthServiceImpl{users: users, hasher: hasher, tokens: tokens, lim: lim, now: time.Now}
}

var errBadCredentials = errs.New(errs.KindUnauthenticated, "No active account found with the given credentials")

var errBadToken = errs.New(errs.KindUnauthenticated, "Token is invalid or expired")

// Register creates a new account record.
func (s *AuthServiceImpl) Register(ctx context.Context, in RegisterInput) (*model.Account, error) {
	in.Username = strings.TrimSpace(in.Username)
	if in.Username == "" || in.Password == "" {
		return nil, errs.New(errs.KindInvalidInput, "username and password are required")
	}
	if in.Tier == "" {
		in.Tier = model.TierBasic
	}
	if !in.Tier.Valid() {
		return nil, errs.New(errs.KindInvalidInput, "unknown tier "+string(in.Tier))
	}
	hash, salt, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}
	a := &model.Account{
		User: model.User{
			Username:  in.Username,
			Email:     in.Email,
			FirstName: in.FirstName,
			LastName:  in.LastName,
			IsExpert:  in.IsExpert,
		},
		PwdHash:  hash,
		Salt:     salt,
		Tier:     in.Tier,
		Verified: in.Verified,
	}
	if err := s.users.Create(ctx, a); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			return nil, errs.Wrap(errs.KindInvalidInput, "A user with that username already exists.", err)
		}
		return nil, err
	}
	return a, nil
}

// Login authenticates with lockout by (username, ip).
func (s *AuthServiceImpl) Login(ctx context.Context, username, password, ip string) (model.Tokens, error) {
	ipHash := limiter.HashIP(ip)

	allowed, wait, err := s.lim.Allow(ctx, username, ipHash)
	if err != nil {
		return model.Tokens{}, err
	}
	if !allowed {
		return model.Tokens{}, &LockoutError{RetryAfter: wait}
	}

	a, err := s.users.GetByUsername(ctx, username)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return model.Tokens{}, err
	}
	if err != nil || !s.hasher.Verify(password, a.Salt, a.PwdHash) {
		if blocked, wait, ferr := s.lim.Failure(ctx, username, ipHash); ferr == nil && blocked {
			return model.Tokens{}, &LockoutError{RetryAfter: wait}
		}
		// Unknown user and wrong password look the same.
		return model.Tokens{}, errBadCredentials
	}

	_ = s.lim.Success(ctx, username, ipHash)
	return s.issuePair(a.ID)
}

// Refresh validates a refresh token and issues a new access token. The refresh token is
// not rotated.
func (s *AuthServiceImpl) Refresh(ctx context.Context, refreshToken string) (model.Tokens, error) {
	id, err := s.parse(refreshToken, TokenRefresh)
	if err != nil {
		return model.Tokens{}, err
	}
	if _, err := s.users.GetByID(ctx, id); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return model.Tokens{}, errBadToken
		}
		return model.Tokens{}, err
	}
	access, exp, err := s.issue(id, TokenAccess, s.tokens.AccessTTL)
	if err != nil {
		return model.Tokens{}, err
	}
	return model.Tokens{AccessToken: access, ExpiresAt: exp}, nil
}

// Authenticate verifies an access token.
func (s *AuthServiceImpl) Authenticate(token string) (int64, error) {
	return s.parse(token, TokenAccess)
}

func (s *AuthServiceImpl) issuePair(userID int64) (model.Tokens, error) {
	access, exp, err := s.issue(userID, TokenAccess, s.tokens.AccessTTL)
	if err != nil {
		return model.Tokens{}, err
	}
	refresh, _, err := s.issue(userID, TokenRefresh, s.tokens.RefreshTTL)
	if err != nil {
		return model.Tokens{}, err
	}
	return model.Tokens{AccessToken: access, RefreshToken: refresh, ExpiresAt: exp}, nil
}

// issue creates a signed HS256 JWT for the given subject.
func (s *AuthServiceImpl) issue(userID int64, typ string, ttl time.Duration) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(ttl)
	c := claims{
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.tokens.SignKey)
	return signed, exp, err
}

func (s *AuthServiceImpl) parse(token, typ string) (int64, error) {
	if token == "" {
		return 0, errBadToken
	}
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		return s.tokens.SignKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithLeeway(5*time.Second),
	)
	if err != nil || !parsed.Valid || c.Type != typ {
		return 0, errBadToken
	}
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, errBadToken
	}
	return id, nil
}
