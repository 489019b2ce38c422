// Package auth registers accounts and exchanges credentials for bearer tokens.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/spigell/service-exchange/internal/market"
	"github.com/spigell/service-exchange/internal/store"
)

const (
	DefaultTokenTTL   = 24 * time.Hour
	MinPasswordLength = 8
	// bcrypt ignores everything past 72 bytes.
	maxPasswordBytes = 72
)

// Token is the document stored under tokens/<value>.
type Token struct {
	Value     string `json:"-"`
	Username  string `json:"username"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
}

type Config struct {
	TokenTTL time.Duration
	// Cost is the bcrypt cost; zero means bcrypt.DefaultCost.
	Cost int
}

type Service struct {
	cfg      Config
	store    store.Store
	accounts *market.AccountRegistry
	logger   *zap.Logger
	now      func() time.Time
}

func New(cfg *Config, st store.Store, accounts *market.AccountRegistry, logger *zap.Logger) *Service {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = DefaultTokenTTL
	}
	if c.Cost == 0 {
		c.Cost = bcrypt.DefaultCost
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{cfg: c, store: st, accounts: accounts, logger: logger, now: time.Now}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func validatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return market.Errorf(market.KindBadInput, "password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > maxPasswordBytes {
		return market.Errorf(market.KindBadInput, "password must be at most %d bytes", maxPasswordBytes)
	}
	return nil
}

// Register creates a new account with a bcrypt password hash.
func (s *Service) Register(ctx context.Context, username, password string) (*market.Account, error) {
	username = strings.TrimSpace(username)
	if err := market.ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.Cost)
	if err != nil {
		return nil, market.Internal("hash password", err)
	}

	acct := &market.Account{
		Username:     username,
		PasswordHash: string(hash),
		CreatedOn:    s.now().Unix(),
	}
	if err := s.accounts.Create(ctx, acct); err != nil {
		return nil, err
	}

	s.logger.Info("account registered", zap.String("username", username))
	return acct, nil
}

// Login checks the password and issues a new token.
func (s *Service) Login(ctx context.Context, username, password string) (*Token, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, market.Errorf(market.KindBadInput, "username and password are required")
	}

	acct, err := s.accounts.Get(ctx, username)
	if market.KindOf(err) == market.KindNotFound {
		return nil, market.Errorf(market.KindUnauthorized, "invalid username or password")
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return nil, market.Errorf(market.KindUnauthorized, "invalid username or password")
	}

	now := s.now()
	tok := &Token{
		Value:     uuid.NewString(),
		Username:  acct.Username,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.cfg.TokenTTL).Unix(),
	}
	if err := store.PutJSON(ctx, s.store, store.TokenKey(tok.Value), tok); err != nil {
		return nil, market.Internal("save token", err)
	}

	s.logger.Info("token issued", zap.String("username", acct.Username))
	return tok, nil
}

// Authenticate resolves a token to its username. Expired tokens are removed.
func (s *Service) Authenticate(ctx context.Context, value string) (string, error) {
	if value == "" {
		return "", market.Errorf(market.KindUnauthorized, "missing token")
	}

	var tok Token
	err := store.GetJSON(ctx, s.store, store.TokenKey(value), &tok)
	if errors.Is(err, store.ErrNotFound) {
		return "", market.Errorf(market.KindUnauthorized, "invalid token")
	}
	if err != nil {
		return "", market.Internal("load token", err)
	}

	if tok.ExpiresAt <= s.now().Unix() {
		if _, err := s.store.Delete(ctx, store.TokenKey(value)); err != nil {
			s.logger.Warn("deleting expired token", zap.Error(err))
		}
		return "", market.Errorf(market.KindUnauthorized, "token expired")
	}
	return tok.Username, nil
}

// Logout revokes the token. Revoking an unknown token is not an error.
func (s *Service) Logout(ctx context.Context, value string) error {
	if _, err := s.store.Delete(ctx, store.TokenKey(value)); err != nil {
		return market.Internal("delete token", err)
	}
	return nil
}
