// Package auth implements the wallet gate: a single-use challenge is signed
// by the wallet's key and exchanged for a short-lived session token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
	"github.com/tutorhub/tutor-ledger/pkg/logger"
)

// ChallengeStore keeps issued nonces until they are redeemed or expire.
// Consume must remove the nonce so it can be redeemed at most once.
type ChallengeStore interface {
	Save(ctx context.Context, nonce string, wallet identity.PublicKey, ttl time.Duration) error
	Consume(ctx context.Context, nonce string) (identity.PublicKey, error)
}

// Config configures the Service.
type Config struct {
	Secret       string
	Issuer       string
	TokenTTL     time.Duration
	ChallengeTTL time.Duration
}

// DefaultConfig returns defaults around secret.
func DefaultConfig(secret string) Config {
	return Config{
		Secret:       secret,
		Issuer:       "tutor-ledger",
		TokenTTL:     24 * time.Hour,
		ChallengeTTL: 5 * time.Minute,
	}
}

// Challenge is the message a wallet must sign to sign in.
type Challenge struct {
	Nonce     string             `json:"nonce"`
	Wallet    identity.PublicKey `json:"wallet"`
	Message   string             `json:"message"`
	ExpiresAt time.Time          `json:"expires_at"`
}

// Session is an issued session token.
type Session struct {
	Token     string             `json:"token"`
	Wallet    identity.PublicKey `json:"wallet"`
	ExpiresAt time.Time          `json:"expires_at"`
}

// Claims are the session token claims; the subject is the wallet.
type Claims struct {
	jwt.RegisteredClaims
}

// Service issues challenges and session tokens.
type Service struct {
	store ChallengeStore
	cfg   Config
	log   *logger.Logger
	now   func() time.Time
}

// NewService creates a Service. The secret must be non-empty.
func NewService(store ChallengeStore, cfg Config, log *logger.Logger) (*Service, error) {
	if cfg.Secret == "" {
		return nil, shared.NewDomainError("auth", "NewService", shared.ErrInvalidInput, "token secret is required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 5 * time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		store: store,
		cfg:   cfg,
		log:   log.With(logger.Component("auth")),
		now:   time.Now,
	}, nil
}

// ChallengeMessage is the exact text a wallet signs for nonce.
func ChallengeMessage(wallet identity.PublicKey, nonce string) string {
	return fmt.Sprintf("Sign in to Tutor Ledger\nWallet: %s\nNonce: %s", wallet, nonce)
}

// Issue creates a challenge for wallet.
func (s *Service) Issue(ctx context.Context, wallet identity.PublicKey) (*Challenge, error) {
	if wallet.IsZero() {
		return nil, shared.NewDomainError("auth", "Issue", shared.ErrInvalidInput, "wallet is required")
	}
	nonce := uuid.NewString()
	if err := s.store.Save(ctx, nonce, wallet, s.cfg.ChallengeTTL); err != nil {
		return nil, fmt.Errorf("save challenge: %w", err)
	}
	return &Challenge{
		Nonce:     nonce,
		Wallet:    wallet,
		Message:   ChallengeMessage(wallet, nonce),
		ExpiresAt: s.now().Add(s.cfg.ChallengeTTL).UTC(),
	}, nil
}

// Verify redeems nonce with a signature over its challenge message and
// returns a session. The nonce is spent even when the signature is wrong.
func (s *Service) Verify(ctx context.Context, nonce string, sig identity.Signature) (*Session, error) {
	wallet, err := s.store.Consume(ctx, nonce)
	if err != nil {
		return nil, err
	}
	if !wallet.Verify([]byte(ChallengeMessage(wallet, nonce)), sig) {
		s.log.Warn("challenge signature rejected", logger.Owner(wallet.String()))
		return nil, shared.ErrInvalidSignature
	}
	return s.issueToken(wallet)
}

func (s *Service) issueToken(wallet identity.PublicKey) (*Session, error) {
	now := s.now()
	expires := now.Add(s.cfg.TokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   wallet.String(),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Session{Token: token, Wallet: wallet, ExpiresAt: expires.UTC()}, nil
}

// Authenticate validates a session token and returns its wallet.
func (s *Service) Authenticate(token string) (identity.PublicKey, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(s.cfg.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return identity.PublicKey{}, shared.WrapError("auth", "Authenticate", shared.ErrUnauthorized, "invalid or expired token",
			errors.Join(shared.ErrInvalidToken, err))
	}
	wallet, err := identity.ParsePublicKey(claims.Subject)
	if err != nil {
		return identity.PublicKey{}, shared.WrapError("auth", "Authenticate", shared.ErrUnauthorized, "token subject is not a wallet",
			errors.Join(shared.ErrInvalidToken, err))
	}
	return wallet, nil
}
