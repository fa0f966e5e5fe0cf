// Package auth signs teachers in through the Cognito hosted UI and guards
// the API with locally issued session tokens.
package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"coteacher/internal/logging"
	"coteacher/internal/redis"
)

const tokenCachePrefix = "auth:token:"

var (
	ErrTokenRequired = errors.New("token required")
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
)

// Service issues, validates, and revokes teacher session tokens. Tokens live
// in SQL; Redis, when present, caches token to teacher lookups.
type Service struct {
	db             *sql.DB
	cache          *redis.Client
	tokenTTL       time.Duration
	cookieName     string
	headerName     string
	csrfCookieName string
	csrfHeaderName string
	now            func() time.Time
	logger         *slog.Logger
}

// NewService constructs an auth service with the supplied token lifetime.
// cache may be nil.
func NewService(db *sql.DB, cache *redis.Client, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		db:             db,
		cache:          cache,
		tokenTTL:       ttl,
		cookieName:     "auth_token",
		headerName:     "Authorization",
		csrfCookieName: "csrf_token",
		csrfHeaderName: "X-CSRF-Token",
		now:            func() time.Time { return time.Now().UTC() },
		logger:         logging.OrDefault(logger).With("component", "auth"),
	}
}

// IssueToken mints a new random token for the teacher and persists it.
func (s *Service) IssueToken(ctx context.Context, teacherID string) (string, error) {
	if teacherID == "" {
		return "", errors.New("invalid teacher id")
	}
	now := s.now()
	expiresAt := now.Add(s.tokenTTL)
	for i := 0; i < 5; i++ {
		token, err := generateToken()
		if err != nil {
			return "", err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO teacher_tokens (token, teacher_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
			token, teacherID, now, expiresAt,
		)
		if err == nil {
			s.cacheToken(ctx, token, teacherID, s.tokenTTL)
			return token, nil
		}
	}
	return "", errors.New("could not issue token")
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() (string, error) {
	return generateToken()
}

// ValidateToken verifies the token exists and has not expired, returning the teacher id.
func (s *Service) ValidateToken(ctx context.Context, authToken string) (string, error) {
	if authToken == "" {
		return "", ErrTokenRequired
	}
	if teacherID, err := s.cache.Get(ctx, tokenCachePrefix+authToken); err == nil && teacherID != "" {
		return teacherID, nil
	}

	var (
		teacherID string
		expires   time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT teacher_id, expires_at FROM teacher_tokens WHERE token = ?`, authToken,
	).Scan(&teacherID, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("lookup token: %w", err)
	}
	now := s.now()
	if now.After(expires) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM teacher_tokens WHERE token = ?`, authToken)
		return "", ErrTokenExpired
	}
	s.cacheToken(ctx, authToken, teacherID, expires.Sub(now))
	return teacherID, nil
}

// RevokeToken deletes a single token.
func (s *Service) RevokeToken(ctx context.Context, authToken string) error {
	if authToken == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM teacher_tokens WHERE token = ?`, authToken); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	s.uncacheTokens(ctx, authToken)
	return nil
}

// RevokeTeacherTokens removes all tokens belonging to the teacher.
func (s *Service) RevokeTeacherTokens(ctx context.Context, teacherID string) error {
	if teacherID == "" {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT token FROM teacher_tokens WHERE teacher_id = ?`, teacherID)
	if err != nil {
		return fmt.Errorf("list teacher tokens: %w", err)
	}
	var tokens []string
	for rows.Next() {
		var tok string
		if err := rows.Scan(&tok); err != nil {
			rows.Close()
			return fmt.Errorf("scan teacher token: %w", err)
		}
		tokens = append(tokens, tok)
	}
	rows.Close()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM teacher_tokens WHERE teacher_id = ?`, teacherID); err != nil {
		return fmt.Errorf("revoke teacher tokens: %w", err)
	}
	s.uncacheTokens(ctx, tokens...)
	return nil
}

func (s *Service) cacheToken(ctx context.Context, token, teacherID string, ttl time.Duration) {
	if s.cache == nil || ttl <= 0 {
		return
	}
	if err := s.cache.Set(ctx, tokenCachePrefix+token, teacherID, ttl); err != nil {
		s.logger.Warn("cache token failed", "error", err)
	}
}

func (s *Service) uncacheTokens(ctx context.Context, tokens ...string) {
	if s.cache == nil || len(tokens) == 0 {
		return
	}
	keys := make([]string, len(tokens))
	for i, tok := range tokens {
		keys[i] = tokenCachePrefix + tok
	}
	if err := s.cache.Del(ctx, keys...); err != nil {
		s.logger.Warn("uncache tokens failed", "error", err)
	}
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// AuthCookieName returns the cookie name storing auth tokens.
func (s *Service) AuthCookieName() string {
	return s.cookieName
}

func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}

func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}
