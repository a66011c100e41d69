// ABOUTME: HS256 service tokens for calls from the editor host to the agent backend
// ABOUTME: Signs short-lived bearer tokens, caches them until near expiry, and verifies them

package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrNoSecret     = errors.New("signing secret is empty")
)

// refreshSkew is how long before expiry a cached token is replaced.
const refreshSkew = 30 * time.Second

// TokenSource yields a bearer token for outbound requests.
type TokenSource interface {
	Token() (string, error)
}

// JWTSigner issues HS256 tokens for a fixed subject.
type JWTSigner struct {
	secret  []byte
	subject string
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	cached  string
	expires time.Time
}

// NewJWTSigner creates a signer. ttl below one minute is raised to one minute.
func NewJWTSigner(secret []byte, subject string, ttl time.Duration) (*JWTSigner, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return &JWTSigner{secret: secret, subject: subject, ttl: ttl, now: time.Now}, nil
}

// Token returns a valid token, reusing the cached one until it nears expiry.
func (s *JWTSigner) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.cached != "" && now.Add(refreshSkew).Before(s.expires) {
		return s.cached, nil
	}

	token, err := s.Generate(s.subject, s.ttl)
	if err != nil {
		return "", err
	}
	s.cached = token
	s.expires = now.Add(s.ttl)
	return token, nil
}

// Generate signs a token for subject that expires after expiresIn.
func (s *JWTSigner) Generate(subject string, expiresIn time.Duration) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify validates tokenString and returns its "sub" claim.
func (s *JWTSigner) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return sub, nil
}
