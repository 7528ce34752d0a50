package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const refreshSecretBytes = 32 // 256 bits of entropy

// Claims are the access-token claims. Access tokens are self-verifying so any
// stateless node can authenticate a request without a ledger round-trip.
type Claims struct {
	Email     string `json:"email"`
	Role      string `json:"role"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenCodec signs and verifies access tokens and generates opaque refresh
// tokens. The signing key is process-wide configuration loaded once at
// startup; an optional previous key is accepted for verification so a key
// roll does not instantly invalidate the whole fleet.
type TokenCodec struct {
	key       []byte
	prevKey   []byte
	issuer    string
	accessTTL time.Duration
	now       func() time.Time
}

// NewTokenCodec constructs a codec. prevKey may be nil.
func NewTokenCodec(key, prevKey []byte, issuer string, accessTTL time.Duration, now func() time.Time) (*TokenCodec, error) {
	if len(key) == 0 {
		return nil, errors.New("auth: signing key is required")
	}
	if accessTTL <= 0 {
		return nil, errors.New("auth: access token TTL must be positive")
	}
	if now == nil {
		now = time.Now
	}
	return &TokenCodec{key: key, prevKey: prevKey, issuer: issuer, accessTTL: accessTTL, now: now}, nil
}

// IssueAccess signs an HS256 access token carrying the identity's current
// id, email, and effective role.
func (c *TokenCodec) IssueAccess(id *Identity) (string, time.Time, error) {
	now := c.now().UTC()
	exp := now.Add(c.accessTTL)
	claims := Claims{
		Email:     id.Email,
		Role:      id.EffectiveRole().String(),
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   id.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// VerifyAccess validates the signature, expiry, and shape of an access token
// and returns the decoded claims. Expired tokens are rejected with no grace
// window.
func (c *TokenCodec) VerifyAccess(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenMalformed
	}
	claims, err := c.parseWith(token, c.key)
	if err != nil && errors.Is(err, ErrTokenSignature) && len(c.prevKey) > 0 {
		claims, err = c.parseWith(token, c.prevKey)
	}
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (c *TokenCodec) parseWith(token string, key []byte) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrTokenSignature
		}
		return key, nil
	}, jwt.WithTimeFunc(c.now), jwt.WithExpirationRequired())
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrTokenSignature
		default:
			return nil, ErrTokenMalformed
		}
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenMalformed
	}
	if err := c.validateClaims(claims); err != nil {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

func (c *TokenCodec) validateClaims(claims *Claims) error {
	if c.issuer != "" && claims.Issuer != c.issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.TokenType != "access" {
		return errors.New("not an access token")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}

// NewRefreshToken produces an opaque high-entropy secret. It carries no claim
// data; it is only a lookup key into the session ledger and is never decoded.
func NewRefreshToken() (string, error) {
	buf := make([]byte, refreshSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashRefreshToken derives the deterministic one-way ledger key for a raw
// refresh token. SHA-256 is deliberate here: lookups need a fast hash, the
// slow bcrypt hash is reserved for passwords.
func HashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
