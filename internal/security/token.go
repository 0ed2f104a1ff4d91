package security

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/router-for-me/ChatRelay/internal/apperror"
)

// TokenClaims binds an identity to the client environment it was issued for.
type TokenClaims struct {
	UserID      uint64 `json:"uid"`
	Environment string `json:"env"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies bearer tokens with a server-held secret.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	nowFn  func() time.Time
}

// NewTokens constructs a token issuer. nowFn defaults to time.Now.
func NewTokens(secret string, ttl time.Duration, nowFn func() time.Time) *Tokens {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, nowFn: nowFn}
}

// Issue signs a token for userID valid for environment until now+ttl.
func (t *Tokens) Issue(userID uint64, environment string) (string, error) {
	now := t.nowFn()
	claims := TokenClaims{
		UserID:      userID,
		Environment: environment,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, errSign := token.SignedString(t.secret)
	if errSign != nil {
		return "", fmt.Errorf("security: sign token: %w", errSign)
	}
	return signed, nil
}

// Verify decodes token and checks expiry, then the environment fingerprint.
func (t *Tokens) Verify(token, environment string) (*TokenClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperror.New(apperror.CodeInvalidToken, "empty token")
	}
	claims := &TokenClaims{}
	_, errParse := jwt.ParseWithClaims(token, claims, func(parsed *jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.nowFn),
		jwt.WithExpirationRequired(),
	)
	if errParse != nil {
		if errors.Is(errParse, jwt.ErrTokenExpired) {
			return nil, apperror.New(apperror.CodeTokenExpired, "token expired")
		}
		return nil, apperror.Wrap(apperror.CodeInvalidToken, "invalid token", errParse)
	}
	if claims.UserID == 0 {
		return nil, apperror.New(apperror.CodeInvalidToken, "token has no identity")
	}
	if claims.Environment != environment {
		return nil, apperror.New(apperror.CodeEnvironmentMismatch, "token was issued for another client environment")
	}
	return claims, nil
}
