// Package auth validates the bearer tokens that guard the agent's control API.
// Tokens are HS256 JWTs signed with a secret shared with the PWA shell.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformed     = errors.New("malformed token")
	ErrExpired       = errors.New("token expired")
	ErrInvalidIssuer = errors.New("invalid issuer")
	ErrInvalid       = errors.New("invalid token")
)

// Claims are the claims the control API relies on.
type Claims struct {
	Subject   string
	Issuer    string
	ExpiresAt time.Time
}

// Verifier checks control API tokens.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier returns a verifier for tokens signed with secret. When issuer is
// non-empty the iss claim must match it.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Validate parses and verifies tokenString.
func (v *Verifier) Validate(tokenString string) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var rc jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &rc, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	switch {
	case err == nil && token.Valid:
	case errors.Is(err, jwt.ErrTokenMalformed):
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return Claims{}, ErrExpired
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return Claims{}, ErrInvalidIssuer
	default:
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if rc.Subject == "" {
		return Claims{}, fmt.Errorf("%w: missing sub claim", ErrInvalid)
	}
	c := Claims{Subject: rc.Subject, Issuer: rc.Issuer}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time
	}
	return c, nil
}

// Issue signs a token for subject valid for ttl.
func (v *Verifier) Issue(subject string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
