// Package authn issues and checks actor session tokens. Actors exchange an
// API secret (stored as a bcrypt hash) for a short-lived HMAC-signed JWT.
package authn

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var ErrUnauthorized = errors.New("unauthorized")

const issuer = "esign"

type Claims struct {
	ActorID string `json:"actor_id"`
	jwt.RegisteredClaims
}

type Sessions struct {
	Key []byte
	TTL time.Duration
	Now func() time.Time
}

func NewSessions(key string, ttl time.Duration) *Sessions {
	return &Sessions{Key: []byte(key), TTL: ttl, Now: time.Now}
}

// Issue returns a signed token for actorID and its expiry.
func (s *Sessions) Issue(actorID string) (string, time.Time, error) {
	if strings.TrimSpace(actorID) == "" {
		return "", time.Time{}, fmt.Errorf("actor id is required")
	}
	now := s.Now().UTC()
	exp := now.Add(s.TTL)
	claims := Claims{
		ActorID: actorID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Key)
	if err != nil {
		return "", time.Time{}, err
	}
	return tok, exp, nil
}

// Authenticate checks an Authorization header and returns the actor id.
func (s *Sessions) Authenticate(authorization string) (string, error) {
	raw, ok := parseBearerToken(authorization)
	if !ok {
		return "", ErrUnauthorized
	}
	var claims Claims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.Key, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired(), jwt.WithTimeFunc(s.Now))
	if err != nil || !tok.Valid {
		return "", ErrUnauthorized
	}
	if claims.ActorID == "" || claims.ActorID != claims.Subject {
		return "", ErrUnauthorized
	}
	return claims.ActorID, nil
}

func HashSecret(secret string) (string, error) {
	if len(secret) < 12 {
		return "", fmt.Errorf("secret must be at least 12 characters")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func CheckSecret(hash, secret string) error {
	if hash == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) != nil {
		return ErrUnauthorized
	}
	return nil
}

func parseBearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}
