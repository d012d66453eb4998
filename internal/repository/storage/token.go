package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jaennil/guide_helper/media/internal/entity"
)

const tokenIssuer = "guide-helper-media"

// blobClaims is the payload of a local presign token.
type blobClaims struct {
	jwt.RegisteredClaims
	Key         string `json:"key"`
	Method      string `json:"method"`
	ContentType string `json:"content_type,omitempty"`
}

type tokenSigner struct {
	secret []byte
	now    func() time.Time
}

func newTokenSigner(secret []byte) *tokenSigner {
	return &tokenSigner{secret: secret, now: time.Now}
}

func (s *tokenSigner) sign(key, method, contentType string, ttl time.Duration) (string, time.Time, error) {
	now := s.now().UTC()
	exp := now.Add(ttl)
	claims := blobClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Key:         key,
		Method:      method,
		ContentType: contentType,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign blob token: %w", err)
	}
	return token, exp, nil
}

func (s *tokenSigner) verify(token string) (*blobClaims, error) {
	var claims blobClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("blob token expired: %w", entity.ErrInvalidToken)
		}
		return nil, fmt.Errorf("blob token: %v: %w", err, entity.ErrInvalidToken)
	}
	return &claims, nil
}
