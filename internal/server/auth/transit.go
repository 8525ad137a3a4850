package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/peertransit/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

// SecretLookup returns the connection shared secret this host holds for
// a remote identity.
type SecretLookup func(identity string) ([]byte, error)

// GenerateTransitToken signs a token asserting that sender is calling
// recipient. It is signed with the connection's shared secret, which only
// the two hosts hold.
func GenerateTransitToken(sender, recipient string, sharedSecret []byte, validityDuration time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    sender,
		Audience:  jwt.ClaimStrings{recipient},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(validityDuration)),
	})
	return token.SignedString(sharedSecret)
}

// VerifyTransitToken checks a transit token addressed to self and returns
// the calling identity. The signing secret is looked up by the token's
// issuer.
func VerifyTransitToken(tokenString, self string, lookup SecretLookup) (string, error) {
	claims := &jwt.RegisteredClaims{}

	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		c, ok := t.Claims.(*jwt.RegisteredClaims)
		if !ok || c.Issuer == "" {
			return nil, common.ErrInvalidToken
		}
		return lookup(c.Issuer)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(self),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", common.ErrTokenExpired
		}
		return "", fmt.Errorf("%w: %v", common.ErrInvalidToken, err)
	}

	return claims.Issuer, nil
}
