package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/famtask/internal/apperr"
	"github.com/golang-jwt/jwt/v5"
)

// JWTGateway issues and verifies HS256 bearer tokens whose subject is the
// member id.
type JWTGateway struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewJWTGateway(secret, issuer string) *JWTGateway {
	return &JWTGateway{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Issue signs a token for memberID valid for ttl.
func (g *JWTGateway) Issue(memberID string, ttl time.Duration) (string, error) {
	now := g.now()
	claims := jwt.RegisteredClaims{
		Subject:   memberID,
		Issuer:    g.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, expiry and issuer and returns the subject.
func (g *JWTGateway) Verify(tokenString string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims,
		func(t *jwt.Token) (any, error) { return g.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(g.issuer),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", apperr.ErrAuthenticationRequired, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: %w", apperr.ErrAuthenticationRequired, errors.New("token has no subject"))
	}
	return claims.Subject, nil
}
