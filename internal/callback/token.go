package callback

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	TokenQueryParameter = "token"
	tokenIssuer         = "paygate-callback"
	tokenSubject        = "mpesa"
)

// TokenAuthority signs and verifies the token carried in the callback URL.
type TokenAuthority struct {
	signingKey []byte
}

// NewTokenAuthority returns nil for an empty secret, which leaves callbacks unauthenticated.
func NewTokenAuthority(secret string) *TokenAuthority {
	if strings.TrimSpace(secret) == "" {
		return nil
	}
	return &TokenAuthority{signingKey: []byte(secret)}
}

// Sign issues an HS256 token.
func (authority *TokenAuthority) Sign(issuedAt time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:   tokenIssuer,
		Subject:  tokenSubject,
		IssuedAt: jwt.NewNumericDate(issuedAt),
	})
	signed, err := token.SignedString(authority.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign callback token: %w", err)
	}
	return signed, nil
}

// DecorateURL appends a freshly signed token to rawURL.
func (authority *TokenAuthority) DecorateURL(rawURL string, issuedAt time.Time) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse callback url: %w", err)
	}
	token, err := authority.Sign(issuedAt)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Set(TokenQueryParameter, token)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// Verify accepts only HS256 tokens signed with the configured secret and issuer.
func (authority *TokenAuthority) Verify(rawToken string) error {
	if rawToken == "" {
		return fmt.Errorf("%w: missing token", ErrCallbackUnauthorized)
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (interface{}, error) {
		return authority.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithSubject(tokenSubject),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCallbackUnauthorized, err)
	}
	return nil
}
