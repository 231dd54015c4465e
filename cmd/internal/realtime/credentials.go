package realtime

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials are the opaque bearer token plus the user identity sent as
// connection parameters.
type Credentials struct {
	Token  string
	UserID string
}

// CredentialProvider issues the current credentials. It is called before every
// dial so rotated tokens are picked up by reconnection attempts.
type CredentialProvider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// CredentialFunc adapts a function to CredentialProvider.
type CredentialFunc func(ctx context.Context) (Credentials, error)

// Credentials implements CredentialProvider.
func (f CredentialFunc) Credentials(ctx context.Context) (Credentials, error) { return f(ctx) }

// StaticCredentials always returns the same credentials.
type StaticCredentials Credentials

// Credentials implements CredentialProvider.
func (s StaticCredentials) Credentials(_ context.Context) (Credentials, error) {
	return Credentials(s), nil
}

// resolveCredentials fetches credentials and fills a missing user id from the
// token's subject claim.
func resolveCredentials(ctx context.Context, p CredentialProvider) (Credentials, error) {
	if p == nil {
		return Credentials{}, errors.New("realtime: nil credential provider")
	}
	c, err := p.Credentials(ctx)
	if err != nil {
		return Credentials{}, err
	}
	c.Token = strings.TrimSpace(c.Token)
	c.UserID = strings.TrimSpace(c.UserID)
	if c.UserID == "" {
		c.UserID = subjectFromToken(c.Token)
	}
	return c, nil
}

// subjectFromToken reads "sub" without verifying the signature. The token is
// opaque to the client and verification happens server-side.
func subjectFromToken(token string) string {
	if token == "" || strings.Count(token, ".") != 2 {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}
