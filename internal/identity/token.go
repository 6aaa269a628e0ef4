package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenProvider reads an OIDC ID token from a literal value or a file and
// derives the user and roles from its claims.
type TokenProvider struct {
	token     string
	tokenFile string
	now       func() time.Time
}

var _ Provider = (*TokenProvider)(nil)

// NewTokenProvider prefers the literal token over the file.
func NewTokenProvider(token, tokenFile string) *TokenProvider {
	return &TokenProvider{
		token:     strings.TrimSpace(token),
		tokenFile: tokenFile,
		now:       time.Now,
	}
}

func (p *TokenProvider) EnsureAuthenticated(ctx context.Context) error {
	_, err := p.claims()
	return err
}

func (p *TokenProvider) User(ctx context.Context) (*User, error) {
	claims, err := p.claims()
	if err != nil {
		return nil, err
	}
	u := &User{}
	u.Subject, _ = claims["sub"].(string)
	u.Email, _ = claims["email"].(string)
	for _, key := range []string{"name", "preferred_username", "nickname"} {
		if v, ok := claims[key].(string); ok && v != "" {
			u.Name = v
			break
		}
	}
	return u, nil
}

func (p *TokenProvider) Roles(ctx context.Context) (RoleSet, error) {
	claims, err := p.claims()
	if err != nil {
		return nil, err
	}
	return RolesFromClaims(claims), nil
}

func (p *TokenProvider) raw() (string, error) {
	if p.token != "" {
		return p.token, nil
	}
	if p.tokenFile == "" {
		return "", ErrUnauthenticated
	}
	data, err := os.ReadFile(p.tokenFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrUnauthenticated
		}
		return "", fmt.Errorf("identity: read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrUnauthenticated
	}
	return token, nil
}

func (p *TokenProvider) claims() (jwt.MapClaims, error) {
	raw, err := p.raw()
	if err != nil {
		return nil, err
	}
	return DecodeClaims(raw, p.now())
}

// DecodeClaims parses a JWT without verifying its signature and rejects it
// once expired.
func DecodeClaims(raw string, now time.Time) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: malformed token: %v", ErrUnauthenticated, err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if exp != nil && !now.Before(exp.Time) {
		return nil, fmt.Errorf("%w: token expired at %s", ErrUnauthenticated, exp.Time.UTC().Format(time.RFC3339))
	}
	return claims, nil
}

// SaveToken validates raw and stores it for later sessions.
func SaveToken(path, raw string, now time.Time) (jwt.MapClaims, error) {
	raw = strings.TrimSpace(raw)
	claims, err := DecodeClaims(raw, now)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("identity: ensure token directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(raw+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("identity: write token: %w", err)
	}
	return claims, nil
}
