package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"board-sync/domain"
)

// clockSkew is how close to expiry a token may be and still be rejected.
const clockSkew = time.Minute

// Identity is the authenticated caller.
type Identity struct {
	UserID      string
	DisplayName string
}

// AuthOptions selects how tokens are verified. LocalMode "hs256" verifies
// with LocalSecret instead of the JWKS, for development and tests.
type AuthOptions struct {
	Audience    string
	Issuer      string
	LocalMode   string
	LocalSecret string
}

// Auth verifies bearer tokens issued by the identity provider.
type Auth struct {
	jwks     *keyfunc.JWKS
	audience string
	issuer   string
	parser   *jwt.Parser
	keys     jwt.Keyfunc
}

type tokenClaims struct {
	Name              string `json:"name,omitempty"`
	Nickname          string `json:"nickname,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Email             string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

func (c *tokenClaims) displayName() string {
	for _, v := range []string{c.Name, c.Nickname, c.PreferredUsername, c.Email} {
		if v != "" {
			return v
		}
	}
	return c.Subject
}

func NewAuth(jwks *keyfunc.JWKS, opts AuthOptions) (*Auth, error) {
	a := &Auth{jwks: jwks, audience: opts.Audience, issuer: opts.Issuer}

	switch mode := strings.ToLower(opts.LocalMode); mode {
	case "":
		if jwks == nil {
			return nil, errors.New("auth: jwks is required unless a local mode is set")
		}
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
		a.keys = jwks.Keyfunc
	case "hs256":
		if opts.LocalSecret == "" {
			return nil, errors.New("auth: LOCAL_AUTH_SHARED_SECRET must be set when LOCAL_AUTH_MODE=hs256")
		}
		secret := []byte(opts.LocalSecret)
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
		a.keys = func(*jwt.Token) (any, error) { return secret, nil }
	default:
		return nil, fmt.Errorf("auth: unsupported LOCAL_AUTH_MODE %q", mode)
	}
	return a, nil
}

// Close stops the background JWKS refresh.
func (a *Auth) Close() {
	if a.jwks != nil {
		a.jwks.EndBackground()
	}
}

// IdentityFromAuthHeader authenticates the caller from an Authorization header value.
func (a *Auth) IdentityFromAuthHeader(h string) (Identity, error) {
	token, err := bearerToken(h)
	if err != nil {
		return Identity{}, err
	}

	var claims tokenClaims
	if _, err := a.parser.ParseWithClaims(token, &claims, a.keys); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
	}
	if err := a.verify(&claims, time.Now()); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
	}
	return Identity{UserID: claims.Subject, DisplayName: claims.displayName()}, nil
}

func (a *Auth) verify(c *tokenClaims, now time.Time) error {
	switch {
	case c.ExpiresAt == nil:
		return errors.New("missing exp")
	case !c.VerifyExpiresAt(now.Add(clockSkew), true):
		return errors.New("token expired")
	case a.audience != "" && !c.VerifyAudience(a.audience, true):
		return errors.New("invalid audience")
	case a.issuer != "" && !c.VerifyIssuer(a.issuer, true):
		return errors.New("invalid issuer")
	case c.Subject == "":
		return errors.New("missing sub")
	}
	return nil
}
