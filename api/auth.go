package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"board-hub/hub"
)

const defaultJWKSCacheTTL = 15 * time.Minute

// AuthConfig selects how tokens are verified. LocalMode "hs256" verifies
// with LocalSecret instead of the JWKS.
type AuthConfig struct {
	JWKS        *keyfunc.JWKS
	Audience    string
	Issuer      string
	LocalMode   string
	LocalSecret string
	KeyCacheTTL time.Duration
}

// Auth validates incoming JWT tokens.
type Auth struct {
	JWKS       *keyfunc.JWKS
	Audience   string
	Issuer     string
	TestMode   bool
	TestSecret []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates a new Auth instance.
func NewAuth(cfg AuthConfig) (*Auth, error) {
	a := &Auth{JWKS: cfg.JWKS, Audience: cfg.Audience, Issuer: cfg.Issuer, keyCacheTTL: cfg.KeyCacheTTL}
	if a.keyCacheTTL == 0 {
		a.keyCacheTTL = defaultJWKSCacheTTL
	}
	switch mode := strings.ToLower(cfg.LocalMode); mode {
	case "":
		if a.JWKS == nil {
			return nil, errors.New("jwks must be configured unless LOCAL_AUTH_MODE is set")
		}
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	case "hs256":
		if cfg.LocalSecret == "" {
			return nil, errors.New("LOCAL_AUTH_SHARED_SECRET must be set when LOCAL_AUTH_MODE=hs256")
		}
		a.TestMode = true
		a.TestSecret = []byte(cfg.LocalSecret)
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	default:
		return nil, fmt.Errorf("unsupported LOCAL_AUTH_MODE value %q", cfg.LocalMode)
	}
	return a, nil
}

// Authenticate resolves the actor of a connection handshake. The
// Authorization header wins over a token passed in the query string.
func (a *Auth) Authenticate(_ context.Context, hs hub.Handshake) (string, error) {
	if hs.AuthHeader != "" {
		return a.UserIDFromAuthHeader(hs.AuthHeader)
	}
	if hs.Token == "" {
		return "", errMissingAuthorization
	}
	return a.UserIDFromBearer(readOnlyBytes(hs.Token))
}

// UserIDFromAuthHeader extracts the user identifier from the Authorization header.
func (a *Auth) UserIDFromAuthHeader(h string) (string, error) {
	if h == "" {
		return "", errMissingAuthorization
	}
	token, err := bearerTokenFromString(h)
	if err != nil {
		return "", err
	}
	return a.UserIDFromBearer(token)
}

// UserIDFromBearer extracts the user identifier from a bearer token presented as raw bytes.
func (a *Auth) UserIDFromBearer(token []byte) (string, error) {
	if len(token) == 0 || countByte(token, '.') != 2 {
		return "", errBadAuthorization
	}

	tokenStr := readOnlyString(token)
	var parsedToken *jwt.Token
	var err error
	if a.TestMode {
		parsedToken, err = a.parser.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return a.TestSecret, nil
		})
	} else {
		parsedToken, err = a.parser.Parse(tokenStr, a.keyForToken)
	}
	if err != nil {
		return "", err
	}

	claims, ok := parsedToken.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	now := time.Now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return "", errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return "", errors.New("token not valid yet")
	}
	if !claims.VerifyIssuedAt(now, false) {
		return "", errors.New("token used before issued")
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, false) {
		return "", errors.New("invalid audience")
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, false) {
		return "", errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}

	if kid != "" && a.keyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}

// FetchJWKS loads the signing keys of an Auth0 tenant and keeps them refreshed.
func FetchJWKS(domain string, refresh time.Duration) (*keyfunc.JWKS, error) {
	url := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
	return keyfunc.Get(url, keyfunc.Options{
		RefreshInterval:   refresh,
		RefreshUnknownKID: true,
	})
}
