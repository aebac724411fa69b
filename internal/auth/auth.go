// Package auth authenticates admin operators.
//
// Authentication model:
// - Identity: HS256 bearer token issued by the identity provider; "sub" is the auth UID
// - Authorization: the auth UID must map to an active marketplace account with role admin
// - Step-up: sensitive operations additionally require a short-lived verify token
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mbd888/opscenter/internal/marketplace"
)

// Errors
var (
	ErrMissingToken = errors.New("authentication required")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrNotAdmin     = errors.New("admin access required")
	ErrLookupFailed = errors.New("failed to resolve account role")
)

// Claims is the subset of identity-provider claims the ops center reads.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 identity tokens.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier creates a verifier. An empty issuer disables the iss check.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Verify parses and validates raw, returning its claims.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Sign issues a token for subject. Used by tests and local tooling; in
// production tokens come from the identity provider.
func (v *Verifier) Sign(subject, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Principal is an authenticated operator.
type Principal struct {
	UID    string `json:"uid"`
	UserID int64  `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

// IsAdmin reports whether the principal holds the admin role.
func (p *Principal) IsAdmin() bool {
	return p != nil && p.Role == marketplace.RoleAdmin
}

// AccountLookup resolves an auth UID to its marketplace account.
type AccountLookup interface {
	UserByAuthUID(ctx context.Context, authUID string) (*marketplace.User, error)
}

// Authenticator turns a bearer token into an admin principal.
type Authenticator struct {
	verifier *Verifier
	accounts AccountLookup
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(verifier *Verifier, accounts AccountLookup) *Authenticator {
	return &Authenticator{verifier: verifier, accounts: accounts}
}

// Authenticate validates raw and checks the account's role. The returned
// error is one of ErrMissingToken, ErrInvalidToken, ErrLookupFailed or
// ErrNotAdmin (possibly wrapped).
func (a *Authenticator) Authenticate(ctx context.Context, raw string) (*Principal, error) {
	if raw == "" {
		return nil, ErrMissingToken
	}
	claims, err := a.verifier.Verify(raw)
	if err != nil {
		return nil, err
	}

	user, err := a.accounts.UserByAuthUID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, marketplace.ErrUserNotFound) {
			return nil, ErrNotAdmin
		}
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}

	p := &Principal{
		UID:    claims.Subject,
		UserID: user.ID,
		Name:   user.DisplayName(),
		Email:  claims.Email,
		Role:   user.Role,
	}
	if !user.IsActive || !p.IsAdmin() {
		return nil, ErrNotAdmin
	}
	return p, nil
}

// TokenFromRequest reads the bearer token from the Authorization header,
// falling back to the token query parameter used by EventSource clients.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	return r.URL.Query().Get("token")
}

// StatusFor maps an Authenticate error to an HTTP status and error code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrMissingToken), errors.Is(err, ErrInvalidToken):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, ErrNotAdmin):
		return http.StatusForbidden, "forbidden"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
