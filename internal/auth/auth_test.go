package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/opscenter/internal/marketplace"
)

const testSecret = "test-secret-that-is-long-enough-for-hs256"

func setupAuth(t *testing.T) (*Authenticator, *Verifier, *marketplace.MemorySource) {
	t.Helper()
	src := marketplace.NewMemorySource()
	src.AddUser(marketplace.User{AuthUID: "admin-1", Name: "Asha", Role: marketplace.RoleAdmin, IsActive: true})
	src.AddUser(marketplace.User{AuthUID: "cust-1", Name: "Ravi", Role: marketplace.RoleCustomer, IsActive: true})
	src.AddUser(marketplace.User{AuthUID: "admin-off", Phone: "+100", Role: marketplace.RoleAdmin, IsActive: false})

	v := NewVerifier(testSecret, "")
	return NewAuthenticator(v, src), v, src
}

func TestVerifier_RoundTrip(t *testing.T) {
	v := NewVerifier(testSecret, "issuer-a")
	tok, err := v.Sign("uid-1", "a@example.com", time.Minute)
	require.NoError(t, err)

	claims, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "uid-1", claims.Subject)
	assert.Equal(t, "a@example.com", claims.Email)
}

func TestVerifier_RejectsWrongSecretAndIssuer(t *testing.T) {
	tok, err := NewVerifier("other-secret-other-secret-other-secret", "").Sign("uid-1", "", time.Minute)
	require.NoError(t, err)
	_, err = NewVerifier(testSecret, "").Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	tok, err = NewVerifier(testSecret, "issuer-b").Sign("uid-1", "", time.Minute)
	require.NoError(t, err)
	_, err = NewVerifier(testSecret, "issuer-a").Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_RejectsExpiredAndNoneAlg(t *testing.T) {
	v := NewVerifier(testSecret, "")
	tok, err := v.Sign("uid-1", "", -time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "uid-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticate(t *testing.T) {
	a, v, _ := setupAuth(t)
	ctx := context.Background()

	sign := func(uid string) string {
		tok, err := v.Sign(uid, "", time.Minute)
		require.NoError(t, err)
		return tok
	}

	p, err := a.Authenticate(ctx, sign("admin-1"))
	require.NoError(t, err)
	assert.Equal(t, "admin-1", p.UID)
	assert.Equal(t, "Asha", p.Name)
	assert.True(t, p.IsAdmin())

	_, err = a.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = a.Authenticate(ctx, "garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = a.Authenticate(ctx, sign("cust-1"))
	assert.ErrorIs(t, err, ErrNotAdmin)

	_, err = a.Authenticate(ctx, sign("admin-off"))
	assert.ErrorIs(t, err, ErrNotAdmin)

	_, err = a.Authenticate(ctx, sign("nobody"))
	assert.ErrorIs(t, err, ErrNotAdmin)
}

func TestAuthenticate_LookupFailure(t *testing.T) {
	a, v, src := setupAuth(t)
	tok, err := v.Sign("admin-1", "", time.Minute)
	require.NoError(t, err)

	src.FailWith(errors.New("connection refused"))
	_, err = a.Authenticate(context.Background(), tok)
	assert.ErrorIs(t, err, ErrLookupFailed)

	status, _ := StatusFor(err)
	assert.Equal(t, http.StatusInternalServerError, status)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrMissingToken, http.StatusUnauthorized},
		{ErrInvalidToken, http.StatusUnauthorized},
		{ErrNotAdmin, http.StatusForbidden},
		{ErrLookupFailed, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		got, _ := StatusFor(tc.err)
		assert.Equal(t, tc.want, got, tc.err.Error())
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/admin/sse?token=from-query", nil)
	assert.Equal(t, "from-query", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", TokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "", TokenFromRequest(r))
}
