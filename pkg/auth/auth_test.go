package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://issuer.test"
	testAudience = "fractal-api"
)

type testIdentity struct {
	key     *rsa.PrivateKey
	jwksURL string
	server  *httptest.Server
}

func newTestIdentity(t *testing.T) *testIdentity {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pub, err := jwk.FromRaw(&key.PublicKey)
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, "test-key"))
	require.NoError(t, pub.Set(jwk.AlgorithmKey, jwa.RS256))
	keyset := jwk.NewSet()
	require.NoError(t, keyset.AddKey(pub))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(keyset)
	}))
	t.Cleanup(server.Close)

	return &testIdentity{key: key, jwksURL: server.URL, server: server}
}

func (ti *testIdentity) sign(t *testing.T, mutate func(jwt.Token)) string {
	t.Helper()

	token := jwt.New()
	require.NoError(t, token.Set(jwt.IssuerKey, testIssuer))
	require.NoError(t, token.Set(jwt.AudienceKey, testAudience))
	require.NoError(t, token.Set(jwt.SubjectKey, "user-1"))
	require.NoError(t, token.Set(jwt.IssuedAtKey, time.Now()))
	require.NoError(t, token.Set(jwt.ExpirationKey, time.Now().Add(time.Hour)))
	if mutate != nil {
		mutate(token)
	}

	priv, err := jwk.FromRaw(ti.key)
	require.NoError(t, err)
	require.NoError(t, priv.Set(jwk.KeyIDKey, "test-key"))

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, priv))
	require.NoError(t, err)
	return string(signed)
}

func newTestValidator(t *testing.T, ti *testIdentity) *Validator {
	t.Helper()
	v, err := NewValidator(context.Background(), ti.jwksURL, testIssuer, testAudience)
	require.NoError(t, err)
	return v
}

func TestValidateToken(t *testing.T) {
	ti := newTestIdentity(t)
	v := newTestValidator(t, ti)

	raw := ti.sign(t, func(tok jwt.Token) {
		_ = tok.Set("email", "user@example.com")
		_ = tok.Set("role", "admin")
		_ = tok.Set("team", "platform")
	})

	claims, err := v.ValidateToken(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "user@example.com", claims.Email)
	assert.Equal(t, "admin", claims.Role)
	assert.Equal(t, "platform", claims.Custom["team"])
}

func TestValidateTokenRejections(t *testing.T) {
	ti := newTestIdentity(t)
	v := newTestValidator(t, ti)

	tests := []struct {
		name   string
		mutate func(jwt.Token)
	}{
		{"expired", func(tok jwt.Token) {
			_ = tok.Set(jwt.ExpirationKey, time.Now().Add(-time.Hour))
		}},
		{"wrong issuer", func(tok jwt.Token) {
			_ = tok.Set(jwt.IssuerKey, "https://other.test")
		}},
		{"wrong audience", func(tok jwt.Token) {
			_ = tok.Set(jwt.AudienceKey, "other-api")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ValidateToken(context.Background(), ti.sign(t, tt.mutate))
			assert.Error(t, err)
		})
	}

	t.Run("garbage", func(t *testing.T) {
		_, err := v.ValidateToken(context.Background(), "not-a-token")
		assert.Error(t, err)
	})

	t.Run("unknown signing key", func(t *testing.T) {
		other := newTestIdentity(t)
		_, err := v.ValidateToken(context.Background(), other.sign(t, nil))
		assert.Error(t, err)
	})
}

func TestMiddleware(t *testing.T) {
	ti := newTestIdentity(t)
	v := newTestValidator(t, ti)

	var gotClaims *Claims
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/agents", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
		req.Header.Set("Authorization", "Token abc")
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
		req.Header.Set("Authorization", "Bearer "+ti.sign(t, nil))
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, gotClaims)
		assert.Equal(t, "user-1", gotClaims.Subject)
	})
}

func TestRequireRole(t *testing.T) {
	ti := newTestIdentity(t)
	v := newTestValidator(t, ti)

	handler := RequireRole(v, "admin", "operator")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("allowed role", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
		req.Header.Set("Authorization", "Bearer "+ti.sign(t, func(tok jwt.Token) {
			_ = tok.Set("role", "operator")
		}))
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("denied role", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
		req.Header.Set("Authorization", "Bearer "+ti.sign(t, func(tok jwt.Token) {
			_ = tok.Set("role", "viewer")
		}))
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}
