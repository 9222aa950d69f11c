package metadata

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keybridge-labs/authd/pkg/tokens"
	"github.com/keybridge-labs/authd/pkg/types"
)

func newTestEngine(t *testing.T) *tokens.Engine {
	t.Helper()
	privatePEM, publicPEM, err := tokens.GenerateKeyPair(2048)
	require.NoError(t, err)
	privateKey, err := tokens.LoadPrivateKey(privatePEM)
	require.NoError(t, err)
	publicKey, err := tokens.LoadPublicKey(publicPEM)
	require.NoError(t, err)

	engine, err := tokens.NewEngine(tokens.EngineConfig{
		PrivateKey: privateKey,
		PublicKey:  publicKey,
		Issuer:     "https://auth.test",
	})
	require.NoError(t, err)
	return engine
}

func TestJWKSHandler(t *testing.T) {
	engine := newTestEngine(t)
	server := httptest.NewServer(JWKSHandler(engine))
	defer server.Close()

	t.Run("TestDocumentShape", func(t *testing.T) {
		resp, err := http.Get(server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

		var jwks tokens.JWKS
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&jwks))
		require.Len(t, jwks.Keys, 1)
		assert.Equal(t, "RSA", jwks.Keys[0].Kty)
		assert.Equal(t, "RS256", jwks.Keys[0].Alg)
	})

	t.Run("TestThirdPartyVerification", func(t *testing.T) {
		// A relying party resolving keys from the published JWKS must be
		// able to verify tokens the engine signs.
		kf, err := keyfunc.NewDefault([]string{server.URL})
		require.NoError(t, err)

		token, err := engine.Generate(time.Hour, map[string]tokens.ClaimValue{
			"sub": tokens.String("user-1"),
		})
		require.NoError(t, err)

		parsed, err := jwt.Parse(token, kf.Keyfunc)
		require.NoError(t, err)
		assert.True(t, parsed.Valid)

		sub, err := parsed.Claims.GetSubject()
		require.NoError(t, err)
		assert.Equal(t, "user-1", sub)
	})

	t.Run("TestForeignTokenRejected", func(t *testing.T) {
		kf, err := keyfunc.NewDefault([]string{server.URL})
		require.NoError(t, err)

		other := newTestEngine(t)
		token, err := other.Generate(time.Hour, map[string]tokens.ClaimValue{
			"sub": tokens.String("user-1"),
		})
		require.NoError(t, err)

		_, err = jwt.Parse(token, kf.Keyfunc)
		assert.Error(t, err)
	})
}

func TestServerMetadataHandler(t *testing.T) {
	engine := newTestEngine(t)
	handler := ServerMetadataHandler(engine, []string{"openid", "email"})

	req := httptest.NewRequest(http.MethodGet, "http://auth.test/.well-known/oauth-authorization-server", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var meta types.ServerMetadata
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&meta))

	assert.Equal(t, "https://auth.test", meta.Issuer)
	assert.Equal(t, "http://auth.test/authorize", meta.AuthorizationEndpoint)
	assert.Equal(t, "http://auth.test/token", meta.TokenEndpoint)
	assert.Equal(t, "http://auth.test/.well-known/jwks.json", meta.JwksURI)
	assert.Equal(t, "http://auth.test/register", meta.RegistrationEndpoint)
	assert.Equal(t, []string{"code"}, meta.ResponseTypesSupported)
	assert.Contains(t, meta.GrantTypesSupported, "authorization_code")
	assert.Contains(t, meta.GrantTypesSupported, "refresh_token")
	assert.Contains(t, meta.CodeChallengeMethodsSupported, "S256")
	assert.Equal(t, []string{"openid", "email"}, meta.ScopesSupported)

	t.Run("TestForwardedProto", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http://auth.test/.well-known/oauth-authorization-server", nil)
		req.Header.Set("X-Forwarded-Proto", "https")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		var meta types.ServerMetadata
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&meta))
		assert.Equal(t, "https://auth.test/token", meta.TokenEndpoint)
	})
}
