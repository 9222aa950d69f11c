package authorize

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keybridge-labs/authd/pkg/oauth/flow"
	"github.com/keybridge-labs/authd/pkg/tokens"
	"github.com/keybridge-labs/authd/pkg/types"
)

// fakeAuthorizer implements Authorizer and records the request it saw.
type fakeAuthorizer struct {
	got  flow.AuthorizeRequest
	code string
	err  error
}

func (f *fakeAuthorizer) Authorize(_ context.Context, req flow.AuthorizeRequest) (string, error) {
	f.got = req
	if f.err != nil {
		return "", f.err
	}
	return f.code, nil
}

// fakeAuth accepts exactly one bearer token.
type fakeAuth struct {
	token     string
	principal *types.Principal
}

func (f *fakeAuth) ValidateAccess(_ context.Context, token string) (*tokens.ValidatedToken, *types.Principal, error) {
	if token != f.token {
		return nil, nil, tokens.ErrTokenInvalid
	}
	return &tokens.ValidatedToken{}, f.principal, nil
}

func authParams() url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {"client-1"},
		"redirect_uri":          {"https://app.test/callback"},
		"scope":                 {"openid email"},
		"state":                 {"xyz"},
		"code_challenge":        {"challenge"},
		"code_challenge_method": {"S256"},
	}
}

func doAuthorize(handler http.Handler, params url.Values, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAuthorizeHandler(t *testing.T) {
	principal := &types.Principal{ID: "user-1", Name: "Test User"}

	t.Run("TestRedirectsWithCode", func(t *testing.T) {
		flows := &fakeAuthorizer{code: "the-code"}
		handler := NewHandler(flows, &fakeAuth{token: "valid", principal: principal})

		rec := doAuthorize(handler, authParams(), "valid")
		require.Equal(t, http.StatusFound, rec.Code)

		location, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, "app.test", location.Host)
		assert.Equal(t, "the-code", location.Query().Get("code"))
		assert.Equal(t, "xyz", location.Query().Get("state"))

		assert.Equal(t, "user-1", flows.got.PrincipalID)
		assert.Equal(t, "client-1", flows.got.ClientID)
		assert.Equal(t, []string{"openid", "email"}, flows.got.Scopes)
		assert.Equal(t, "challenge", flows.got.CodeChallenge)
		assert.Equal(t, "S256", flows.got.CodeChallengeMethod)
	})

	t.Run("TestMissingParameters", func(t *testing.T) {
		handler := NewHandler(&fakeAuthorizer{}, &fakeAuth{token: "valid", principal: principal})

		params := authParams()
		params.Del("client_id")
		rec := doAuthorize(handler, params, "valid")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("TestUnsupportedResponseType", func(t *testing.T) {
		handler := NewHandler(&fakeAuthorizer{}, &fakeAuth{token: "valid", principal: principal})

		params := authParams()
		params.Set("response_type", "token")
		rec := doAuthorize(handler, params, "valid")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("TestNoBearerToken", func(t *testing.T) {
		handler := NewHandler(&fakeAuthorizer{}, &fakeAuth{token: "valid", principal: principal})

		rec := doAuthorize(handler, authParams(), "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("TestInvalidBearerToken", func(t *testing.T) {
		handler := NewHandler(&fakeAuthorizer{}, &fakeAuth{token: "valid", principal: principal})

		rec := doAuthorize(handler, authParams(), "expired")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("TestFlowErrorMapped", func(t *testing.T) {
		flows := &fakeAuthorizer{err: flow.ErrInvalidParams}
		handler := NewHandler(flows, &fakeAuth{token: "valid", principal: principal})

		rec := doAuthorize(handler, authParams(), "valid")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("TestPostForm", func(t *testing.T) {
		flows := &fakeAuthorizer{code: "the-code"}
		handler := NewHandler(flows, &fakeAuth{token: "valid", principal: principal})

		req := httptest.NewRequest(http.MethodPost, "/authorize", nil)
		req.PostForm = authParams()
		req.Header.Set("Authorization", "Bearer valid")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusFound, rec.Code)
	})
}
