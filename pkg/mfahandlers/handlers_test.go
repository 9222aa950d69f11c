package mfahandlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keybridge-labs/authd/pkg/mfa"
	"github.com/keybridge-labs/authd/pkg/ratelimit"
	"github.com/keybridge-labs/authd/pkg/tokens"
	"github.com/keybridge-labs/authd/pkg/types"
)

// fakeService implements Service with canned responses.
type fakeService struct {
	setupResult *mfa.SetupResult
	verified    bool
	codes       []string
	pair        *tokens.Pair
	err         error

	gotPassword  string
	gotCode      string
	gotChallenge string
}

func (f *fakeService) Setup(_ context.Context, _ *types.Principal) (*mfa.SetupResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.setupResult, nil
}

func (f *fakeService) VerifySetup(_ context.Context, _ *types.Principal, code string) (bool, error) {
	f.gotCode = code
	if f.err != nil {
		return false, f.err
	}
	return f.verified, nil
}

func (f *fakeService) Enable(_ context.Context, _ *types.Principal) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.codes, nil
}

func (f *fakeService) RegenerateBackupCodes(_ context.Context, _ *types.Principal) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.codes, nil
}

func (f *fakeService) Disable(_ context.Context, _ *types.Principal, password, code string) error {
	f.gotPassword = password
	f.gotCode = code
	return f.err
}

func (f *fakeService) VerifyLoginChallenge(_ context.Context, challengeToken, code string) (*tokens.Pair, error) {
	f.gotChallenge = challengeToken
	f.gotCode = code
	if f.err != nil {
		return nil, f.err
	}
	return f.pair, nil
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

func newTestMux(svc Service) *http.ServeMux {
	mux := http.NewServeMux()
	NewHandler(svc, &fakeAuth{token: "valid", principal: &types.Principal{ID: "user-1"}}).Register(mux)
	return mux
}

func post(handler http.Handler, path, body, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAuthentication(t *testing.T) {
	mux := newTestMux(&fakeService{})

	managed := []string{"/mfa/setup", "/mfa/verify", "/mfa/enable", "/mfa/backup-codes", "/mfa/disable"}
	for _, path := range managed {
		t.Run("TestNoBearer"+path, func(t *testing.T) {
			rec := post(mux, path, "{}", "")
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
		t.Run("TestBadBearer"+path, func(t *testing.T) {
			rec := post(mux, path, "{}", "expired")
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestSetupEndpoint(t *testing.T) {
	t.Run("TestReturnsProvisioningMaterial", func(t *testing.T) {
		mux := newTestMux(&fakeService{setupResult: &mfa.SetupResult{
			Secret: "JBSWY3DPEHPK3PXP",
			URI:    "otpauth://totp/authd:user-1?secret=JBSWY3DPEHPK3PXP",
			QRPNG:  []byte{0x89, 'P', 'N', 'G'},
		}})

		rec := post(mux, "/mfa/setup", "", "valid")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Secret string `json:"secret"`
			URI    string `json:"otpauth_uri"`
			QRPNG  []byte `json:"qr_png"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "JBSWY3DPEHPK3PXP", resp.Secret)
		assert.Contains(t, resp.URI, "otpauth://totp/")
		assert.NotEmpty(t, resp.QRPNG)
	})

	t.Run("TestAlreadyEnabled", func(t *testing.T) {
		mux := newTestMux(&fakeService{err: mfa.ErrAlreadyEnabled})

		rec := post(mux, "/mfa/setup", "", "valid")
		assert.Equal(t, http.StatusConflict, rec.Code)

		var oauthErr types.OAuthError
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&oauthErr))
		assert.Equal(t, "invalid_state", oauthErr.Error)
	})
}

func TestVerifyEndpoint(t *testing.T) {
	t.Run("TestVerified", func(t *testing.T) {
		svc := &fakeService{verified: true}
		mux := newTestMux(svc)

		rec := post(mux, "/mfa/verify", `{"code":"123456"}`, "valid")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "123456", svc.gotCode)

		var resp struct {
			Verified bool `json:"verified"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.True(t, resp.Verified)
	})

	t.Run("TestWrongCode", func(t *testing.T) {
		mux := newTestMux(&fakeService{err: mfa.ErrCodeInvalid})

		rec := post(mux, "/mfa/verify", `{"code":"000000"}`, "valid")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("TestInvalidJSON", func(t *testing.T) {
		mux := newTestMux(&fakeService{})

		rec := post(mux, "/mfa/verify", `{not json`, "valid")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestEnableEndpoint(t *testing.T) {
	t.Run("TestReturnsBackupCodes", func(t *testing.T) {
		codes := []string{"AAAA-BBBB", "CCCC-DDDD"}
		mux := newTestMux(&fakeService{codes: codes})

		rec := post(mux, "/mfa/enable", "", "valid")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			BackupCodes []string `json:"backup_codes"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, codes, resp.BackupCodes)
	})

	t.Run("TestSetupIncomplete", func(t *testing.T) {
		mux := newTestMux(&fakeService{err: mfa.ErrSetupIncomplete})

		rec := post(mux, "/mfa/enable", "", "valid")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestBackupCodesEndpoint(t *testing.T) {
	t.Run("TestRegenerates", func(t *testing.T) {
		mux := newTestMux(&fakeService{codes: []string{"EEEE-FFFF"}})

		rec := post(mux, "/mfa/backup-codes", "", "valid")
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("TestNotEnabled", func(t *testing.T) {
		mux := newTestMux(&fakeService{err: mfa.ErrNotEnabled})

		rec := post(mux, "/mfa/backup-codes", "", "valid")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestDisableEndpoint(t *testing.T) {
	t.Run("TestDisables", func(t *testing.T) {
		svc := &fakeService{}
		mux := newTestMux(svc)

		rec := post(mux, "/mfa/disable", `{"password":"hunter2","code":"123456"}`, "valid")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "hunter2", svc.gotPassword)
		assert.Equal(t, "123456", svc.gotCode)
	})

	t.Run("TestWrongPassword", func(t *testing.T) {
		mux := newTestMux(&fakeService{err: mfa.ErrPasswordInvalid})

		rec := post(mux, "/mfa/disable", `{"password":"wrong","code":"123456"}`, "valid")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestLoginVerifyEndpoint(t *testing.T) {
	t.Run("TestIssuesTokens", func(t *testing.T) {
		svc := &fakeService{pair: &tokens.Pair{
			AccessToken:  "access",
			RefreshToken: "refresh",
			ExpiresIn:    900,
		}}
		mux := newTestMux(svc)

		// No bearer token here: the caller is mid-login.
		rec := post(mux, "/mfa/login/verify", `{"challenge_token":"chal","code":"123456"}`, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "chal", svc.gotChallenge)

		var resp types.TokenResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "access", resp.AccessToken)
		assert.Equal(t, "Bearer", resp.TokenType)
		assert.Equal(t, "refresh", resp.RefreshToken)
	})

	t.Run("TestUnknownChallenge", func(t *testing.T) {
		mux := newTestMux(&fakeService{err: mfa.ErrInvalidLoginChallenge})

		rec := post(mux, "/mfa/login/verify", `{"challenge_token":"gone","code":"123456"}`, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("TestRateLimited", func(t *testing.T) {
		mux := newTestMux(&fakeService{err: ratelimit.ErrTooManyRequests})

		rec := post(mux, "/mfa/login/verify", `{"challenge_token":"chal","code":"123456"}`, "")
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)

		var oauthErr types.OAuthError
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&oauthErr))
		assert.Equal(t, "slow_down", oauthErr.Error)
	})
}
