// Package authorize serves the /authorize endpoint.
package authorize

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/keybridge-labs/authd/pkg/handlerutils"
	"github.com/keybridge-labs/authd/pkg/oauth"
	"github.com/keybridge-labs/authd/pkg/oauth/flow"
	"github.com/keybridge-labs/authd/pkg/tokens"
	"github.com/keybridge-labs/authd/pkg/types"
)

// Authorizer runs the authorization-code flow.
type Authorizer interface {
	Authorize(ctx context.Context, req flow.AuthorizeRequest) (string, error)
}

// AccessValidator authenticates the logged-in principal granting access.
type AccessValidator interface {
	ValidateAccess(ctx context.Context, token string) (*tokens.ValidatedToken, *types.Principal, error)
}

type Handler struct {
	flows Authorizer
	auth  AccessValidator
}

func NewHandler(flows Authorizer, auth AccessValidator) http.Handler {
	return &Handler{
		flows: flows,
		auth:  auth,
	}
}

func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Get parameters from query or form
	var params url.Values
	if r.Method == http.MethodGet {
		params = r.URL.Query()
	} else {
		if err := r.ParseForm(); err != nil {
			handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
				Error:            "invalid_request",
				ErrorDescription: "Failed to parse form data",
			})
			return
		}
		params = r.Form
	}

	responseType := params.Get("response_type")
	clientID := params.Get("client_id")
	redirectURI := params.Get("redirect_uri")

	if responseType == "" || clientID == "" || redirectURI == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Missing required parameters",
		})
		return
	}
	if responseType != "code" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "unsupported_response_type",
			ErrorDescription: "Only the 'code' response type is supported",
		})
		return
	}

	// The authorizing user must present a valid access token; there is no
	// ambient session.
	bearer := handlerutils.BearerToken(r)
	if bearer == "" {
		handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
			Error:            "access_denied",
			ErrorDescription: "Authentication required",
		})
		return
	}
	_, principal, err := p.auth.ValidateAccess(r.Context(), bearer)
	if err != nil {
		handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
			Error:            "access_denied",
			ErrorDescription: "Authentication required",
		})
		return
	}

	code, err := p.flows.Authorize(r.Context(), flow.AuthorizeRequest{
		ClientID:            clientID,
		PrincipalID:         principal.ID,
		RedirectURI:         redirectURI,
		Scopes:              splitList(params.Get("scope")),
		GrantTypes:          splitList(params.Get("grant_types")),
		CodeChallenge:       params.Get("code_challenge"),
		CodeChallengeMethod: params.Get("code_challenge_method"),
	})
	if err != nil {
		oauth.WriteError(w, err)
		return
	}

	location, err := url.Parse(redirectURI)
	if err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Invalid redirect URI",
		})
		return
	}
	query := location.Query()
	query.Set("code", code)
	if state := params.Get("state"); state != "" {
		query.Set("state", state)
	}
	location.RawQuery = query.Encode()

	http.Redirect(w, r, location.String(), http.StatusFound)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
