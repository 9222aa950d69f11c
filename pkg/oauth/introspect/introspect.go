// Package introspect serves the /introspect endpoint per RFC 7662.
package introspect

import (
	"context"
	"net/http"

	"github.com/keybridge-labs/authd/pkg/handlerutils"
	"github.com/keybridge-labs/authd/pkg/oauth"
	"github.com/keybridge-labs/authd/pkg/oauth/flow"
	"github.com/keybridge-labs/authd/pkg/types"
)

// Introspector reports token state to an authenticated client.
type Introspector interface {
	Introspect(ctx context.Context, req flow.IntrospectRequest) (*types.IntrospectionResponse, error)
}

type Handler struct {
	flows Introspector
}

func NewHandler(flows Introspector) http.Handler {
	return &Handler{
		flows: flows,
	}
}

func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Invalid request body",
		})
		return
	}

	token := r.FormValue("token")
	if token == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Token parameter is required",
		})
		return
	}

	resp, err := p.flows.Introspect(r.Context(), flow.IntrospectRequest{
		Token:        token,
		ClientID:     r.FormValue("client_id"),
		ClientSecret: r.FormValue("client_secret"),
		TypeHint:     r.FormValue("token_type_hint"),
	})
	if err != nil {
		// Only caller-authentication and store failures surface here;
		// token problems come back as active=false.
		oauth.WriteError(w, err)
		return
	}

	handlerutils.JSON(w, http.StatusOK, resp)
}
