// Package revoke serves the /revoke endpoint per RFC 7009.
package revoke

import (
	"context"
	"errors"
	"net/http"

	"github.com/keybridge-labs/authd/pkg/ephemeral"
	"github.com/keybridge-labs/authd/pkg/handlerutils"
	"github.com/keybridge-labs/authd/pkg/oauth"
	"github.com/keybridge-labs/authd/pkg/oauth/flow"
	"github.com/keybridge-labs/authd/pkg/types"
)

// Revoker blacklists tokens for an authenticated client.
type Revoker interface {
	Revoke(ctx context.Context, req flow.RevokeRequest) error
}

type Handler struct {
	flows Revoker
}

func NewHandler(flows Revoker) http.Handler {
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

	err := p.flows.Revoke(r.Context(), flow.RevokeRequest{
		Token:        token,
		ClientID:     r.FormValue("client_id"),
		ClientSecret: r.FormValue("client_secret"),
		TypeHint:     r.FormValue("token_type_hint"),
	})
	switch {
	case err == nil:
		// RFC 7009: 200 whether or not the token was valid.
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, flow.ErrClientNotFound),
		errors.Is(err, flow.ErrClientInvalid),
		errors.Is(err, ephemeral.ErrUnavailable):
		oauth.WriteError(w, err)
	default:
		// Everything else is swallowed into success by design.
		w.WriteHeader(http.StatusOK)
	}
}
