// Package oauth maps typed flow errors onto RFC 6749 wire errors shared by
// the endpoint handlers.
package oauth

import (
	"errors"
	"net/http"

	"github.com/keybridge-labs/authd/pkg/ephemeral"
	"github.com/keybridge-labs/authd/pkg/handlerutils"
	"github.com/keybridge-labs/authd/pkg/oauth/flow"
	"github.com/keybridge-labs/authd/pkg/ratelimit"
	"github.com/keybridge-labs/authd/pkg/tokens"
	"github.com/keybridge-labs/authd/pkg/types"
)

// WriteError renders a typed flow/token error as an OAuth error response.
func WriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, flow.ErrClientNotFound), errors.Is(err, flow.ErrClientInvalid):
		handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
			Error:            "invalid_client",
			ErrorDescription: err.Error(),
		})
	case errors.Is(err, flow.ErrInvalidParams):
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: err.Error(),
		})
	case errors.Is(err, flow.ErrPKCEInvalid),
		errors.Is(err, flow.ErrAuthCodeFailed),
		errors.Is(err, tokens.ErrTokenExpired),
		errors.Is(err, tokens.ErrTokenInvalid),
		errors.Is(err, tokens.ErrMissingClaims),
		errors.Is(err, tokens.ErrReplayDetected):
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_grant",
			ErrorDescription: err.Error(),
		})
	case errors.Is(err, ratelimit.ErrTooManyRequests):
		handlerutils.JSON(w, http.StatusTooManyRequests, types.OAuthError{
			Error:            "slow_down",
			ErrorDescription: "Too many requests",
		})
	case errors.Is(err, ephemeral.ErrUnavailable):
		handlerutils.JSON(w, http.StatusServiceUnavailable, types.OAuthError{
			Error:            "temporarily_unavailable",
			ErrorDescription: "Backing store unavailable, retry later",
		})
	default:
		handlerutils.JSON(w, http.StatusInternalServerError, types.OAuthError{
			Error:            "server_error",
			ErrorDescription: "Internal error",
		})
	}
}
