// Package metadata serves the JWKS document and the authorization-server
// metadata per RFC 8414.
package metadata

import (
	"net/http"

	"github.com/keybridge-labs/authd/pkg/handlerutils"
	"github.com/keybridge-labs/authd/pkg/oauth/flow"
	"github.com/keybridge-labs/authd/pkg/tokens"
	"github.com/keybridge-labs/authd/pkg/types"
)

// JWKSHandler publishes the signing public key so third parties can verify
// issued tokens independently.
func JWKSHandler(engine *tokens.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		handlerutils.JSON(w, http.StatusOK, engine.JWKS())
	})
}

// ServerMetadataHandler publishes the authorization-server metadata
// document.
func ServerMetadataHandler(engine *tokens.Engine, scopesSupported []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		base := handlerutils.GetBaseURL(r)
		handlerutils.JSON(w, http.StatusOK, types.ServerMetadata{
			Issuer:                engine.Issuer(),
			AuthorizationEndpoint: base + "/authorize",
			TokenEndpoint:         base + "/token",
			JwksURI:               base + "/.well-known/jwks.json",
			RegistrationEndpoint:  base + "/register",
			IntrospectionEndpoint: base + "/introspect",
			RevocationEndpoint:    base + "/revoke",
			ResponseTypesSupported: []string{
				"code",
			},
			GrantTypesSupported: []string{
				flow.GrantAuthorizationCode,
				flow.GrantClientCredentials,
				flow.GrantRefreshToken,
			},
			CodeChallengeMethodsSupported: []string{
				flow.PKCEMethodPlain,
				flow.PKCEMethodS256,
			},
			TokenEndpointAuthMethodsSupported: []string{
				"client_secret_post",
				"none",
			},
			ScopesSupported: scopesSupported,
		})
	})
}
