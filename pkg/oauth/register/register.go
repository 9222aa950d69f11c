// Package register serves dynamic client registration.
package register

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/keybridge-labs/authd/pkg/encryption"
	"github.com/keybridge-labs/authd/pkg/handlerutils"
	"github.com/keybridge-labs/authd/pkg/logger"
	"github.com/keybridge-labs/authd/pkg/oauth/flow"
	"github.com/keybridge-labs/authd/pkg/types"
)

const maxBodyBytes = 1024 * 1024

// ClientStore persists client registrations.
type ClientStore interface {
	SaveClient(ctx context.Context, client *types.Client) error
}

type Handler struct {
	db ClientStore
}

func NewHandler(db ClientStore) http.Handler {
	return &Handler{
		db: db,
	}
}

// registration is the accepted subset of RFC 7591 client metadata.
type registration struct {
	ClientName   string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris"`
	Scopes       []string `json:"scopes"`
	GrantTypes   []string `json:"grant_types"`
	LogoURI      string   `json:"logo_uri"`
	ClientURI    string   `json:"client_uri"`
	Public       bool     `json:"public"`
}

// response echoes the stored client plus the one-time plaintext secret.
type response struct {
	types.Client
	ClientSecret string `json:"client_secret,omitempty"`
}

func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		handlerutils.JSON(w, http.StatusMethodNotAllowed, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Method not allowed",
		})
		return
	}

	if r.ContentLength > maxBodyBytes {
		handlerutils.JSON(w, http.StatusRequestEntityTooLarge, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Request payload too large, must be under 1 MiB",
		})
		return
	}

	var reg registration
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&reg); err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Invalid JSON payload",
		})
		return
	}

	if err := validate(&reg); err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_client_metadata",
			ErrorDescription: err.Error(),
		})
		return
	}

	client := &types.Client{
		ClientID:         uuid.NewString(),
		ClientName:       reg.ClientName,
		RedirectURIs:     reg.RedirectURIs,
		Scopes:           reg.Scopes,
		GrantTypes:       reg.GrantTypes,
		LogoURI:          reg.LogoURI,
		ClientURI:        reg.ClientURI,
		IsValid:          true,
		RegistrationDate: time.Now().Unix(),
	}

	// The plaintext secret is returned once; only its hash is stored.
	var secret string
	if !reg.Public {
		secret = encryption.GenerateRandomString(32)
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			handlerutils.JSON(w, http.StatusInternalServerError, types.OAuthError{
				Error:            "server_error",
				ErrorDescription: "Failed to generate client secret",
			})
			return
		}
		client.SecretHash = string(hash)
	}

	if err := p.db.SaveClient(r.Context(), client); err != nil {
		logger.Errorf("failed to store client registration: %v", err)
		handlerutils.JSON(w, http.StatusInternalServerError, types.OAuthError{
			Error:            "server_error",
			ErrorDescription: "Failed to store client",
		})
		return
	}

	handlerutils.JSON(w, http.StatusCreated, response{Client: *client, ClientSecret: secret})
}

func validate(reg *registration) error {
	if len(reg.RedirectURIs) == 0 {
		return fmt.Errorf("redirect_uris is required")
	}
	for _, raw := range reg.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid redirect URI %q", raw)
		}
		if u.Fragment != "" {
			return fmt.Errorf("redirect URI must not contain a fragment")
		}
	}
	if len(reg.Scopes) == 0 {
		return fmt.Errorf("scopes is required")
	}
	if len(reg.GrantTypes) == 0 {
		reg.GrantTypes = []string{flow.GrantAuthorizationCode, flow.GrantRefreshToken}
	}
	for _, gt := range reg.GrantTypes {
		switch gt {
		case flow.GrantAuthorizationCode, flow.GrantClientCredentials, flow.GrantRefreshToken:
		default:
			return fmt.Errorf("unsupported grant type %q", gt)
		}
	}
	return nil
}
