package login

import (
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/keybridge-labs/authd/pkg/encryption"
	"github.com/keybridge-labs/authd/pkg/ephemeral"
	"github.com/keybridge-labs/authd/pkg/handlerutils"
	"github.com/keybridge-labs/authd/pkg/notify"
	"github.com/keybridge-labs/authd/pkg/types"
)

const (
	resetTokenTTL     = 15 * time.Minute
	resetTokenBytes   = 32
	minPasswordLength = 8
)

// requestPasswordReset parks a one-shot reset token in the ephemeral store
// and hands it to the notifier. The response is identical whether or not the
// email belongs to an account.
func (p *Handler) requestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Email == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "email is required",
		})
		return
	}

	if p.resetLimiter != nil {
		if err := p.resetLimiter.Check(r.Context(), "pwreset:"+ephemeral.HashKey(body.Email)); err != nil {
			writeSessionError(w, err)
			return
		}
	}

	principal, err := p.db.GetPrincipalByEmail(r.Context(), body.Email)
	if err != nil {
		if p.notFound != nil && p.notFound(err) {
			writeResetAccepted(w)
			return
		}
		writeSessionError(w, err)
		return
	}

	token := encryption.GenerateRandomString(resetTokenBytes)
	key := ephemeral.PrefixPasswordReset + ephemeral.HashKey(token)
	if err := p.store.Put(r.Context(), key, principal.ID, resetTokenTTL); err != nil {
		writeSessionError(w, err)
		return
	}

	notify.Dispatch(p.notifier, principal.ID, notify.TemplatePasswordReset, map[string]string{
		"token": token,
	})
	writeResetAccepted(w)
}

// confirmPasswordReset consumes the reset token and replaces the password.
// The password update bumps the token version, so every session issued
// before the reset stops validating.
func (p *Handler) confirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token       string `json:"token"`
		NewPassword string `json:"new_password"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Token == "" || len(body.NewPassword) < minPasswordLength {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "token and a password of at least 8 characters are required",
		})
		return
	}

	key := ephemeral.PrefixPasswordReset + ephemeral.HashKey(body.Token)
	principalID, ok, err := p.store.GetDel(r.Context(), key)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if !ok {
		handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
			Error:            "access_denied",
			ErrorDescription: "Reset token is invalid or expired",
		})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(body.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if err := p.db.UpdatePassword(r.Context(), principalID, string(hash)); err != nil {
		if p.notFound != nil && p.notFound(err) {
			// Account deleted while the token was outstanding.
			handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
				Error:            "access_denied",
				ErrorDescription: "Reset token is invalid or expired",
			})
			return
		}
		writeSessionError(w, err)
		return
	}

	handlerutils.JSON(w, http.StatusOK, map[string]any{"reset": true})
}

func writeResetAccepted(w http.ResponseWriter) {
	handlerutils.JSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}
