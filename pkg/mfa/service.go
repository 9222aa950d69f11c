package mfa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/keybridge-labs/authd/pkg/encryption"
	"github.com/keybridge-labs/authd/pkg/ephemeral"
	"github.com/keybridge-labs/authd/pkg/notify"
	"github.com/keybridge-labs/authd/pkg/ratelimit"
	"github.com/keybridge-labs/authd/pkg/tokens"
	"github.com/keybridge-labs/authd/pkg/types"
)

// Typed MFA errors.
var (
	ErrAlreadyEnabled        = errors.New("mfa already enabled")
	ErrNotEnabled            = errors.New("mfa not enabled")
	ErrSetupIncomplete       = errors.New("mfa setup not completed")
	ErrCodeInvalid           = errors.New("invalid code")
	ErrInvalidLoginChallenge = errors.New("invalid login challenge")
	ErrPasswordInvalid       = errors.New("invalid password")
)

// Lifetimes for the one-shot MFA secrets.
const (
	pendingSecretTTL  = 2 * time.Minute
	loginChallengeTTL = time.Minute

	qrCodeSize = 256
)

// Store is the durable state the service needs.
type Store interface {
	GetPrincipal(ctx context.Context, id string) (*types.Principal, error)
	BumpTokenVersion(ctx context.Context, principalID string) error
	GetMFAState(ctx context.Context, principalID string) (*types.MFAState, error)
	SaveMFAState(ctx context.Context, state *types.MFAState) error
	DeleteMFAState(ctx context.Context, principalID string) error
	UseBackupCode(ctx context.Context, principalID string, idx int) error
}

// TokenIssuer issues a token pair once a login challenge is satisfied.
type TokenIssuer interface {
	IssuePair(ctx context.Context, p *types.Principal) (*tokens.Pair, error)
}

// Service drives the per-principal MFA state machine:
// unconfigured -> pending setup -> verified -> enabled -> (disable resets).
type Service struct {
	db       Store
	store    ephemeral.Store
	cipher   *encryption.Cipher
	issuer   string
	tokens   TokenIssuer
	notifier notify.Notifier
	limiter  *ratelimit.Limiter
	now      func() time.Time
	notFound func(error) bool
}

// Config wires a Service.
type Config struct {
	DB       Store
	Store    ephemeral.Store
	Cipher   *encryption.Cipher
	Issuer   string
	Tokens   TokenIssuer
	Notifier notify.Notifier
	// Limiter bounds login-challenge verification attempts. Optional.
	Limiter *ratelimit.Limiter
	// NotFound recognizes the durable store's miss error.
	NotFound func(error) bool
}

// NewService creates the MFA service.
func NewService(cfg Config) *Service {
	return &Service{
		db:       cfg.DB,
		store:    cfg.Store,
		cipher:   cfg.Cipher,
		issuer:   cfg.Issuer,
		tokens:   cfg.Tokens,
		notifier: cfg.Notifier,
		limiter:  cfg.Limiter,
		now:      time.Now,
		notFound: cfg.NotFound,
	}
}

// pendingSecret is the ephemeral setup record: ciphertext + IV of a seed
// whose setup has not yet been confirmed.
type pendingSecret struct {
	Data string `json:"data"`
	IV   string `json:"iv"`
}

// SetupResult carries the one-time plaintext outputs of Setup.
type SetupResult struct {
	Secret string
	URI    string
	QRPNG  []byte
}

// Setup generates a TOTP seed for the principal and parks it, encrypted, in
// the ephemeral store. Nothing durable changes until the seed is verified.
func (s *Service) Setup(ctx context.Context, principal *types.Principal) (*SetupResult, error) {
	if err := s.ensureNotEnabled(ctx, principal.ID); err != nil {
		return nil, err
	}

	secret, err := GenerateSecret()
	if err != nil {
		return nil, err
	}
	data, iv, err := s.cipher.Encrypt(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt TOTP secret: %w", err)
	}

	payload, err := json.Marshal(pendingSecret{Data: data, IV: iv})
	if err != nil {
		return nil, err
	}
	if err := s.store.Put(ctx, ephemeral.PrefixMFAPending+principal.ID, string(payload), pendingSecretTTL); err != nil {
		return nil, err
	}

	uri := ProvisioningURI(s.issuer, principal.Email, secret)
	png, err := QRCodePNG(uri, qrCodeSize)
	if err != nil {
		return nil, err
	}

	return &SetupResult{Secret: secret, URI: uri, QRPNG: png}, nil
}

// VerifySetup consumes the pending secret and, when the presented code
// matches it, persists the seed durably with enabled still false. A missing
// pending secret (expired setup window) is reported as not verified rather
// than as an error.
func (s *Service) VerifySetup(ctx context.Context, principal *types.Principal, code string) (bool, error) {
	if err := s.ensureNotEnabled(ctx, principal.ID); err != nil {
		return false, err
	}

	payload, found, err := s.store.GetDel(ctx, ephemeral.PrefixMFAPending+principal.ID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	var pending pendingSecret
	if err := json.Unmarshal([]byte(payload), &pending); err != nil {
		return false, fmt.Errorf("corrupt pending secret: %w", err)
	}
	secret, err := s.cipher.Decrypt(pending.Data, pending.IV)
	if err != nil {
		return false, fmt.Errorf("failed to decrypt pending secret: %w", err)
	}

	if !VerifyTOTPAt(secret, code, s.now()) {
		return false, ErrCodeInvalid
	}

	state := &types.MFAState{
		PrincipalID:     principal.ID,
		Enabled:         false,
		EncryptedSecret: pending.Data,
		SecretIV:        pending.IV,
	}
	if err := s.db.SaveMFAState(ctx, state); err != nil {
		return false, err
	}
	return true, nil
}

// Enable flips MFA on for a principal whose seed has been verified, and
// returns the ten one-time backup codes.
func (s *Service) Enable(ctx context.Context, principal *types.Principal) ([]string, error) {
	state, err := s.db.GetMFAState(ctx, principal.ID)
	if err != nil {
		if s.isNotFound(err) {
			return nil, ErrSetupIncomplete
		}
		return nil, err
	}
	if state.Enabled {
		return nil, ErrAlreadyEnabled
	}

	plaintext, hashed, err := GenerateBackupCodes()
	if err != nil {
		return nil, err
	}
	state.Enabled = true
	state.BackupCodes = hashed
	if err := s.db.SaveMFAState(ctx, state); err != nil {
		return nil, err
	}

	notify.Dispatch(s.notifier, principal.ID, notify.TemplateMFAEnabled, nil)
	return plaintext, nil
}

// RegenerateBackupCodes discards all existing backup codes and returns ten
// fresh plaintext ones.
func (s *Service) RegenerateBackupCodes(ctx context.Context, principal *types.Principal) ([]string, error) {
	state, err := s.enabledState(ctx, principal.ID)
	if err != nil {
		return nil, err
	}

	plaintext, hashed, err := GenerateBackupCodes()
	if err != nil {
		return nil, err
	}
	state.BackupCodes = hashed
	if err := s.db.SaveMFAState(ctx, state); err != nil {
		return nil, err
	}

	notify.Dispatch(s.notifier, principal.ID, notify.TemplateBackupCodes, nil)
	return plaintext, nil
}

// Disable tears down MFA after re-authentication with the account password
// and a current TOTP code or an unused backup code. The token version is
// bumped so outstanding tokens stop validating.
func (s *Service) Disable(ctx context.Context, principal *types.Principal, password, code string) error {
	if bcrypt.CompareHashAndPassword([]byte(principal.PasswordHash), []byte(password)) != nil {
		return ErrPasswordInvalid
	}

	state, err := s.enabledState(ctx, principal.ID)
	if err != nil {
		return err
	}
	if err := s.verifyEnabledCode(ctx, state, code); err != nil {
		return err
	}

	if err := s.db.DeleteMFAState(ctx, principal.ID); err != nil {
		return err
	}
	if err := s.db.BumpTokenVersion(ctx, principal.ID); err != nil {
		return err
	}

	notify.Dispatch(s.notifier, principal.ID, notify.TemplateMFADisabled, nil)
	return nil
}

// CreateLoginChallenge stores a short-lived challenge token for a principal
// whose password check succeeded but whose MFA is enabled. The returned
// token must be redeemed with VerifyLoginChallenge.
func (s *Service) CreateLoginChallenge(ctx context.Context, principal *types.Principal) (string, error) {
	token := encryption.GenerateRandomString(32)
	key := ephemeral.PrefixMFAChallenge + ephemeral.HashKey(token)
	if err := s.store.Put(ctx, key, principal.ID, loginChallengeTTL); err != nil {
		return "", err
	}
	return token, nil
}

// VerifyLoginChallenge redeems a login challenge with a TOTP or backup code
// and issues a token pair. The challenge is consumed even when the code
// check fails, bounding guessing attempts to one per challenge.
func (s *Service) VerifyLoginChallenge(ctx context.Context, challengeToken, code string) (*tokens.Pair, error) {
	key := ephemeral.PrefixMFAChallenge + ephemeral.HashKey(challengeToken)
	principalID, found, err := s.store.GetDel(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrInvalidLoginChallenge
	}

	if s.limiter != nil {
		if err := s.limiter.Check(ctx, "mfa:login:"+principalID); err != nil {
			return nil, err
		}
	}

	principal, err := s.db.GetPrincipal(ctx, principalID)
	if err != nil {
		return nil, err
	}
	state, err := s.enabledState(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if err := s.verifyEnabledCode(ctx, state, code); err != nil {
		return nil, err
	}

	return s.tokens.IssuePair(ctx, principal)
}

// verifyEnabledCode accepts a valid current TOTP code or an unused backup
// code. A matching backup code is marked used before success is reported,
// so it cannot authorize two racing attempts.
func (s *Service) verifyEnabledCode(ctx context.Context, state *types.MFAState, code string) error {
	secret, err := s.cipher.Decrypt(state.EncryptedSecret, state.SecretIV)
	if err != nil {
		return fmt.Errorf("failed to decrypt TOTP secret: %w", err)
	}
	if VerifyTOTPAt(secret, code, s.now()) {
		return nil
	}

	idx := matchBackupCode(state.BackupCodes, code)
	if idx < 0 {
		return ErrCodeInvalid
	}
	if err := s.db.UseBackupCode(ctx, state.PrincipalID, idx); err != nil {
		return ErrCodeInvalid
	}
	return nil
}

func (s *Service) ensureNotEnabled(ctx context.Context, principalID string) error {
	state, err := s.db.GetMFAState(ctx, principalID)
	if err != nil {
		if s.isNotFound(err) {
			return nil
		}
		return err
	}
	if state.Enabled {
		return ErrAlreadyEnabled
	}
	return nil
}

func (s *Service) enabledState(ctx context.Context, principalID string) (*types.MFAState, error) {
	state, err := s.db.GetMFAState(ctx, principalID)
	if err != nil {
		if s.isNotFound(err) {
			return nil, ErrNotEnabled
		}
		return nil, err
	}
	if !state.Enabled {
		return nil, ErrNotEnabled
	}
	return state, nil
}

func (s *Service) isNotFound(err error) bool {
	return s.notFound != nil && s.notFound(err)
}
