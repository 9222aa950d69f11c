package mfa

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/keybridge-labs/authd/pkg/encryption"
	"github.com/keybridge-labs/authd/pkg/ephemeral"
	"github.com/keybridge-labs/authd/pkg/ratelimit"
	"github.com/keybridge-labs/authd/pkg/tokens"
	"github.com/keybridge-labs/authd/pkg/types"
)

var errFakeNotFound = errors.New("not found")

// fakeDB implements Store in memory for testing.
type fakeDB struct {
	principals map[string]*types.Principal
	states     map[string]*types.MFAState
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		principals: map[string]*types.Principal{},
		states:     map[string]*types.MFAState{},
	}
}

func (f *fakeDB) GetPrincipal(_ context.Context, id string) (*types.Principal, error) {
	p, ok := f.principals[id]
	if !ok {
		return nil, errFakeNotFound
	}
	return p, nil
}

func (f *fakeDB) BumpTokenVersion(_ context.Context, principalID string) error {
	p, ok := f.principals[principalID]
	if !ok {
		return errFakeNotFound
	}
	p.TokenVersion++
	return nil
}

func (f *fakeDB) GetMFAState(_ context.Context, principalID string) (*types.MFAState, error) {
	state, ok := f.states[principalID]
	if !ok {
		return nil, errFakeNotFound
	}
	copied := *state
	return &copied, nil
}

func (f *fakeDB) SaveMFAState(_ context.Context, state *types.MFAState) error {
	copied := *state
	f.states[state.PrincipalID] = &copied
	return nil
}

func (f *fakeDB) DeleteMFAState(_ context.Context, principalID string) error {
	delete(f.states, principalID)
	return nil
}

func (f *fakeDB) UseBackupCode(_ context.Context, principalID string, idx int) error {
	state, ok := f.states[principalID]
	if !ok {
		return errFakeNotFound
	}
	if idx < 0 || idx >= len(state.BackupCodes) {
		return fmt.Errorf("backup code index out of range")
	}
	if state.BackupCodes[idx].Used {
		return fmt.Errorf("backup code already used")
	}
	state.BackupCodes[idx].Used = true
	return nil
}

// fakeIssuer implements TokenIssuer.
type fakeIssuer struct {
	issued int
}

func (f *fakeIssuer) IssuePair(_ context.Context, p *types.Principal) (*tokens.Pair, error) {
	f.issued++
	return &tokens.Pair{
		AccessToken:  "access-" + p.ID,
		RefreshToken: "refresh-" + p.ID,
		ExpiresIn:    900,
	}, nil
}

type serviceFixture struct {
	svc    *Service
	db     *fakeDB
	issuer *fakeIssuer
	store  ephemeral.Store
}

func newServiceFixture(t *testing.T, limiter *ratelimit.Limiter) *serviceFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := ephemeral.NewRedisStoreFromClient(client, "test:")

	key := make([]byte, 32)
	cipher, err := encryption.NewCipher(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)

	db := newFakeDB()
	issuer := &fakeIssuer{}
	svc := NewService(Config{
		DB:       db,
		Store:    store,
		Cipher:   cipher,
		Issuer:   "authd",
		Tokens:   issuer,
		Limiter:  limiter,
		NotFound: func(err error) bool { return errors.Is(err, errFakeNotFound) },
	})
	return &serviceFixture{svc: svc, db: db, issuer: issuer, store: store}
}

func addPrincipal(f *serviceFixture, id, password string) *types.Principal {
	hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	p := &types.Principal{
		ID:           id,
		Name:         "Test User",
		Email:        id + "@example.com",
		PasswordHash: string(hash),
		TokenVersion: 1,
	}
	f.db.principals[id] = p
	return p
}

// enrollPrincipal walks a principal through setup, verify and enable, and
// returns the plaintext seed and backup codes.
func enrollPrincipal(t *testing.T, f *serviceFixture, p *types.Principal) (string, []string) {
	t.Helper()
	ctx := context.Background()

	result, err := f.svc.Setup(ctx, p)
	require.NoError(t, err)

	code, err := CodeAt(result.Secret, f.svc.now())
	require.NoError(t, err)
	verified, err := f.svc.VerifySetup(ctx, p, code)
	require.NoError(t, err)
	require.True(t, verified)

	codes, err := f.svc.Enable(ctx, p)
	require.NoError(t, err)
	return result.Secret, codes
}

func TestSetup(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, nil)
	p := addPrincipal(f, "user-1", "password")

	t.Run("TestReturnsProvisioningMaterial", func(t *testing.T) {
		result, err := f.svc.Setup(ctx, p)
		require.NoError(t, err)

		assert.NotEmpty(t, result.Secret)
		assert.Contains(t, result.URI, "otpauth://totp/")
		assert.Contains(t, result.URI, result.Secret)
		assert.NotEmpty(t, result.QRPNG)

		// Nothing durable yet.
		_, err = f.db.GetMFAState(ctx, p.ID)
		assert.ErrorIs(t, err, errFakeNotFound)
	})

	t.Run("TestRepeatedSetupReplacesPending", func(t *testing.T) {
		first, err := f.svc.Setup(ctx, p)
		require.NoError(t, err)
		second, err := f.svc.Setup(ctx, p)
		require.NoError(t, err)
		assert.NotEqual(t, first.Secret, second.Secret)

		// Only the latest seed verifies.
		code, err := CodeAt(second.Secret, f.svc.now())
		require.NoError(t, err)
		verified, err := f.svc.VerifySetup(ctx, p, code)
		require.NoError(t, err)
		assert.True(t, verified)
	})

	t.Run("TestAlreadyEnabled", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		p := addPrincipal(f, "user-2", "password")
		enrollPrincipal(t, f, p)

		_, err := f.svc.Setup(ctx, p)
		assert.ErrorIs(t, err, ErrAlreadyEnabled)
	})
}

func TestVerifySetup(t *testing.T) {
	ctx := context.Background()

	t.Run("TestNoPendingSecret", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		p := addPrincipal(f, "user-1", "password")

		verified, err := f.svc.VerifySetup(ctx, p, "123456")
		require.NoError(t, err)
		assert.False(t, verified)
	})

	t.Run("TestWrongCodeConsumesPending", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		p := addPrincipal(f, "user-1", "password")

		_, err := f.svc.Setup(ctx, p)
		require.NoError(t, err)

		_, err = f.svc.VerifySetup(ctx, p, "000000x")
		assert.ErrorIs(t, err, ErrCodeInvalid)

		// The pending secret is gone; setup must be restarted.
		verified, err := f.svc.VerifySetup(ctx, p, "000000x")
		require.NoError(t, err)
		assert.False(t, verified)
	})

	t.Run("TestCorrectCodePersistsDisabledState", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		p := addPrincipal(f, "user-1", "password")

		result, err := f.svc.Setup(ctx, p)
		require.NoError(t, err)

		code, err := CodeAt(result.Secret, f.svc.now())
		require.NoError(t, err)
		verified, err := f.svc.VerifySetup(ctx, p, code)
		require.NoError(t, err)
		assert.True(t, verified)

		state, err := f.db.GetMFAState(ctx, p.ID)
		require.NoError(t, err)
		assert.False(t, state.Enabled)
		assert.NotEmpty(t, state.EncryptedSecret)
		assert.NotEqual(t, result.Secret, state.EncryptedSecret)
	})
}

func TestEnable(t *testing.T) {
	ctx := context.Background()

	t.Run("TestWithoutVerifiedSetup", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		p := addPrincipal(f, "user-1", "password")

		_, err := f.svc.Enable(ctx, p)
		assert.ErrorIs(t, err, ErrSetupIncomplete)
	})

	t.Run("TestReturnsBackupCodes", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		p := addPrincipal(f, "user-1", "password")
		_, codes := enrollPrincipal(t, f, p)

		assert.Len(t, codes, 10)

		state, err := f.db.GetMFAState(ctx, p.ID)
		require.NoError(t, err)
		assert.True(t, state.Enabled)
		assert.Len(t, state.BackupCodes, 10)
	})

	t.Run("TestEnableTwice", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		p := addPrincipal(f, "user-1", "password")
		enrollPrincipal(t, f, p)

		_, err := f.svc.Enable(ctx, p)
		assert.ErrorIs(t, err, ErrAlreadyEnabled)
	})
}

func TestRegenerateBackupCodes(t *testing.T) {
	ctx := context.Background()

	t.Run("TestNotEnabled", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		p := addPrincipal(f, "user-1", "password")

		_, err := f.svc.RegenerateBackupCodes(ctx, p)
		assert.ErrorIs(t, err, ErrNotEnabled)
	})

	t.Run("TestOldCodesStopWorking", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		p := addPrincipal(f, "user-1", "password")
		_, oldCodes := enrollPrincipal(t, f, p)

		newCodes, err := f.svc.RegenerateBackupCodes(ctx, p)
		require.NoError(t, err)
		assert.Len(t, newCodes, 10)
		assert.NotEqual(t, oldCodes, newCodes)

		state, err := f.db.GetMFAState(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, -1, matchBackupCode(state.BackupCodes, oldCodes[0]))
		assert.Equal(t, 0, matchBackupCode(state.BackupCodes, newCodes[0]))
	})
}

func TestDisable(t *testing.T) {
	ctx := context.Background()

	t.Run("TestWrongPassword", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		p := addPrincipal(f, "user-1", "password")
		secret, _ := enrollPrincipal(t, f, p)

		code, err := CodeAt(secret, f.svc.now())
		require.NoError(t, err)

		err = f.svc.Disable(ctx, p, "wrong", code)
		assert.ErrorIs(t, err, ErrPasswordInvalid)
	})

	t.Run("TestWrongCode", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		p := addPrincipal(f, "user-1", "password")
		enrollPrincipal(t, f, p)

		err := f.svc.Disable(ctx, p, "password", "000000x")
		assert.ErrorIs(t, err, ErrCodeInvalid)
	})

	t.Run("TestDisableWithTOTPCode", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		p := addPrincipal(f, "user-1", "password")
		secret, _ := enrollPrincipal(t, f, p)

		code, err := CodeAt(secret, f.svc.now())
		require.NoError(t, err)
		require.NoError(t, f.svc.Disable(ctx, p, "password", code))

		// State removed and all outstanding tokens invalidated.
		_, err = f.db.GetMFAState(ctx, p.ID)
		assert.ErrorIs(t, err, errFakeNotFound)
		assert.Equal(t, int64(2), f.db.principals[p.ID].TokenVersion)
	})

	t.Run("TestDisableWithBackupCode", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		p := addPrincipal(f, "user-1", "password")
		_, codes := enrollPrincipal(t, f, p)

		require.NoError(t, f.svc.Disable(ctx, p, "password", codes[0]))

		_, err := f.db.GetMFAState(ctx, p.ID)
		assert.ErrorIs(t, err, errFakeNotFound)
	})

	t.Run("TestNotEnabled", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		p := addPrincipal(f, "user-1", "password")

		err := f.svc.Disable(ctx, p, "password", "123456")
		assert.ErrorIs(t, err, ErrNotEnabled)
	})
}

func TestLoginChallenge(t *testing.T) {
	ctx := context.Background()

	t.Run("TestRedeemWithTOTPCode", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		p := addPrincipal(f, "user-1", "password")
		secret, _ := enrollPrincipal(t, f, p)

		challenge, err := f.svc.CreateLoginChallenge(ctx, p)
		require.NoError(t, err)
		assert.NotEmpty(t, challenge)

		code, err := CodeAt(secret, f.svc.now())
		require.NoError(t, err)

		pair, err := f.svc.VerifyLoginChallenge(ctx, challenge, code)
		require.NoError(t, err)
		assert.Equal(t, "access-user-1", pair.AccessToken)
		assert.Equal(t, 1, f.issuer.issued)
	})

	t.Run("TestChallengeIsSingleUse", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		p := addPrincipal(f, "user-1", "password")
		secret, _ := enrollPrincipal(t, f, p)

		challenge, err := f.svc.CreateLoginChallenge(ctx, p)
		require.NoError(t, err)

		code, err := CodeAt(secret, f.svc.now())
		require.NoError(t, err)
		_, err = f.svc.VerifyLoginChallenge(ctx, challenge, code)
		require.NoError(t, err)

		_, err = f.svc.VerifyLoginChallenge(ctx, challenge, code)
		assert.ErrorIs(t, err, ErrInvalidLoginChallenge)
	})

	t.Run("TestWrongCodeConsumesChallenge", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		p := addPrincipal(f, "user-1", "password")
		secret, _ := enrollPrincipal(t, f, p)

		challenge, err := f.svc.CreateLoginChallenge(ctx, p)
		require.NoError(t, err)

		_, err = f.svc.VerifyLoginChallenge(ctx, challenge, "000000x")
		assert.ErrorIs(t, err, ErrCodeInvalid)

		// The same challenge cannot be retried with the right code.
		code, err := CodeAt(secret, f.svc.now())
		require.NoError(t, err)
		_, err = f.svc.VerifyLoginChallenge(ctx, challenge, code)
		assert.ErrorIs(t, err, ErrInvalidLoginChallenge)
	})

	t.Run("TestUnknownChallenge", func(t *testing.T) {
		f := newServiceFixture(t, nil)

		_, err := f.svc.VerifyLoginChallenge(ctx, "made-up-token", "123456")
		assert.ErrorIs(t, err, ErrInvalidLoginChallenge)
	})

	t.Run("TestBackupCodeIsSingleUse", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		p := addPrincipal(f, "user-1", "password")
		_, codes := enrollPrincipal(t, f, p)

		challenge, err := f.svc.CreateLoginChallenge(ctx, p)
		require.NoError(t, err)
		_, err = f.svc.VerifyLoginChallenge(ctx, challenge, codes[0])
		require.NoError(t, err)

		challenge, err = f.svc.CreateLoginChallenge(ctx, p)
		require.NoError(t, err)
		_, err = f.svc.VerifyLoginChallenge(ctx, challenge, codes[0])
		assert.ErrorIs(t, err, ErrCodeInvalid)
	})

	t.Run("TestRateLimited", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		limiterStore := ephemeral.NewRedisStoreFromClient(client, "limits:")

		f := newServiceFixture(t, ratelimit.New(limiterStore, time.Minute, 2))
		p := addPrincipal(f, "user-1", "password")
		secret, _ := enrollPrincipal(t, f, p)

		code, err := CodeAt(secret, f.svc.now())
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			challenge, err := f.svc.CreateLoginChallenge(ctx, p)
			require.NoError(t, err)
			_, err = f.svc.VerifyLoginChallenge(ctx, challenge, code)
			require.NoError(t, err)
		}

		challenge, err := f.svc.CreateLoginChallenge(ctx, p)
		require.NoError(t, err)
		_, err = f.svc.VerifyLoginChallenge(ctx, challenge, code)
		assert.ErrorIs(t, err, ratelimit.ErrTooManyRequests)
	})
}
