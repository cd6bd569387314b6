package vault

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/paysink/internal/endpoint"
	"github.com/mattjoyce/paysink/internal/log"
	"github.com/mattjoyce/paysink/internal/storage"
)

const (
	secretA = "whsec_0123456789abcdefghijklmnopqrstuv"
	secretB = "whsec_ZYXWVUTSRQPONMLKJIHGFEDCBA9876543"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	c, err := NewCipher(testKey())
	require.NoError(t, err)
	return New(db, c, Options{}, log.Discard())
}

func registerReq(ep endpoint.Name, secret string) RegisterRequest {
	return RegisterRequest{Endpoint: ep, Name: "primary", Secret: secret}
}

func TestRegisterAndReveal(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	rec, err := v.Register(ctx, registerReq(endpoint.AccountStatus, secretA))
	require.NoError(t, err)
	assert.Equal(t, endpoint.AccountStatus, rec.Endpoint)
	assert.Equal(t, 1, rec.Version)
	assert.True(t, rec.Active)
	assert.Equal(t, AlgorithmAESGCM, rec.Algorithm)
	assert.NotContains(t, string(rec.Ciphertext), secretA)

	key, got, err := v.Reveal(ctx, endpoint.AccountStatus)
	require.NoError(t, err)
	assert.Equal(t, secretA, string(key))
	assert.Equal(t, 1, got.Version)

	after, err := v.Get(ctx, endpoint.AccountStatus)
	require.NoError(t, err)
	assert.Equal(t, int64(1), after.UsageCount)
	assert.NotNil(t, after.LastUsedAt)
}

func TestRegisterValidation(t *testing.T) {
	v := newTestVault(t)
	tests := []struct {
		name string
		req  RegisterRequest
	}{
		{name: "unknown endpoint", req: registerReq("payouts", secretA)},
		{name: "missing name", req: RegisterRequest{Endpoint: endpoint.Netbanx, Secret: secretA}},
		{name: "short secret", req: registerReq(endpoint.Netbanx, "tooshort")},
		{name: "low entropy", req: registerReq(endpoint.Netbanx, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")},
		{name: "bad algorithm", req: RegisterRequest{Endpoint: endpoint.Netbanx, Name: "x", Secret: secretA, Algorithm: "rot13"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Register(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestRegisterTwiceConflicts(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	_, err := v.Register(ctx, registerReq(endpoint.DirectDebit, secretA))
	require.NoError(t, err)
	_, err = v.Register(ctx, registerReq(endpoint.DirectDebit, secretB))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestRotateBumpsVersion(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	_, err := v.Register(ctx, registerReq(endpoint.Netbanx, secretA))
	require.NoError(t, err)

	rec, err := v.Rotate(ctx, endpoint.Netbanx, secretB)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version)

	key, err := v.Decrypt(rec)
	require.NoError(t, err)
	assert.Equal(t, secretB, string(key))

	_, err = v.Rotate(ctx, endpoint.DirectDebit, secretB)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeactivateThenReregister(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	_, err := v.Register(ctx, registerReq(endpoint.AlternatePayments, secretA))
	require.NoError(t, err)
	require.NoError(t, v.Deactivate(ctx, endpoint.AlternatePayments))

	_, err = v.Get(ctx, endpoint.AlternatePayments)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, v.Deactivate(ctx, endpoint.AlternatePayments), ErrNotFound)

	rec, err := v.Register(ctx, registerReq(endpoint.AlternatePayments, secretB))
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version)
	assert.True(t, rec.Active)

	all, err := v.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestOnChangeFiresAfterEachMutation(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		changed []endpoint.Name
	)
	v.OnChange(func(ep endpoint.Name) {
		mu.Lock()
		defer mu.Unlock()
		changed = append(changed, ep)
	})

	_, err := v.Register(ctx, registerReq(endpoint.AccountStatus, secretA))
	require.NoError(t, err)
	_, err = v.Rotate(ctx, endpoint.AccountStatus, secretB)
	require.NoError(t, err)
	require.NoError(t, v.Deactivate(ctx, endpoint.AccountStatus))

	_, err = v.Register(ctx, registerReq(endpoint.AccountStatus, secretA))
	require.NoError(t, err)
	_, err = v.Register(ctx, registerReq(endpoint.AccountStatus, secretA))
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, changed, 4)
}

func TestTouchMissingSecret(t *testing.T) {
	v := newTestVault(t)
	err := v.Touch(context.Background(), endpoint.Netbanx)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestInjectedClock(t *testing.T) {
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	c, err := NewCipher(testKey())
	require.NoError(t, err)

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := New(db, c, Options{Now: func() time.Time { return fixed }}, log.Discard())

	rec, err := v.Register(context.Background(), registerReq(endpoint.Netbanx, secretA))
	require.NoError(t, err)
	assert.True(t, rec.CreatedAt.Equal(fixed))
	assert.NoError(t, v.HealthCheck(context.Background()))
}

func TestRotateWithUpdatesMetadata(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	_, err := v.Register(ctx, registerReq(endpoint.Netbanx, secretA))
	require.NoError(t, err)

	desc := "second key"
	rec, err := v.RotateWith(ctx, endpoint.Netbanx, RotateRequest{
		Endpoint: endpoint.Netbanx, Name: "renamed", Secret: secretB,
		Algorithm: AlgorithmAESGCM, Description: &desc,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version)
	assert.Equal(t, "renamed", rec.Name)
	assert.Equal(t, "second key", rec.Description)

	// Blank name and absent description keep what is stored.
	rec, err = v.RotateWith(ctx, endpoint.Netbanx, RotateRequest{Secret: secretA})
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Version)
	assert.Equal(t, "renamed", rec.Name)
	assert.Equal(t, "second key", rec.Description)

	_, err = v.RotateWith(ctx, endpoint.Netbanx, RotateRequest{Endpoint: endpoint.DirectDebit, Secret: secretB})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = v.RotateWith(ctx, endpoint.Netbanx, RotateRequest{Secret: secretB, Algorithm: "des"})
	assert.ErrorIs(t, err, ErrValidation)

	got, err := v.Get(ctx, endpoint.Netbanx)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Version)
}
