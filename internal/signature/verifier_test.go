package signature

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/paysink/internal/endpoint"
	"github.com/mattjoyce/paysink/internal/log"
	"github.com/mattjoyce/paysink/internal/secretcache"
	"github.com/mattjoyce/paysink/internal/vault"
)

type staticSecrets map[endpoint.Name][]byte

func (s staticSecrets) Resolve(_ context.Context, ep endpoint.Name) (*secretcache.Secret, error) {
	key, ok := s[ep]
	if !ok {
		return nil, fmt.Errorf("%w: %s", vault.ErrNotFound, ep)
	}
	return &secretcache.Secret{Endpoint: ep, Key: key, Version: 3}, nil
}

type failingSecrets struct{ err error }

func (f failingSecrets) Resolve(context.Context, endpoint.Name) (*secretcache.Secret, error) {
	return nil, f.err
}

var testBody = []byte(`{"id":"evt_1","eventType":"ACCT_ENABLED"}`)

func TestVerifyHeaderEquivalence(t *testing.T) {
	key := []byte("shared-secret-0123456789abcdefghij")
	v := NewVerifier(staticSecrets{endpoint.AccountStatus: key}, Config{}, log.Discard())
	sig := Sign(testBody, key)

	for _, name := range Headers {
		t.Run(name, func(t *testing.T) {
			h := http.Header{}
			h.Set(name, sig)
			res, err := v.Verify(context.Background(), endpoint.AccountStatus, testBody, h)
			require.NoError(t, err)
			assert.True(t, res.Verified)
			assert.Equal(t, ReasonOK, res.Reason)
			assert.Equal(t, name, res.Header)
			assert.Equal(t, 3, res.SecretVersion)
		})
	}
}

func TestVerifyHeaderPrecedence(t *testing.T) {
	key := []byte("shared-secret")
	v := NewVerifier(staticSecrets{endpoint.Netbanx: key}, Config{}, log.Discard())

	h := http.Header{}
	h.Set("X-Paysafe-Signature", Sign([]byte("other"), key))
	h.Set("Signature", Sign(testBody, key))

	res, err := v.Verify(context.Background(), endpoint.Netbanx, testBody, h)
	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.Equal(t, ReasonMismatch, res.Reason)
	assert.Equal(t, "X-Paysafe-Signature", res.Header)
}

func TestVerifyFailures(t *testing.T) {
	key := []byte("shared-secret")
	secrets := staticSecrets{endpoint.DirectDebit: key}

	tests := []struct {
		name          string
		ep            endpoint.Name
		signature     string
		allowUnsigned bool
		wantVerified  bool
		wantUnsigned  bool
		wantReason    Reason
	}{
		{name: "no secret", ep: endpoint.Netbanx, signature: Sign(testBody, key), wantReason: ReasonNoSecret},
		{name: "no secret even when unsigned allowed", ep: endpoint.Netbanx, allowUnsigned: true, wantReason: ReasonNoSecret},
		{name: "missing header", ep: endpoint.DirectDebit, wantReason: ReasonMissingSignature},
		{name: "unsigned allowed", ep: endpoint.DirectDebit, allowUnsigned: true, wantVerified: true, wantUnsigned: true, wantReason: ReasonUnsigned},
		{name: "malformed", ep: endpoint.DirectDebit, signature: "not-hex", wantReason: ReasonMalformed},
		{name: "mismatch", ep: endpoint.DirectDebit, signature: Sign([]byte("x"), key), wantReason: ReasonMismatch},
		{name: "mismatch with unsigned allowed", ep: endpoint.DirectDebit, signature: Sign([]byte("x"), key), allowUnsigned: true, wantReason: ReasonMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier(secrets, Config{AllowUnsigned: tt.allowUnsigned}, log.Discard())
			h := http.Header{}
			if tt.signature != "" {
				h.Set("X-Signature", tt.signature)
			}
			res, err := v.Verify(context.Background(), tt.ep, testBody, h)
			require.NoError(t, err)
			assert.Equal(t, tt.wantVerified, res.Verified)
			assert.Equal(t, tt.wantUnsigned, res.Unsigned)
			assert.Equal(t, tt.wantReason, res.Reason)
		})
	}
}

func TestVerifyResolverErrorIsNotVerified(t *testing.T) {
	v := NewVerifier(failingSecrets{err: errors.New("db locked")}, Config{AllowUnsigned: true}, log.Discard())
	res, err := v.Verify(context.Background(), endpoint.Netbanx, testBody, http.Header{})
	require.Error(t, err)
	assert.False(t, res.Verified)
}

func TestVerifyRotationCutOver(t *testing.T) {
	oldKey := []byte("old-secret")
	newKey := []byte("new-secret")
	secrets := staticSecrets{endpoint.Netbanx: oldKey}
	v := NewVerifier(secrets, Config{}, log.Discard())

	oldSig := Sign(testBody, oldKey)
	h := http.Header{}
	h.Set("X-Paysafe-Signature", oldSig)

	res, err := v.Verify(context.Background(), endpoint.Netbanx, testBody, h)
	require.NoError(t, err)
	assert.True(t, res.Verified)

	secrets[endpoint.Netbanx] = newKey
	res, err = v.Verify(context.Background(), endpoint.Netbanx, testBody, h)
	require.NoError(t, err)
	assert.False(t, res.Verified)

	h.Set("X-Paysafe-Signature", SignBase64(testBody, newKey))
	res, err = v.Verify(context.Background(), endpoint.Netbanx, testBody, h)
	require.NoError(t, err)
	assert.True(t, res.Verified)
}
