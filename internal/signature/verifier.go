// Package signature authenticates inbound webhook bodies against the shared
// secret registered for their endpoint.
package signature

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mattjoyce/paysink/internal/endpoint"
	"github.com/mattjoyce/paysink/internal/secretcache"
	"github.com/mattjoyce/paysink/internal/vault"
)

// Headers are checked in this order; the first non-empty one is used.
var Headers = []string{
	"X-Paysafe-Signature",
	"X-Netbanx-Signature",
	"X-Signature",
	"Signature",
}

type Reason string

const (
	ReasonOK               Reason = "ok"
	ReasonUnsigned         Reason = "unsigned_allowed"
	ReasonNoSecret         Reason = "no_secret"
	ReasonMissingSignature Reason = "missing_signature"
	ReasonMalformed        Reason = "malformed_signature"
	ReasonMismatch         Reason = "mismatch"
)

type Result struct {
	Verified      bool
	Unsigned      bool
	Reason        Reason
	Header        string
	Signature     string
	SecretVersion int
}

// SecretResolver yields the current decrypted secret for an endpoint.
type SecretResolver interface {
	Resolve(ctx context.Context, ep endpoint.Name) (*secretcache.Secret, error)
}

type Config struct {
	// AllowUnsigned admits requests without a signature header. Never enabled in production.
	AllowUnsigned bool
}

type Verifier struct {
	secrets       SecretResolver
	allowUnsigned bool
	logger        *slog.Logger
}

func NewVerifier(secrets SecretResolver, cfg Config, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		secrets:       secrets,
		allowUnsigned: cfg.AllowUnsigned,
		logger:        logger.With("component", "signature"),
	}
}

// Verify authenticates body for ep. A non-nil error means the secret could not be
// resolved for a reason other than absence; the request must not be accepted.
func (v *Verifier) Verify(ctx context.Context, ep endpoint.Name, body []byte, headers http.Header) (Result, error) {
	secret, err := v.secrets.Resolve(ctx, ep)
	if errors.Is(err, vault.ErrNotFound) {
		return Result{Reason: ReasonNoSecret}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("resolve secret for %s: %w", ep, err)
	}

	header, sig := findSignature(headers)
	if sig == "" {
		if v.allowUnsigned {
			v.logger.Warn("accepting unsigned webhook", "endpoint", ep)
			return Result{Verified: true, Unsigned: true, Reason: ReasonUnsigned, SecretVersion: secret.Version}, nil
		}
		return Result{Reason: ReasonMissingSignature}, nil
	}

	res := Result{Header: header, Signature: Redact(sig), SecretVersion: secret.Version}
	switch err := verifyHMAC(body, sig, secret.Key); {
	case errors.Is(err, errMalformed):
		res.Reason = ReasonMalformed
	case err != nil:
		res.Reason = ReasonMismatch
	default:
		res.Verified = true
		res.Reason = ReasonOK
	}
	return res, nil
}

func findSignature(h http.Header) (string, string) {
	for _, name := range Headers {
		if sig := h.Get(name); sig != "" {
			return name, sig
		}
	}
	return "", ""
}
