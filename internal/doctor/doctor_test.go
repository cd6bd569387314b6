package doctor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/paysink/internal/config"
	"github.com/mattjoyce/paysink/internal/endpoint"
	"github.com/mattjoyce/paysink/internal/vault"
)

const strongToken = "tok_0123456789abcdefghijklmnop"

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.State.Path = filepath.Join(t.TempDir(), "paysink.db")
	cfg.API.Enabled = true
	cfg.API.Auth.Tokens = []config.APIToken{
		{Name: "admin", Token: strongToken, Scopes: []string{"*"}},
	}
	return cfg
}

type fakeLister struct {
	records []*vault.Record
	err     error
}

func (f fakeLister) List(context.Context) ([]*vault.Record, error) {
	return f.records, f.err
}

func allActive() fakeLister {
	var recs []*vault.Record
	for _, ep := range endpoint.All() {
		recs = append(recs, &vault.Record{Endpoint: ep, Active: true})
	}
	return fakeLister{records: recs}
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := New(validConfig(t), allActive()).Validate(context.Background())
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
}

func TestValidate_UnknownScope(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Auth.Tokens[0].Scopes = []string{"secrets:ro", "plugins:rw"}
	r := New(cfg, nil).Validate(context.Background())
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "token_scopes", "plugins:rw")
}

func TestValidate_DecryptScopeWithoutDecrypt(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Auth.Tokens[0].Scopes = []string{"secrets:decrypt"}
	r := New(cfg, nil).Validate(context.Background())
	assertHasWarning(t, r, "token_scopes", "allow_decrypt")
}

func TestValidate_DuplicateAndShortTokens(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Auth.Tokens = append(cfg.API.Auth.Tokens,
		config.APIToken{Name: "copy", Token: strongToken, Scopes: []string{"events:ro"}},
		config.APIToken{Name: "weak", Token: "short", Scopes: []string{"jobs:ro"}},
	)
	r := New(cfg, nil).Validate(context.Background())
	assertHasError(t, r, "tokens", "duplicates api.auth.tokens[0]")
	assertHasWarning(t, r, "tokens", `"weak"`)
}

func TestValidate_MissingSecrets(t *testing.T) {
	t.Parallel()
	lister := fakeLister{records: []*vault.Record{
		{Endpoint: endpoint.Netbanx, Active: true},
		{Endpoint: endpoint.DirectDebit, Active: false},
	}}

	cfg := validConfig(t)
	r := New(cfg, lister).Validate(context.Background())
	if !r.Valid {
		t.Fatalf("missing secrets should only warn outside production: %v", r.Errors)
	}
	assertHasWarning(t, r, "secrets", string(endpoint.DirectDebit))
	assertHasWarning(t, r, "secrets", string(endpoint.AccountStatus))

	cfg.Service.Environment = config.EnvProduction
	r = New(cfg, lister).Validate(context.Background())
	if r.Valid {
		t.Fatal("expected invalid in production")
	}
	assertHasError(t, r, "secrets", string(endpoint.AlternatePayments))
}

func TestValidate_SecretListFailure(t *testing.T) {
	t.Parallel()
	r := New(validConfig(t), fakeLister{err: errors.New("database is locked")}).Validate(context.Background())
	assertHasError(t, r, "secrets", "database is locked")
}

func TestValidate_ExposureWarnings(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Service.Environment = config.EnvProduction
	cfg.API.Listen = "0.0.0.0:8080"
	cfg.API.AllowDecrypt = true
	cfg.RateLimit.Backend = config.RateLimitRedis
	cfg.RateLimit.Redis.Addr = "redis.internal:6379"

	r := New(cfg, allActive()).Validate(context.Background())
	assertHasWarning(t, r, "api", "beyond localhost")
	assertHasWarning(t, r, "api", "decryption")
	assertHasWarning(t, r, "ratelimit", "no password")

	cfg.RateLimit.Enabled = false
	r = New(cfg, allActive()).Validate(context.Background())
	assertHasWarning(t, r, "ratelimit", "disabled in production")
}

func TestValidate_SharedListener(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Listen = cfg.Webhooks.Listen
	r := New(cfg, nil).Validate(context.Background())
	assertHasError(t, r, "api", "share an address")
}

func TestValidate_RetentionAndSweep(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Scheduler.JobLogRetention = 2 * cfg.Scheduler.TerminalRetention
	cfg.Scheduler.CacheSweepEvery = 2 * cfg.Secrets.CacheTTL
	r := New(cfg, nil).Validate(context.Background())
	assertHasWarning(t, r, "scheduler", "outlives")
	assertHasWarning(t, r, "scheduler", "exceeds secrets.cache_ttl")
}

func TestValidate_UnpinnedConfig(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.SourceFile = filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfg.SourceFile, []byte("service: {}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	r := New(cfg, nil).Validate(context.Background())
	assertHasWarning(t, r, "integrity", "config lock")

	if _, err := config.WriteChecksum(cfg.SourceFile); err != nil {
		t.Fatal(err)
	}
	r = New(cfg, nil).Validate(context.Background())
	for _, w := range r.Warnings {
		if w.Category == "integrity" {
			t.Fatalf("unexpected integrity warning after lock: %v", w)
		}
	}
}

func TestIsLoopback(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:8080": true,
		"[::1]:8080":     true,
		"0.0.0.0:8080":   false,
		":8080":          false,
		"10.0.0.5:6379":  false,
	} {
		if got := isLoopback(addr); got != want {
			t.Errorf("isLoopback(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	r := &Result{Valid: true, Warnings: []Issue{{Category: "api", Message: "hi"}}}
	out, err := FormatJSON(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"valid": true`) || !strings.Contains(out, `"category": "api"`) {
		t.Fatalf("unexpected JSON: %s", out)
	}
}

func TestFormatHuman_Valid(t *testing.T) {
	t.Parallel()
	out := FormatHuman(&Result{Valid: true})
	if !strings.Contains(out, "valid") {
		t.Fatalf("expected 'valid' in output, got: %s", out)
	}
}

func TestFormatHuman_Errors(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:    false,
		Errors:   []Issue{{Category: "test", Field: "x.y", Message: "broken"}},
		Warnings: []Issue{{Category: "test", Message: "meh"}},
	}
	out := FormatHuman(r)
	if !strings.Contains(out, "ERROR [test] x.y: broken") || !strings.Contains(out, "WARN  [test] meh") {
		t.Fatalf("unexpected output: %s", out)
	}
}

// --- helpers ---

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && (strings.Contains(e.Message, substring) || strings.Contains(e.Field, substring)) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && (strings.Contains(w.Message, substring) || strings.Contains(w.Field, substring)) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
