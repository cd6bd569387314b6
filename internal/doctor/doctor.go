// Package doctor audits a loaded paysink configuration and, when a vault is
// available, the registered secrets. Load already rejects invalid configs; the
// doctor reports posture problems that are legal but probably unintended.
package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/mattjoyce/paysink/internal/auth"
	"github.com/mattjoyce/paysink/internal/config"
	"github.com/mattjoyce/paysink/internal/endpoint"
	"github.com/mattjoyce/paysink/internal/storage"
	"github.com/mattjoyce/paysink/internal/vault"
)

const minTokenLength = 24

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// SecretLister is the slice of the vault the doctor reads.
type SecretLister interface {
	List(ctx context.Context) ([]*vault.Record, error)
}

// Doctor validates configuration and vault state.
type Doctor struct {
	cfg     *config.Config
	secrets SecretLister
}

// New creates a Doctor. secrets may be nil to audit the config file alone.
func New(cfg *config.Config, secrets SecretLister) *Doctor {
	return &Doctor{cfg: cfg, secrets: secrets}
}

var knownScopes = map[string]bool{
	auth.ScopeAll:            true,
	auth.ScopeSecretsRead:    true,
	auth.ScopeSecretsWrite:   true,
	auth.ScopeSecretsDecrypt: true,
	auth.ScopeEventsRead:     true,
	auth.ScopeJobsRead:       true,
	auth.ScopeCacheRead:      true,
	auth.ScopeCacheWrite:     true,
	auth.ScopeSchedulerRead:  true,
	auth.ScopeSchedulerWrite: true,
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate(ctx context.Context) *Result {
	r := &Result{Valid: true}

	d.validateStatePath(r)
	d.validateTokens(r)
	d.validateSecrets(ctx, r)
	d.warnSignaturePosture(r)
	d.warnRateLimit(r)
	d.warnAPIExposure(r)
	d.warnRetention(r)
	d.warnUnpinnedConfig(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateStatePath(r *Result) {
	err := storage.CheckLocalFilesystem(d.cfg.State.Path)
	if errors.Is(err, storage.ErrNetworkFilesystem) {
		d.addError(r, "state", "state.path", err.Error())
	} else if err != nil {
		d.addWarning(r, "state", "state.path", fmt.Sprintf("could not inspect filesystem: %v", err))
	}
}

// validateTokens checks scope names and token hygiene.
func (d *Doctor) validateTokens(r *Result) {
	seen := make(map[string]int)
	for i, token := range d.cfg.API.Auth.Tokens {
		field := fmt.Sprintf("api.auth.tokens[%d]", i)

		for j, scope := range token.Scopes {
			if !knownScopes[strings.ToLower(strings.TrimSpace(scope))] {
				d.addError(r, "token_scopes", fmt.Sprintf("%s.scopes[%d]", field, j),
					fmt.Sprintf("unknown scope %q", scope))
			}
			if scope == auth.ScopeSecretsDecrypt && !d.cfg.API.AllowDecrypt {
				d.addWarning(r, "token_scopes", fmt.Sprintf("%s.scopes[%d]", field, j),
					"secrets:decrypt granted but api.allow_decrypt is off; the scope has no effect")
			}
		}

		if len(token.Token) < minTokenLength {
			d.addWarning(r, "tokens", field+".token",
				fmt.Sprintf("token %q is shorter than %d characters", token.Name, minTokenLength))
		}
		if prev, ok := seen[token.Token]; ok {
			d.addError(r, "tokens", field+".token",
				fmt.Sprintf("token value duplicates api.auth.tokens[%d]; callers cannot be told apart", prev))
		}
		seen[token.Token] = i
	}
}

// validateSecrets reports endpoints that would reject every signed delivery.
func (d *Doctor) validateSecrets(ctx context.Context, r *Result) {
	if d.secrets == nil {
		return
	}
	records, err := d.secrets.List(ctx)
	if err != nil {
		d.addError(r, "secrets", "", fmt.Sprintf("failed to list secrets: %v", err))
		return
	}

	active := make(map[endpoint.Name]bool)
	for _, rec := range records {
		if rec.Active {
			active[rec.Endpoint] = true
		}
	}
	for _, ep := range endpoint.All() {
		if active[ep] {
			continue
		}
		msg := fmt.Sprintf("endpoint %q has no active secret; signed deliveries will be rejected", ep)
		if d.cfg.Service.Production() {
			d.addError(r, "secrets", string(ep), msg)
		} else {
			d.addWarning(r, "secrets", string(ep), msg)
		}
	}
}

func (d *Doctor) warnSignaturePosture(r *Result) {
	if d.cfg.Signature.AllowUnsigned && d.cfg.Service.Environment == config.EnvStaging {
		d.addWarning(r, "signature", "signature.allow_unsigned",
			"unsigned webhooks are accepted in staging; production will reject them")
	}
	if d.cfg.Secrets.MinLength < 32 {
		d.addWarning(r, "secrets", "secrets.min_length",
			fmt.Sprintf("min_length %d is below the recommended 32", d.cfg.Secrets.MinLength))
	}
}

func (d *Doctor) warnRateLimit(r *Result) {
	rl := d.cfg.RateLimit
	if !rl.Enabled {
		if d.cfg.Service.Production() {
			d.addWarning(r, "ratelimit", "ratelimit.enabled", "rate limiting is disabled in production")
		}
		return
	}
	if rl.Backend == config.RateLimitRedis && rl.Redis.Password == "" && !isLoopback(rl.Redis.Addr) {
		d.addWarning(r, "ratelimit", "ratelimit.redis.password",
			fmt.Sprintf("redis at %s is remote but no password is configured", rl.Redis.Addr))
	}
}

func (d *Doctor) warnAPIExposure(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if !isLoopback(d.cfg.API.Listen) {
		d.addWarning(r, "api", "api.listen",
			fmt.Sprintf("admin API listens on %s, reachable beyond localhost", d.cfg.API.Listen))
	}
	if d.cfg.API.AllowDecrypt && d.cfg.Service.Production() {
		d.addWarning(r, "api", "api.allow_decrypt", "secret decryption over the API is enabled in production")
	}
	if d.cfg.API.Listen == d.cfg.Webhooks.Listen {
		d.addError(r, "api", "api.listen", "admin API and webhook listener share an address")
	}
}

func (d *Doctor) warnRetention(r *Result) {
	s := d.cfg.Scheduler
	if s.TerminalRetention > 0 && s.JobLogRetention > s.TerminalRetention {
		d.addWarning(r, "scheduler", "scheduler.job_log_retention",
			fmt.Sprintf("job log retention (%s) outlives the jobs it describes (%s)", s.JobLogRetention, s.TerminalRetention))
	}
	if s.CacheSweepEvery > d.cfg.Secrets.CacheTTL {
		d.addWarning(r, "scheduler", "scheduler.cache_sweep_every",
			fmt.Sprintf("cache sweep interval (%s) exceeds secrets.cache_ttl (%s)", s.CacheSweepEvery, d.cfg.Secrets.CacheTTL))
	}
}

func (d *Doctor) warnUnpinnedConfig(r *Result) {
	if d.cfg.SourceFile == "" {
		return
	}
	if _, err := os.Stat(config.ChecksumPath(d.cfg.SourceFile)); errors.Is(err, os.ErrNotExist) {
		d.addWarning(r, "integrity", "",
			"config has no checksum sidecar; run `paysink config lock` to pin it")
	}
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
	} else {
		fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
	}
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
