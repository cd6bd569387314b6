// Package vault stores per-endpoint webhook signing secrets encrypted at rest.
// Each endpoint owns a single record slot; rotation bumps its version in place.
package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mattjoyce/paysink/internal/endpoint"
	"github.com/mattjoyce/paysink/internal/storage"
)

const recordColumns = `endpoint, name, description, ciphertext, algorithm, version, active,
  last_used_at, usage_count, company_id, created_at, updated_at`

type Vault struct {
	db        *sql.DB
	cipher    *Cipher
	validate  *validator.Validate
	minLength int
	now       func() time.Time
	logger    *slog.Logger

	mu        sync.RWMutex
	listeners []func(endpoint.Name)
}

func New(db *sql.DB, c *Cipher, opts Options, logger *slog.Logger) *Vault {
	if opts.MinSecretLength <= 0 {
		opts.MinSecretLength = DefaultMinSecretLength
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{
		db:        db,
		cipher:    c,
		validate:  validator.New(),
		minLength: opts.MinSecretLength,
		now:       opts.Now,
		logger:    logger.With("component", "vault"),
	}
}

// OnChange registers fn to run after any committed change to an endpoint's record.
func (v *Vault) OnChange(fn func(endpoint.Name)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.listeners = append(v.listeners, fn)
}

func (v *Vault) notify(ep endpoint.Name) {
	v.mu.RLock()
	listeners := append([]func(endpoint.Name){}, v.listeners...)
	v.mu.RUnlock()
	for _, fn := range listeners {
		fn(ep)
	}
}

// Register stores a new secret for req.Endpoint. An active record already in the
// slot yields ErrAlreadyExists; an inactive one is re-registered at version+1.
func (v *Vault) Register(ctx context.Context, req RegisterRequest) (*Record, error) {
	if err := v.validateRegister(req); err != nil {
		return nil, err
	}
	algorithm := req.Algorithm
	if algorithm == "" {
		algorithm = AlgorithmAESGCM
	}
	ciphertext, err := v.cipher.Encrypt([]byte(req.Secret))
	if err != nil {
		return nil, fmt.Errorf("encrypt secret: %w", err)
	}
	now := storage.FormatTime(v.now())

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storage.Classify("register secret", err)
	}
	defer func() { _ = tx.Rollback() }()

	var active bool
	err = tx.QueryRowContext(ctx, `SELECT active FROM webhook_secrets WHERE endpoint = ?;`, string(req.Endpoint)).Scan(&active)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
INSERT INTO webhook_secrets(endpoint, name, description, ciphertext, algorithm, version, active, usage_count, company_id, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, 1, 1, 0, ?, ?, ?);
`, string(req.Endpoint), req.Name, req.Description, ciphertext, algorithm, nullable(req.CompanyID), now, now)
	case err != nil:
		return nil, storage.Classify("register secret", err)
	case active:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, req.Endpoint)
	default:
		_, err = tx.ExecContext(ctx, `
UPDATE webhook_secrets
SET name = ?, description = ?, ciphertext = ?, algorithm = ?, version = version + 1,
    active = 1, company_id = ?, updated_at = ?
WHERE endpoint = ?;
`, req.Name, req.Description, ciphertext, algorithm, nullable(req.CompanyID), now, string(req.Endpoint))
	}
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, req.Endpoint)
		}
		return nil, storage.Classify("register secret", err)
	}

	rec, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM webhook_secrets WHERE endpoint = ?;`, string(req.Endpoint)))
	if err != nil {
		return nil, storage.Classify("register secret", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storage.Classify("register secret", err)
	}

	v.logger.Info("secret registered", "endpoint", rec.Endpoint, "version", rec.Version)
	v.notify(rec.Endpoint)
	return rec, nil
}

// Rotate replaces the active secret and increments its version in one statement.
func (v *Vault) Rotate(ctx context.Context, ep endpoint.Name, secret string) (*Record, error) {
	return v.RotateWith(ctx, ep, RotateRequest{Secret: secret})
}

// RotateWith is Rotate with optional metadata changes. The new ciphertext,
// version bump and name/description update land in a single UPDATE.
func (v *Vault) RotateWith(ctx context.Context, ep endpoint.Name, req RotateRequest) (*Record, error) {
	if !ep.Valid() {
		return nil, fmt.Errorf("%w: %w", ErrValidation, endpoint.ErrUnknown)
	}
	if req.Endpoint != "" && req.Endpoint != ep {
		return nil, fmt.Errorf("%w: body endpoint %q does not match %q", ErrValidation, req.Endpoint, ep)
	}
	if err := v.validateStruct(req); err != nil {
		return nil, err
	}
	if err := v.checkSecret(req.Secret); err != nil {
		return nil, err
	}
	ciphertext, err := v.cipher.Encrypt([]byte(req.Secret))
	if err != nil {
		return nil, fmt.Errorf("encrypt secret: %w", err)
	}
	var description any
	if req.Description != nil {
		description = *req.Description
	}

	rec, err := scanRecord(v.db.QueryRowContext(ctx, `
UPDATE webhook_secrets
SET ciphertext = ?, algorithm = ?, version = version + 1, updated_at = ?,
    name = COALESCE(NULLIF(?, ''), name),
    description = COALESCE(?, description)
WHERE endpoint = ? AND active = 1
RETURNING `+recordColumns+`;
`, ciphertext, AlgorithmAESGCM, storage.FormatTime(v.now()), strings.TrimSpace(req.Name), description, string(ep)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ep)
	}
	if err != nil {
		return nil, storage.Classify("rotate secret", err)
	}

	v.logger.Info("secret rotated", "endpoint", ep, "version", rec.Version)
	v.notify(ep)
	return rec, nil
}

// Get returns the active record for ep.
func (v *Vault) Get(ctx context.Context, ep endpoint.Name) (*Record, error) {
	rec, err := scanRecord(v.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM webhook_secrets WHERE endpoint = ? AND active = 1;`, string(ep)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ep)
	}
	if err != nil {
		return nil, storage.Classify("get secret", err)
	}
	return rec, nil
}

// List returns every record, active or not, ordered by endpoint.
func (v *Vault) List(ctx context.Context) ([]*Record, error) {
	rows, err := v.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM webhook_secrets ORDER BY endpoint;`)
	if err != nil {
		return nil, storage.Classify("list secrets", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storage.Classify("list secrets", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Classify("list secrets", err)
	}
	return out, nil
}

// Deactivate logically deletes the active record for ep.
func (v *Vault) Deactivate(ctx context.Context, ep endpoint.Name) error {
	res, err := v.db.ExecContext(ctx,
		`UPDATE webhook_secrets SET active = 0, updated_at = ? WHERE endpoint = ? AND active = 1;`,
		storage.FormatTime(v.now()), string(ep))
	if err != nil {
		return storage.Classify("deactivate secret", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.Classify("deactivate secret", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, ep)
	}
	v.logger.Info("secret deactivated", "endpoint", ep)
	v.notify(ep)
	return nil
}

// Touch records a use of the endpoint's secret.
func (v *Vault) Touch(ctx context.Context, ep endpoint.Name) error {
	res, err := v.db.ExecContext(ctx,
		`UPDATE webhook_secrets SET last_used_at = ?, usage_count = usage_count + 1 WHERE endpoint = ? AND active = 1;`,
		storage.FormatTime(v.now()), string(ep))
	if err != nil {
		return storage.Classify("touch secret", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, ep)
	}
	return nil
}

// Decrypt returns the plaintext key material held by rec.
func (v *Vault) Decrypt(rec *Record) ([]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("decrypt secret: nil record")
	}
	if rec.Algorithm != AlgorithmAESGCM {
		return nil, fmt.Errorf("decrypt secret %s: unsupported algorithm %q", rec.Endpoint, rec.Algorithm)
	}
	key, err := v.cipher.Decrypt(rec.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret %s: %w", rec.Endpoint, err)
	}
	return key, nil
}

// Reveal loads and decrypts the active secret for ep and records the use.
func (v *Vault) Reveal(ctx context.Context, ep endpoint.Name) ([]byte, *Record, error) {
	rec, err := v.Get(ctx, ep)
	if err != nil {
		return nil, nil, err
	}
	key, err := v.Decrypt(rec)
	if err != nil {
		return nil, nil, err
	}
	if err := v.Touch(ctx, ep); err != nil {
		v.logger.Warn("failed to record secret usage", "endpoint", ep, "error", err)
	}
	return key, rec, nil
}

// HealthCheck verifies the cipher and the table are usable.
func (v *Vault) HealthCheck(ctx context.Context) error {
	if err := v.cipher.HealthCheck(); err != nil {
		return err
	}
	var n int
	if err := v.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_secrets;`).Scan(&n); err != nil {
		return storage.Classify("vault health", err)
	}
	return nil
}

func (v *Vault) validateRegister(req RegisterRequest) error {
	if err := v.validateStruct(req); err != nil {
		return err
	}
	if !req.Endpoint.Valid() {
		return fmt.Errorf("%w: %w", ErrValidation, endpoint.ErrUnknown)
	}
	if strings.TrimSpace(req.Name) == "" {
		return fmt.Errorf("%w: name is blank", ErrValidation)
	}
	return v.checkSecret(req.Secret)
}

// validateStruct applies the request's validate tags.
func (v *Vault) validateStruct(req any) error {
	if err := v.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrValidation, strings.Join(fields, "; "))
		}
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}

func (v *Vault) checkSecret(secret string) error {
	if len(secret) < v.minLength {
		return fmt.Errorf("%w: secret must be at least %d characters", ErrValidation, v.minLength)
	}
	if strings.TrimSpace(secret) != secret {
		return fmt.Errorf("%w: secret has leading or trailing whitespace", ErrValidation)
	}
	distinct := map[rune]struct{}{}
	for _, r := range secret {
		distinct[r] = struct{}{}
	}
	if len(distinct) < 8 {
		return fmt.Errorf("%w: secret has too few distinct characters", ErrValidation)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec         Record
		ep          string
		description sql.NullString
		lastUsed    sql.NullString
		companyID   sql.NullString
		createdAt   string
		updatedAt   string
	)
	if err := row.Scan(&ep, &rec.Name, &description, &rec.Ciphertext, &rec.Algorithm, &rec.Version,
		&rec.Active, &lastUsed, &rec.UsageCount, &companyID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.Endpoint = endpoint.Name(ep)
	rec.Description = description.String
	rec.LastUsedAt = storage.ParseTime(lastUsed)
	if companyID.Valid {
		s := companyID.String
		rec.CompanyID = &s
	}
	if t := storage.ParseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		rec.CreatedAt = *t
	}
	if t := storage.ParseTime(sql.NullString{String: updatedAt, Valid: true}); t != nil {
		rec.UpdatedAt = *t
	}
	return &rec, nil
}

func nullable(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}
