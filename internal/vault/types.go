package vault

import (
	"errors"
	"time"

	"github.com/mattjoyce/paysink/internal/endpoint"
)

var (
	ErrNotFound      = errors.New("secret not found")
	ErrAlreadyExists = errors.New("active secret already exists for endpoint")
	ErrValidation    = errors.New("invalid secret request")
)

// Record is the persisted, encrypted secret for one endpoint. Ciphertext never
// leaves the process in API responses.
type Record struct {
	Endpoint    endpoint.Name `json:"endpoint"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Ciphertext  []byte        `json:"-"`
	Algorithm   string        `json:"algorithm"`
	Version     int           `json:"version"`
	Active      bool          `json:"active"`
	LastUsedAt  *time.Time    `json:"lastUsedAt,omitempty"`
	UsageCount  int64         `json:"usageCount"`
	CompanyID   *string       `json:"companyId,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// RegisterRequest creates (or re-activates) the secret for an endpoint.
type RegisterRequest struct {
	Endpoint    endpoint.Name `json:"endpoint" validate:"required"`
	Name        string        `json:"name" validate:"required,max=128"`
	Secret      string        `json:"secretKey" validate:"required"`
	Algorithm   string        `json:"algorithm" validate:"omitempty,oneof=aes-256-gcm"`
	Description string        `json:"description" validate:"max=512"`
	CompanyID   *string       `json:"companyId,omitempty" validate:"omitempty,min=1,max=64"`
}

// RotateRequest replaces the secret for an endpoint. Endpoint may be omitted;
// when set it must match the target. A blank Name or nil Description keeps the
// stored value.
type RotateRequest struct {
	Endpoint    endpoint.Name `json:"endpoint,omitempty"`
	Name        string        `json:"name,omitempty" validate:"max=128"`
	Secret      string        `json:"secretKey" validate:"required"`
	Algorithm   string        `json:"algorithm,omitempty" validate:"omitempty,oneof=aes-256-gcm"`
	Description *string       `json:"description,omitempty" validate:"omitempty,max=512"`
}

// Options tunes the vault's acceptance policy.
type Options struct {
	// MinSecretLength rejects short shared secrets. Zero uses DefaultMinSecretLength.
	MinSecretLength int
	// Now overrides the clock (tests).
	Now func() time.Time
}

const DefaultMinSecretLength = 32
