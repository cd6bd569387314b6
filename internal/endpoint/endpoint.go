// Package endpoint enumerates the fixed set of webhook intake paths. Each endpoint
// owns exactly one shared secret in the vault.
package endpoint

import (
	"errors"
	"fmt"
	"strings"
)

// Name identifies one webhook intake path (the {endpoint} segment of /webhooks/{endpoint}).
type Name string

const (
	Netbanx           Name = "netbanx"
	AccountStatus     Name = "account-status"
	DirectDebit       Name = "direct-debit"
	AlternatePayments Name = "alternate-payments"
)

var ErrUnknown = errors.New("unknown webhook endpoint")

var all = []Name{Netbanx, AccountStatus, DirectDebit, AlternatePayments}

// All returns the endpoints in a stable order.
func All() []Name {
	out := make([]Name, len(all))
	copy(out, all)
	return out
}

// Parse normalizes s and returns the matching endpoint.
func Parse(s string) (Name, error) {
	n := Name(strings.ToLower(strings.TrimSpace(s)))
	if !n.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknown, s)
	}
	return n, nil
}

func (n Name) Valid() bool {
	for _, e := range all {
		if e == n {
			return true
		}
	}
	return false
}

func (n Name) String() string { return string(n) }
