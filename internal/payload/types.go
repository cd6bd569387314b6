package payload

import (
	"encoding/json"
	"strings"

	"github.com/mattjoyce/paysink/internal/endpoint"
)

// Kind names the variant held by Event.Body.
type Kind string

const (
	KindAccountStatus    Kind = "account_status"
	KindDirectDebit      Kind = "direct_debit"
	KindAlternatePayment Kind = "alternate_payment"
	KindNetbanx          Kind = "netbanx"
	KindUnknown          Kind = "unknown"
)

// Body is one of AccountStatus, DirectDebit, AlternatePayment, Netbanx or Unknown.
type Body interface {
	Kind() Kind
}

type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currencyCode"`
}

type AccountStatus struct {
	AccountID      string `json:"accountId"`
	MerchantID     string `json:"merchantId"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previousStatus"`
	Reason         string `json:"reason"`
}

func (AccountStatus) Kind() Kind { return KindAccountStatus }

type DirectDebit struct {
	PaymentID        string `json:"paymentId"`
	MandateReference string `json:"mandateReference"`
	MerchantRefNum   string `json:"merchantRefNum"`
	Status           string `json:"status"`
	Money
}

func (DirectDebit) Kind() Kind { return KindDirectDebit }

type AlternatePayment struct {
	PaymentID      string `json:"paymentId"`
	PaymentType    string `json:"paymentType"`
	PaymentHandle  string `json:"paymentHandleToken"`
	MerchantRefNum string `json:"merchantRefNum"`
	Status         string `json:"status"`
	Money
}

func (AlternatePayment) Kind() Kind { return KindAlternatePayment }

type Netbanx struct {
	TransactionID  string `json:"transactionId"`
	MerchantRefNum string `json:"merchantRefNum"`
	AuthCode       string `json:"authCode"`
	Status         string `json:"status"`
	Money
}

func (Netbanx) Kind() Kind { return KindNetbanx }

// Unknown carries events whose type is not recognised for their endpoint. They
// are stored, flagged, and never rejected.
type Unknown struct {
	Fields map[string]json.RawMessage
}

func (Unknown) Kind() Kind { return KindUnknown }

var endpointKinds = map[endpoint.Name]Kind{
	endpoint.AccountStatus:     KindAccountStatus,
	endpoint.DirectDebit:       KindDirectDebit,
	endpoint.AlternatePayments: KindAlternatePayment,
	endpoint.Netbanx:           KindNetbanx,
}

var knownTypes = map[endpoint.Name]map[string]struct{}{
	endpoint.AccountStatus: set(
		"ACCT_ENABLED", "ACCT_DISABLED", "ACCT_SUSPENDED", "ACCT_PENDING", "ACCT_APPROVED", "ACCT_REJECTED",
	),
	endpoint.DirectDebit: set(
		"DD_PAYMENT_COMPLETED", "DD_PAYMENT_FAILED", "DD_PAYMENT_PENDING",
		"DD_MANDATE_CREATED", "DD_MANDATE_CANCELLED", "DD_REFUND_COMPLETED",
	),
	endpoint.AlternatePayments: set(
		"PAYMENT_COMPLETED", "PAYMENT_FAILED", "PAYMENT_HANDLE_PAYABLE", "PAYMENT_HANDLE_FAILED",
		"SETTLEMENT_COMPLETED", "REFUND_COMPLETED",
	),
	endpoint.Netbanx: set(
		"AUTHORIZATION_COMPLETED", "AUTHORIZATION_FAILED", "SETTLEMENT_COMPLETED", "SETTLEMENT_FAILED",
		"REFUND_COMPLETED", "VOID_COMPLETED",
	),
}

// KnownType reports whether eventType is recognised for ep. Matching ignores case.
func KnownType(ep endpoint.Name, eventType string) bool {
	_, ok := knownTypes[ep][strings.ToUpper(strings.TrimSpace(eventType))]
	return ok
}

func set(values ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(values))
	for _, v := range values {
		m[v] = struct{}{}
	}
	return m
}
