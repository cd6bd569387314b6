// Package payload turns raw webhook bodies into a typed event union and derives
// the idempotency key used for de-duplication.
package payload

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/paysink/internal/endpoint"
)

var ErrMalformed = errors.New("malformed payload")

var (
	sourceIDFields  = []string{"id", "eventId", "notificationId"}
	eventTypeFields = []string{"eventType", "type", "event_type", "eventName"}
)

// Event is a parsed webhook. Raw is kept byte for byte.
type Event struct {
	Endpoint   endpoint.Name
	Kind       Kind
	EventType  string
	KnownType  bool
	SourceID   string
	ResourceID string
	EventDate  string
	Mode       string
	Raw        json.RawMessage
	Body       Body
}

// Parse decodes raw for ep. hint is the event type from a request header and is
// only used when the body names none. Non-object JSON and a non-string event type
// are ErrMalformed; an unrecognised event type yields an Unknown body.
func Parse(ep endpoint.Name, raw []byte, hint string) (*Event, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: body is not a JSON object", ErrMalformed)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	ev := &Event{Endpoint: ep, Raw: json.RawMessage(raw)}

	var err error
	if ev.SourceID, err = firstScalar(fields, sourceIDFields); err != nil {
		return nil, err
	}
	if ev.EventType, err = firstString(fields, eventTypeFields); err != nil {
		return nil, err
	}
	if ev.EventType == "" {
		ev.EventType = hint
	}
	ev.ResourceID, _ = firstString(fields, []string{"resourceId"})
	ev.EventDate, _ = firstString(fields, []string{"eventDate"})
	ev.Mode, _ = firstString(fields, []string{"mode"})

	kind, ok := endpointKinds[ep]
	if !ok || !KnownType(ep, ev.EventType) {
		ev.Kind = KindUnknown
		ev.Body = Unknown{Fields: fields}
		return ev, nil
	}

	// Processor payloads nest the resource under "payload"; older ones are flat.
	src := trimmed
	if inner, ok := fields["payload"]; ok && len(bytes.TrimSpace(inner)) > 0 && bytes.TrimSpace(inner)[0] == '{' {
		src = inner
	}
	body, err := decodeBody(kind, src)
	if err != nil {
		return nil, fmt.Errorf("%w: %s body: %v", ErrMalformed, kind, err)
	}
	ev.Kind = kind
	ev.KnownType = true
	ev.Body = body
	return ev, nil
}

func decodeBody(kind Kind, src []byte) (Body, error) {
	switch kind {
	case KindAccountStatus:
		var b AccountStatus
		err := json.Unmarshal(src, &b)
		return b, err
	case KindDirectDebit:
		var b DirectDebit
		err := json.Unmarshal(src, &b)
		return b, err
	case KindAlternatePayment:
		var b AlternatePayment
		err := json.Unmarshal(src, &b)
		return b, err
	case KindNetbanx:
		var b Netbanx
		err := json.Unmarshal(src, &b)
		return b, err
	}
	return nil, fmt.Errorf("no decoder for %s", kind)
}

// IdempotencyKey identifies the event across redeliveries: the processor's own
// event id when present, else a BLAKE3 fingerprint of the raw body.
func (e *Event) IdempotencyKey() string {
	if e.SourceID != "" {
		return "src:" + e.SourceID
	}
	return "b3:" + Fingerprint(e.Raw)
}

// Fingerprint returns the hex BLAKE3-256 digest of b.
func Fingerprint(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func firstString(fields map[string]json.RawMessage, names []string) (string, error) {
	for _, name := range names {
		raw, ok := fields[name]
		if !ok || isNull(raw) {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: %s must be a string", ErrMalformed, name)
		}
		return s, nil
	}
	return "", nil
}

// firstScalar accepts string or numeric ids.
func firstScalar(fields map[string]json.RawMessage, names []string) (string, error) {
	for _, name := range names {
		raw, ok := fields[name]
		if !ok || isNull(raw) {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, nil
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil {
			if _, err := strconv.ParseFloat(n.String(), 64); err == nil {
				return n.String(), nil
			}
		}
		return "", fmt.Errorf("%w: %s must be a string or number", ErrMalformed, name)
	}
	return "", nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
