package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var errMalformed = errors.New("malformed signature")

// parseSignature decodes the MAC carried in a signature header.
//
// Supported formats:
//   - "sha256=<hex>" (prefix matched case-insensitively)
//   - "<hex>" (upper or lower case)
//   - "<base64>" (standard alphabet, padded or not; Paysafe's native format)
//
// Only 32-byte MACs are accepted.
func parseSignature(signature string) ([]byte, error) {
	sig := strings.TrimSpace(signature)
	if len(sig) > len("sha256=") && strings.EqualFold(sig[:len("sha256=")], "sha256=") {
		sig = sig[len("sha256="):]
	}
	if sig == "" {
		return nil, errMalformed
	}

	if len(sig) == hex.EncodedLen(sha256.Size) {
		if mac, err := hex.DecodeString(sig); err == nil {
			return mac, nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding} {
		if mac, err := enc.DecodeString(sig); err == nil && len(mac) == sha256.Size {
			return mac, nil
		}
	}
	return nil, errMalformed
}

// verifyHMAC checks an HMAC-SHA256 signature over the exact body bytes using a
// constant-time comparison. Errors are generic so callers cannot leak detail.
func verifyHMAC(body []byte, signature string, key []byte) error {
	if len(key) == 0 || signature == "" {
		return fmt.Errorf("webhook verification failed")
	}
	actual, err := parseSignature(signature)
	if err != nil {
		return err
	}
	if !hmac.Equal(computeMAC(body, key), actual) {
		return fmt.Errorf("webhook verification failed")
	}
	return nil
}

func computeMAC(body, key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return mac.Sum(nil)
}

// Sign returns the lowercase hex HMAC-SHA256 of body. Used by the CLI and tests
// to produce signatures the verifier accepts.
func Sign(body, key []byte) string {
	return hex.EncodeToString(computeMAC(body, key))
}

// SignBase64 returns the signature in the processor's native base64 form.
func SignBase64(body, key []byte) string {
	return base64.StdEncoding.EncodeToString(computeMAC(body, key))
}

// Redact shortens a signature for log output.
func Redact(sig string) string {
	sig = strings.TrimSpace(sig)
	if sig == "" {
		return ""
	}
	if len(sig) <= 8 {
		return "****"
	}
	return fmt.Sprintf("%s...(%d)", sig[:6], len(sig))
}
