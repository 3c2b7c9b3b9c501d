package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"strings"
)

const MetaSignaturePrefix = "sha256="

// VerifyMetaSignature checks an x-hub-signature-256 header against the raw
// request body. Malformed input yields false.
func VerifyMetaSignature(body []byte, header, secret string) bool {
	if header == "" || secret == "" {
		return false
	}
	if !strings.HasPrefix(header, MetaSignaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, MetaSignaturePrefix))
	if err != nil || len(got) != sha256.Size {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func SignMetaBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return MetaSignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifyChallenge implements the subscription handshake. It returns the
// challenge to echo and whether the request is accepted.
func VerifyChallenge(mode, token, challenge, expected string) (string, bool) {
	if mode != "subscribe" || expected == "" {
		return "", false
	}
	if !hmac.Equal([]byte(token), []byte(expected)) {
		return "", false
	}
	return challenge, true
}

// PaymobHMACFields is the gateway's concatenation order for transaction callbacks.
// Changing it breaks every signature.
var PaymobHMACFields = []string{
	"amount_cents",
	"created_at",
	"currency",
	"error_occured",
	"has_parent_transaction",
	"id",
	"integration_id",
	"is_3d_secure",
	"is_auth",
	"is_capture",
	"is_refunded",
	"is_standalone_payment",
	"is_voided",
	"order.id",
	"owner",
	"pending",
	"source_data.pan",
	"source_data.sub_type",
	"source_data.type",
	"success",
}

// PaymobHMAC computes the hex HMAC-SHA512 of the callback's transaction object.
func PaymobHMAC(obj map[string]json.RawMessage, secret string) string {
	var b strings.Builder
	for _, field := range PaymobHMACFields {
		b.WriteString(lookupField(obj, field))
	}

	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(b.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPaymobHMAC compares digests with plain string equality. The callback
// is a correctness check against the gateway, not a local auth boundary.
func VerifyPaymobHMAC(obj map[string]json.RawMessage, received, secret string) bool {
	if received == "" || secret == "" || obj == nil {
		return false
	}
	return PaymobHMAC(obj, secret) == strings.ToLower(received)
}

func lookupField(obj map[string]json.RawMessage, path string) string {
	parts := strings.Split(path, ".")
	current := obj
	for i, part := range parts {
		raw, ok := current[part]
		if !ok {
			return ""
		}
		if i == len(parts)-1 {
			return renderValue(raw)
		}
		var next map[string]json.RawMessage
		if err := json.Unmarshal(raw, &next); err != nil {
			return ""
		}
		current = next
	}
	return ""
}

// renderValue writes strings unquoted and numbers or booleans as their literal JSON text.
func renderValue(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	}
	return trimmed
}
