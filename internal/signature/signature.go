// Package signature verifies that webhook bodies were signed by the payment
// provider that claims to have sent them.
//
// Every function works on the raw request body and fails closed: malformed
// headers, missing components and empty secrets all yield false. Digests are
// compared with crypto/subtle against the exact header bytes, so a mutated
// signature never verifies, including case changes in hex digits.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Scheme names the signing string layout a provider uses.
type Scheme string

const (
	// SchemeTimestampedHMAC is "ts=<unix>;h1=<hex>" over "{ts}:{body}".
	SchemeTimestampedHMAC Scheme = "ts-h1"
	// SchemeStripe is "t=<unix>,v1=<hex>[,v1=<hex>]" over "{t}.{body}".
	SchemeStripe Scheme = "t-v1"
)

// Verify dispatches on scheme. Schemes that need more than one header (see
// VerifyStandardWebhook) are not reachable through Verify.
func Verify(scheme Scheme, rawBody []byte, header string, secret []byte) bool {
	switch scheme {
	case SchemeTimestampedHMAC:
		return VerifyTimestamped(rawBody, header, secret)
	case SchemeStripe:
		return VerifyStripe(rawBody, header, secret)
	default:
		return false
	}
}

// ParseTimestamped splits a "ts=<unix>;h1=<hex>" header.
func ParseTimestamped(header string) (ts string, h1 string, ok bool) {
	for _, part := range strings.Split(header, ";") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return "", "", false
		}
		switch key {
		case "ts":
			ts = value
		case "h1":
			h1 = value
		}
	}
	if !isUnixTimestamp(ts) || !isLowerHex(h1) {
		return "", "", false
	}
	return ts, h1, true
}

// VerifyTimestamped checks a "ts=<unix>;h1=<hex>" header (Paddle).
func VerifyTimestamped(rawBody []byte, header string, secret []byte) bool {
	if len(secret) == 0 {
		return false
	}
	ts, h1, ok := ParseTimestamped(header)
	if !ok {
		return false
	}
	expected := hexMAC(secret, []byte(ts), []byte{':'}, rawBody)
	return subtle.ConstantTimeCompare([]byte(h1), expected) == 1
}

// ParseStripe splits a "t=<unix>,v1=<hex>" header. Unknown keys such as v0
// are ignored; at least one v1 is required.
func ParseStripe(header string) (ts string, v1 []string, ok bool) {
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return "", nil, false
		}
		switch key {
		case "t":
			ts = value
		case "v1":
			if !isLowerHex(value) {
				return "", nil, false
			}
			v1 = append(v1, value)
		}
	}
	if !isUnixTimestamp(ts) || len(v1) == 0 {
		return "", nil, false
	}
	return ts, v1, true
}

// VerifyStripe checks a stripe-signature header. Any v1 entry may match,
// which covers secret rotation.
func VerifyStripe(rawBody []byte, header string, secret []byte) bool {
	if len(secret) == 0 {
		return false
	}
	ts, candidates, ok := ParseStripe(header)
	if !ok {
		return false
	}
	expected := hexMAC(secret, []byte(ts), []byte{'.'}, rawBody)
	matched := 0
	for _, c := range candidates {
		matched |= subtle.ConstantTimeCompare([]byte(c), expected)
	}
	return matched == 1
}

// VerifyStandardWebhook checks the Standard Webhooks scheme used by Polar:
// signature "v1,<base64>" entries separated by spaces, signed over
// "{id}.{timestamp}.{body}". Secrets prefixed with "whsec_" are base64 decoded.
func VerifyStandardWebhook(rawBody []byte, msgID, timestamp, header string, secret []byte) bool {
	key := StandardWebhookKey(secret)
	if len(key) == 0 || msgID == "" || !isUnixTimestamp(timestamp) {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msgID))
	mac.Write([]byte{'.'})
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(rawBody)
	expected := []byte(base64.StdEncoding.EncodeToString(mac.Sum(nil)))

	matched, seen := 0, 0
	for _, entry := range strings.Fields(header) {
		version, sig, found := strings.Cut(entry, ",")
		if !found || version != "v1" {
			continue
		}
		seen++
		matched |= subtle.ConstantTimeCompare([]byte(sig), expected)
	}
	return seen > 0 && matched == 1
}

// StandardWebhookKey returns the HMAC key for a Standard Webhooks secret.
func StandardWebhookKey(secret []byte) []byte {
	s := string(secret)
	if rest, ok := strings.CutPrefix(s, "whsec_"); ok {
		decoded, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return nil
		}
		return decoded
	}
	return secret
}

// Sign produces the header value for the timestamped and Stripe schemes. It
// is used by tests and by cmd/seed to build signed fixtures.
func Sign(scheme Scheme, rawBody []byte, secret []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	switch scheme {
	case SchemeTimestampedHMAC:
		return "ts=" + ts + ";h1=" + string(hexMAC(secret, []byte(ts), []byte{':'}, rawBody))
	case SchemeStripe:
		return "t=" + ts + ",v1=" + string(hexMAC(secret, []byte(ts), []byte{'.'}, rawBody))
	default:
		return ""
	}
}

// SignStandardWebhook produces a "v1,<base64>" signature header.
func SignStandardWebhook(rawBody []byte, msgID string, at time.Time, secret []byte) string {
	mac := hmac.New(sha256.New, StandardWebhookKey(secret))
	mac.Write([]byte(msgID + "." + strconv.FormatInt(at.Unix(), 10) + "."))
	mac.Write(rawBody)
	return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Age returns how old a signed unix timestamp is relative to now.
func Age(ts string, now time.Time) (time.Duration, bool) {
	if !isUnixTimestamp(ts) {
		return 0, false
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return 0, false
	}
	return now.Sub(time.Unix(sec, 0)), true
}

func hexMAC(secret []byte, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, secret)
	for _, p := range parts {
		mac.Write(p)
	}
	sum := mac.Sum(nil)
	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum)
	return out
}

func isUnixTimestamp(s string) bool {
	if s == "" || len(s) > 12 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isLowerHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
