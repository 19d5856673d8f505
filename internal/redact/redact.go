// Package redact masks PII in strings and nested structures before anything
// leaves the process: persisted traces, stream events and HTTP payloads all
// pass through here. All functions are pure and idempotent:
// redact(redact(x)) == redact(x).
package redact

import (
	"regexp"
	"strings"
)

const (
	// PANPlaceholder replaces any contiguous 13-19 digit run.
	PANPlaceholder = "[PAN-REDACTED]"
	// PhonePlaceholder replaces phone numbers in the 3-3-4 layout.
	PhonePlaceholder = "[PHONE-REDACTED]"
	// MaskedShort replaces identifiers too short to partially mask.
	MaskedShort = "***masked***"
)

var (
	digitRunRe = regexp.MustCompile(`\d+`)
	emailRe    = regexp.MustCompile(`([A-Za-z0-9._%+-]+)@([A-Za-z0-9.-]+\.[A-Za-z]{2,})`)
	// Optional country prefix, then 3-3-4 with separators or parens.
	phoneRe = regexp.MustCompile(`(\+?\d{1,3}[\s.-])?\(?\d{3}\)?[\s.-]\d{3}[\s.-]\d{4}`)

	// Map keys whose string values are customer identifiers.
	customerIDKeys = map[string]bool{
		"customer_id": true,
		"customerId":  true,
		"customerID":  true,
	}
)

// String masks PAN, email and phone patterns in s. The second return value
// reports whether anything was masked; when false, s is returned unchanged
// with no allocation.
func String(s string) (string, bool) {
	masked := false

	if emailRe.MatchString(s) {
		s = emailRe.ReplaceAllStringFunc(s, maskEmail)
		masked = true
	}
	if phoneRe.MatchString(s) {
		s = phoneRe.ReplaceAllString(s, PhonePlaceholder)
		masked = true
	}
	if hasPANRun(s) {
		s = digitRunRe.ReplaceAllStringFunc(s, func(run string) string {
			if len(run) >= 13 && len(run) <= 19 {
				return PANPlaceholder
			}
			return run
		})
		masked = true
	}

	return s, masked
}

func hasPANRun(s string) bool {
	for _, run := range digitRunRe.FindAllString(s, -1) {
		if len(run) >= 13 && len(run) <= 19 {
			return true
		}
	}
	return false
}

func maskEmail(addr string) string {
	at := strings.Index(addr, "@")
	local, domain := addr[:at], addr[at:]
	if len(local) <= 2 {
		return local + "***" + domain
	}
	return local[:2] + "***" + domain
}

// MaskID partially masks a customer identifier: first 4 + "***" + last 2.
// Identifiers shorter than 8 characters are fully masked.
func MaskID(id string) string {
	if len(id) < 8 {
		return MaskedShort
	}
	return id[:4] + "***" + id[len(id)-2:]
}

// Value walks an arbitrary value and masks every string leaf. Maps and
// slices are copied only when something inside them changed; otherwise the
// original value is returned as-is. String values under customer-ID keys
// additionally get MaskID applied.
func Value(v interface{}) (interface{}, bool) {
	switch t := v.(type) {
	case string:
		return String(t)
	case map[string]interface{}:
		return redactMap(t)
	case []interface{}:
		return redactSlice(t)
	case []string:
		return redactStrings(t)
	default:
		return v, false
	}
}

// Map is a convenience wrapper for trace details and event payloads.
func Map(m map[string]interface{}) map[string]interface{} {
	out, _ := redactMap(m)
	return out
}

// Strings redacts each element of a string slice.
func Strings(in []string) []string {
	out, _ := redactStrings(in)
	return out
}

func redactMap(m map[string]interface{}) (map[string]interface{}, bool) {
	if m == nil {
		return nil, false
	}

	var out map[string]interface{}
	changed := false

	for k, v := range m {
		cleaned, leafChanged := Value(v)

		if customerIDKeys[k] {
			if s, ok := cleaned.(string); ok {
				if masked := MaskID(s); masked != s {
					cleaned = masked
					leafChanged = true
				}
			}
		}

		if leafChanged {
			if !changed {
				out = make(map[string]interface{}, len(m))
				for k2, v2 := range m {
					out[k2] = v2
				}
				changed = true
			}
			out[k] = cleaned
		}
	}

	if !changed {
		return m, false
	}
	return out, true
}

func redactSlice(in []interface{}) ([]interface{}, bool) {
	var out []interface{}
	changed := false

	for i, v := range in {
		cleaned, leafChanged := Value(v)
		if leafChanged {
			if !changed {
				out = make([]interface{}, len(in))
				copy(out, in)
				changed = true
			}
			out[i] = cleaned
		}
	}

	if !changed {
		return in, false
	}
	return out, true
}

func redactStrings(in []string) ([]string, bool) {
	var out []string
	changed := false

	for i, s := range in {
		cleaned, leafChanged := String(s)
		if leafChanged {
			if !changed {
				out = make([]string, len(in))
				copy(out, in)
				changed = true
			}
			out[i] = cleaned
		}
	}

	if !changed {
		return in, false
	}
	return out, true
}
