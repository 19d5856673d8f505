package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString_PAN(t *testing.T) {
	cleaned, masked := String("card 4111111111111111 was declined")
	assert.True(t, masked)
	assert.Equal(t, "card [PAN-REDACTED] was declined", cleaned)

	// 12 digits is below the PAN range, 20 digits is above it.
	for _, s := range []string{"ref 123456789012 ok", "ref 12345678901234567890 ok"} {
		cleaned, masked = String(s)
		assert.False(t, masked)
		assert.Equal(t, s, cleaned)
	}
}

func TestString_Email(t *testing.T) {
	cleaned, masked := String("contact johndoe@example.com for details")
	assert.True(t, masked)
	assert.Equal(t, "contact jo***@example.com for details", cleaned)

	// Short local parts keep everything they have.
	cleaned, _ = String("ab@example.com")
	assert.Equal(t, "ab***@example.com", cleaned)
}

func TestString_Phone(t *testing.T) {
	for _, s := range []string{
		"call 555-123-4567 now",
		"call (555) 123-4567 now",
		"call +1 555-123-4567 now",
	} {
		cleaned, masked := String(s)
		assert.True(t, masked, s)
		assert.Contains(t, cleaned, PhonePlaceholder)
		assert.NotContains(t, cleaned, "4567")
	}
}

func TestString_Idempotent(t *testing.T) {
	inputs := []string{
		"card 4111111111111111, email johndoe@example.com, phone 555-123-4567",
		"nothing sensitive here",
		"ab@x.io",
	}
	for _, in := range inputs {
		once, _ := String(in)
		twice, maskedAgain := String(once)
		assert.Equal(t, once, twice)
		assert.False(t, maskedAgain, "second pass must be a no-op for %q", in)
	}
}

func TestMaskID(t *testing.T) {
	assert.Equal(t, "cust***42", MaskID("cust-9942"))
	assert.Equal(t, MaskedShort, MaskID("short"))

	// Masking is idempotent.
	once := MaskID("customer-12345678")
	assert.Equal(t, once, MaskID(once))
}

func TestValue_NestedStructures(t *testing.T) {
	in := map[string]interface{}{
		"customer_id": "cust-88310022",
		"note":        "reached at johndoe@example.com",
		"amounts":     []interface{}{int64(1200), "pan 4111111111111111"},
		"tags":        []string{"velocity", "device"},
	}

	out, masked := Value(in)
	assert.True(t, masked)

	m := out.(map[string]interface{})
	assert.Equal(t, "cust***22", m["customer_id"])
	assert.Equal(t, "reached at jo***@example.com", m["note"])
	assert.Equal(t, "pan [PAN-REDACTED]", m["amounts"].([]interface{})[1])
	assert.Equal(t, []string{"velocity", "device"}, m["tags"])

	// Original map is untouched.
	assert.Equal(t, "cust-88310022", in["customer_id"])
}

func TestValue_NoMatchReturnsSameValue(t *testing.T) {
	in := map[string]interface{}{
		"step":  "riskSignals",
		"score": 42.0,
	}
	out, masked := Value(in)
	assert.False(t, masked)

	// Same underlying map, not a copy.
	m := out.(map[string]interface{})
	m["probe"] = true
	assert.Contains(t, in, "probe")
}
