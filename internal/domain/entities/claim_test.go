package entities

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeErrorExplanation_LegacyMatchesJSON(t *testing.T) {
	want := []string{
		"Paid amount 1500 exceeds threshold 1000",
		"Required field 'member_id' is missing or empty",
	}

	legacy := "• Paid amount 1500 exceeds threshold 1000\n• Required field 'member_id' is missing or empty"
	encoded := EncodeErrorExplanation(want)

	assert.Equal(t, want, DecodeErrorExplanation(legacy))
	assert.Equal(t, want, DecodeErrorExplanation(encoded))
}

func TestDecodeErrorExplanation_EdgeCases(t *testing.T) {
	assert.Equal(t, []string{}, DecodeErrorExplanation(""))
	assert.Equal(t, []string{}, DecodeErrorExplanation("[]"))
	assert.Equal(t, []string{"single legacy message"}, DecodeErrorExplanation("single legacy message"))
	assert.Equal(t, []string{"[not json"}, DecodeErrorExplanation("[not json"))
}

func TestClaim_Diagnoses(t *testing.T) {
	c := &Claim{DiagnosisCodes: " E11.9, I10 ,,"}
	assert.Equal(t, []string{"E11.9", "I10"}, c.Diagnoses())
}

func TestClaim_FieldValue(t *testing.T) {
	paid := 1500.5
	c := &Claim{MemberID: "M1", PaidAmount: &paid}

	v, ok := c.FieldValue("member_id")
	assert.True(t, ok)
	assert.Equal(t, "M1", v)

	v, ok = c.FieldValue("paid_amount_aed")
	assert.True(t, ok)
	assert.Equal(t, "1500.5", v)

	v, ok = c.FieldValue("national_id")
	assert.True(t, ok)
	assert.Empty(t, v)

	_, ok = c.FieldValue("favourite_colour")
	assert.False(t, ok)
}
