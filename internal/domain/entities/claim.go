package entities

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ClaimStatus tracks whether a claim has been through the validation pipeline.
type ClaimStatus string

const (
	ClaimStatusNotValidated ClaimStatus = "Not validated"
	ClaimStatusValidated    ClaimStatus = "Validated"
)

// Claim is one insurance service record.
type Claim struct {
	ClaimID           string      `json:"claim_id"`
	TenantID          string      `json:"tenant_id"`
	EncounterType     string      `json:"encounter_type"`
	ServiceDate       *time.Time  `json:"service_date,omitempty"`
	NationalID        string      `json:"national_id"`
	MemberID          string      `json:"member_id"`
	FacilityID        string      `json:"facility_id"`
	UniqueID          string      `json:"unique_id"`
	DiagnosisCodes    string      `json:"diagnosis_codes"`
	ServiceCode       string      `json:"service_code"`
	PaidAmount        *float64    `json:"paid_amount,omitempty"`
	ApprovalNumber    string      `json:"approval_number"`
	Status            ClaimStatus `json:"status"`
	ErrorKind         ErrorKind   `json:"error_kind"`
	ErrorExplanation  []string    `json:"error_explanation"`
	RecommendedAction string      `json:"recommended_action"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Diagnoses splits the comma separated diagnosis code list, dropping blanks.
func (c *Claim) Diagnoses() []string {
	var codes []string
	for _, code := range strings.Split(c.DiagnosisCodes, ",") {
		if code = strings.TrimSpace(code); code != "" {
			codes = append(codes, code)
		}
	}
	return codes
}

// FieldValue returns the string form of a named claim field and whether the
// name is known. Missing optional values come back as "".
func (c *Claim) FieldValue(name string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "claim_id":
		return c.ClaimID, true
	case "encounter_type":
		return c.EncounterType, true
	case "service_date":
		if c.ServiceDate == nil {
			return "", true
		}
		return c.ServiceDate.Format("2006-01-02"), true
	case "national_id":
		return c.NationalID, true
	case "member_id":
		return c.MemberID, true
	case "facility_id":
		return c.FacilityID, true
	case "unique_id":
		return c.UniqueID, true
	case "diagnosis_codes":
		return c.DiagnosisCodes, true
	case "service_code":
		return c.ServiceCode, true
	case "paid_amount", "paid_amount_aed":
		if c.PaidAmount == nil {
			return "", true
		}
		return strconv.FormatFloat(*c.PaidAmount, 'f', -1, 64), true
	case "approval_number":
		return c.ApprovalNumber, true
	}
	return "", false
}

// Facts exposes the claim as a flat map for expression evaluation.
func (c *Claim) Facts() map[string]any {
	paid := 0.0
	if c.PaidAmount != nil {
		paid = *c.PaidAmount
	}
	serviceDate, _ := c.FieldValue("service_date")
	return map[string]any{
		"claim_id":        c.ClaimID,
		"encounter_type":  c.EncounterType,
		"service_date":    serviceDate,
		"national_id":     c.NationalID,
		"member_id":       c.MemberID,
		"facility_id":     c.FacilityID,
		"unique_id":       c.UniqueID,
		"diagnosis_codes": c.Diagnoses(),
		"service_code":    c.ServiceCode,
		"paid_amount":     paid,
		"has_paid_amount": c.PaidAmount != nil,
		"approval_number": c.ApprovalNumber,
	}
}

// EncodeErrorExplanation stores an explanation list as a JSON array.
func EncodeErrorExplanation(errs []string) string {
	if len(errs) == 0 {
		return "[]"
	}
	data, err := json.Marshal(errs)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// DecodeErrorExplanation reads both the JSON array encoding and the older
// newline separated bullet text. Both yield the same ordered list.
func DecodeErrorExplanation(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{}
	}

	if strings.HasPrefix(raw, "[") {
		var list []string
		if err := json.Unmarshal([]byte(raw), &list); err == nil {
			return list
		}
	}

	var list []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimSpace(strings.TrimPrefix(line, "•"))
		if line != "" {
			list = append(list, line)
		}
	}
	if len(list) == 0 {
		return []string{raw}
	}
	return list
}
