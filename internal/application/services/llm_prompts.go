package services

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zatekoja/claimvalidation/internal/domain/entities"
)

const medicalReviewSystemPrompt = "You are an expert medical claims reviewer. Always respond with valid JSON."

const medicalReviewSchema = `{
  "type": "object",
  "properties": {
    "is_medically_appropriate": {"type": "boolean"},
    "medical_necessity_concerns": {"type": "array", "items": {"type": "string"}},
    "alignment_with_standards": {"type": "string"},
    "recommendations": {"type": "array", "items": {"type": "string"}},
    "confidence_score": {"type": "number"}
  },
  "required": ["is_medically_appropriate", "medical_necessity_concerns", "alignment_with_standards", "recommendations", "confidence_score"],
  "additionalProperties": false
}`

const ruleExtractionSystemPrompt = `You extract machine readable claim validation rules from insurance policy documents.
Only report rules stated in the document. Use empty lists when a rule type is absent. Respond with JSON only.`

const technicalRulesSchema = `{
  "type": "object",
  "properties": {
    "paid_amount_threshold": {"type": "number"},
    "approval_number_min_length": {"type": "integer"},
    "approval_required_services": {"type": "array", "items": {"type": "string"}},
    "approval_required_diagnoses": {"type": "array", "items": {"type": "string"}},
    "required_fields": {"type": "array", "items": {"type": "string"}},
    "valid_encounter_types": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["paid_amount_threshold", "approval_number_min_length", "approval_required_services", "approval_required_diagnoses", "required_fields", "valid_encounter_types"],
  "additionalProperties": false
}`

const medicalRulesSchema = `{
  "type": "object",
  "properties": {
    "inpatient_only_services": {"type": "array", "items": {"type": "string"}},
    "outpatient_only_services": {"type": "array", "items": {"type": "string"}},
    "facility_types": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {"facility_id": {"type": "string"}, "facility_type": {"type": "string"}},
        "required": ["facility_id", "facility_type"],
        "additionalProperties": false
      }
    },
    "diagnosis_required_services": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {"diagnosis_code": {"type": "string"}, "service_codes": {"type": "array", "items": {"type": "string"}}},
        "required": ["diagnosis_code", "service_codes"],
        "additionalProperties": false
      }
    },
    "mutually_exclusive_diagnoses": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {"first": {"type": "string"}, "second": {"type": "string"}},
        "required": ["first", "second"],
        "additionalProperties": false
      }
    },
    "guidelines": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["inpatient_only_services", "outpatient_only_services", "facility_types", "diagnosis_required_services", "mutually_exclusive_diagnoses", "guidelines"],
  "additionalProperties": false
}`

var medicalReviewRequiredKeys = []string{
	"is_medically_appropriate",
	"medical_necessity_concerns",
	"alignment_with_standards",
	"recommendations",
	"confidence_score",
}

func ruleSchema(kind entities.RuleKind) json.RawMessage {
	if kind == entities.RuleKindMedical {
		return json.RawMessage(medicalRulesSchema)
	}
	return json.RawMessage(technicalRulesSchema)
}

func notSpecified(s string) string {
	if strings.TrimSpace(s) == "" {
		return "Not specified"
	}
	return s
}

func formatClaimForReview(claim *entities.Claim) string {
	serviceDate, _ := claim.FieldValue("service_date")
	paid, _ := claim.FieldValue("paid_amount")

	lines := []string{
		"Diagnosis Codes: " + notSpecified(claim.DiagnosisCodes),
		"Service Code: " + notSpecified(claim.ServiceCode),
		"Encounter Type: " + notSpecified(claim.EncounterType),
		"Service Date: " + notSpecified(serviceDate),
		"Facility: " + notSpecified(claim.FacilityID),
		"Paid Amount: AED " + notSpecified(paid),
	}
	return strings.Join(lines, "\n")
}

func buildMedicalReviewPrompt(claim *entities.Claim, bullets []string) string {
	guidelines := make([]string, 0, len(bullets))
	for _, b := range bullets {
		guidelines = append(guidelines, "- "+b)
	}

	return fmt.Sprintf(`You are a medical claims reviewer evaluating a healthcare claim for compliance with medical guidelines.

CLAIM INFORMATION:
%s

MEDICAL GUIDELINES TO APPLY:
%s

Please analyze this claim and determine:
1. Is this claim medically appropriate based on the diagnosis and service provided?
2. Are there any medical necessity concerns?
3. Does the service align with standard medical practice for this diagnosis?

Report confidence_score between 0.0 and 1.0. Be thorough but concise.`,
		formatClaimForReview(claim), strings.Join(guidelines, "\n"))
}

func buildRuleExtractionPrompt(documentText string, kind entities.RuleKind) string {
	var focus string
	if kind == entities.RuleKindMedical {
		focus = "services restricted to inpatient or outpatient encounters, the facility type registry, services each diagnosis requires, diagnosis pairs that must not be billed together, and any other clinical guideline as a short sentence"
	} else {
		focus = "the paid amount threshold, the minimum approval number length in digits, service and diagnosis codes that require an approval number, required claim fields in snake_case, and valid encounter types"
	}
	return fmt.Sprintf("Extract the %s claim validation rules from the document below. Look for %s.\n\nDOCUMENT:\n%s", kind, focus, documentText)
}
