package services_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/claimvalidation/internal/application/services"
	"github.com/zatekoja/claimvalidation/internal/domain/entities"
)

func TestNormalizeRuleSet_TechnicalShapes(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		validate func(t *testing.T, rules *entities.TechnicalRules)
	}{
		{
			name:    "flat object",
			payload: `{"paid_amount_threshold": 1000, "approval_required_diagnoses": ["I10"], "required_fields": ["member_id"]}`,
			validate: func(t *testing.T, rules *entities.TechnicalRules) {
				assert.Equal(t, 1000.0, rules.PaidAmountThreshold)
				assert.Equal(t, []string{"I10"}, rules.ApprovalRequiredDiagnoses)
				assert.Equal(t, []string{"member_id"}, rules.RequiredFields)
				assert.Equal(t, entities.DefaultApprovalNumberMinLength, rules.ApprovalNumberMinLength)
			},
		},
		{
			name:    "legacy minimum approval number and string amounts",
			payload: `{"paid_amount_threshold": "$2,500", "approval_number_min": 100000, "approval_required_services": "SRV1001, SRV1002"}`,
			validate: func(t *testing.T, rules *entities.TechnicalRules) {
				assert.Equal(t, 2500.0, rules.PaidAmountThreshold)
				assert.Equal(t, 6, rules.ApprovalNumberMinLength)
				assert.Equal(t, []string{"SRV1001", "SRV1002"}, rules.ApprovalRequiredServices)
			},
		},
		{
			name:    "zero limits fall back to defaults",
			payload: `{"paid_amount_threshold": 0, "approval_number_min_length": 0}`,
			validate: func(t *testing.T, rules *entities.TechnicalRules) {
				assert.Equal(t, entities.DefaultPaidAmountThreshold, rules.PaidAmountThreshold)
				assert.Equal(t, entities.DefaultApprovalNumberMinLength, rules.ApprovalNumberMinLength)
			},
		},
		{
			name:    "stored envelope",
			payload: `{"version": "v1", "kind": "technical", "source": "llm", "technical": {"paid_amount_threshold": 750, "custom_checks": [{"id": "c1", "expression": "claim.paid_amount < 0.0", "message": "negative"}]}}`,
			validate: func(t *testing.T, rules *entities.TechnicalRules) {
				assert.Equal(t, 750.0, rules.PaidAmountThreshold)
				require.Len(t, rules.CustomChecks, 1)
				assert.Equal(t, "negative", rules.CustomChecks[0].Message)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ruleSet, err := services.NormalizeRuleSet([]byte(tt.payload), "acme", entities.RuleKindTechnical)
			require.NoError(t, err)
			assert.Equal(t, "acme", ruleSet.TenantID)
			assert.Equal(t, entities.RuleKindTechnical, ruleSet.Kind)
			assert.Nil(t, ruleSet.Medical)
			require.NotNil(t, ruleSet.Technical)
			tt.validate(t, ruleSet.Technical)
		})
	}
}

func TestNormalizeRuleSet_EnvelopeKeepsMetadata(t *testing.T) {
	ruleSet, err := services.NormalizeRuleSet([]byte(`{"version":"v7","kind":"medical","source":"upload","medical":{"guidelines":["a"]}}`), "acme", entities.RuleKindMedical)
	require.NoError(t, err)
	assert.Equal(t, "v7", ruleSet.Version)
	assert.Equal(t, entities.RuleSourceUpload, ruleSet.Source)
}

func TestNormalizeRuleSet_MedicalShapes(t *testing.T) {
	payload := `{
		"inpatient_only_services": ["SRV1001"],
		"facility_types": [{"facility_id": "0DBYE6KP", "facility_type": "hospital"}],
		"diagnosis_required_services": [{"diagnosis_code": "E11.9", "service_codes": ["SRV2007"]}],
		"mutually_exclusive_diagnoses": [["R07.9", "Z34.0"]],
		"medical_validation_rules": ["Dialysis requires a renal diagnosis"],
		"service_code_mappings": {"SRV1003": "ICU"},
		"diagnosis_code_patterns": ["I10", "E11.9"]
	}`

	ruleSet, err := services.NormalizeRuleSet([]byte(payload), "acme", entities.RuleKindMedical)
	require.NoError(t, err)
	medical := ruleSet.Medical
	require.NotNil(t, medical)

	assert.Equal(t, []string{"SRV1001"}, medical.InpatientOnlyServices)
	assert.Equal(t, map[string]string{"0DBYE6KP": "hospital"}, medical.FacilityTypes)
	assert.Equal(t, map[string][]string{"E11.9": {"SRV2007"}}, medical.DiagnosisRequiredServices)
	assert.Equal(t, []entities.DiagnosisPair{{"R07.9", "Z34.0"}}, medical.MutuallyExclusiveDiagnoses)
	assert.Equal(t, []string{
		"Dialysis requires a renal diagnosis",
		"SRV1003: ICU",
		"Recognised diagnosis codes: E11.9, I10",
	}, medical.Guidelines)
}

func TestNormalizeRuleSet_TextFallsBackToHeuristics(t *testing.T) {
	text := "Paid amount threshold: AED 1,500\nApproval required diagnoses: I10, E11.9\n\nRequired fields: member id, facility id\n"

	ruleSet, err := services.NormalizeRuleSet([]byte(text), "acme", entities.RuleKindTechnical)
	require.NoError(t, err)
	assert.Equal(t, entities.RuleSourceHeuristic, ruleSet.Source)
	assert.Equal(t, 1500.0, ruleSet.Technical.PaidAmountThreshold)
	assert.Equal(t, []string{"I10", "E11.9"}, ruleSet.Technical.ApprovalRequiredDiagnoses)
	assert.Equal(t, []string{"member_id", "facility_id"}, ruleSet.Technical.RequiredFields)
}

func TestNormalizeRuleSet_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		kind    entities.RuleKind
	}{
		{"empty", "   ", entities.RuleKindTechnical},
		{"array", `[1, 2]`, entities.RuleKindTechnical},
		{"other kind envelope", `{"medical": {"guidelines": []}}`, entities.RuleKindTechnical},
		{"kind mismatch", `{"kind": "medical", "technical": {}}`, entities.RuleKindTechnical},
		{"bad threshold", `{"paid_amount_threshold": "lots"}`, entities.RuleKindTechnical},
		{"bad pairs", `{"mutually_exclusive_diagnoses": 7}`, entities.RuleKindMedical},
		{"truncated object", `{"kind":"technical","technical":{"paid_amount_threshold": 5`, entities.RuleKindTechnical},
		{"truncated array", `[["R07.9", "Z34.0"]`, entities.RuleKindMedical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := services.NormalizeRuleSet([]byte(tt.payload), "acme", tt.kind)
			assert.Error(t, err)
		})
	}
}

func TestNormalizeRuleSet_HeuristicMedicalText(t *testing.T) {
	text := "• Chest pain needs an ECG\n" +
		"Inpatient only: SRV1001, SRV1002\n" +
		"Mutually exclusive: R07.9, Z34.0\n" +
		"E11.9: SRV2007\n" +
		"0DBYE6KP: Hospital\n"

	ruleSet, err := services.NormalizeRuleSet([]byte(text), "acme", entities.RuleKindMedical)
	require.NoError(t, err)
	medical := ruleSet.Medical
	assert.Equal(t, []string{"Chest pain needs an ECG"}, medical.Guidelines)
	assert.Equal(t, []string{"SRV1001", "SRV1002"}, medical.InpatientOnlyServices)
	assert.Equal(t, []entities.DiagnosisPair{{"R07.9", "Z34.0"}}, medical.MutuallyExclusiveDiagnoses)
	assert.Equal(t, []string{"SRV2007"}, medical.DiagnosisRequiredServices["E11.9"])
	assert.Equal(t, "hospital", medical.FacilityTypes["0DBYE6KP"])
}
