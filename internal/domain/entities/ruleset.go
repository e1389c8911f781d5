package entities

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// RuleKind is the rule family a RuleSet belongs to.
type RuleKind string

const (
	RuleKindTechnical RuleKind = "technical"
	RuleKindMedical   RuleKind = "medical"
)

// ParseRuleKind validates a rule kind coming from outside the core.
func ParseRuleKind(s string) (RuleKind, error) {
	switch RuleKind(strings.ToLower(strings.TrimSpace(s))) {
	case RuleKindTechnical:
		return RuleKindTechnical, nil
	case RuleKindMedical:
		return RuleKindMedical, nil
	}
	return "", fmt.Errorf("unknown rule kind %q", s)
}

// Where a RuleSet came from.
const (
	RuleSourceLLM       = "llm"
	RuleSourceHeuristic = "heuristic"
	RuleSourceUpload    = "upload"
)

const (
	DefaultPaidAmountThreshold     = 1000.0
	DefaultApprovalNumberMinLength = 6
)

// RuleSet is a versioned, tenant scoped set of rules of one kind.
// A cached RuleSet is never modified; a new parse replaces it wholesale.
type RuleSet struct {
	Version   string          `json:"version"`
	TenantID  string          `json:"tenant_id"`
	Kind      RuleKind        `json:"kind"`
	Source    string          `json:"source"`
	ParsedAt  time.Time       `json:"parsed_at"`
	Technical *TechnicalRules `json:"technical,omitempty"`
	Medical   *MedicalRules   `json:"medical,omitempty"`
}

// Validate checks that the payload matches the declared kind.
func (r *RuleSet) Validate() error {
	switch r.Kind {
	case RuleKindTechnical:
		if r.Technical == nil {
			return fmt.Errorf("technical rule set has no technical rules")
		}
		if r.Medical != nil {
			return fmt.Errorf("technical rule set carries medical rules")
		}
	case RuleKindMedical:
		if r.Medical == nil {
			return fmt.Errorf("medical rule set has no medical rules")
		}
		if r.Technical != nil {
			return fmt.Errorf("medical rule set carries technical rules")
		}
	default:
		return fmt.Errorf("unknown rule kind %q", r.Kind)
	}
	return nil
}

// CustomCheck is an expression over claim facts. A claim for which the
// expression evaluates to true is flagged with Message.
type CustomCheck struct {
	ID         string `json:"id"`
	Expression string `json:"expression"`
	Message    string `json:"message"`
}

// TechnicalRules are deterministic field level constraints.
type TechnicalRules struct {
	PaidAmountThreshold       float64       `json:"paid_amount_threshold"`
	ApprovalNumberMinLength   int           `json:"approval_number_min_length"`
	ApprovalRequiredServices  []string      `json:"approval_required_services"`
	ApprovalRequiredDiagnoses []string      `json:"approval_required_diagnoses"`
	RequiredFields            []string      `json:"required_fields"`
	ValidEncounterTypes       []string      `json:"valid_encounter_types,omitempty"`
	CustomChecks              []CustomCheck `json:"custom_checks,omitempty"`
}

// DefaultTechnicalRules is the empty-but-valid technical rule set.
func DefaultTechnicalRules() *TechnicalRules {
	return &TechnicalRules{
		PaidAmountThreshold:       DefaultPaidAmountThreshold,
		ApprovalNumberMinLength:   DefaultApprovalNumberMinLength,
		ApprovalRequiredServices:  []string{},
		ApprovalRequiredDiagnoses: []string{},
		RequiredFields:            []string{},
	}
}

// ApprovalTrigger returns what makes the claim need an approval number.
// Diagnosis matching stops at the first listed code.
func (t *TechnicalRules) ApprovalTrigger(serviceCode string, diagnoses []string) (string, bool) {
	if serviceCode != "" && containsCode(t.ApprovalRequiredServices, serviceCode) {
		return "service " + serviceCode, true
	}
	for _, code := range diagnoses {
		if containsCode(t.ApprovalRequiredDiagnoses, code) {
			return "diagnosis " + code, true
		}
	}
	return "", false
}

// DiagnosisPair is two diagnoses that must not be billed together.
type DiagnosisPair [2]string

// MedicalRules are constraints that need clinical judgement.
type MedicalRules struct {
	InpatientOnlyServices      []string            `json:"inpatient_only_services"`
	OutpatientOnlyServices     []string            `json:"outpatient_only_services"`
	FacilityTypes              map[string]string   `json:"facility_types"`
	DiagnosisRequiredServices  map[string][]string `json:"diagnosis_required_services"`
	MutuallyExclusiveDiagnoses []DiagnosisPair     `json:"mutually_exclusive_diagnoses"`
	Guidelines                 []string            `json:"guidelines"`
}

// NewMedicalRules returns an empty medical rule set with non-nil collections.
func NewMedicalRules() *MedicalRules {
	return &MedicalRules{
		InpatientOnlyServices:      []string{},
		OutpatientOnlyServices:     []string{},
		FacilityTypes:              map[string]string{},
		DiagnosisRequiredServices:  map[string][]string{},
		MutuallyExclusiveDiagnoses: []DiagnosisPair{},
		Guidelines:                 []string{},
	}
}

// Bullets flattens the rules into reviewer guideline sentences.
// Free text guidelines come first, followed by synthesized sentences in a
// stable order.
func (m *MedicalRules) Bullets() []string {
	bullets := make([]string, 0, len(m.Guidelines)+8)
	for _, g := range m.Guidelines {
		if g = strings.TrimSpace(g); g != "" {
			bullets = append(bullets, g)
		}
	}

	if len(m.InpatientOnlyServices) > 0 {
		bullets = append(bullets, fmt.Sprintf("Services %s may only be billed for inpatient encounters", strings.Join(sortedCopy(m.InpatientOnlyServices), ", ")))
	}
	if len(m.OutpatientOnlyServices) > 0 {
		bullets = append(bullets, fmt.Sprintf("Services %s may only be billed for outpatient encounters", strings.Join(sortedCopy(m.OutpatientOnlyServices), ", ")))
	}

	for _, facility := range sortedKeys(m.FacilityTypes) {
		bullets = append(bullets, fmt.Sprintf("Facility %s is registered as type %s", facility, m.FacilityTypes[facility]))
	}

	diagnoses := make([]string, 0, len(m.DiagnosisRequiredServices))
	for dx := range m.DiagnosisRequiredServices {
		diagnoses = append(diagnoses, dx)
	}
	sort.Strings(diagnoses)
	for _, dx := range diagnoses {
		services := m.DiagnosisRequiredServices[dx]
		if len(services) == 0 {
			continue
		}
		bullets = append(bullets, fmt.Sprintf("Diagnosis %s requires one of services %s", dx, strings.Join(sortedCopy(services), ", ")))
	}

	for _, pair := range m.MutuallyExclusiveDiagnoses {
		bullets = append(bullets, fmt.Sprintf("Diagnoses %s and %s are mutually exclusive and must not appear on the same claim", pair[0], pair[1]))
	}

	return bullets
}

// IsEmpty reports whether the rule set carries no rules at all.
func (m *MedicalRules) IsEmpty() bool {
	return len(m.Bullets()) == 0
}

func containsCode(codes []string, code string) bool {
	code = strings.TrimSpace(code)
	for _, c := range codes {
		if strings.EqualFold(strings.TrimSpace(c), code) {
			return true
		}
	}
	return false
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
