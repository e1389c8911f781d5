package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/zatekoja/claimvalidation/internal/domain/entities"
)

// NormalizeRuleSet reads any stored or uploaded rule payload into the
// canonical RuleSet. Accepted shapes are the canonical envelope, a flat
// rules object (mappings may be objects or lists of pairs), and plain text.
func NormalizeRuleSet(raw []byte, tenantID string, kind entities.RuleKind) (*entities.RuleSet, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty rule payload")
	}

	if !json.Valid(raw) {
		// A payload opening like JSON is a damaged document, not policy text.
		if raw[0] == '{' || raw[0] == '[' {
			return nil, fmt.Errorf("rule payload is not valid JSON")
		}
		return ruleSetFromText(string(raw), tenantID, kind), nil
	}

	switch raw[0] {
	case '"':
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, err
		}
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("empty rule text")
		}
		return ruleSetFromText(text, tenantID, kind), nil
	case '{':
	default:
		return nil, fmt.Errorf("rule payload must be an object or text")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}

	ruleSet := &entities.RuleSet{TenantID: tenantID, Kind: kind}
	body := fields
	if inner, ok := fields[string(kind)]; ok {
		if err := decodeEnvelope(fields, ruleSet); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(inner, &body); err != nil {
			return nil, fmt.Errorf("%s rules must be an object: %w", kind, err)
		}
	} else if _, other := fields[string(otherKind(kind))]; other {
		return nil, fmt.Errorf("payload holds %s rules, expected %s", otherKind(kind), kind)
	}

	switch kind {
	case entities.RuleKindTechnical:
		technical, err := decodeTechnicalRules(body)
		if err != nil {
			return nil, err
		}
		ruleSet.Technical = technical
	case entities.RuleKindMedical:
		medical, err := decodeMedicalRules(body)
		if err != nil {
			return nil, err
		}
		ruleSet.Medical = medical
	default:
		return nil, fmt.Errorf("unknown rule kind %q", kind)
	}

	if err := ruleSet.Validate(); err != nil {
		return nil, err
	}
	return ruleSet, nil
}

func otherKind(kind entities.RuleKind) entities.RuleKind {
	if kind == entities.RuleKindTechnical {
		return entities.RuleKindMedical
	}
	return entities.RuleKindTechnical
}

func ruleSetFromText(text, tenantID string, kind entities.RuleKind) *entities.RuleSet {
	ruleSet := &entities.RuleSet{TenantID: tenantID, Kind: kind, Source: entities.RuleSourceHeuristic}
	if kind == entities.RuleKindTechnical {
		ruleSet.Technical = heuristicTechnicalRules(text)
	} else {
		ruleSet.Medical = heuristicMedicalRules(text)
	}
	return ruleSet
}

func decodeEnvelope(fields map[string]json.RawMessage, ruleSet *entities.RuleSet) error {
	if raw, ok := fields["kind"]; ok {
		var declared string
		if err := json.Unmarshal(raw, &declared); err != nil {
			return fmt.Errorf("kind: %w", err)
		}
		if entities.RuleKind(declared) != ruleSet.Kind {
			return fmt.Errorf("payload kind %q does not match %q", declared, ruleSet.Kind)
		}
	}
	for name, target := range map[string]*string{"version": &ruleSet.Version, "source": &ruleSet.Source} {
		if raw, ok := fields[name]; ok {
			if err := json.Unmarshal(raw, target); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}
	if raw, ok := fields["parsed_at"]; ok {
		if err := json.Unmarshal(raw, &ruleSet.ParsedAt); err != nil {
			return fmt.Errorf("parsed_at: %w", err)
		}
	}
	return nil
}

func decodeTechnicalRules(fields map[string]json.RawMessage) (*entities.TechnicalRules, error) {
	rules := entities.DefaultTechnicalRules()

	if raw, ok := fields["paid_amount_threshold"]; ok {
		v, err := decodeNumber(raw)
		if err != nil {
			return nil, fmt.Errorf("paid_amount_threshold: %w", err)
		}
		rules.PaidAmountThreshold = v
	}

	if raw, ok := fields["approval_number_min_length"]; ok {
		v, err := decodeNumber(raw)
		if err != nil {
			return nil, fmt.Errorf("approval_number_min_length: %w", err)
		}
		rules.ApprovalNumberMinLength = int(v)
	} else if raw, ok := fields["approval_number_min"]; ok {
		v, err := decodeNumber(raw)
		if err != nil {
			return nil, fmt.Errorf("approval_number_min: %w", err)
		}
		rules.ApprovalNumberMinLength = approvalLengthFromNumber(strconv.FormatInt(int64(v), 10))
	}

	lists := []struct {
		name   string
		target *[]string
	}{
		{"approval_required_services", &rules.ApprovalRequiredServices},
		{"approval_required_diagnoses", &rules.ApprovalRequiredDiagnoses},
		{"required_fields", &rules.RequiredFields},
		{"valid_encounter_types", &rules.ValidEncounterTypes},
	}
	for _, l := range lists {
		raw, ok := fields[l.name]
		if !ok {
			continue
		}
		values, err := decodeStrings(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", l.name, err)
		}
		*l.target = values
	}

	// Zero means the document did not state a limit.
	if rules.PaidAmountThreshold <= 0 {
		rules.PaidAmountThreshold = entities.DefaultPaidAmountThreshold
	}
	if rules.ApprovalNumberMinLength <= 0 {
		rules.ApprovalNumberMinLength = entities.DefaultApprovalNumberMinLength
	}

	if raw, ok := fields["custom_checks"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &rules.CustomChecks); err != nil {
			return nil, fmt.Errorf("custom_checks: %w", err)
		}
	}
	return rules, nil
}

func decodeMedicalRules(fields map[string]json.RawMessage) (*entities.MedicalRules, error) {
	rules := entities.NewMedicalRules()

	lists := []struct {
		name   string
		target *[]string
	}{
		{"inpatient_only_services", &rules.InpatientOnlyServices},
		{"outpatient_only_services", &rules.OutpatientOnlyServices},
	}
	for _, l := range lists {
		raw, ok := fields[l.name]
		if !ok {
			continue
		}
		values, err := decodeStrings(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", l.name, err)
		}
		*l.target = values
	}

	if raw, ok := fields["facility_types"]; ok {
		pairs, err := decodePairs(raw, "facility_id", "facility_type")
		if err != nil {
			return nil, fmt.Errorf("facility_types: %w", err)
		}
		for _, p := range pairs {
			rules.FacilityTypes[p[0]] = p[1]
		}
	}

	if raw, ok := fields["diagnosis_required_services"]; ok {
		mapping, err := decodeServiceMapping(raw)
		if err != nil {
			return nil, fmt.Errorf("diagnosis_required_services: %w", err)
		}
		rules.DiagnosisRequiredServices = mapping
	}

	if raw, ok := fields["mutually_exclusive_diagnoses"]; ok {
		pairs, err := decodePairs(raw, "first", "second")
		if err != nil {
			return nil, fmt.Errorf("mutually_exclusive_diagnoses: %w", err)
		}
		for _, p := range pairs {
			rules.MutuallyExclusiveDiagnoses = append(rules.MutuallyExclusiveDiagnoses, entities.DiagnosisPair(p))
		}
	}

	for _, name := range []string{"guidelines", "medical_validation_rules"} {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		values, err := decodeGuidelines(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		rules.Guidelines = append(rules.Guidelines, values...)
	}

	// Older cache entries stored generic "key: value" mappings and a list of
	// diagnosis code patterns. Both survive as guideline text.
	if raw, ok := fields["service_code_mappings"]; ok {
		pairs, err := decodePairs(raw, "key", "value")
		if err != nil {
			return nil, fmt.Errorf("service_code_mappings: %w", err)
		}
		for _, p := range pairs {
			rules.Guidelines = append(rules.Guidelines, p[0]+": "+p[1])
		}
	}
	if raw, ok := fields["diagnosis_code_patterns"]; ok {
		patterns, err := decodeStrings(raw)
		if err != nil {
			return nil, fmt.Errorf("diagnosis_code_patterns: %w", err)
		}
		if len(patterns) > 0 {
			sort.Strings(patterns)
			rules.Guidelines = append(rules.Guidelines, "Recognised diagnosis codes: "+strings.Join(patterns, ", "))
		}
	}
	return rules, nil
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func decodeNumber(raw json.RawMessage) (float64, error) {
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("not a number: %s", raw)
	}
	s = strings.TrimPrefix(strings.ReplaceAll(strings.TrimSpace(s), ",", ""), "$")
	return strconv.ParseFloat(s, 64)
}

// decodeStrings accepts a list of strings or one comma separated string.
func decodeStrings(raw json.RawMessage) ([]string, error) {
	if isNull(raw) {
		return []string{}, nil
	}
	var list []any
	if err := json.Unmarshal(raw, &list); err == nil {
		values := make([]string, 0, len(list))
		for _, item := range list {
			switch v := item.(type) {
			case string:
				values = append(values, v)
			case float64:
				values = append(values, strconv.FormatFloat(v, 'f', -1, 64))
			default:
				return nil, fmt.Errorf("unsupported list element %v", item)
			}
		}
		return trimAll(values), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("expected a list of strings")
	}
	return trimAll(listSplitPattern.Split(s, -1)), nil
}

func decodeGuidelines(raw json.RawMessage) ([]string, error) {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return trimAll(list), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("expected a list of strings or text")
	}
	if bullets := bulletItems(s); len(bullets) > 0 {
		return bullets, nil
	}
	return trimAll(strings.Split(s, "\n")), nil
}

// decodePairs reads a mapping as an object, a list of two element lists, or
// a list of objects carrying keyField and valueField. Object input is
// returned in key order.
func decodePairs(raw json.RawMessage, keyField, valueField string) ([][2]string, error) {
	if isNull(raw) {
		return nil, nil
	}

	var obj map[string]string
	if err := json.Unmarshal(raw, &obj); err == nil {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([][2]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, [2]string{strings.TrimSpace(k), strings.TrimSpace(obj[k])})
		}
		return pairs, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("expected an object or a list of pairs")
	}
	pairs := make([][2]string, 0, len(items))
	for _, item := range items {
		var tuple []string
		if err := json.Unmarshal(item, &tuple); err == nil {
			if len(tuple) != 2 {
				return nil, fmt.Errorf("pair must have two elements, got %d", len(tuple))
			}
			pairs = append(pairs, [2]string{strings.TrimSpace(tuple[0]), strings.TrimSpace(tuple[1])})
			continue
		}
		var named map[string]string
		if err := json.Unmarshal(item, &named); err != nil {
			return nil, fmt.Errorf("unsupported pair element %s", item)
		}
		key, value := named[keyField], named[valueField]
		if key == "" || value == "" {
			return nil, fmt.Errorf("pair object needs %s and %s", keyField, valueField)
		}
		pairs = append(pairs, [2]string{strings.TrimSpace(key), strings.TrimSpace(value)})
	}
	return pairs, nil
}

// decodeServiceMapping reads diagnosis to service lists as an object of
// lists or comma strings, or a list of {diagnosis_code, service_codes}.
func decodeServiceMapping(raw json.RawMessage) (map[string][]string, error) {
	mapping := map[string][]string{}
	if isNull(raw) {
		return mapping, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		for dx, value := range obj {
			services, err := decodeStrings(value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", dx, err)
			}
			mapping[strings.TrimSpace(dx)] = services
		}
		return mapping, nil
	}

	var items []struct {
		DiagnosisCode string          `json:"diagnosis_code"`
		ServiceCodes  json.RawMessage `json:"service_codes"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("expected an object or a list of diagnosis mappings")
	}
	for _, item := range items {
		if item.DiagnosisCode == "" {
			return nil, fmt.Errorf("diagnosis mapping without diagnosis_code")
		}
		services, err := decodeStrings(item.ServiceCodes)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", item.DiagnosisCode, err)
		}
		dx := strings.TrimSpace(item.DiagnosisCode)
		mapping[dx] = append(mapping[dx], services...)
	}
	return mapping, nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
