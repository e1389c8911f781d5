package services

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/zatekoja/claimvalidation/internal/domain/entities"
)

var (
	thresholdPattern      = regexp.MustCompile(`(?i)paid[\s_.-]*amount[\w \t()]*?[:=]?[ \t]*(?:AED|USD|\$)?[ \t]*(\d[\d,]*(?:\.\d+)?)`)
	approvalLengthPattern = regexp.MustCompile(`(?i)approval[\s_.-]*number[\w \t()]*?[:=]?[ \t]*(\d+)`)
	bulletPattern         = regexp.MustCompile(`^(?:[•*-]|\d+[.)])\s*`)
	diagnosisCodePattern  = regexp.MustCompile(`^[A-Z]\d{2}(?:\.\d+)?$`)
	listSplitPattern      = regexp.MustCompile(`[,;\n]+`)
	codeSplitPattern      = regexp.MustCompile(`[,;\s]+`)
)

// sectionPattern captures the text following label up to a blank line or a
// line starting with a capital letter.
func sectionPattern(label string) *regexp.Regexp {
	return regexp.MustCompile(`(?is)` + label + `[\w \t]*?:\s*(.*?)(?:\n\s*\n|\n[A-Z]|$)`)
}

var (
	requiredFieldsSection = sectionPattern(`required[\s_.-]*fields`)
	encounterTypesSection = sectionPattern(`encounter[\s_.-]*types`)
)

// heuristicTechnicalRules extracts what it can from free text and falls back
// to defaults for everything else. It never fails.
func heuristicTechnicalRules(text string) *entities.TechnicalRules {
	rules := entities.DefaultTechnicalRules()

	if m := thresholdPattern.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64); err == nil && v > 0 {
			rules.PaidAmountThreshold = v
		}
	}
	if m := approvalLengthPattern.FindStringSubmatch(text); m != nil {
		rules.ApprovalNumberMinLength = approvalLengthFromNumber(m[1])
	}

	rules.RequiredFields = fieldNames(sectionItems(requiredFieldsSection, text))
	rules.ValidEncounterTypes = fieldNames(sectionItems(encounterTypesSection, text))

	for _, kv := range keyValueLines(text) {
		key := strings.ToLower(kv[0])
		if !strings.Contains(key, "approval") {
			continue
		}
		switch {
		case strings.Contains(key, "service"):
			rules.ApprovalRequiredServices = append(rules.ApprovalRequiredServices, codes(kv[1])...)
		case strings.Contains(key, "diagnos"):
			rules.ApprovalRequiredDiagnoses = append(rules.ApprovalRequiredDiagnoses, codes(kv[1])...)
		}
	}
	return rules
}

// heuristicMedicalRules turns bullets into guidelines and classifies
// key:value lines into the structured medical collections.
func heuristicMedicalRules(text string) *entities.MedicalRules {
	rules := entities.NewMedicalRules()
	rules.Guidelines = bulletItems(text)

	for _, kv := range keyValueLines(text) {
		key, value := kv[0], kv[1]
		lower := strings.ToLower(key)
		switch {
		case strings.Contains(lower, "inpatient"):
			rules.InpatientOnlyServices = append(rules.InpatientOnlyServices, codes(value)...)
		case strings.Contains(lower, "outpatient"):
			rules.OutpatientOnlyServices = append(rules.OutpatientOnlyServices, codes(value)...)
		case strings.Contains(lower, "exclusive"):
			if pair := codes(value); len(pair) >= 2 {
				rules.MutuallyExclusiveDiagnoses = append(rules.MutuallyExclusiveDiagnoses, entities.DiagnosisPair{pair[0], pair[1]})
			}
		case diagnosisCodePattern.MatchString(key):
			rules.DiagnosisRequiredServices[key] = append(rules.DiagnosisRequiredServices[key], codes(value)...)
		case len(strings.Fields(key)) == 1 && len(strings.Fields(value)) <= 3:
			rules.FacilityTypes[key] = strings.ToLower(value)
		default:
			rules.Guidelines = append(rules.Guidelines, key+": "+value)
		}
	}
	return rules
}

// approvalLengthFromNumber reads "6" as a length and "100000" as the
// smallest acceptable approval number, whose digit count is the length.
func approvalLengthFromNumber(digits string) int {
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return entities.DefaultApprovalNumberMinLength
	}
	if len(digits) <= 2 {
		n, _ := strconv.Atoi(digits)
		return n
	}
	return len(digits)
}

func bulletItems(text string) []string {
	items := []string{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !bulletPattern.MatchString(line) {
			continue
		}
		if item := strings.TrimSpace(bulletPattern.ReplaceAllString(line, "")); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// keyValueLines returns non-bullet lines with exactly one colon and text on
// both sides.
func keyValueLines(text string) [][2]string {
	var out [][2]string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || bulletPattern.MatchString(line) || strings.Count(line, ":") != 1 {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		key, value := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if key != "" && value != "" {
			out = append(out, [2]string{key, value})
		}
	}
	return out
}

func sectionItems(pattern *regexp.Regexp, text string) []string {
	m := pattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	var items []string
	for _, part := range listSplitPattern.Split(m[1], -1) {
		part = strings.TrimSpace(bulletPattern.ReplaceAllString(strings.TrimSpace(part), ""))
		if len(part) > 2 {
			items = append(items, part)
		}
	}
	return items
}

// fieldNames lower-cases items and joins words with underscores so
// "Member ID" matches the member_id claim field.
func fieldNames(items []string) []string {
	names := []string{}
	seen := map[string]bool{}
	for _, item := range items {
		name := strings.ToLower(strings.Join(strings.Fields(item), "_"))
		if name != "" && !seen[name] {
			names = append(names, name)
			seen[name] = true
		}
	}
	return names
}

func codes(value string) []string {
	var out []string
	for _, c := range codeSplitPattern.Split(value, -1) {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}
