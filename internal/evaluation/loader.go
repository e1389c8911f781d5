package evaluation

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadGoldenClaims reads and parses a labelled claim set from a JSON file.
func LoadGoldenClaims(path string) ([]GoldenClaim, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read golden claims file: %w", err)
	}

	var claims []GoldenClaim
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse golden claims: %w", err)
	}

	return claims, nil
}

var validDifficulties = map[string]bool{
	"easy":   true,
	"medium": true,
	"hard":   true,
}

// ValidateGoldenClaims checks that every labelled claim has the required fields and valid values.
func ValidateGoldenClaims(claims []GoldenClaim) error {
	seen := make(map[string]struct{}, len(claims))

	for i, gc := range claims {
		if gc.ID == "" {
			return fmt.Errorf("claim at index %d: missing id", i)
		}
		if _, dup := seen[gc.ID]; dup {
			return fmt.Errorf("claim at index %d: duplicate id %q", i, gc.ID)
		}
		seen[gc.ID] = struct{}{}

		if !isKind(gc.ExpectedKind) {
			return fmt.Errorf("claim %q: invalid expected_error_kind %q", gc.ID, gc.ExpectedKind)
		}
		if !validDifficulties[gc.Difficulty] {
			return fmt.Errorf("claim %q: invalid difficulty %q (must be easy/medium/hard)", gc.ID, gc.Difficulty)
		}
	}

	return nil
}
