package domain

import (
	"fmt"
	"strings"
)

// NormalizePhone strips formatting from an international phone number and
// returns its digits. A leading "+" is allowed; the result must hold 8 to 15
// digits.
func NormalizePhone(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "+")
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", fmt.Errorf("phone %q: unexpected character %q: %w", raw, r, ErrValidation)
		}
	}
	digits := b.String()
	if len(digits) < 8 || len(digits) > 15 {
		return "", fmt.Errorf("phone %q: want 8-15 digits, got %d: %w", raw, len(digits), ErrValidation)
	}
	if digits[0] == '0' {
		return "", fmt.Errorf("phone %q: missing country code: %w", raw, ErrValidation)
	}
	return digits, nil
}
