package domain

import (
	"fmt"
	"strings"
)

// NormalizePhone validates a Uganda subscriber number and returns the
// canonical 256XXXXXXXXX form. Accepted inputs: leading 0, leading +256,
// leading 256, or a bare 9-digit subscriber number, with spaces and dashes
// tolerated. Runs before any provider call; never touches the network.
func NormalizePhone(raw string) (string, error) {
	phone := strings.NewReplacer(" ", "", "-", "", "+", "").Replace(raw)

	if phone == "" || !isDigits(phone) {
		return "", fmt.Errorf("NormalizePhone: %q: %w", raw, ErrInvalidPhone)
	}

	switch {
	case strings.HasPrefix(phone, "0"):
		phone = "256" + phone[1:]
	case !strings.HasPrefix(phone, "256"):
		phone = "256" + phone
	}

	if len(phone) != 12 {
		return "", fmt.Errorf("NormalizePhone: %q: %w", raw, ErrInvalidPhone)
	}

	return phone, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
