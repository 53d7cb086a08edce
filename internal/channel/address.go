package channel

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
)

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// NormalizePhone strips spaces, dashes and parentheses and checks the result
// is an E.164 number.
func NormalizePhone(raw string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, raw)
	if !e164.MatchString(cleaned) {
		return "", fmt.Errorf("invalid phone number %q: expected E.164 format", raw)
	}
	return cleaned, nil
}

// ValidateEmail checks the address is a single bare mailbox.
func ValidateEmail(addr string) error {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return fmt.Errorf("invalid email address %q: %w", addr, err)
	}
	if parsed.Address != strings.TrimSpace(addr) {
		return fmt.Errorf("invalid email address %q: display names are not allowed", addr)
	}
	return nil
}
