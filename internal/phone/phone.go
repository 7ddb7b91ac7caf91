// Package phone normalizes Indonesian mobile numbers into the canonical
// international form expected by the WhatsApp Cloud API (62 followed by the
// subscriber digits).
package phone

import (
	"errors"
	"fmt"
	"strings"
)

const (
	CountryCode = "62"

	canonicalLength = 13
	localZeroLength = 12
	localLength     = 11
	bareLength      = 10
)

var ErrInvalidNumber = errors.New("invalid phone number")

// Shape is the recognised input layout of a phone number.
type Shape int

const (
	ShapeInvalid Shape = iota
	ShapeCanonical
	ShapeLocalZero
	ShapeLocal
	ShapeBare
)

// Normalize returns only the digits of raw.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Classify reports which accepted layout raw matches. Separators (spaces,
// dashes, dots, parentheses and a leading plus) are ignored; any other
// non-digit character makes the number invalid.
func Classify(raw string) Shape {
	for _, r := range raw {
		if (r >= '0' && r <= '9') || isSeparator(r) {
			continue
		}
		return ShapeInvalid
	}

	digits := Normalize(raw)
	switch {
	case len(digits) == canonicalLength && strings.HasPrefix(digits, CountryCode):
		return ShapeCanonical
	case len(digits) == localZeroLength && strings.HasPrefix(digits, "08"):
		return ShapeLocalZero
	case len(digits) == localLength && strings.HasPrefix(digits, "8"):
		return ShapeLocal
	case len(digits) == bareLength && digits[0] != '0' && digits[0] != '8':
		return ShapeBare
	}
	return ShapeInvalid
}

func IsValid(raw string) bool {
	return Classify(raw) != ShapeInvalid
}

func Validate(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: phone number is empty", ErrInvalidNumber)
	}
	if !IsValid(raw) {
		return fmt.Errorf("%w: %q does not match a supported format", ErrInvalidNumber, raw)
	}
	return nil
}

// Format converts any accepted layout into the 13-digit canonical form.
// Canonical input is returned unchanged. A bare 10-digit subscriber number
// carries no mobile prefix, so Format inserts the 8 itself: 1234567890
// becomes 6281234567890, never the 12-digit 621234567890, which Validate
// would reject.
func Format(raw string) (string, error) {
	digits := Normalize(raw)
	switch Classify(raw) {
	case ShapeCanonical:
		return digits, nil
	case ShapeLocalZero:
		return CountryCode + digits[1:], nil
	case ShapeLocal:
		return CountryCode + digits, nil
	case ShapeBare:
		return CountryCode + "8" + digits, nil
	}
	return "", Validate(raw)
}

func isSeparator(r rune) bool {
	switch r {
	case ' ', '-', '.', '(', ')', '+':
		return true
	}
	return false
}
