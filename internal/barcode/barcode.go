package barcode

import (
	"regexp"
	"strings"
)

type Symbology string

const (
	EAN13   Symbology = "EAN-13"
	EAN8    Symbology = "EAN-8"
	UPCA    Symbology = "UPC-A"
	Code39  Symbology = "CODE-39"
	Code128 Symbology = "CODE-128"
	Unknown Symbology = "UNKNOWN"
)

const (
	MinLength = 3
	MaxLength = 20
)

var (
	digitsPattern       = regexp.MustCompile(`^\d+$`)
	alphanumericPattern = regexp.MustCompile(`(?i)^[A-Z0-9\-. $/+%]+$`)
)

// Normalize strips surrounding whitespace left by scanners and manual entry.
func Normalize(code string) string {
	return strings.TrimSpace(code)
}

// Classify detects the symbology of code by its shape. It does not check
// length bounds or check digits.
func Classify(code string) Symbology {
	code = Normalize(code)
	if digitsPattern.MatchString(code) {
		switch len(code) {
		case 13:
			return EAN13
		case 8:
			return EAN8
		case 12:
			return UPCA
		}
	}
	if alphanumericPattern.MatchString(code) {
		if len(code) <= MaxLength {
			return Code39
		}
		return Code128
	}
	return Unknown
}

// IsValid reports whether code is acceptable for lookup. Numeric symbologies
// must carry a correct check digit; alphanumeric and unknown codes only need
// to be within the length bounds.
func IsValid(code string) bool {
	code = Normalize(code)
	if len(code) < MinLength || len(code) > MaxLength {
		return false
	}

	switch Classify(code) {
	case EAN13:
		return checkDigit(code[:12], 1, 3) == digit(code[12])
	case EAN8:
		return checkDigit(code[:7], 3, 1) == digit(code[7])
	case UPCA:
		return checkDigit(code[:11], 3, 1) == digit(code[11])
	default:
		return true
	}
}

// CheckDigit returns the modulo-10 check digit for a numeric payload using
// the weights of the given symbology, or -1 if the symbology has none.
func CheckDigit(s Symbology, payload string) int {
	if !digitsPattern.MatchString(payload) {
		return -1
	}
	switch {
	case s == EAN13 && len(payload) == 12:
		return checkDigit(payload, 1, 3)
	case s == EAN8 && len(payload) == 7:
		return checkDigit(payload, 3, 1)
	case s == UPCA && len(payload) == 11:
		return checkDigit(payload, 3, 1)
	}
	return -1
}

func checkDigit(payload string, evenWeight int, oddWeight int) int {
	sum := 0
	for i := 0; i < len(payload); i++ {
		weight := oddWeight
		if i%2 == 0 {
			weight = evenWeight
		}
		sum += digit(payload[i]) * weight
	}
	return (10 - sum%10) % 10
}

func digit(b byte) int {
	return int(b - '0')
}
