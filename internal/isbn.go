package internal

import "strings"

// CleanISBN strips hyphens and spaces and uppercases a trailing x.
func CleanISBN(raw string) string {
	var sb strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == 'x' || r == 'X':
			sb.WriteByte('X')
		case r == '-' || r == ' ':
		default:
			sb.WriteRune(r) // Leave junk in place so validation rejects it.
		}
	}
	return sb.String()
}

// validISBN10 checks the mod-11 digit, allowing a trailing X.
func validISBN10(isbn string) bool {
	if len(isbn) != 10 {
		return false
	}
	sum := 0
	for i, r := range isbn {
		var v int
		switch {
		case r >= '0' && r <= '9':
			v = int(r - '0')
		case r == 'X' && i == 9:
			v = 10
		default:
			return false
		}
		sum += (10 - i) * v
	}
	return sum%11 == 0
}

// validISBN13 checks the EAN-13 alternating-weight digit.
func validISBN13(isbn string) bool {
	if len(isbn) != 13 {
		return false
	}
	sum := 0
	for i, r := range isbn {
		if r < '0' || r > '9' {
			return false
		}
		v := int(r - '0')
		if i%2 == 1 {
			v *= 3
		}
		sum += v
	}
	return sum%10 == 0
}

// ValidISBN accepts a 10- or 13-digit ISBN after cleaning.
func ValidISBN(raw string) bool {
	isbn := CleanISBN(raw)
	return validISBN10(isbn) || validISBN13(isbn)
}

// ToISBN13 canonicalizes any valid ISBN to its 13-digit form. ISBN-10s are
// re-prefixed with 978 and get a recomputed check digit. The function is
// idempotent: feeding its output back returns the same value.
func ToISBN13(raw string) (string, error) {
	isbn := CleanISBN(raw)
	switch {
	case validISBN13(isbn):
		return isbn, nil
	case validISBN10(isbn):
		body := "978" + isbn[:9]
		sum := 0
		for i, r := range body {
			v := int(r - '0')
			if i%2 == 1 {
				v *= 3
			}
			sum += v
		}
		check := (10 - sum%10) % 10
		return body + string(rune('0'+check)), nil
	default:
		return "", errInvalidISBN.withMessage("invalid ISBN %q", raw)
	}
}
