package trigger

import (
	"sort"
	"strings"
)

const DEFAULT_COUNTRY_CODE = "55"

func digitsOnly(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizePhone strips everything but digits and prepends the country code
// to national numbers (10 or 11 digits).
func NormalizePhone(raw string, countryCode string) string {
	if countryCode == "" {
		countryCode = DEFAULT_COUNTRY_CODE
	}
	digits := strings.TrimLeft(digitsOnly(raw), "0")
	if digits == "" {
		return ""
	}
	if len(digits) <= 11 {
		return countryCode + digits
	}
	return digits
}

// national splits a normalized phone into the number without country code.
// ok is false when the number does not carry the country code.
func national(normalized string, countryCode string) (string, bool) {
	if !strings.HasPrefix(normalized, countryCode) {
		return "", false
	}
	rest := normalized[len(countryCode):]
	if len(rest) != 10 && len(rest) != 11 {
		return "", false
	}
	return rest, true
}

// mobileVariant returns the national number with the mobile "9" infix added
// or removed, if such a variant exists.
func mobileVariant(nat string) (string, bool) {
	switch len(nat) {
	case 11:
		if nat[2] == '9' {
			return nat[:2] + nat[3:], true
		}
	case 10:
		if nat[2] >= '6' {
			return nat[:2] + "9" + nat[2:], true
		}
	}
	return "", false
}

// PhoneCandidates returns the sorted set of equivalent forms of a phone:
// with and without country code, with and without the mobile "9" infix.
// Variants of the same number always yield the same set.
func PhoneCandidates(raw string, countryCode string) []string {
	if countryCode == "" {
		countryCode = DEFAULT_COUNTRY_CODE
	}
	normalized := NormalizePhone(raw, countryCode)
	if normalized == "" {
		return nil
	}
	set := map[string]bool{normalized: true}
	if nat, ok := national(normalized, countryCode); ok {
		set[nat] = true
		if alt, ok := mobileVariant(nat); ok {
			set[alt] = true
			set[countryCode+alt] = true
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// CanonicalPhone is the form stored on sessions: country code plus the
// national number, with the mobile infix when the number is a mobile.
func CanonicalPhone(raw string, countryCode string) string {
	if countryCode == "" {
		countryCode = DEFAULT_COUNTRY_CODE
	}
	normalized := NormalizePhone(raw, countryCode)
	nat, ok := national(normalized, countryCode)
	if !ok || len(nat) == 11 {
		return normalized
	}
	if alt, ok := mobileVariant(nat); ok {
		return countryCode + alt
	}
	return normalized
}
