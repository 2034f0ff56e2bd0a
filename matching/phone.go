package matching

import (
	"regexp"
	"strings"
)

// Nigerian mobile numbers: +234 / 234 / 0 prefixes or the bare 10-digit form.
var phonePattern = regexp.MustCompile(`(?:\+234[\s-]?|\b234[\s-]?|\b0|\b)[789][01]\d[\s-]?\d{3}[\s-]?\d{4}\b`)

// NormalizePhone returns the 11-digit local form ("08031234567") or "".
func NormalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	switch {
	case len(digits) == 13 && strings.HasPrefix(digits, "234"):
		digits = "0" + digits[3:]
	case len(digits) == 10 && strings.ContainsRune("789", rune(digits[0])):
		digits = "0" + digits
	}
	if len(digits) != 11 || digits[0] != '0' {
		return ""
	}
	return digits
}

// ExtractPhones finds phone numbers in free text, normalized.
func ExtractPhones(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range phonePattern.FindAllString(text, -1) {
		if p := NormalizePhone(m); p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
