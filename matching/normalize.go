package matching

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// noiseWords are transfer-channel, bank and address tokens that carry no
// identity.
var noiseWords = map[string]bool{
	"trf": true, "transfer": true, "trsf": true, "nip": true, "fip": true,
	"payment": true, "pymt": true, "pmt": true, "from": true, "frm": true,
	"to": true, "via": true, "web": true, "mobile": true, "mb": true,
	"ussd": true, "ref": true, "pos": true, "inflow": true, "credit": true,
	"gtb": true, "gtbank": true, "uba": true, "fbn": true, "zenith": true,
	"fcmb": true, "opay": true, "kuda": true, "palmpay": true, "moniepoint": true,
	"block": true, "plot": true, "house": true, "hse": true, "flat": true, "no": true,
	"estate": true, "dues": true, "levy": true, "service": true, "charge": true,
}

// Normalize folds s for comparison: diacritics removed, lower-cased, every
// non-alphanumeric rune replaced by a space, whitespace collapsed.
func Normalize(s string) string {
	// transform.Chain is stateful, so build one per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, folded)
	return strings.Join(strings.Fields(folded), " ")
}

// NameTokens returns the identity-bearing tokens of s. Noise words and
// numeric tokens are dropped; single-letter initials are kept.
func NameTokens(s string) []string {
	var out []string
	for _, tok := range strings.Fields(Normalize(s)) {
		if noiseWords[tok] || isNumeric(tok) {
			continue
		}
		out = append(out, tok)
	}
	return out
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}
