/*
Package extract turns bank-notification emails into transaction drafts.

TEMPLATES:
  Structured alerts carry one field per line (or "Key: Value"):

    Date/Time       12-Jan-26 03:40 PM
    Account Number  202XXXX725
    Amount          15,000.00 CR
    Narration       FIP:GTB/ANIH LANA/NIP

  Free-text alerts are single sentences:

    Your account ****1234 has been credited with NGN 50,000.00 by JOHN DOE
    on 01/01/2025. Ref: TRF/123456789.

    NGN 25,000.00 debited from ****5678 for DIESEL SUPPLY on 02/01/2025.

OUTCOMES:
  - No template matched, or no amount field at all  -> KindNotRecognized
  - Template matched, amount unparseable/zero/negative -> KindMalformed
  - Otherwise one draft. A missing date falls back to the email's
    received-at time so the same email always yields the same draft.
*/
package extract

import (
	"regexp"
	"strings"
	"time"

	"github.com/warp/estate-reconciler/reconcile"
)

// Extractor parses First Bank style alerts. It is stateless and safe for
// concurrent use.
type Extractor struct{}

func New() *Extractor {
	return &Extractor{}
}

var _ reconcile.Extractor = (*Extractor)(nil)

// =============================================================================
// PATTERNS
// =============================================================================

const amountGroup = `(?P<amount>-?[\d,]*\d(?:\.\d+)?)`

var creditPatterns = []*regexp.Regexp{
	// account ****1234 has been credited with NGN 50,000.00
	regexp.MustCompile(`(?i)account\s*(?:no\.?\s*)?[*xX]{2,}(?P<last4>\d{3,4})\s*(?:has\s+been\s+)?credited\s*(?:with\s*)?(?:NGN|₦)?\s*` + amountGroup),
	// NGN 50,000.00 (has been) credited to your account ****1234
	regexp.MustCompile(`(?i)(?:NGN|₦)\s*` + amountGroup + `\s*(?:has\s+been\s+)?credited\s*(?:to\s*)?(?:your\s*)?(?:account\s*)?[*xX]{2,}(?P<last4>\d{3,4})`),
	// account ending 1234 has been credited NGN 50,000.00
	regexp.MustCompile(`(?i)account\s*(?:ending|no\.?)\s*(?:in\s*)?(?P<last4>\d{4})\s*(?:has\s+been\s+)?credited\s*(?:with\s*)?(?:NGN|₦)?\s*` + amountGroup),
}

var debitPatterns = []*regexp.Regexp{
	// NGN 25,000.00 debited from ****5678
	regexp.MustCompile(`(?i)(?:NGN|₦)?\s*` + amountGroup + `\s*(?:has\s+been\s+)?debited\s*from\s*(?:your\s*)?(?:account\s*)?[*xX]{2,}(?P<last4>\d{3,4})`),
	// account ****5678 has been debited with NGN 25,000.00
	regexp.MustCompile(`(?i)account\s*(?:no\.?\s*)?[*xX]{2,}(?P<last4>\d{3,4})\s*(?:has\s+been\s+)?debited\s*(?:with\s*)?(?:NGN|₦)?\s*` + amountGroup),
}

const phraseEnd = `(?:\s+on\s+\d|\s+on\s*$|\s*\.\s|\s*\.$|\s+ref\b|\s+avail|$)`

var (
	leadingSender = regexp.MustCompile(`(?i)^\s*(?:by|from)\s+(.+?)` + phraseEnd)
	anySender     = regexp.MustCompile(`(?i)\b(?:by|from)\s+(.+?)` + phraseEnd)
	debitPurpose  = regexp.MustCompile(`(?i)\b(?:for|to)\s+(.+?)` + phraseEnd)
)

var referencePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bref(?:erence)?\b(?:\s*no\.?)?\s*[:#]?\s*([A-Z0-9][A-Z0-9/\-]{3,})`),
	regexp.MustCompile(`(?i)\btrf\s*[:/]\s*([A-Z0-9]+)`),
	regexp.MustCompile(`(?i)\bsession\s*id\s*[:\s]\s*([A-Z0-9]+)`),
}

const dateValue = `(\d{1,2}[/-]\d{1,2}[/-]\d{2,4}|\d{1,2}-[A-Za-z]{3}-\d{2,4})`

var datePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bon\s+` + dateValue),
	regexp.MustCompile(`(?i)\bdate\s*[:\s]\s*` + dateValue),
}

var (
	amountKey    = regexp.MustCompile(`(?i)^(?:transaction\s+)?(?:amount|amt)\b`)
	dateKey      = regexp.MustCompile(`(?i)^(?:transaction\s+)?date(?:\s*/\s*time)?\b`)
	accountKey   = regexp.MustCompile(`(?i)^(?:account|acct)\s*(?:number|no\.?)`)
	narrationKey = regexp.MustCompile(`(?i)^(?:narration|description|remarks)\b`)
)

var (
	trailingDigits = regexp.MustCompile(`(\d{3,4})\s*$`)
	narrationSplit = regexp.MustCompile(`[/:|]+`)
	wordSegment    = regexp.MustCompile(`^[A-Za-z][A-Za-z .'&-]*$`)
)

var alertMarkers = []string{
	"first bank", "firstbank", "credit alert", "debit alert",
	"has been credited", "has been debited", "credited with", "debited from",
	"credited to", "debited with", "transaction alert", "narration",
}

// IsBankAlert reports whether subject and plain-text body look like a bank
// notification at all.
func IsBankAlert(subject, text string) bool {
	lower := strings.ToLower(subject + " " + text)
	for _, m := range alertMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// =============================================================================
// EXTRACTION
// =============================================================================

// Extract returns exactly one draft or an *ExtractionError.
func (e *Extractor) Extract(email reconcile.Email) ([]reconcile.Draft, error) {
	text := StripHTML(email.Body)
	if !IsBankAlert(email.Subject, text) {
		return nil, notRecognized(email.MessageID, "no bank alert markers")
	}

	lines := strings.Split(text, "\n")
	if raw, ok := findValue(lines, amountKey); ok {
		d, err := structured(email, lines, text, raw)
		if err != nil {
			return nil, err
		}
		return []reconcile.Draft{d}, nil
	}

	flat := strings.Join(strings.Fields(email.Subject+" "+text), " ")
	if d, matched, err := freeText(email, flat, creditPatterns, reconcile.DirectionCredit); matched {
		if err != nil {
			return nil, err
		}
		return []reconcile.Draft{d}, nil
	}
	if d, matched, err := freeText(email, flat, debitPatterns, reconcile.DirectionDebit); matched {
		if err != nil {
			return nil, err
		}
		return []reconcile.Draft{d}, nil
	}
	return nil, notRecognized(email.MessageID, "no amount field found")
}

func structured(email reconcile.Email, lines []string, text, rawAmount string) (reconcile.Draft, error) {
	amount, err := ParseAmount(rawAmount)
	if err != nil {
		return reconcile.Draft{}, malformed(email.MessageID, "amount", err)
	}

	direction := reconcile.DirectionCredit
	upper := strings.ToUpper(strings.TrimSpace(rawAmount))
	if strings.HasSuffix(upper, "DR") ||
		(!strings.HasSuffix(upper, "CR") && strings.Contains(strings.ToLower(email.Subject), "debit")) {
		direction = reconcile.DirectionDebit
	}

	d := reconcile.Draft{
		Amount:          amount,
		Direction:       direction,
		TransactionDate: receivedAt(email),
		Description:     "Transaction alert",
	}
	if raw, ok := findValue(lines, dateKey); ok {
		if t, ok := ParseDate(raw); ok {
			d.TransactionDate = t
		}
	}
	if raw, ok := findValue(lines, accountKey); ok {
		if m := trailingDigits.FindStringSubmatch(raw); m != nil {
			d.AccountLast4 = m[1]
		}
	}
	if narration, ok := findValue(lines, narrationKey); ok {
		d.Description = narration
		d.SenderHint = senderFromNarration(narration)
		d.Reference = findReference(narration)
	}
	if d.Reference == "" {
		d.Reference = findReference(text)
	}
	return d, nil
}

// freeText tries patterns in order. matched reports whether a template hit;
// err is set when it did but the amount was unusable.
func freeText(email reconcile.Email, flat string, patterns []*regexp.Regexp, dir reconcile.Direction) (reconcile.Draft, bool, error) {
	for _, re := range patterns {
		loc := re.FindStringSubmatchIndex(flat)
		if loc == nil {
			continue
		}
		groups := namedGroups(re, flat, loc)
		amount, err := ParseAmount(groups["amount"])
		if err != nil {
			return reconcile.Draft{}, true, malformed(email.MessageID, "amount", err)
		}

		d := reconcile.Draft{
			Amount:          amount,
			Direction:       dir,
			AccountLast4:    groups["last4"],
			Reference:       findReference(flat),
			TransactionDate: receivedAt(email),
		}
		if t, ok := findDate(flat); ok {
			d.TransactionDate = t
		}

		rest := flat[loc[1]:]
		if dir == reconcile.DirectionCredit {
			d.SenderHint = findSender(rest, flat)
			d.Description = d.SenderHint
			if d.Description == "" {
				d.Description = "Credit transaction"
			}
		} else {
			d.Description = "Debit transaction"
			if m := debitPurpose.FindStringSubmatch(rest); m != nil && usablePhrase(m[1]) {
				d.Description = strings.TrimSpace(m[1])
				d.SenderHint = d.Description
			}
		}
		return d, true, nil
	}
	return reconcile.Draft{}, false, nil
}

// =============================================================================
// FIELD HELPERS
// =============================================================================

// findValue returns the value for a key line: the rest of the line after
// "Key:" or, when that is empty, the next line.
func findValue(lines []string, key *regexp.Regexp) (string, bool) {
	for i, line := range lines {
		loc := key.FindStringIndex(line)
		if loc == nil {
			continue
		}
		rest := strings.TrimSpace(strings.TrimLeft(line[loc[1]:], ": \t"))
		if len(rest) > 1 {
			return rest, true
		}
		if i+1 < len(lines) {
			return strings.TrimSpace(lines[i+1]), true
		}
	}
	return "", false
}

func namedGroups(re *regexp.Regexp, s string, loc []int) map[string]string {
	out := make(map[string]string)
	for i, name := range re.SubexpNames() {
		if name == "" || loc[2*i] < 0 {
			continue
		}
		out[name] = s[loc[2*i]:loc[2*i+1]]
	}
	return out
}

func findSender(rest, flat string) string {
	if m := leadingSender.FindStringSubmatch(rest); m != nil && usablePhrase(m[1]) {
		return strings.TrimSpace(m[1])
	}
	for _, m := range anySender.FindAllStringSubmatch(flat, -1) {
		if usablePhrase(m[1]) {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

func usablePhrase(s string) bool {
	s = strings.TrimSpace(s)
	return len(s) > 2 && !strings.Contains(strings.ToLower(s), "account")
}

// senderFromNarration picks the longest word-like segment of a narration
// such as "FIP:GTB/ANIH LANA/NIP". Short all-caps codes are bank routing noise.
func senderFromNarration(narration string) string {
	best := ""
	for _, seg := range narrationSplit.Split(narration, -1) {
		seg = strings.TrimSpace(seg)
		if !wordSegment.MatchString(seg) {
			continue
		}
		if !strings.Contains(seg, " ") && len(seg) <= 4 {
			continue
		}
		if len(seg) > len(best) {
			best = seg
		}
	}
	if best == "" {
		return strings.TrimSpace(narration)
	}
	return best
}

func findReference(text string) string {
	for _, re := range referencePatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return strings.ToUpper(strings.Trim(m[1], "/-"))
		}
	}
	return ""
}

func findDate(text string) (time.Time, bool) {
	for _, re := range datePatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			if t, ok := ParseDate(m[1]); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func receivedAt(email reconcile.Email) time.Time {
	return email.ReceivedAt.UTC()
}
