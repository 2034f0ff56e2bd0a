/*
Package matching resolves a transaction's sender text to a resident.

STRATEGIES (first hit wins):
  1. Alias         normalized sender text equals an active alias   -> high, 1.0
  2. Phone         a Nigerian mobile number in the payment text
                   equals a resident's phone                       -> high, 1.0
  3. Name / house  token Dice score against full and alternate
                   names, and house references such as
                   "Block A Plot 5" (fixed score HouseScore); the
                   better of the two per resident, tiered by the
                   configured thresholds
  4. Nothing at or above the low threshold                         -> none

TIE-BREAK:
  When two residents share the top score, the result is downgraded one
  tier (low is the floor), flagged ambiguous, and the resident with the
  smallest id is proposed. Routing sends ambiguous results to review.

The matcher never fails: an empty sender text yields confidence none.
*/
package matching

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/warp/estate-reconciler/reconcile"
)

// HouseScore is the score of a house-number hit.
const HouseScore = 0.7

// maxCandidates bounds MatchResult.Candidates.
const maxCandidates = 5

// errMatchAmbiguous signals a top-score tie; it never leaves the package.
var errMatchAmbiguous = errors.New("ambiguous match")

// Config holds matcher thresholds and switches.
type Config struct {
	HighThreshold   float64
	MediumThreshold float64
	LowThreshold    float64
	TokenSimilarity float64
	EnablePhone     bool
	EnableHouse     bool
}

func DefaultConfig() Config {
	return Config{
		HighThreshold:   0.85,
		MediumThreshold: 0.6,
		LowThreshold:    0.35,
		TokenSimilarity: 0.8,
		EnablePhone:     true,
		EnableHouse:     true,
	}
}

// Validate checks 0 < low <= medium <= high <= 1 and 0 < similarity <= 1.
func (c Config) Validate() error {
	if !(c.LowThreshold > 0 && c.LowThreshold <= c.MediumThreshold &&
		c.MediumThreshold <= c.HighThreshold && c.HighThreshold <= 1) {
		return fmt.Errorf("matching thresholds must satisfy 0 < low <= medium <= high <= 1 (got %.2f/%.2f/%.2f)",
			c.LowThreshold, c.MediumThreshold, c.HighThreshold)
	}
	if c.TokenSimilarity <= 0 || c.TokenSimilarity > 1 {
		return fmt.Errorf("token similarity must be in (0, 1], got %.2f", c.TokenSimilarity)
	}
	return nil
}

// Tier maps a score to a confidence tier.
func (c Config) Tier(score float64) reconcile.Confidence {
	switch {
	case score >= c.HighThreshold:
		return reconcile.ConfidenceHigh
	case score >= c.MediumThreshold:
		return reconcile.ConfidenceMedium
	case score >= c.LowThreshold:
		return reconcile.ConfidenceLow
	default:
		return reconcile.ConfidenceNone
	}
}

// Matcher matches against a fixed snapshot of residents and aliases.
type Matcher struct {
	cfg       Config
	residents []indexedResident
	byID      map[reconcile.ResidentID]bool
	aliases   map[string]reconcile.Alias
}

type indexedResident struct {
	resident reconcile.Resident
	names    [][]string
	phone    string
	houses   []HouseKey
}

// New indexes active residents and active aliases.
func New(cfg Config, residents []reconcile.Resident, aliases []reconcile.Alias) *Matcher {
	m := &Matcher{
		cfg:     cfg,
		byID:    make(map[reconcile.ResidentID]bool, len(residents)),
		aliases: reconcile.LatestAliases(aliases),
	}
	for _, r := range residents {
		if !r.Active {
			continue
		}
		ir := indexedResident{resident: r, phone: NormalizePhone(r.Phone)}
		for _, name := range append([]string{r.FullName()}, r.AlternateNames...) {
			if toks := NameTokens(name); len(toks) > 0 {
				ir.names = append(ir.names, toks)
			}
		}
		for _, h := range r.HouseNumbers {
			if key, ok := residentHouse(h); ok {
				ir.houses = append(ir.houses, key)
			}
		}
		m.residents = append(m.residents, ir)
		m.byID[r.ID] = true
	}
	sort.Slice(m.residents, func(i, j int) bool {
		return m.residents[i].resident.ID < m.residents[j].resident.ID
	})
	return m
}

// Builder adapts New to the pipeline's per-run snapshot hook.
func Builder(cfg Config) reconcile.NewMatcherFunc {
	return func(residents []reconcile.Resident, aliases []reconcile.Alias) reconcile.Matcher {
		return New(cfg, residents, aliases)
	}
}

var _ reconcile.Matcher = (*Matcher)(nil)

// Match runs the strategies in order.
func (m *Matcher) Match(tx reconcile.Transaction) reconcile.MatchResult {
	sender := strings.TrimSpace(tx.SenderHint)
	if sender == "" {
		return reconcile.NoMatch()
	}

	if res, ok := m.matchAlias(sender); ok {
		return res
	}
	text := sender + " " + tx.Description
	if m.cfg.EnablePhone {
		if res, ok := m.matchPhone(text); ok {
			return res
		}
	}
	return m.matchFuzzy(sender, text)
}

func (m *Matcher) matchAlias(sender string) (reconcile.MatchResult, bool) {
	alias, ok := m.aliases[reconcile.NormalizeAliasText(sender)]
	if !ok || !m.byID[alias.ResidentID] {
		return reconcile.MatchResult{}, false
	}
	return reconcile.MatchResult{
		ResidentID:   alias.ResidentID,
		Confidence:   reconcile.ConfidenceHigh,
		Method:       reconcile.MethodAlias,
		AliasID:      alias.ID,
		Score:        1,
		MatchedValue: alias.Text,
		Candidates: []reconcile.Candidate{{
			ResidentID: alias.ResidentID, Method: reconcile.MethodAlias, Score: 1, MatchedValue: alias.Text,
		}},
	}, true
}

func (m *Matcher) matchPhone(text string) (reconcile.MatchResult, bool) {
	phones := ExtractPhones(text)
	if len(phones) == 0 {
		return reconcile.MatchResult{}, false
	}
	var cands []reconcile.Candidate
	for _, ir := range m.residents {
		if ir.phone == "" {
			continue
		}
		for _, p := range phones {
			if p == ir.phone {
				cands = append(cands, reconcile.Candidate{
					ResidentID: ir.resident.ID, Method: reconcile.MethodPhone, Score: 1, MatchedValue: p,
				})
				break
			}
		}
	}
	if len(cands) == 0 {
		return reconcile.MatchResult{}, false
	}
	return m.decide(cands), true
}

func (m *Matcher) matchFuzzy(sender, text string) reconcile.MatchResult {
	senderTokens := NameTokens(sender)
	var refs []HouseKey
	if m.cfg.EnableHouse {
		refs = HouseKeys(text)
	}

	var cands []reconcile.Candidate
	for _, ir := range m.residents {
		best := reconcile.Candidate{ResidentID: ir.resident.ID}
		for i, name := range ir.names {
			score := DiceScore(senderTokens, name, m.cfg.TokenSimilarity)
			if score > best.Score {
				best.Score = score
				best.Method = reconcile.MethodName
				best.MatchedValue = ir.nameAt(i)
			}
		}
		if best.Score < HouseScore {
			if key, ok := ir.houseHit(refs); ok {
				best.Score = HouseScore
				best.Method = reconcile.MethodHouseNumber
				best.MatchedValue = key.String()
			}
		}
		if best.Score >= m.cfg.LowThreshold {
			cands = append(cands, best)
		}
	}
	if len(cands) == 0 {
		return reconcile.NoMatch()
	}
	return m.decide(cands)
}

// decide ranks candidates and applies the tie-break.
func (m *Matcher) decide(cands []reconcile.Candidate) reconcile.MatchResult {
	sort.SliceStable(cands, func(i, j int) bool {
		if !sameScore(cands[i].Score, cands[j].Score) {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].ResidentID < cands[j].ResidentID
	})

	top, err := pickTop(cands)
	res := reconcile.MatchResult{
		ResidentID:   top.ResidentID,
		Confidence:   m.cfg.Tier(top.Score),
		Method:       top.Method,
		Score:        roundScore(top.Score),
		MatchedValue: top.MatchedValue,
	}
	if errors.Is(err, errMatchAmbiguous) {
		res.Confidence = res.Confidence.Downgrade()
		res.Ambiguous = true
	}
	if len(cands) > maxCandidates {
		cands = cands[:maxCandidates]
	}
	for i := range cands {
		cands[i].Score = roundScore(cands[i].Score)
	}
	res.Candidates = cands
	return res
}

func pickTop(sorted []reconcile.Candidate) (reconcile.Candidate, error) {
	if len(sorted) > 1 && sameScore(sorted[0].Score, sorted[1].Score) {
		return sorted[0], errMatchAmbiguous
	}
	return sorted[0], nil
}

func (ir indexedResident) nameAt(i int) string {
	return strings.Join(ir.names[i], " ")
}

func (ir indexedResident) houseHit(refs []HouseKey) (HouseKey, bool) {
	for _, ref := range refs {
		for _, home := range ir.houses {
			if houseMatches(ref, home) {
				return home, true
			}
		}
	}
	return HouseKey{}, false
}

func sameScore(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func roundScore(s float64) float64 {
	return math.Round(s*1000) / 1000
}
