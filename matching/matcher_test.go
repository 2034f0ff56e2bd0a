package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/estate-reconciler/reconcile"
)

func residents() []reconcile.Resident {
	return []reconcile.Resident{
		{ID: "res-001", FirstName: "John", LastName: "Smith", Active: true},
		{ID: "res-002", FirstName: "Ada", LastName: "Obi", Phone: "+234 803 123 4567", Active: true},
		{ID: "res-003", FirstName: "Musa", LastName: "Bello", HouseNumbers: []string{"Block A Plot 5"}, Active: true},
		{ID: "res-004", FirstName: "Chidi", LastName: "Okafor", AlternateNames: []string{"Okafor Chidiebere"}, Active: true},
		{ID: "res-009", FirstName: "Old", LastName: "Tenant", Active: false},
	}
}

func txFrom(sender string) reconcile.Transaction {
	return reconcile.Transaction{ID: "tx-1", SenderHint: sender, Description: sender, Direction: reconcile.DirectionCredit}
}

func TestMatch_FuzzyNameMedium(t *testing.T) {
	// GIVEN: "JOHN A SMITH TRF" and a resident "John Smith" with no alias
	m := New(DefaultConfig(), residents(), nil)

	// WHEN
	res := m.Match(txFrom("JOHN A SMITH TRF"))

	// THEN: Above medium, below high
	assert.Equal(t, reconcile.ResidentID("res-001"), res.ResidentID)
	assert.Equal(t, reconcile.ConfidenceMedium, res.Confidence)
	assert.Equal(t, reconcile.MethodName, res.Method)
	assert.InDelta(t, 0.8, res.Score, 0.001)
	assert.False(t, res.Ambiguous)
}

func TestMatch_ExactNameHigh(t *testing.T) {
	res := New(DefaultConfig(), residents(), nil).Match(txFrom("TRF FROM JOHN SMITH"))

	assert.Equal(t, reconcile.ConfidenceHigh, res.Confidence)
	assert.Equal(t, reconcile.ResidentID("res-001"), res.ResidentID)
}

func TestMatch_AlternateNameAndDiacritics(t *testing.T) {
	res := New(DefaultConfig(), residents(), nil).Match(txFrom("OKAFOR CHIDIEBÈRE"))

	assert.Equal(t, reconcile.ResidentID("res-004"), res.ResidentID)
	assert.Equal(t, reconcile.ConfidenceHigh, res.Confidence)
}

func TestMatch_AliasWins(t *testing.T) {
	// GIVEN: A saved alias for the exact sender text
	aliases := []reconcile.Alias{{
		ID: "alias-1", ResidentID: "res-001", Text: "JOHN A SMITH TRF",
		NormalizedText: reconcile.NormalizeAliasText("JOHN A SMITH TRF"), Active: true,
	}}
	m := New(DefaultConfig(), residents(), aliases)

	// WHEN
	res := m.Match(txFrom("  john a smith   TRF "))

	// THEN
	assert.Equal(t, reconcile.ConfidenceHigh, res.Confidence)
	assert.Equal(t, reconcile.MethodAlias, res.Method)
	assert.Equal(t, reconcile.AliasID("alias-1"), res.AliasID)
	assert.Equal(t, 1.0, res.Score)
}

func TestMatch_AliasOfInactiveResidentIgnored(t *testing.T) {
	aliases := []reconcile.Alias{{
		ID: "alias-9", ResidentID: "res-009", Text: "OLD T", NormalizedText: "old t", Active: true,
	}}
	res := New(DefaultConfig(), residents(), aliases).Match(txFrom("OLD T"))

	assert.NotEqual(t, reconcile.MethodAlias, res.Method)
	assert.NotEqual(t, reconcile.ResidentID("res-009"), res.ResidentID)
}

func TestMatch_Phone(t *testing.T) {
	tx := reconcile.Transaction{SenderHint: "MOBILE TRF", Description: "MOBILE TRF 08031234567"}

	res := New(DefaultConfig(), residents(), nil).Match(tx)

	assert.Equal(t, reconcile.ResidentID("res-002"), res.ResidentID)
	assert.Equal(t, reconcile.MethodPhone, res.Method)
	assert.Equal(t, reconcile.ConfidenceHigh, res.Confidence)
}

func TestMatch_PhoneDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnablePhone = false
	tx := reconcile.Transaction{SenderHint: "MOBILE TRF", Description: "MOBILE TRF 08031234567"}

	res := New(cfg, residents(), nil).Match(tx)

	assert.Equal(t, reconcile.ConfidenceNone, res.Confidence)
}

func TestMatch_HouseNumber(t *testing.T) {
	tx := reconcile.Transaction{SenderHint: "IBRAHIM K", Description: "SERVICE CHARGE BLOCK A PLOT 5"}

	res := New(DefaultConfig(), residents(), nil).Match(tx)

	assert.Equal(t, reconcile.ResidentID("res-003"), res.ResidentID)
	assert.Equal(t, reconcile.MethodHouseNumber, res.Method)
	assert.Equal(t, reconcile.ConfidenceMedium, res.Confidence)
	assert.Equal(t, HouseScore, res.Score)
}

func TestMatch_EmptySenderIsNone(t *testing.T) {
	for _, sender := range []string{"", "   ", "\t\n"} {
		res := New(DefaultConfig(), residents(), nil).Match(txFrom(sender))
		assert.Equal(t, reconcile.ConfidenceNone, res.Confidence)
		assert.Empty(t, res.ResidentID)
	}
}

func TestMatch_NoMatchBelowLow(t *testing.T) {
	res := New(DefaultConfig(), residents(), nil).Match(txFrom("ZENITH POS SETTLEMENT"))

	assert.Equal(t, reconcile.ConfidenceNone, res.Confidence)
	assert.Empty(t, res.ResidentID)
}

func TestMatch_TieDowngradesOneTier(t *testing.T) {
	// GIVEN: Two residents with the same name
	dir := []reconcile.Resident{
		{ID: "res-b", FirstName: "Grace", LastName: "Eze", Active: true},
		{ID: "res-a", FirstName: "Grace", LastName: "Eze", Active: true},
	}

	// WHEN: The sender is an exact name hit for both
	res := New(DefaultConfig(), dir, nil).Match(txFrom("GRACE EZE"))

	// THEN: high -> medium, flagged, deterministic resident
	assert.True(t, res.Ambiguous)
	assert.Equal(t, reconcile.ConfidenceMedium, res.Confidence)
	assert.Equal(t, reconcile.ResidentID("res-a"), res.ResidentID)
	require.Len(t, res.Candidates, 2)
}

func TestMatch_TieAtLowStaysLow(t *testing.T) {
	dir := []reconcile.Resident{
		{ID: "res-a", FirstName: "Grace", LastName: "Eze", Active: true},
		{ID: "res-b", FirstName: "Grace", LastName: "Obi", Active: true},
	}
	cfg := DefaultConfig()

	// "grace" vs [grace eze] = 2*1/3 = 0.667 for both -> medium tie -> low
	res := New(cfg, dir, nil).Match(txFrom("GRACE"))

	assert.True(t, res.Ambiguous)
	assert.Equal(t, reconcile.ConfidenceLow, res.Confidence)
}

func TestConfig_TierBoundaries(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		score float64
		want  reconcile.Confidence
	}{
		{1.0, reconcile.ConfidenceHigh},
		{0.85, reconcile.ConfidenceHigh},
		{0.8499, reconcile.ConfidenceMedium},
		{0.6, reconcile.ConfidenceMedium},
		{0.5999, reconcile.ConfidenceLow},
		{0.35, reconcile.ConfidenceLow},
		{0.3499, reconcile.ConfidenceNone},
		{0, reconcile.ConfidenceNone},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.Tier(tt.score), "score %v", tt.score)
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.MediumThreshold = 0.9
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.LowThreshold = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.TokenSimilarity = 1.5
	assert.Error(t, bad.Validate())
}

func TestDiceScore(t *testing.T) {
	assert.InDelta(t, 0.8, DiceScore([]string{"john", "a", "smith"}, []string{"john", "smith"}, 0.8), 1e-9)
	assert.InDelta(t, 1.0, DiceScore([]string{"smith", "john"}, []string{"john", "smith"}, 0.8), 1e-9)
	assert.InDelta(t, 0.5, DiceScore([]string{"john", "doe"}, []string{"john", "smith"}, 0.8), 1e-9)
	// smyth ~ smith at 0.8 contributes partial credit
	assert.InDelta(t, 0.9, DiceScore([]string{"john", "smyth"}, []string{"john", "smith"}, 0.8), 1e-9)
	assert.Equal(t, 0.0, DiceScore(nil, []string{"john"}, 0.8))
}

func TestNameTokens(t *testing.T) {
	assert.Equal(t, []string{"john", "a", "smith"}, NameTokens("JOHN A. SMITH TRF 000123456789"))
	assert.Equal(t, []string{"anih", "lana"}, NameTokens("FIP:GTB/ANIH LANA/NIP"))
	assert.Equal(t, "chidiebere", Normalize("Chidiebère"))
}

func TestPhones(t *testing.T) {
	assert.Equal(t, "08031234567", NormalizePhone("+234 803 123 4567"))
	assert.Equal(t, "08031234567", NormalizePhone("8031234567"))
	assert.Equal(t, "", NormalizePhone("12345"))
	assert.Equal(t, []string{"08031234567", "09087654321"}, ExtractPhones("pay 0803-123-4567 or +2349087654321"))
	assert.Empty(t, ExtractPhones("REF 000012345678901234567"))
}

func TestHouseKeys(t *testing.T) {
	assert.Equal(t, []HouseKey{{Block: "a", Number: "5"}}, HouseKeys("Block A, Plot 5 dues"))
	assert.Equal(t, []HouseKey{{Number: "12b"}}, HouseKeys("House 12B"))
	assert.Equal(t, []HouseKey{{Number: "7"}}, HouseKeys("No. 7"))
	assert.Empty(t, HouseKeys("JOHN SMITH"))
}
