package matching

import (
	"regexp"
	"strings"
)

// HouseKey identifies a dwelling. Block is empty when the text names only
// a plot or house number.
type HouseKey struct {
	Block  string
	Number string
}

func (k HouseKey) String() string {
	if k.Block == "" {
		return k.Number
	}
	return k.Block + "/" + k.Number
}

var (
	blockPlot  = regexp.MustCompile(`\bblock\s*([a-z0-9]{1,3})\s*(?:plot|house|no|number)?\s*(\d+[a-z]?)\b`)
	plotNumber = regexp.MustCompile(`\b(?:plot|house|hse|no|number|flat)\s*(\d+[a-z]?)\b`)
	bareNumber = regexp.MustCompile(`^(\d+[a-z]?)$`)
)

// HouseKeys extracts dwelling references such as "Block A Plot 5",
// "Plot 5", "House 12B" or "No. 7".
func HouseKeys(text string) []HouseKey {
	s := Normalize(text)
	var out []HouseKey
	for _, m := range blockPlot.FindAllStringSubmatch(s, -1) {
		out = append(out, HouseKey{Block: m[1], Number: m[2]})
	}
	if len(out) > 0 {
		return out
	}
	for _, m := range plotNumber.FindAllStringSubmatch(s, -1) {
		out = append(out, HouseKey{Number: m[1]})
	}
	return out
}

// residentHouse parses a directory house number. A bare "5" or "12b" is
// accepted as a number without block.
func residentHouse(s string) (HouseKey, bool) {
	if keys := HouseKeys(s); len(keys) > 0 {
		return keys[0], true
	}
	if m := bareNumber.FindStringSubmatch(strings.TrimSpace(Normalize(s))); m != nil {
		return HouseKey{Number: m[1]}, true
	}
	return HouseKey{}, false
}

// houseMatches reports whether a reference from payment text points at the
// resident's dwelling. A reference without block matches on number alone.
func houseMatches(ref, home HouseKey) bool {
	if ref.Number != home.Number {
		return false
	}
	return ref.Block == "" || ref.Block == home.Block
}
