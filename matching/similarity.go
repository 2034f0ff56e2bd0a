package matching

import "sort"

// Levenshtein returns the edit distance between a and b, by rune.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// TokenSimilarity is 1 - distance/longer length, in [0, 1].
func TokenSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longer := max(len([]rune(a)), len([]rune(b)))
	if longer == 0 {
		return 1
	}
	return 1 - float64(Levenshtein(a, b))/float64(longer)
}

type tokenPair struct {
	i, j int
	sim  float64
}

// DiceScore is the Dice coefficient of two token lists where tokens count as
// equal when their similarity reaches minSim, each pair contributing its
// similarity. Pairs are assigned greedily, best first, each token used once.
func DiceScore(a, b []string, minSim float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var pairs []tokenPair
	for i, ta := range a {
		for j, tb := range b {
			if s := TokenSimilarity(ta, tb); s >= minSim {
				pairs = append(pairs, tokenPair{i: i, j: j, sim: s})
			}
		}
	}
	sort.SliceStable(pairs, func(x, y int) bool { return pairs[x].sim > pairs[y].sim })

	usedA := make([]bool, len(a))
	usedB := make([]bool, len(b))
	var overlap float64
	for _, p := range pairs {
		if usedA[p.i] || usedB[p.j] {
			continue
		}
		usedA[p.i], usedB[p.j] = true, true
		overlap += p.sim
	}
	return 2 * overlap / float64(len(a)+len(b))
}
