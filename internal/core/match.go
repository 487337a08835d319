package core

// WildcardMatch reports whether value matches pattern, where '*' matches any
// run of characters (including none). The match is anchored: the whole value
// must be covered by the pattern.
func WildcardMatch(pattern, value string) bool {
	// Iterative glob matching with single-level backtracking over '*'.
	var p, v int
	starP, starV := -1, 0
	for v < len(value) {
		switch {
		case p < len(pattern) && pattern[p] == '*':
			starP, starV = p, v
			p++
		case p < len(pattern) && pattern[p] == value[v]:
			p++
			v++
		case starP >= 0:
			starV++
			p, v = starP+1, starV
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
