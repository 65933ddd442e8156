package postoffice

import "github.com/adred-codev/postoffice/internal/matchregistry"

func init() {
	matchregistry.Register("glob", matchregistry.MatchFn(defaultMatch))
}

// GlobMatch exposes the built-in matcher to other packages. It is a
// separate function value from the one registered as "glob", so a pattern
// subscribed with GlobMatch (rather than a nil match, which selects the
// registered matcher) has no registered name and is not forwarded over the
// cluster link.
func GlobMatch(pattern, target []byte) bool { return defaultMatch(pattern, target) }

// defaultMatch is the built-in pattern matcher registered under the name
// "glob" in the match-fn registry. It supports `?` (exactly one byte), `*`
// (zero or more bytes), `[...]` (one byte from a class, `[^...]` or `[!...]`
// negates it), and `\x` (literal escape for the next byte). `*` is resolved
// with a single point of backtracking: on a later mismatch, retry one byte
// further into the text that `*` last matched, rather than a full
// exponential backtracking search.
func defaultMatch(pattern, target []byte) bool {
	var (
		pi, ti     int
		starIdx    = -1
		starTarget = -1
	)

	for ti < len(target) {
		if pi < len(pattern) {
			switch pattern[pi] {
			case '*':
				starIdx = pi
				starTarget = ti
				pi++
				continue
			case '?':
				pi++
				ti++
				continue
			case '\\':
				if pi+1 < len(pattern) && pattern[pi+1] == target[ti] {
					pi += 2
					ti++
					continue
				}
			case '[':
				if end, ok := matchClass(pattern, pi, target[ti]); ok {
					pi = end
					ti++
					continue
				}
			default:
				if pattern[pi] == target[ti] {
					pi++
					ti++
					continue
				}
			}
		}

		if starIdx >= 0 {
			starTarget++
			ti = starTarget
			pi = starIdx + 1
			continue
		}
		return false
	}

	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// matchClass consumes a `[...]` class starting at pattern[start] == '['. It
// returns the index just past the closing `]` and whether b matched the
// class. A malformed class (no closing bracket) never matches.
func matchClass(pattern []byte, start int, b byte) (int, bool) {
	i := start + 1
	negate := false
	if i < len(pattern) && (pattern[i] == '^' || pattern[i] == '!') {
		negate = true
		i++
	}

	matched := false
	first := true
	for i < len(pattern) && (pattern[i] != ']' || first) {
		first = false
		lo := pattern[i]
		if i+2 < len(pattern) && pattern[i+1] == '-' && pattern[i+2] != ']' {
			hi := pattern[i+2]
			if lo > hi {
				lo, hi = hi, lo
			}
			if lo <= b && b <= hi {
				matched = true
			}
			i += 3
			continue
		}
		if lo == b {
			matched = true
		}
		i++
	}

	if i >= len(pattern) {
		return len(pattern), false
	}
	end := i + 1 // past ']'
	if negate {
		matched = !matched
	}
	return end, matched
}
