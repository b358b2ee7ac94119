package mesh

import "strings"

// MatchKeyExpr reports whether a concrete key matches a key expression.
// Expressions are slash-separated; "*" matches exactly one segment and "**"
// matches any number of segments, including none.
func MatchKeyExpr(expr, key string) bool {
	return matchSegments(strings.Split(expr, "/"), strings.Split(key, "/"))
}

// KeyExprIntersects reports whether some concrete key matches both
// expressions. Query selectors and declared queryable expressions may each
// carry wildcards, so plain pattern-against-key matching is not enough.
func KeyExprIntersects(a, b string) bool {
	return intersectSegments(strings.Split(a, "/"), strings.Split(b, "/"))
}

func intersectSegments(a, b []string) bool {
	if len(a) == 0 {
		return len(b) == 0 || allMulti(b)
	}
	if len(b) == 0 {
		return allMulti(a)
	}

	if a[0] == "**" {
		return intersectSegments(a[1:], b) || intersectSegments(a, b[1:])
	}
	if b[0] == "**" {
		return intersectSegments(a, b[1:]) || intersectSegments(a[1:], b)
	}

	if a[0] == "*" || b[0] == "*" || a[0] == b[0] {
		return intersectSegments(a[1:], b[1:])
	}
	return false
}

func allMulti(segs []string) bool {
	for _, s := range segs {
		if s != "**" {
			return false
		}
	}
	return true
}

func matchSegments(expr, key []string) bool {
	if len(expr) == 0 {
		return len(key) == 0
	}

	switch expr[0] {
	case "**":
		// Greedily consume zero or more key segments.
		for i := 0; i <= len(key); i++ {
			if matchSegments(expr[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchSegments(expr[1:], key[1:])
	default:
		return len(key) > 0 && expr[0] == key[0] && matchSegments(expr[1:], key[1:])
	}
}
