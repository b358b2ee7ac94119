package mesh

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchKeyExpr(t *testing.T) {
	tests := []struct {
		expr  string
		key   string
		match bool
	}{
		{"wesense/v2/live/nz/auk/sensor-001", "wesense/v2/live/nz/auk/sensor-001", true},
		{"wesense/v2/live/**", "wesense/v2/live/nz/auk/sensor-001", true},
		{"wesense/v2/live/**", "wesense/v2/live", true},
		{"wesense/v2/live/nz/*/sensor-001", "wesense/v2/live/nz/auk/sensor-001", true},
		{"wesense/v2/live/nz/*", "wesense/v2/live/nz/auk", true},
		{"wesense/v2/live/nz/*", "wesense/v2/live/nz/auk/sensor-001", false},
		{"wesense/v2/live/nz/**", "wesense/v2/live/au/nsw/sensor-001", false},
		{"**", "anything/at/all", true},
		{"**/sensor-001", "wesense/v2/live/nz/auk/sensor-001", true},
		{"wesense/v2/live", "wesense/v2/live/nz", false},
		{"*", "one", true},
		{"*", "one/two", false},
	}

	for _, tc := range tests {
		require.Equal(t, tc.match, MatchKeyExpr(tc.expr, tc.key), "expr=%s key=%s", tc.expr, tc.key)
	}
}

func TestKeyExprIntersects(t *testing.T) {
	tests := []struct {
		a, b      string
		intersect bool
	}{
		{"wesense/v2/live/nz/auk/node-1", "wesense/v2/live/nz/auk/node-1", true},
		{"wesense/v2/live/nz/auk/node-1", "wesense/v2/live/**", true},
		{"wesense/v2/live/**", "wesense/v2/live/nz/auk/node-1", true},
		{"wesense/v2/live/**", "wesense/v2/live/**", true},
		{"wesense/v2/live/nz/*", "wesense/v2/live/*/auk", true},
		{"wesense/v2/live/nz/*", "wesense/v2/live/*/auk/node-1", false},
		{"wesense/v2/live/nz/*", "wesense/v2/live/**", true},
		{"wesense/v2/live/nz/auk/node-1", "wesense/v2/live/au/**", false},
		{"wesense/v2/live", "wesense/v2/live/**", true},
		{"wesense/v2/live/nz", "wesense/v2/live", false},
		{"**", "wesense/v2/live", true},
	}

	for _, tc := range tests {
		require.Equal(t, tc.intersect, KeyExprIntersects(tc.a, tc.b), "a=%s b=%s", tc.a, tc.b)
		require.Equal(t, tc.intersect, KeyExprIntersects(tc.b, tc.a), "a=%s b=%s", tc.b, tc.a)
	}
}
