package mesh

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundtrip(t *testing.T) {
	frames := []*frame{
		{op: opDeclareSub, key: "wesense/v2/live/**"},
		{op: opUndeclareSub, key: "wesense/v2/live/**"},
		{op: opDeclareQueryable, key: "wesense/v2/query/**"},
		{op: opUndeclareQueryable, key: "wesense/v2/query/**"},
		{op: opPub, key: "wesense/v2/live/nz/auk/sensor-001", payload: []byte(`{"value":1}`)},
		{op: opQuery, queryID: [queryIDSize]byte{1, 2, 3}, key: "wesense/v2/query/node", payload: []byte("summary")},
		{op: opReply, queryID: [queryIDSize]byte{1, 2, 3}, payload: []byte(`{"results":[]}`)},
		{op: opPub, key: "wesense/v2/live/unknown/unknown/unknown", payload: nil},
	}

	for _, f := range frames {
		buf := &bytes.Buffer{}
		require.NoError(t, writeFrame(buf, f))

		got, err := readFrame(buf)
		require.NoError(t, err)
		require.Equal(t, f.op, got.op)
		require.Equal(t, f.key, got.key)
		require.Equal(t, f.queryID, got.queryID)
		if len(f.payload) > 0 {
			require.Equal(t, f.payload, got.payload)
		} else {
			require.Empty(t, got.payload)
		}
	}
}

func TestReadFrameRejectsGarbage(t *testing.T) {
	// Unknown op code.
	_, err := readFrame(bytes.NewReader([]byte{0, 0, 0, 1, 0xFF}))
	require.Error(t, err)

	// Zero-length frame.
	_, err = readFrame(bytes.NewReader([]byte{0, 0, 0, 0}))
	require.Error(t, err)

	// Declared size exceeds the cap.
	_, err = readFrame(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF, 1}))
	require.Error(t, err)

	// Truncated body.
	_, err = readFrame(bytes.NewReader([]byte{0, 0, 0, 10, byte(opPub), 0, 4}))
	require.Error(t, err)
}
