// Package ids generates content-based reading identifiers. The same physical
// measurement produces the same ID on every node, regardless of which
// gateway received it or when.
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// ReadingID hashes (device, sensor timestamp, type, value) into a
// deterministic identifier: sha256 hex truncated to 32 characters. The
// timestamp is the sensor's own clock, not receive time.
func ReadingID(deviceID string, sensorTimestamp int64, readingType string, value float64) string {
	content := strings.Join([]string{
		deviceID,
		strconv.FormatInt(sensorTimestamp, 10),
		readingType,
		strconv.FormatFloat(value, 'g', -1, 64),
	}, "|")

	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:32]
}
