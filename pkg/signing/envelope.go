package signing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Envelope is the signed wrapper around a reading payload. It is fully
// self-describing on the wire: the receiver resolves the verifying key from
// (IngesterID, KeyVersion) alone.
type Envelope struct {
	IngesterID string
	Payload    []byte
	Signature  []byte
	KeyVersion uint32
}

const (
	// SignatureSize is the fixed ed25519 signature length carried on the wire.
	SignatureSize = 64

	headerSize  = 4
	maxIDLen    = math.MaxUint16
	minEnvelope = headerSize + 4 + SignatureSize + 2 + 4
)

// envelopeMagic tags the binary format so that raw JSON payloads (which the
// subscriber accepts as unsigned traffic) can never alias an envelope.
var envelopeMagic = [headerSize]byte{'W', 'S', 'E', '1'}

// ErrNotEnvelope reports bytes that are not a valid envelope. This is a
// normal outcome on the subscribe path, not a fault.
var ErrNotEnvelope = errors.New("not a signed envelope")

// Encode serializes the envelope:
//
//	magic(4) | payloadLen(u32) | payload | signature(64) | idLen(u16) | id | keyVersion(u32)
func (e *Envelope) Encode() ([]byte, error) {
	if len(e.Signature) != SignatureSize {
		return nil, fmt.Errorf("invalid signature length: %d", len(e.Signature))
	}
	if len(e.IngesterID) > maxIDLen {
		return nil, fmt.Errorf("ingester id too long: %d", len(e.IngesterID))
	}

	buf := make([]byte, 0, minEnvelope+len(e.Payload)+len(e.IngesterID))
	buf = append(buf, envelopeMagic[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Payload)))
	buf = append(buf, e.Payload...)
	buf = append(buf, e.Signature...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.IngesterID)))
	buf = append(buf, e.IngesterID...)
	buf = binary.BigEndian.AppendUint32(buf, e.KeyVersion)
	return buf, nil
}

// Decode parses wire bytes into an Envelope. All failures wrap
// ErrNotEnvelope so callers can fall back to the unsigned interpretation.
func Decode(data []byte) (*Envelope, error) {
	if len(data) < minEnvelope {
		return nil, fmt.Errorf("%w: %d bytes", ErrNotEnvelope, len(data))
	}
	if [headerSize]byte(data[:headerSize]) != envelopeMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrNotEnvelope)
	}

	off := headerSize
	payloadLen := int(binary.BigEndian.Uint32(data[off : off+4]))
	off += 4
	if payloadLen > len(data)-off-SignatureSize-2-4 {
		return nil, fmt.Errorf("%w: truncated payload", ErrNotEnvelope)
	}

	payload := append([]byte(nil), data[off:off+payloadLen]...)
	off += payloadLen

	sig := append([]byte(nil), data[off:off+SignatureSize]...)
	off += SignatureSize

	idLen := int(binary.BigEndian.Uint16(data[off : off+2]))
	off += 2
	if idLen != len(data)-off-4 {
		return nil, fmt.Errorf("%w: truncated ingester id", ErrNotEnvelope)
	}
	id := string(data[off : off+idLen])
	off += idLen

	return &Envelope{
		Payload:    payload,
		Signature:  sig,
		IngesterID: id,
		KeyVersion: binary.BigEndian.Uint32(data[off : off+4]),
	}, nil
}
