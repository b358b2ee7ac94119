package mesh

import (
	"encoding/binary"
	"fmt"
	"io"
)

type frameOp uint8

const (
	opDeclareSub frameOp = iota + 1
	opUndeclareSub
	opDeclareQueryable
	opUndeclareQueryable
	opPub
	opQuery
	opReply
)

const (
	queryIDSize  = 16
	maxFrameSize = 4 << 20
)

// frame is one length-prefixed unit on a peer stream:
//
//	len(u32) | op(u8) | body
//
// Bodies:
//
//	declare/undeclare: keyExprLen(u16) | keyExpr
//	pub:               keyLen(u16) | key | payload
//	query:             id(16) | keyLen(u16) | key | payload
//	reply:             id(16) | payload
type frame struct {
	key     string
	payload []byte
	queryID [queryIDSize]byte
	op      frameOp
}

func (f *frame) encode() ([]byte, error) {
	if len(f.key) > 0xFFFF {
		return nil, fmt.Errorf("key expression too long: %d", len(f.key))
	}

	body := []byte{byte(f.op)}
	switch f.op {
	case opDeclareSub, opUndeclareSub, opDeclareQueryable, opUndeclareQueryable:
		body = binary.BigEndian.AppendUint16(body, uint16(len(f.key)))
		body = append(body, f.key...)
	case opPub:
		body = binary.BigEndian.AppendUint16(body, uint16(len(f.key)))
		body = append(body, f.key...)
		body = append(body, f.payload...)
	case opQuery:
		body = append(body, f.queryID[:]...)
		body = binary.BigEndian.AppendUint16(body, uint16(len(f.key)))
		body = append(body, f.key...)
		body = append(body, f.payload...)
	case opReply:
		body = append(body, f.queryID[:]...)
		body = append(body, f.payload...)
	default:
		return nil, fmt.Errorf("unknown frame op: %d", f.op)
	}

	out := make([]byte, 0, 4+len(body))
	out = binary.BigEndian.AppendUint32(out, uint32(len(body)))
	return append(out, body...), nil
}

func writeFrame(w io.Writer, f *frame) error {
	b, err := f.encode()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func readFrame(r io.Reader) (*frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(lenBuf[:])
	if size == 0 || size > maxFrameSize {
		return nil, fmt.Errorf("invalid frame size: %d", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	return decodeFrame(body)
}

func decodeFrame(body []byte) (*frame, error) {
	f := &frame{op: frameOp(body[0])}
	rest := body[1:]

	switch f.op {
	case opDeclareSub, opUndeclareSub, opDeclareQueryable, opUndeclareQueryable:
		key, tail, err := readKey(rest)
		if err != nil {
			return nil, err
		}
		if len(tail) != 0 {
			return nil, fmt.Errorf("trailing bytes in declare frame: %d", len(tail))
		}
		f.key = key
	case opPub:
		key, tail, err := readKey(rest)
		if err != nil {
			return nil, err
		}
		f.key = key
		f.payload = tail
	case opQuery:
		if len(rest) < queryIDSize {
			return nil, fmt.Errorf("query frame too short: %d", len(rest))
		}
		copy(f.queryID[:], rest[:queryIDSize])
		key, tail, err := readKey(rest[queryIDSize:])
		if err != nil {
			return nil, err
		}
		f.key = key
		f.payload = tail
	case opReply:
		if len(rest) < queryIDSize {
			return nil, fmt.Errorf("reply frame too short: %d", len(rest))
		}
		copy(f.queryID[:], rest[:queryIDSize])
		f.payload = rest[queryIDSize:]
	default:
		return nil, fmt.Errorf("unknown frame op: %d", f.op)
	}

	return f, nil
}

func readKey(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, fmt.Errorf("frame too short for key: %d", len(b))
	}
	keyLen := int(binary.BigEndian.Uint16(b[:2]))
	if len(b) < 2+keyLen {
		return "", nil, fmt.Errorf("frame too short for key of %d bytes", keyLen)
	}
	return string(b[2 : 2+keyLen]), b[2+keyLen:], nil
}
