package proto

import (
	"encoding/binary"

	"pkt.systems/fabricd/api"
)

// Magic opens every hello payload.
const Magic = "NVFM"

// Revision is the framing revision spoken by this package.
const Revision uint32 = 1

const helloPrefixSize = len(Magic) + 4

// Hello is the first request on every session.
type Hello struct {
	Revision uint32
	Params   api.ConnectParams
}

// EncodeHello builds the hello payload: magic, revision and the caller's
// connect parameter block.
func EncodeHello(h Hello) ([]byte, error) {
	params, err := h.Params.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, helloPrefixSize, helloPrefixSize+len(params))
	copy(buf, Magic)
	binary.BigEndian.PutUint32(buf[len(Magic):], h.Revision)
	return append(buf, params...), nil
}

// DecodeHello parses a hello payload. A missing magic is a generic error; an
// unknown revision or parameter block version is a version mismatch.
func DecodeHello(payload []byte) (Hello, error) {
	if len(payload) < helloPrefixSize || string(payload[:len(Magic)]) != Magic {
		return Hello{}, api.NewError(api.StatusGenericError, "hello", "missing protocol magic")
	}
	h := Hello{Revision: binary.BigEndian.Uint32(payload[len(Magic):helloPrefixSize])}
	if h.Revision != Revision {
		return Hello{}, api.Errorf(api.StatusVersionMismatch, "hello", "protocol revision %d, want %d", h.Revision, Revision)
	}
	if err := h.Params.UnmarshalBinary(payload[helloPrefixSize:]); err != nil {
		return Hello{}, err
	}
	return h, nil
}

// EncodePartitionID encodes a partition id request payload.
func EncodePartitionID(id api.PartitionID) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(id))
	return buf
}

// DecodePartitionID parses a partition id request payload.
func DecodePartitionID(payload []byte) (api.PartitionID, error) {
	if len(payload) != 4 {
		return 0, api.Errorf(api.StatusBadParam, "decode partition id", "payload is %d bytes, want 4", len(payload))
	}
	return api.PartitionID(binary.LittleEndian.Uint32(payload)), nil
}

// EncodeVersionTag encodes the output block version a query request expects.
func EncodeVersionTag(version uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, version)
	return buf
}

// DecodeVersionTag parses a query request payload.
func DecodeVersionTag(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, api.Errorf(api.StatusBadParam, "decode version", "payload is %d bytes, want 4", len(payload))
	}
	return binary.LittleEndian.Uint32(payload), nil
}
