// Package proto implements the fabricd session framing shared by the client
// library and the daemon. Each frame is
//
//	[4 length BE][2 opcode BE][2 flags BE][4 status BE][payload]
//
// where length counts everything after the length prefix. A session is
// strictly request/response: the client writes one request frame and reads
// exactly one response frame before issuing the next request.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"pkt.systems/fabricd/api"
)

// Opcode identifies the operation carried by a frame.
type Opcode uint16

const (
	OpHello Opcode = iota + 1
	OpGetSupportedPartitions
	OpGetUnsupportedPartitions
	OpGetNvlinkFailedDevices
	OpActivatePartition
	OpActivatePartitionWithVFs
	OpDeactivatePartition
	OpSetActivatedPartitions
	OpGoodbye
)

var opcodeNames = map[Opcode]string{
	OpHello:                    "hello",
	OpGetSupportedPartitions:   "get_supported_partitions",
	OpGetUnsupportedPartitions: "get_unsupported_partitions",
	OpGetNvlinkFailedDevices:   "get_nvlink_failed_devices",
	OpActivatePartition:        "activate_partition",
	OpActivatePartitionWithVFs: "activate_partition_with_vfs",
	OpDeactivatePartition:      "deactivate_partition",
	OpSetActivatedPartitions:   "set_activated_partitions",
	OpGoodbye:                  "goodbye",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("opcode(%d)", uint16(o))
}

// FlagResponse marks frames sent by the daemon.
const FlagResponse uint16 = 1

const (
	lengthPrefixSize = 4
	headerSize       = 2 + 2 + 4
	// MaxFrameSize bounds the length field; the largest payload is a FabricPartitionList.
	MaxFrameSize = 256 << 10
)

// ErrFrameTooLarge is returned when a peer announces a frame above MaxFrameSize.
var ErrFrameTooLarge = errors.New("proto: frame too large")

// Frame is a decoded session frame.
type Frame struct {
	Op      Opcode
	Flags   uint16
	Status  api.Status
	Payload []byte
}

// IsResponse reports whether the frame was sent by the daemon.
func (f Frame) IsResponse() bool {
	return f.Flags&FlagResponse != 0
}

// Err returns the failure carried by a response frame, nil on success. The
// payload of a failed response is the daemon's detail message.
func (f Frame) Err() error {
	if f.Status == api.StatusSuccess {
		return nil
	}
	status := f.Status
	if !status.Known() {
		status = api.StatusGenericError
	}
	return api.NewError(status, f.Op.String(), string(f.Payload))
}

// WriteFrame writes f in a single Write call.
func WriteFrame(w io.Writer, f Frame) error {
	size := headerSize + len(f.Payload)
	if size > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, lengthPrefixSize+size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(size))
	binary.BigEndian.PutUint16(buf[4:6], uint16(f.Op))
	binary.BigEndian.PutUint16(buf[6:8], f.Flags)
	binary.BigEndian.PutUint32(buf[8:12], uint32(int32(f.Status)))
	copy(buf[lengthPrefixSize+headerSize:], f.Payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("proto: write %s: %w", f.Op, err)
	}
	return nil
}

// ReadFrame reads one frame from r. io.EOF is returned unwrapped when the peer
// closed the stream cleanly between frames.
func ReadFrame(r io.Reader) (Frame, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("proto: read length: %w", err)
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}
	if size < headerSize {
		return Frame{}, fmt.Errorf("proto: frame of %d bytes is shorter than its header", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("proto: read body: %w", err)
	}
	f := Frame{
		Op:     Opcode(binary.BigEndian.Uint16(body[0:2])),
		Flags:  binary.BigEndian.Uint16(body[2:4]),
		Status: api.Status(int32(binary.BigEndian.Uint32(body[4:8]))),
	}
	if len(body) > headerSize {
		f.Payload = body[headerSize:]
	}
	return f, nil
}

// Response builds the response frame for req.
func Response(req Frame, payload []byte) Frame {
	return Frame{Op: req.Op, Flags: FlagResponse, Payload: payload}
}

// ErrorResponse builds a failed response frame for req from err.
func ErrorResponse(req Frame, err error) Frame {
	detail := ""
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		detail = apiErr.Detail
	} else if err != nil {
		detail = err.Error()
	}
	return Frame{Op: req.Op, Flags: FlagResponse, Status: api.StatusOf(err), Payload: []byte(detail)}
}
