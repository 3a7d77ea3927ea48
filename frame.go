package nsq

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ErrFrameTooLarge is returned by the deframer when a frame's declared size
// exceeds defaultMaxFrameSize, treated as a fatal protocol framing error per
// spec.md §7.2.
var ErrFrameTooLarge = fmt.Errorf("nsq: frame size exceeds maximum")

// defaultMaxFrameSize bounds a single frame body; nsqd never sends
// anything close to this in practice, it exists purely to keep a
// corrupted stream from causing an unbounded allocation.
const defaultMaxFrameSize = 32 * 1024 * 1024

// readFrame reads exactly one [size][type][body] frame from r and returns
// its type and body. size, per the wire format, covers type+body.
func readFrame(r io.Reader) (int32, []byte, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return 0, nil, err
	}
	size := int32(binary.BigEndian.Uint32(sizeBuf[:]))
	if size < 4 {
		return 0, nil, fmt.Errorf("nsq: invalid frame size %d", size)
	}
	if size > defaultMaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}

	frameType := int32(binary.BigEndian.Uint32(buf[:4]))
	return frameType, buf[4:], nil
}

// unpackResponse is kept for parity with the bitly/go-nsq lineage's
// ReadUnpackedResponse helper, which callers used to read-then-unpack in a
// single step; readFrame above already returns the unpacked parts, so this
// simply validates frameType.
func unpackResponse(frameType int32, data []byte) (int32, []byte, error) {
	switch frameType {
	case FrameTypeResponse, FrameTypeError, FrameTypeMessage:
		return frameType, data, nil
	default:
		return frameType, data, fmt.Errorf("nsq: unknown frame type %d", frameType)
	}
}
