package cancat

import (
	"bytes"

	"github.com/pkg/errors"
)

// Frame is a single message exchanged with the CanCat transceiver.
// The format on the wire is:
//	Marker ('@')
//	Length (count of payload bytes + 2)
//	Command
//	Payload
type Frame struct {
	Command byte
	Payload []byte
}

// Constant values used to describe pieces of a frame.
const (
	FrameIndexMarker       int = 0
	FrameIndexLength       int = 1
	FrameIndexCommand      int = 2
	FrameIndexPayloadStart int = 3

	FrameMarker     byte = '@'
	FrameHeaderSize int  = 3

	// MaxFramePayload is the largest payload that fits in the single length byte.
	MaxFramePayload int = 253
)

// ErrPayloadTooLarge is returned when a payload does not fit in a single frame.
var ErrPayloadTooLarge = errors.New("payload too large for a single frame")

// DecodeStatus describes the outcome of a call to DecodeFrame.
type DecodeStatus int

const (
	// DecodeOK means a complete frame was decoded.
	DecodeOK DecodeStatus = iota
	// DecodeNeedMore means the buffer holds the start of a frame but not all of it.
	DecodeNeedMore
	// DecodeResync means leading bytes were not part of a frame and should be dropped.
	DecodeResync
)

func (s DecodeStatus) String() string {
	switch s {
	case DecodeOK:
		return "ok"
	case DecodeNeedMore:
		return "need more"
	case DecodeResync:
		return "resync"
	}
	return "unknown"
}

// EncodeFrame returns the wire representation of a frame with the given command and payload.
func EncodeFrame(cmd byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxFramePayload {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "%d bytes", len(payload))
	}

	b := make([]byte, FrameHeaderSize+len(payload))
	b[FrameIndexMarker] = FrameMarker
	b[FrameIndexLength] = byte(len(payload) + 2)
	b[FrameIndexCommand] = cmd
	copy(b[FrameIndexPayloadStart:], payload)
	return b, nil
}

// DecodeFrame decodes the first frame in buf. The returned count is the number of
// bytes consumed when the status is DecodeOK, and the number of bytes to discard
// when the status is DecodeResync. Malformed input never produces an error; dropping
// bytes up to the next marker is the recovery path.
func DecodeFrame(buf []byte) (Frame, int, DecodeStatus) {
	if len(buf) == 0 {
		return Frame{}, 0, DecodeNeedMore
	}

	if buf[FrameIndexMarker] != FrameMarker {
		idx := bytes.IndexByte(buf, FrameMarker)
		if idx == -1 {
			return Frame{}, len(buf), DecodeResync
		}
		return Frame{}, idx, DecodeResync
	}

	if len(buf) < 2 {
		return Frame{}, 0, DecodeNeedMore
	}

	length := int(buf[FrameIndexLength])
	if length < 2 {
		// the length covers at least itself and the command, so this marker was noise
		next := bytes.IndexByte(buf[1:], FrameMarker)
		if next == -1 {
			return Frame{}, len(buf), DecodeResync
		}
		return Frame{}, next + 1, DecodeResync
	}

	total := length + 1
	if len(buf) < total {
		return Frame{}, 0, DecodeNeedMore
	}

	payload := make([]byte, total-FrameHeaderSize)
	copy(payload, buf[FrameIndexPayloadStart:total])
	return Frame{
		Command: buf[FrameIndexCommand],
		Payload: payload,
	}, total, DecodeOK
}
