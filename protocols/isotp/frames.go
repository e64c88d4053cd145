package isotp

import (
	"github.com/pkg/errors"
)

// Frame types, carried in the high nibble of the first byte.
const (
	SingleFrame      byte = 0x0
	FirstFrame       byte = 0x1
	ConsecutiveFrame byte = 0x2
	FlowControlFrame byte = 0x3
)

// Flow control statuses, carried in the low nibble of a flow control frame.
const (
	FlowContinue byte = 0x0
	FlowWait     byte = 0x1
	FlowOverflow byte = 0x2
)

const (
	// MaxPayload is the largest payload a 12-bit first frame length can describe.
	MaxPayload = 4095
	// MaxSingleFrame is the largest payload sent in a single frame.
	MaxSingleFrame = 7
)

var (
	// ErrTooLarge is returned when a payload is longer than MaxPayload.
	ErrTooLarge = errors.New("payload too large for ISO-TP")
	// ErrEmpty is returned when encoding an empty payload.
	ErrEmpty = errors.New("empty ISO-TP payload")
	// ErrIncomplete is returned when the frames end before a message is complete.
	ErrIncomplete = errors.New("incomplete ISO-TP message")
)

// Encode splits payload into ISO-TP frames. Frames aren't padded.
func Encode(payload []byte) ([][]byte, error) {
	n := len(payload)
	if n == 0 {
		return nil, ErrEmpty
	}
	if n > MaxPayload {
		return nil, errors.Wrapf(ErrTooLarge, "%d bytes", n)
	}

	if n <= MaxSingleFrame {
		frame := make([]byte, 0, n+1)
		frame = append(frame, SingleFrame<<4|byte(n))
		return [][]byte{append(frame, payload...)}, nil
	}

	frames := make([][]byte, 0, 1+(n-6+6)/7)
	first := make([]byte, 0, 8)
	first = append(first, FirstFrame<<4|byte(n>>8), byte(n))
	frames = append(frames, append(first, payload[:6]...))

	seq := byte(1)
	for i := 6; i < n; i += 7 {
		end := i + 7
		if end > n {
			end = n
		}
		frame := make([]byte, 0, 8)
		frame = append(frame, ConsecutiveFrame<<4|seq)
		frames = append(frames, append(frame, payload[i:end]...))
		seq = (seq + 1) % 16
	}
	return frames, nil
}

// Decoded is a message reassembled from a frame sequence.
type Decoded struct {
	Data []byte
	// Consumed is the number of input frames up to and including the last
	// frame of the message.
	Consumed int
	// Anomalies counts frames that were skipped because they were malformed,
	// out of sequence or didn't belong to a message.
	Anomalies int
}

// Decode reassembles the first complete message in frames. Flow control frames
// are skipped. A consecutive frame with an unexpected sequence number, or a first
// frame declaring a length that fits in a single frame, is dropped and counted as
// an anomaly. A first frame arriving mid-message restarts the
// reassembly. ErrIncomplete is returned when frames run out first.
func Decode(frames [][]byte) (Decoded, error) {
	var (
		d       Decoded
		data    []byte
		length  = -1
		nextSeq byte
	)

	for i, f := range frames {
		if len(f) == 0 {
			d.Anomalies++
			continue
		}

		switch f[0] >> 4 {
		case SingleFrame:
			n := int(f[0] & 0xf)
			if n == 0 || n > len(f)-1 {
				d.Anomalies++
				continue
			}
			if length != -1 {
				// abandons the partial message
				d.Anomalies++
			}
			d.Data = append([]byte(nil), f[1:1+n]...)
			d.Consumed = i + 1
			return d, nil

		case FirstFrame:
			if len(f) < 2 {
				d.Anomalies++
				continue
			}
			n := int(f[0]&0xf)<<8 | int(f[1])
			if n <= MaxSingleFrame {
				// would have fit in a single frame
				d.Anomalies++
				continue
			}
			if length != -1 {
				d.Anomalies++
			}
			length = n
			data = append(make([]byte, 0, length), f[2:]...)
			nextSeq = 1

		case ConsecutiveFrame:
			if length == -1 || f[0]&0xf != nextSeq {
				d.Anomalies++
				continue
			}
			data = append(data, f[1:]...)
			nextSeq = (nextSeq + 1) % 16

		case FlowControlFrame:
			continue

		default:
			d.Anomalies++
			continue
		}

		if length != -1 && len(data) >= length {
			d.Data = data[:length]
			d.Consumed = i + 1
			return d, nil
		}
	}

	d.Consumed = len(frames)
	return d, ErrIncomplete
}

// FlowControl builds a flow control frame.
func FlowControl(status, blockSize, stMin byte) []byte {
	return []byte{FlowControlFrame<<4 | status&0xf, blockSize, stMin}
}
