package cancat

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// CANMessage is a frame captured from the CAN bus.
type CANMessage struct {
	// Index is the position of the message in the CAN receive mailbox, or -1
	// when the message was removed from it.
	Index     int
	Timestamp time.Time
	ArbID     uint32
	Data      []byte
}

// ErrShortCANMessage is returned when a CAN receive payload can't hold an arbitration id.
var ErrShortCANMessage = errors.New("CAN message shorter than its arbitration id")

// SplitCANMessage splits a CAN receive payload into its big-endian arbitration id and data.
func SplitCANMessage(payload []byte) (uint32, []byte, error) {
	if len(payload) < 4 {
		return 0, nil, ErrShortCANMessage
	}
	return binary.BigEndian.Uint32(payload), payload[4:], nil
}

// JoinCANMessage is the inverse of SplitCANMessage.
func JoinCANMessage(arbid uint32, data []byte) []byte {
	payload := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(payload, arbid)
	copy(payload[4:], data)
	return payload
}

func toCANMessage(idx int, m Message) (CANMessage, error) {
	arbid, data, err := SplitCANMessage(m.Payload)
	if err != nil {
		return CANMessage{}, err
	}
	return CANMessage{Index: idx, Timestamp: m.Timestamp, ArbID: arbid, Data: data}, nil
}

// CANMessageCount returns the number of CAN messages captured in this session.
func (d *Device) CANMessageCount() int {
	return d.mailbox.Count(CmdCANRecv)
}

// CANMessages returns the captured CAN messages with indexes in [start, stop) without
// removing them. A negative stop means the end of the capture. When arbids is not
// empty only messages with one of those ids are returned.
func (d *Device) CANMessages(start, stop int, arbids []uint32) []CANMessage {
	if start < 0 {
		start = 0
	}
	msgs := d.mailbox.Slice(CmdCANRecv, start, stop)

	var want map[uint32]bool
	if len(arbids) > 0 {
		want = make(map[uint32]bool, len(arbids))
		for _, id := range arbids {
			want[id] = true
		}
	}

	out := make([]CANMessage, 0, len(msgs))
	for i, m := range msgs {
		cm, err := toCANMessage(start+i, m)
		if err != nil {
			d.logger.Warnf("skipping CAN message %d: %v", start+i, err)
			continue
		}
		if want != nil && !want[cm.ArbID] {
			continue
		}
		out = append(out, cm)
	}
	return out
}

// CANrecv removes and returns the oldest captured CAN message. This alters the
// capture that bookmarks and statistics are based on.
func (d *Device) CANrecv(ctx context.Context, timeout time.Duration) (CANMessage, error) {
	m, err := d.Recv(ctx, CmdCANRecv, timeout)
	if err != nil {
		return CANMessage{}, err
	}
	return toCANMessage(-1, m)
}

// WaitForCANMessage waits until more than after CAN messages have been captured.
func (d *Device) WaitForCANMessage(ctx context.Context, after int, timeout time.Duration) bool {
	return d.mailbox.WaitFor(ctx, CmdCANRecv, after, timeout)
}

// FilterOptions selects messages for FilterCANMessages.
type FilterOptions struct {
	Start, Stop int
	// BaselineStart and BaselineStop select a window whose arbitration ids are
	// excluded from the result. The baseline is ignored when BaselineStop is 0.
	BaselineStart, BaselineStop int
	// ArbIDs are always included, even when they appear in the baseline.
	ArbIDs []uint32
	Ignore []uint32
	// Match, if set, must return true for a message to be included.
	Match func(CANMessage) bool
}

// FilterCANMessages returns the messages in [Start, Stop) that are not explained by
// the baseline window, which is the usual way to find the frames caused by an action.
func (d *Device) FilterCANMessages(opts FilterOptions) []CANMessage {
	baseline := map[uint32]bool{}
	if opts.BaselineStop != 0 {
		for _, m := range d.CANMessages(opts.BaselineStart, opts.BaselineStop, nil) {
			baseline[m.ArbID] = true
		}
	}
	wanted := map[uint32]bool{}
	for _, id := range opts.ArbIDs {
		wanted[id] = true
	}
	ignored := map[uint32]bool{}
	for _, id := range opts.Ignore {
		ignored[id] = true
	}

	var out []CANMessage
	for _, m := range d.CANMessages(opts.Start, opts.Stop, opts.ArbIDs) {
		if !wanted[m.ArbID] && (ignored[m.ArbID] || baseline[m.ArbID]) {
			continue
		}
		if opts.Match != nil && !opts.Match(m) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// FormatCANMessage renders m on one line. Timestamps are shown relative to start.
func FormatCANMessage(m CANMessage, start time.Time, comment string) string {
	return fmt.Sprintf("%.8d %8.3f ID: %.3x,  Len: %.2x, Data: %-18s\t%s",
		m.Index, m.Timestamp.Sub(start).Seconds(), m.ArbID, len(m.Data),
		hex.EncodeToString(m.Data), comment)
}

func printable(b byte) bool {
	return b >= 0x20 && b < 0x7f
}

// ASCIIStrings returns every run of at least minBytes printable characters in data.
func ASCIIStrings(data []byte, minBytes int) [][]byte {
	var out [][]byte
	start := -1
	for i, b := range data {
		if printable(b) {
			if start == -1 {
				start = i
			}
			continue
		}
		if start != -1 && i-start >= minBytes {
			out = append(out, data[start:i])
		}
		start = -1
	}
	if start != -1 && len(data)-start >= minBytes {
		out = append(out, data[start:])
	}
	return out
}

// HasASCII reports whether data contains a run of at least minBytes printable
// characters. When strict is set every byte has to be printable.
func HasASCII(data []byte, minBytes int, strict bool) bool {
	count := 0
	match := false
	for _, b := range data {
		if !printable(b) {
			if strict {
				return false
			}
			count = 0
			continue
		}
		count++
		if count >= minBytes {
			match = true
		}
	}
	return match
}
