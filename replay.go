package cancat

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Timing selects how Replay paces the messages it sends.
type Timing int

const (
	// TimingFast sends the messages back to back.
	TimingFast Timing = iota
	// TimingReal keeps the gaps between messages as they were captured.
	TimingReal
)

// MaxStandardID is the largest 11-bit arbitration id. Larger ids are replayed as
// extended frames.
const MaxStandardID = 0x7ff

// Replay transmits the captured CAN messages in [start, stop) again, optionally
// only those with one of arbids. It returns the number of messages sent.
func (d *Device) Replay(ctx context.Context, start, stop int, arbids []uint32, timing Timing) (int, error) {
	return d.ReplayMessages(ctx, d.CANMessages(start, stop, arbids), timing)
}

// ReplayMessages transmits msgs, which may come from another capture, and returns
// the number sent.
func (d *Device) ReplayMessages(ctx context.Context, msgs []CANMessage, timing Timing) (int, error) {
	d.logger.Debugf("replaying %d messages", len(msgs))

	var last time.Time
	sent := time.Now()
	for i, m := range msgs {
		if timing == TimingReal && !last.IsZero() {
			// subtract the time spent sending the previous message
			delay := m.Timestamp.Sub(last) - time.Since(sent)
			if delay > 0 && !sleepContext(ctx, delay) {
				return i, ctx.Err()
			}
		}
		last = m.Timestamp
		sent = time.Now()

		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := d.CANxmit(ctx, m.ArbID, m.Data, m.ArbID > MaxStandardID, DefaultResponseTimeout); err != nil {
			return i, errors.Wrapf(err, "replaying message %d", m.Index)
		}
	}
	return len(msgs), nil
}

// ReplayBookmarks replays the messages between two bookmarks. A negative bookmark
// means the start or the end of the capture.
func (d *Device) ReplayBookmarks(ctx context.Context, start, stop int, arbids []uint32, timing Timing) (int, error) {
	from, to, err := d.bookmarkWindow(start, stop)
	if err != nil {
		return 0, err
	}
	return d.Replay(ctx, from, to, arbids, timing)
}
