package isotp

import (
	"context"
	"time"

	"github.com/gavinwade12/cancat"
	"github.com/pkg/errors"
)

// TesterPresentResponse is the positive response to a tester present keep-alive.
// Receive skips it unless it's asked for explicitly.
const TesterPresentResponse byte = 0x7e

// NegativeResponse is the service id of a diagnostic negative response.
const NegativeResponse byte = 0x7f

const (
	// DefaultTimeout bounds flow control waits and frame transmissions.
	DefaultTimeout = time.Second
	// DefaultPollInterval is used between mailbox scans while a message is incomplete.
	DefaultPollInterval = time.Millisecond * 10
)

var (
	// ErrNoFlowControl is returned when the peer doesn't answer a first frame.
	ErrNoFlowControl = errors.New("no flow control frame from peer")
	// ErrOverflow is returned when the peer reports it can't take the message.
	ErrOverflow = errors.New("peer reported receive buffer overflow")
)

// Device is the part of *cancat.Device an ISO-TP connection needs.
type Device interface {
	CANxmit(ctx context.Context, arbid uint32, data []byte, extended bool, timeout time.Duration) error
	CANMessageCount() int
	CANMessages(start, stop int, arbids []uint32) []cancat.CANMessage
	WaitForCANMessage(ctx context.Context, after int, timeout time.Duration) bool
}

// Endpoint is a pair of arbitration ids used to talk to one ECU.
type Endpoint struct {
	TxID     uint32
	RxID     uint32
	Extended bool
}

// Response is a reassembled message and the index of its last CAN frame.
type Response struct {
	Data  []byte
	Index int
}

// Options configures a Conn.
type Options struct {
	Logger cancat.Logger
	// Timeout bounds flow control waits and frame transmissions.
	Timeout time.Duration
	// PadByte fills frames up to 8 bytes unless DisablePadding is set.
	PadByte        byte
	DisablePadding bool
}

// Conn sends and receives ISO-TP messages over captured CAN traffic. Frames are
// segmented and reassembled on the host.
type Conn struct {
	dev    Device
	logger cancat.Logger
	opts   Options
}

// NewConn returns a Conn using dev.
func NewConn(dev Device, opts Options) *Conn {
	if opts.Logger == nil {
		opts.Logger = cancat.NopLogger
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Conn{dev: dev, logger: opts.Logger, opts: opts}
}

// MessageCount returns the number of CAN messages captured so far. It's the
// usual start index for Receive.
func (c *Conn) MessageCount() int {
	return c.dev.CANMessageCount()
}

func (c *Conn) pad(frame []byte) []byte {
	if c.opts.DisablePadding || len(frame) >= 8 {
		return frame
	}
	out := make([]byte, 8)
	copy(out, frame)
	for i := len(frame); i < 8; i++ {
		out[i] = c.opts.PadByte
	}
	return out
}

func (c *Conn) xmit(ctx context.Context, ep Endpoint, frame []byte) error {
	return c.dev.CANxmit(ctx, ep.TxID, c.pad(frame), ep.Extended, c.opts.Timeout)
}

// Send transmits payload to ep. After a first frame it waits for the peer's flow
// control and honors its block size and separation time.
func (c *Conn) Send(ctx context.Context, ep Endpoint, payload []byte) error {
	frames, err := Encode(payload)
	if err != nil {
		return err
	}

	start := c.dev.CANMessageCount()
	if err := c.xmit(ctx, ep, frames[0]); err != nil {
		return errors.Wrap(err, "sending first frame")
	}
	if len(frames) == 1 {
		return nil
	}

	var (
		blockSize byte
		stMin     time.Duration
		sent      int
	)
	for i, f := range frames[1:] {
		if sent == 0 || (blockSize > 0 && sent == int(blockSize)) {
			fc, idx, err := c.waitFlowControl(ctx, ep, start)
			if err != nil {
				return err
			}
			start = idx + 1
			blockSize = fc[1]
			stMin = separationTime(fc[2])
			sent = 0
		}
		if i > 0 && stMin > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(stMin):
			}
		}
		if err := c.xmit(ctx, ep, f); err != nil {
			return errors.Wrapf(err, "sending consecutive frame %d", i+1)
		}
		sent++
	}
	return nil
}

// waitFlowControl returns the first continue-to-send flow control frame from ep at
// or after start. Wait frames restart the timeout.
func (c *Conn) waitFlowControl(ctx context.Context, ep Endpoint, start int) ([]byte, int, error) {
	deadline := time.Now().Add(c.opts.Timeout)
	for {
		n := c.dev.CANMessageCount()
		for _, m := range c.dev.CANMessages(start, -1, []uint32{ep.RxID}) {
			start = m.Index + 1
			if len(m.Data) < 3 || m.Data[0]>>4 != FlowControlFrame {
				continue
			}
			switch m.Data[0] & 0xf {
			case FlowContinue:
				return m.Data, m.Index, nil
			case FlowWait:
				deadline = time.Now().Add(c.opts.Timeout)
			case FlowOverflow:
				return nil, m.Index, ErrOverflow
			default:
				c.logger.Warnf("unknown flow status 0x%x from 0x%x", m.Data[0]&0xf, ep.RxID)
			}
		}
		if n > start {
			start = n
		}

		remaining := time.Until(deadline)
		if remaining <= 0 || !c.dev.WaitForCANMessage(ctx, n, remaining) {
			if err := ctx.Err(); err != nil {
				return nil, start, err
			}
			return nil, start, ErrNoFlowControl
		}
	}
}

// separationTime decodes an STmin byte.
func separationTime(b byte) time.Duration {
	switch {
	case b <= 0x7f:
		return time.Duration(b) * time.Millisecond
	case b >= 0xf1 && b <= 0xf9:
		return time.Duration(b-0xf0) * 100 * time.Microsecond
	default:
		return 127 * time.Millisecond
	}
}

// Receive reassembles the next message from ep among the CAN messages captured at or
// after index start. A flow control frame is sent on ep.TxID when a first frame
// shows up. Tester present responses are skipped. When service is not zero only
// responses with that service id, or negative responses, are returned. The start
// index only ever moves forward past messages that were skipped.
func (c *Conn) Receive(ctx context.Context, ep Endpoint, start int, service byte,
	timeout time.Duration) (Response, error) {
	deadline := time.Now().Add(timeout)
	flowSentFor := -1

	for {
		n := c.dev.CANMessageCount()
		msgs := c.dev.CANMessages(start, -1, []uint32{ep.RxID})

		if len(msgs) > 0 {
			frames := make([][]byte, len(msgs))
			for i, m := range msgs {
				frames[i] = m.Data
			}

			d, err := Decode(frames)
			if d.Anomalies > 0 {
				c.logger.Debugf("skipped %d malformed ISO-TP frames from 0x%x", d.Anomalies, ep.RxID)
			}
			switch {
			case err == nil:
				last := msgs[d.Consumed-1].Index
				if len(d.Data) == 0 {
					start = last + 1
					continue
				}
				if d.Data[0] == TesterPresentResponse && service != TesterPresentResponse {
					start = last + 1
					continue
				}
				if service != 0 && d.Data[0] != service && d.Data[0] != NegativeResponse {
					c.logger.Debugf("ignoring response 0x%x from 0x%x while waiting for 0x%x",
						d.Data[0], ep.RxID, service)
					start = last + 1
					continue
				}
				return Response{Data: d.Data, Index: last}, nil

			case errors.Is(err, ErrIncomplete):
				if idx := firstFrameIndex(msgs); idx != -1 && idx != flowSentFor {
					if err := c.xmit(ctx, ep, FlowControl(FlowContinue, 0, 0)); err != nil {
						c.logger.Warnf("sending flow control to 0x%x: %v", ep.TxID, err)
					} else {
						flowSentFor = idx
					}
				}
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Response{Index: start}, cancat.ErrTimeout
		}
		if !c.dev.WaitForCANMessage(ctx, n, minDuration(remaining, DefaultPollInterval*10)) {
			if err := ctx.Err(); err != nil {
				return Response{Index: start}, err
			}
		}
	}
}

// Transact sends req to ep and returns the response for service.
func (c *Conn) Transact(ctx context.Context, ep Endpoint, req []byte, service byte,
	timeout time.Duration) (Response, error) {
	start := c.dev.CANMessageCount()
	if err := c.Send(ctx, ep, req); err != nil {
		return Response{Index: start}, err
	}
	return c.Receive(ctx, ep, start, service, timeout)
}

// firstFrameIndex returns the index of the last first frame in msgs, or -1.
func firstFrameIndex(msgs []cancat.CANMessage) int {
	idx := -1
	for _, m := range msgs {
		if len(m.Data) > 1 && m.Data[0]>>4 == FirstFrame &&
			int(m.Data[0]&0xf)<<8|int(m.Data[1]) > MaxSingleFrame {
			idx = m.Index
		}
	}
	return idx
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
