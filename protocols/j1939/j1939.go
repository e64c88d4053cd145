package j1939

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/gavinwade12/cancat"
	"github.com/pkg/errors"
)

// DefaultName is the NAME used in address claims when none is given.
const DefaultName uint64 = 0x4040404040404040

// Message is a complete J1939 message, either a single frame or a reassembled
// transport protocol transfer.
type Message struct {
	// Index is the position of the message among J1939 messages.
	Index     int
	Timestamp time.Time
	ArbID     ArbID
	Data      []byte
}

func (m Message) String() string {
	return fmt.Sprintf("%.8d %s  Len: %.2x  Data: % x", m.Index, m.ArbID, len(m.Data), m.Data)
}

// MessageCount returns the number of J1939 messages filed so far.
func (s *TransportStack) MessageCount() int {
	return s.mailbox.Count(CmdJ1939)
}

// Messages returns the J1939 messages with indexes in [start, stop). A negative
// stop means the end.
func (s *TransportStack) Messages(start, stop int) []Message {
	if start < 0 {
		start = 0
	}
	msgs := s.mailbox.Slice(CmdJ1939, start, stop)
	out := make([]Message, 0, len(msgs))
	for i, m := range msgs {
		jm, err := toMessage(start+i, m)
		if err != nil {
			continue
		}
		out = append(out, jm)
	}
	return out
}

func toMessage(idx int, m cancat.Message) (Message, error) {
	arbid, data, err := cancat.SplitCANMessage(m.Payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Index: idx, Timestamp: m.Timestamp, ArbID: ParseArbID(arbid), Data: data}, nil
}

// Recv returns the first J1939 message at or after index start for which filter
// returns true, waiting up to timeout for one to arrive. A nil filter matches
// every message.
func (s *TransportStack) Recv(ctx context.Context, start int, filter func(ArbID) bool,
	timeout time.Duration) (Message, error) {
	deadline := time.Now().Add(timeout)
	idx := start
	for {
		for _, m := range s.Messages(idx, -1) {
			idx = m.Index + 1
			if filter == nil || filter(m.ArbID) {
				return m, nil
			}
		}
		if n := s.MessageCount(); n > idx {
			idx = n
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Message{}, cancat.ErrTimeout
		}
		if !s.mailbox.WaitFor(ctx, CmdJ1939, idx, remaining) {
			if err := ctx.Err(); err != nil {
				return Message{}, err
			}
			return Message{}, cancat.ErrTimeout
		}
	}
}

// RequestPGN asks dst for the parameter group pgn and collects the responses
// carrying that PGN that arrive within timeout.
func (s *TransportStack) RequestPGN(ctx context.Context, pgn uint32, dst, src byte,
	timeout time.Duration) ([]Message, error) {
	start := s.MessageCount()
	req := ArbID{Priority: DefaultPriority, PF: PFRequest, PS: dst, SA: src}
	data := []byte{byte(pgn), byte(pgn >> 8), byte(pgn >> 16)}
	if err := s.Send(ctx, req, data); err != nil {
		return nil, errors.Wrap(err, "sending request")
	}

	want := byte(pgn >> 8)
	deadline := time.Now().Add(timeout)
	var out []Message
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return out, nil
		}
		m, err := s.Recv(ctx, start, func(a ArbID) bool {
			return a.PF == want && (!a.IsPDU1() || a.PS == src || a.PS == GlobalAddress)
		}, remaining)
		if err != nil {
			if errors.Is(err, cancat.ErrTimeout) {
				return out, nil
			}
			return out, err
		}
		out = append(out, m)
		start = m.Index + 1
	}
}

// ClaimAddress broadcasts an address claim for addr with the given NAME and adds
// addr to the stack's addresses. A zero name uses DefaultName. It returns the
// address claims seen from other nodes within timeout, which the caller can use
// to detect a conflict.
func (s *TransportStack) ClaimAddress(ctx context.Context, addr byte, name uint64,
	timeout time.Duration) ([]Message, error) {
	if name == 0 {
		name = DefaultName
	}
	start := s.MessageCount()
	s.AddAddress(addr)

	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, name)
	id := ArbID{Priority: DefaultPriority, PF: PFAddressClaim, PS: GlobalAddress, SA: addr}
	if err := s.Send(ctx, id, data); err != nil {
		return nil, errors.Wrap(err, "sending address claim")
	}

	var claims []Message
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return claims, nil
		}
		m, err := s.Recv(ctx, start, func(a ArbID) bool {
			return a.PF == PFAddressClaim && a.SA == addr
		}, remaining)
		if err != nil {
			if errors.Is(err, cancat.ErrTimeout) {
				return claims, nil
			}
			return claims, err
		}
		start = m.Index + 1
		if len(m.Data) == 8 && binary.LittleEndian.Uint64(m.Data) == name {
			continue // our own claim echoed back
		}
		claims = append(claims, m)
	}
}
