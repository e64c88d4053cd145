// Package convert moves CAN captures between cancat sessions and the log format
// written by candump -l.
package convert

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gavinwade12/cancat"
	"github.com/pkg/errors"
	"go.einride.tech/can"
)

// DefaultInterface is the interface name written when none is given.
const DefaultInterface = "vcan0"

// ErrBadLine is returned for candump lines that can't be parsed.
var ErrBadLine = errors.New("invalid candump line")

// Frame converts a captured message to a CAN frame. Ids that don't fit in 11 bits
// become extended frames.
func Frame(m cancat.CANMessage) (can.Frame, error) {
	if len(m.Data) > 8 {
		return can.Frame{}, errors.Wrapf(cancat.ErrCANDataTooLong, "message %d", m.Index)
	}
	f := can.Frame{
		ID:         m.ArbID,
		Length:     uint8(len(m.Data)),
		IsExtended: m.ArbID > cancat.MaxStandardID,
	}
	copy(f.Data[:], m.Data)
	if err := f.Validate(); err != nil {
		return can.Frame{}, errors.Wrapf(err, "message %d", m.Index)
	}
	return f, nil
}

// Message converts a CAN frame received at ts back to a captured message.
func Message(f can.Frame, ts time.Time) cancat.CANMessage {
	data := make([]byte, f.Length)
	copy(data, f.Data[:f.Length])
	return cancat.CANMessage{Index: -1, Timestamp: ts, ArbID: f.ID, Data: data}
}

// WriteCandump writes msgs in candump log format, one line per message:
//
//	(1600000000.123456) vcan0 7E8#025003
func WriteCandump(w io.Writer, msgs []cancat.CANMessage, iface string) error {
	if iface == "" {
		iface = DefaultInterface
	}
	bw := bufio.NewWriter(w)
	for _, m := range msgs {
		f, err := Frame(m)
		if err != nil {
			return err
		}
		ts := float64(m.Timestamp.UnixNano()) / 1e9
		if _, err := fmt.Fprintf(bw, "(%.6f) %s %s\n", ts, iface, f.String()); err != nil {
			return errors.Wrap(err, "writing candump line")
		}
	}
	return errors.Wrap(bw.Flush(), "flushing candump log")
}

// ReadCandump parses a candump log. Blank lines are skipped. The returned
// messages are indexed in file order.
func ReadCandump(r io.Reader) ([]cancat.CANMessage, error) {
	var msgs []cancat.CANMessage
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		m, err := parseLine(text)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		m.Index = len(msgs)
		msgs = append(msgs, m)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "reading candump log")
	}
	return msgs, nil
}

func parseLine(text string) (cancat.CANMessage, error) {
	fields := strings.Fields(text)
	if len(fields) != 3 || !strings.HasPrefix(fields[0], "(") || !strings.HasSuffix(fields[0], ")") {
		return cancat.CANMessage{}, errors.Wrapf(ErrBadLine, "%q", text)
	}

	secs, err := strconv.ParseFloat(strings.Trim(fields[0], "()"), 64)
	if err != nil {
		return cancat.CANMessage{}, errors.Wrapf(ErrBadLine, "timestamp %q", fields[0])
	}
	var f can.Frame
	if err := f.UnmarshalString(fields[2]); err != nil {
		return cancat.CANMessage{}, errors.Wrapf(ErrBadLine, "frame %q: %v", fields[2], err)
	}
	if f.IsRemote {
		return cancat.CANMessage{}, errors.Wrapf(ErrBadLine, "remote frame %q", fields[2])
	}

	sec, frac := math.Modf(secs)
	return Message(f, time.Unix(int64(sec), int64(math.Round(frac*1e6))*1e3)), nil
}

// ToSession returns a session holding msgs as its CAN capture.
func ToSession(msgs []cancat.CANMessage) *cancat.SavedSession {
	saved := make([]cancat.SavedMessage, len(msgs))
	for i, m := range msgs {
		saved[i] = cancat.SavedMessage{
			Timestamp: float64(m.Timestamp.UnixNano()) / 1e9,
			Payload:   cancat.JoinCANMessage(m.ArbID, m.Data),
		}
	}
	return &cancat.SavedSession{
		Messages:     map[int][]cancat.SavedMessage{cancat.CmdCANRecv: saved},
		BookmarkInfo: map[int]cancat.BookmarkInfo{},
		FileVersion:  cancat.SessionFileVersion,
		Config:       map[string]interface{}{},
	}
}

// FromSession returns the CAN capture of a saved session.
func FromSession(s *cancat.SavedSession) ([]cancat.CANMessage, error) {
	d := cancat.NewDevice(nil, cancat.DeviceOptions{})
	if err := d.RestoreSession(s, false); err != nil {
		return nil, err
	}
	msgs := d.CANMessages(0, -1, nil)
	if len(msgs) != len(s.Messages[cancat.CmdCANRecv]) {
		return nil, errors.Wrapf(cancat.ErrShortCANMessage, "%d of %d messages are malformed",
			len(s.Messages[cancat.CmdCANRecv])-len(msgs), len(s.Messages[cancat.CmdCANRecv]))
	}
	return msgs, nil
}
