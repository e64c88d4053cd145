package cancat

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ArbIDMessages are the captured messages of one arbitration id.
type ArbIDMessages struct {
	ArbID    uint32
	Messages []CANMessage
}

// ArbitrationIDs groups the CAN messages in [start, stop) by arbitration id, most
// frequent first. A negative stop means the end of the capture.
func (d *Device) ArbitrationIDs(start, stop int) []ArbIDMessages {
	byID := make(map[uint32][]CANMessage)
	for _, m := range d.CANMessages(start, stop, nil) {
		byID[m.ArbID] = append(byID[m.ArbID], m)
	}

	out := make([]ArbIDMessages, 0, len(byID))
	for id, msgs := range byID {
		out = append(out, ArbIDMessages{ArbID: id, Messages: msgs})
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Messages) != len(out[j].Messages) {
			return len(out[i].Messages) > len(out[j].Messages)
		}
		return out[i].ArbID > out[j].ArbID
	})
	return out
}

// ArbIDStats is the timing of one arbitration id.
type ArbIDStats struct {
	ArbID uint32
	Count int
	// Mean, Median, High and Low describe the time between consecutive messages.
	// Median is the midpoint of High and Low.
	Mean, Median, High, Low time.Duration
}

func (s ArbIDStats) String() string {
	return fmt.Sprintf("id: 0x%x\tcount: %d\ttiming::  mean: %.3f\tmedian: %.3f\thigh: %.3f\tlow: %.3f",
		s.ArbID, s.Count, s.Mean.Seconds(), s.Median.Seconds(), s.High.Seconds(), s.Low.Seconds())
}

// SessionStats are the per arbitration id statistics of a capture window.
type SessionStats struct {
	IDs []ArbIDStats
	// Total is the number of messages in the whole capture.
	Total int
}

func (s SessionStats) String() string {
	lines := make([]string, 0, len(s.IDs)+1)
	for _, id := range s.IDs {
		lines = append(lines, id.String())
	}
	lines = append(lines, fmt.Sprintf("Total Uniq IDs: %d\nTotal Messages: %d", len(s.IDs), s.Total))
	return strings.Join(lines, "\n")
}

// SessionStats computes the timing statistics of every arbitration id in
// [start, stop).
func (d *Device) SessionStats(start, stop int) SessionStats {
	ids := d.ArbitrationIDs(start, stop)
	stats := SessionStats{IDs: make([]ArbIDStats, 0, len(ids)), Total: d.CANMessageCount()}

	for _, id := range ids {
		s := ArbIDStats{ArbID: id.ArbID, Count: len(id.Messages)}
		if s.Count > 1 {
			s.Low = time.Duration(1<<63 - 1)
			for i := 1; i < s.Count; i++ {
				delta := id.Messages[i].Timestamp.Sub(id.Messages[i-1].Timestamp)
				if delta > s.High {
					s.High = delta
				}
				if delta < s.Low {
					s.Low = delta
				}
			}
			total := id.Messages[s.Count-1].Timestamp.Sub(id.Messages[0].Timestamp)
			s.Mean = total / time.Duration(s.Count-1)
			s.Median = s.Low + (s.High-s.Low)/2
		}
		stats.IDs = append(stats.IDs, s)
	}
	return stats
}

// SessionStatsByBookmark computes SessionStats between two bookmarks. A negative
// bookmark means the start or the end of the capture.
func (d *Device) SessionStatsByBookmark(start, stop int) (SessionStats, error) {
	from, to, err := d.bookmarkWindow(start, stop)
	if err != nil {
		return SessionStats{}, err
	}
	return d.SessionStats(from, to), nil
}

func (d *Device) bookmarkWindow(start, stop int) (int, int, error) {
	from, to := 0, -1
	var err error
	if start >= 0 {
		if from, err = d.BookmarkMessageIndex(start); err != nil {
			return 0, 0, err
		}
	}
	if stop >= 0 {
		if to, err = d.BookmarkMessageIndex(stop); err != nil {
			return 0, 0, err
		}
	}
	return from, to, nil
}
