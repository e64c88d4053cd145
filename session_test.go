package cancat_test

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/gavinwade12/cancat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func offlineCapture(msgs ...cancat.CANMessage) *cancat.Device {
	d := cancat.NewDevice(nil, cancat.DeviceOptions{})
	for _, m := range msgs {
		d.Mailbox().Append(cancat.CmdCANRecv, m.Timestamp, cancat.JoinCANMessage(m.ArbID, m.Data))
	}
	return d
}

func TestBookmarks(t *testing.T) {
	now := time.Now()
	d := offlineCapture(
		cancat.CANMessage{Timestamp: now, ArbID: 0x100, Data: []byte{1}},
		cancat.CANMessage{Timestamp: now, ArbID: 0x100, Data: []byte{2}},
	)

	assert.Equal(t, 0, d.PlaceBookmark("start", ""))
	d.Mailbox().Append(cancat.CmdCANRecv, now, cancat.JoinCANMessage(0x200, nil))
	assert.Equal(t, 1, d.PlaceBookmark("stop", "pressed unlock"))
	assert.Equal(t, []int{2, 3}, d.Bookmarks())

	idx, err := d.BookmarkMessageIndex(1)
	require.NoError(t, err)
	assert.Equal(t, 3, idx)

	b, err := d.BookmarkFromMessageIndex(2)
	require.NoError(t, err)
	assert.Equal(t, 0, b)

	require.NoError(t, d.SetBookmarkName(0, "begin"))
	require.NoError(t, d.SetBookmarkComment(0, "doors locked"))
	info, err := d.Bookmark(0)
	require.NoError(t, err)
	assert.Equal(t, cancat.BookmarkInfo{Name: "begin", Comment: "doors locked"}, info)

	_, err = d.BookmarkMessageIndex(2)
	assert.ErrorIs(t, err, cancat.ErrUnknownBookmark)
	_, err = d.BookmarkFromMessageIndex(7)
	assert.ErrorIs(t, err, cancat.ErrUnknownBookmark)
	assert.ErrorIs(t, d.SetBookmarkName(-1, "x"), cancat.ErrUnknownBookmark)
}

func TestSessionPersistence(t *testing.T) {
	base := time.Unix(1600000000, 123456000)
	d := offlineCapture(
		cancat.CANMessage{Timestamp: base, ArbID: 0x7e0, Data: []byte{0x02, 0x10, 0x03}},
		cancat.CANMessage{Timestamp: base.Add(time.Millisecond * 15), ArbID: 0x7e8, Data: []byte{0x06, 0x50, 0x03}},
	)
	d.Mailbox().Append(cancat.CmdLog, base, []byte("transceiver log"))
	d.PlaceBookmark("after", "session change")
	d.AddComment("bench ECU")

	require.NoError(t, d.RestoreSession(func() *cancat.SavedSession {
		s := d.Session()
		s.Config["can_baud"] = 16
		return s
	}(), false))

	t.Run("RoundTrips", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, d.SaveSession(&buf))

		loaded := cancat.NewDevice(nil, cancat.DeviceOptions{})
		require.NoError(t, loaded.LoadSession(&buf, false))

		want, got := d.CANMessages(0, -1, nil), loaded.CANMessages(0, -1, nil)
		require.Len(t, got, len(want))
		for i := range want {
			assert.Equal(t, want[i].ArbID, got[i].ArbID)
			assert.Equal(t, want[i].Data, got[i].Data)
			assert.WithinDuration(t, want[i].Timestamp, got[i].Timestamp, time.Microsecond)
		}
		assert.Equal(t, 1, loaded.Mailbox().Count(cancat.CmdLog))
		assert.Equal(t, []int{2}, loaded.Bookmarks())
		info, err := loaded.Bookmark(0)
		require.NoError(t, err)
		assert.Equal(t, "after", info.Name)
		assert.Equal(t, []string{"bench ECU"}, loaded.Comments())
		assert.EqualValues(t, 16, loaded.Config()["can_baud"])
	})

	t.Run("ReadSession", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, d.SaveSession(&buf))
		s, err := cancat.ReadSession(&buf)
		require.NoError(t, err)
		assert.Equal(t, cancat.SessionFileVersion, s.FileVersion)
		require.Len(t, s.Messages[cancat.CmdCANRecv], 2)
		assert.InDelta(t, 1600000000.123456, s.Messages[cancat.CmdCANRecv][0].Timestamp, 1e-6)

		_, err = cancat.ReadSession(bytes.NewReader([]byte{0xc1}))
		assert.Error(t, err)
	})

	t.Run("Files", func(t *testing.T) {
		assert.ErrorIs(t, d.SaveSessionToFile(""), cancat.ErrNoFilename)

		name := filepath.Join(t.TempDir(), "capture.sess")
		require.NoError(t, d.SaveSessionToFile(name))
		d.AddComment("second save")
		require.NoError(t, d.SaveSessionToFile(""))

		loaded := cancat.NewDevice(nil, cancat.DeviceOptions{})
		require.NoError(t, loaded.LoadSessionFile(name, false))
		assert.Len(t, loaded.Comments(), 2)
		assert.Equal(t, 2, loaded.CANMessageCount())
		require.NoError(t, loaded.SaveSessionToFile(""))

		assert.Error(t, loaded.LoadSessionFile(filepath.Join(t.TempDir(), "missing"), false))
	})
}

func TestSessionStats(t *testing.T) {
	base := time.Unix(1000, 0)
	at := func(ms int, id uint32) cancat.CANMessage {
		return cancat.CANMessage{Timestamp: base.Add(time.Duration(ms) * time.Millisecond), ArbID: id, Data: []byte{0}}
	}
	d := offlineCapture(at(0, 0x100), at(5, 0x200), at(10, 0x100), at(30, 0x100))

	ids := d.ArbitrationIDs(0, -1)
	require.Len(t, ids, 2)
	assert.Equal(t, uint32(0x100), ids[0].ArbID)
	assert.Len(t, ids[0].Messages, 3)

	stats := d.SessionStats(0, -1)
	require.Len(t, stats.IDs, 2)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, cancat.ArbIDStats{
		ArbID:  0x100,
		Count:  3,
		Mean:   time.Millisecond * 15,
		Median: time.Millisecond * 15,
		High:   time.Millisecond * 20,
		Low:    time.Millisecond * 10,
	}, stats.IDs[0])
	assert.Equal(t, cancat.ArbIDStats{ArbID: 0x200, Count: 1}, stats.IDs[1])
	assert.Contains(t, stats.String(), "id: 0x100\tcount: 3\ttiming::  mean: 0.015")
	assert.Contains(t, stats.String(), "Total Uniq IDs: 2\nTotal Messages: 4")

	d.PlaceBookmark("mid", "")
	d.Mailbox().Append(cancat.CmdCANRecv, base, cancat.JoinCANMessage(0x300, nil))
	byBookmark, err := d.SessionStatsByBookmark(0, -1)
	require.NoError(t, err)
	require.Len(t, byBookmark.IDs, 1)
	assert.Equal(t, uint32(0x300), byBookmark.IDs[0].ArbID)
}

func TestFilterCANMessages(t *testing.T) {
	now := time.Now()
	msg := func(id uint32, b byte) cancat.CANMessage {
		return cancat.CANMessage{Timestamp: now, ArbID: id, Data: []byte{b}}
	}
	d := offlineCapture(msg(0x100, 1), msg(0x200, 1), msg(0x100, 2), msg(0x300, 1), msg(0x200, 2), msg(0x400, 0x41))

	ids := func(msgs []cancat.CANMessage) []uint32 {
		var out []uint32
		for _, m := range msgs {
			out = append(out, m.ArbID)
		}
		return out
	}

	assert.Equal(t, []uint32{0x300, 0x400},
		ids(d.FilterCANMessages(cancat.FilterOptions{Start: 2, Stop: -1, BaselineStop: 2})))
	assert.Equal(t, []uint32{0x100, 0x300},
		ids(d.FilterCANMessages(cancat.FilterOptions{Start: 2, Stop: 4, BaselineStop: 2, ArbIDs: []uint32{0x100, 0x300}})))
	assert.Equal(t, []uint32{0x100, 0x100, 0x300},
		ids(d.FilterCANMessages(cancat.FilterOptions{Stop: -1, Ignore: []uint32{0x200, 0x400}})))
	assert.Equal(t, []uint32{0x400},
		ids(d.FilterCANMessages(cancat.FilterOptions{Stop: -1, Match: func(m cancat.CANMessage) bool {
			return cancat.HasASCII(m.Data, 1, true)
		}})))
}

func TestCANMessageHelpers(t *testing.T) {
	start := time.Unix(1000, 0)
	line := cancat.FormatCANMessage(cancat.CANMessage{
		Index:     5,
		Timestamp: start.Add(time.Millisecond * 1500),
		ArbID:     0x7e8,
		Data:      []byte{0x02, 0x50, 0x03},
	}, start, "session")
	assert.Equal(t, "00000005    1.500 ID: 7e8,  Len: 03, Data: 025003            \tsession", line)

	assert.Equal(t, [][]byte{[]byte("HELLO"), []byte("WORLD")},
		cancat.ASCIIStrings([]byte("\x00HELLO\x01hi\x02WORLD"), 3))
	assert.True(t, cancat.HasASCII([]byte("\x00VIN12"), 4, false))
	assert.False(t, cancat.HasASCII([]byte("\x00VIN12"), 4, true))

	id, data, err := cancat.SplitCANMessage([]byte{0x00, 0x00, 0x07, 0xdf, 0x02, 0x01, 0x00})
	require.NoError(t, err)
	assert.Equal(t, uint32(0x7df), id)
	assert.Equal(t, []byte{0x02, 0x01, 0x00}, data)
	_, _, err = cancat.SplitCANMessage([]byte{0x07})
	assert.ErrorIs(t, err, cancat.ErrShortCANMessage)
}
