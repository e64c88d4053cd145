package convert_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/gavinwade12/cancat"
	"github.com/gavinwade12/cancat/convert"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const candumpLog = `(1600000000.123456) can0 7E0#0210030000000000
(1600000000.125001) can0 7E8#065003003201F4AA

(1600000001.000000) can0 18DAF110#023E00
(1600000001.500000) can0 123#
`

func TestReadCandump(t *testing.T) {
	msgs, err := convert.ReadCandump(strings.NewReader(candumpLog))
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	assert.Equal(t, uint32(0x7e0), msgs[0].ArbID)
	assert.Equal(t, []byte{0x02, 0x10, 0x03, 0, 0, 0, 0, 0}, msgs[0].Data)
	assert.Equal(t, time.Unix(1600000000, 123456000), msgs[0].Timestamp)
	assert.Equal(t, uint32(0x18daf110), msgs[2].ArbID)
	assert.Equal(t, 3, msgs[3].Index)
	assert.Empty(t, msgs[3].Data)

	for _, bad := range []string{
		"garbage\n",
		"(abc) can0 7E0#00\n",
		"(1.0) can0 7E0#0\n",
		"(1.0) can0 7E0#R\n",
	} {
		_, err := convert.ReadCandump(strings.NewReader(bad))
		assert.ErrorIs(t, err, convert.ErrBadLine, bad)
	}
}

func TestWriteCandump(t *testing.T) {
	msgs := []cancat.CANMessage{
		{Timestamp: time.Unix(1000, 500000000), ArbID: 0x7e8, Data: []byte{0x02, 0x50, 0x03}},
		{Timestamp: time.Unix(1001, 0), ArbID: 0x18daf110, Data: []byte{0x3e}},
	}

	var buf bytes.Buffer
	require.NoError(t, convert.WriteCandump(&buf, msgs, "can0"))
	assert.Equal(t, "(1000.500000) can0 7E8#025003\n(1001.000000) can0 18DAF110#3E\n", buf.String())

	buf.Reset()
	require.NoError(t, convert.WriteCandump(&buf, msgs[:1], ""))
	assert.Contains(t, buf.String(), " vcan0 ")

	err := convert.WriteCandump(&buf, []cancat.CANMessage{{ArbID: 0x100, Data: make([]byte, 9)}}, "")
	assert.ErrorIs(t, err, cancat.ErrCANDataTooLong)
}

func TestRoundTrip(t *testing.T) {
	msgs, err := convert.ReadCandump(strings.NewReader(candumpLog))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, convert.WriteCandump(&buf, msgs, "can0"))
	again, err := convert.ReadCandump(&buf)
	require.NoError(t, err)
	assert.Equal(t, msgs, again)
}

func TestSession(t *testing.T) {
	msgs, err := convert.ReadCandump(strings.NewReader(candumpLog))
	require.NoError(t, err)

	s := convert.ToSession(msgs)
	require.Len(t, s.Messages[cancat.CmdCANRecv], 4)
	assert.Equal(t, []byte{0x00, 0x00, 0x07, 0xe0, 0x02, 0x10, 0x03, 0, 0, 0, 0, 0},
		s.Messages[cancat.CmdCANRecv][0].Payload)

	var buf bytes.Buffer
	d := cancat.NewDevice(nil, cancat.DeviceOptions{})
	require.NoError(t, d.RestoreSession(s, false))
	require.NoError(t, d.SaveSession(&buf))

	loaded, err := cancat.ReadSession(&buf)
	require.NoError(t, err)
	back, err := convert.FromSession(loaded)
	require.NoError(t, err)
	require.Len(t, back, 4)
	for i := range msgs {
		assert.Equal(t, msgs[i].ArbID, back[i].ArbID)
		assert.Equal(t, msgs[i].Data, back[i].Data)
		assert.Equal(t, i, back[i].Index)
		assert.WithinDuration(t, msgs[i].Timestamp, back[i].Timestamp, time.Microsecond)
	}

	s.Messages[cancat.CmdCANRecv] = append(s.Messages[cancat.CmdCANRecv], cancat.SavedMessage{Payload: []byte{1}})
	_, err = convert.FromSession(s)
	assert.ErrorIs(t, err, cancat.ErrShortCANMessage)
}

func TestFrame(t *testing.T) {
	f, err := convert.Frame(cancat.CANMessage{ArbID: 0x7df, Data: []byte{0x02, 0x01, 0x00}})
	require.NoError(t, err)
	assert.False(t, f.IsExtended)
	assert.Equal(t, uint8(3), f.Length)

	m := convert.Message(f, time.Unix(5, 0))
	assert.Equal(t, uint32(0x7df), m.ArbID)
	assert.Equal(t, []byte{0x02, 0x01, 0x00}, m.Data)

	f, err = convert.Frame(cancat.CANMessage{ArbID: 0x18db33f1})
	require.NoError(t, err)
	assert.True(t, f.IsExtended)
}
