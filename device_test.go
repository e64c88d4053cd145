package cancat_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gavinwade12/cancat"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransceiver records the frames written by the host and answers them with
// the frames returned by respond.
type fakeTransceiver struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	frames  []cancat.Frame
	respond func(f cancat.Frame) []cancat.Frame
}

func newFakeTransceiver(respond func(f cancat.Frame) []cancat.Frame) *fakeTransceiver {
	r, w := io.Pipe()
	return &fakeTransceiver{r: r, w: w, respond: respond}
}

func (f *fakeTransceiver) Read(b []byte) (int, error) {
	return f.r.Read(b)
}

func (f *fakeTransceiver) Write(b []byte) (int, error) {
	frame, _, status := cancat.DecodeFrame(b)
	if status != cancat.DecodeOK {
		return 0, errors.Errorf("host wrote a bad frame: % x", b)
	}
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()

	if f.respond != nil {
		if out := f.respond(frame); len(out) > 0 {
			go func() {
				for _, o := range out {
					f.emit(o.Command, o.Payload)
				}
			}()
		}
	}
	return len(b), nil
}

func (f *fakeTransceiver) Close() error {
	f.w.Close()
	return f.r.Close()
}

func (f *fakeTransceiver) emit(cmd byte, payload []byte) {
	b, _ := cancat.EncodeFrame(cmd, payload)
	f.w.Write(b)
}

func (f *fakeTransceiver) sent() []cancat.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cancat.Frame(nil), f.frames...)
}

// transceiverResponder acknowledges the usual commands the way the firmware does.
func transceiverResponder(f cancat.Frame) []cancat.Frame {
	switch f.Command {
	case cancat.CmdPing:
		return []cancat.Frame{{Command: cancat.CmdPingResponse, Payload: f.Payload}}
	case cancat.CmdCANSend:
		return []cancat.Frame{{Command: cancat.CmdCANSendResult, Payload: []byte{cancat.CANRespOK}}}
	case cancat.CmdCANBaud:
		return []cancat.Frame{
			{Command: cancat.CmdLog, Payload: []byte("init failed")},
			{Command: cancat.CmdCANBaudResult, Payload: []byte{0x00}},
			{Command: cancat.CmdCANBaudResult, Payload: []byte{0x01}},
		}
	case cancat.CmdCANMode:
		return []cancat.Frame{{Command: cancat.CmdCANModeResult, Payload: []byte{0x01}}}
	}
	return nil
}

// closeFailing is a transceiver whose Close reports an error.
type closeFailing struct {
	*fakeTransceiver
}

func (c closeFailing) Close() error {
	c.fakeTransceiver.Close()
	return errors.New("port already gone")
}

// warnings records the warnings logged by a device.
type warnings struct {
	mu  sync.Mutex
	got []string
}

func (w *warnings) Debug(message string)                       {}
func (w *warnings) Debugf(message string, args ...interface{}) {}
func (w *warnings) Warnf(message string, args ...interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.got = append(w.got, fmt.Sprintf(message, args...))
}

func (w *warnings) all() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.got...)
}

func startDevice(t *testing.T, tr *fakeTransceiver) *cancat.Device {
	d := cancat.NewDevice(func(ctx context.Context) (cancat.Transport, error) {
		return tr, nil
	}, cancat.DeviceOptions{ReconnectDelay: time.Millisecond})
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { d.Close() })
	return d
}

func TestDevice(t *testing.T) {
	ctx := context.Background()

	t.Run("FilesReceivedFrames", func(t *testing.T) {
		tr := newFakeTransceiver(nil)
		d := startDevice(t, tr)

		raw, err := cancat.EncodeFrame(cancat.CmdCANRecv, cancat.JoinCANMessage(0x7e8, []byte{0x02, 0x50, 0x03}))
		require.NoError(t, err)
		tr.w.Write([]byte{0x00, 0x13, 0x37})
		tr.w.Write(raw[:4])
		tr.w.Write(raw[4:])
		tr.emit(cancat.CmdLog, []byte("hello"))
		tr.emit(cancat.CmdCANRecv, cancat.JoinCANMessage(0x7df, []byte{0x01, 0x3e}))

		require.True(t, d.WaitForCANMessage(ctx, 1, time.Second))
		msgs := d.CANMessages(0, -1, nil)
		require.Len(t, msgs, 2)
		assert.Equal(t, uint32(0x7e8), msgs[0].ArbID)
		assert.Equal(t, []byte{0x02, 0x50, 0x03}, msgs[0].Data)
		assert.Equal(t, 1, msgs[1].Index)
		assert.Equal(t, int64(3), d.Trash())
		assert.Zero(t, d.Mailbox().Count(cancat.CmdLog))

		only := d.CANMessages(0, -1, []uint32{0x7df})
		require.Len(t, only, 1)
		assert.Equal(t, uint32(0x7df), only[0].ArbID)

		m, err := d.CANrecv(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, -1, m.Index)
		assert.Equal(t, 1, d.CANMessageCount())
	})

	t.Run("RoutesToHandlers", func(t *testing.T) {
		tr := newFakeTransceiver(nil)
		d := startDevice(t, tr)

		got := make(chan cancat.Message, 1)
		d.RegisterHandler(cancat.CmdISORecv, cancat.HandlerFunc(func(cmd byte, msg cancat.Message) {
			got <- msg
		}))
		tr.emit(cancat.CmdISORecv, []byte{1, 2, 3})
		select {
		case msg := <-got:
			assert.Equal(t, []byte{1, 2, 3}, msg.Payload)
		case <-time.After(time.Second):
			t.Fatal("handler not called")
		}

		d.RemoveHandler(cancat.CmdISORecv)
		tr.emit(cancat.CmdISORecv, []byte{4})
		msg, err := d.Recv(ctx, cancat.CmdISORecv, time.Second)
		require.NoError(t, err)
		assert.Equal(t, []byte{4}, msg.Payload)
	})

	t.Run("Commands", func(t *testing.T) {
		tr := newFakeTransceiver(transceiverResponder)
		d := startDevice(t, tr)

		echo, err := d.Ping(ctx, []byte("ABCDEFGHIJ"), time.Second)
		require.NoError(t, err)
		assert.Equal(t, []byte("ABCDEFGHIJ"), echo)

		require.NoError(t, d.CANxmit(ctx, 0x18db33f1, []byte{0x02, 0x10, 0x03}, true, time.Second))
		frames := tr.sent()
		last := frames[len(frames)-1]
		assert.Equal(t, byte(cancat.CmdCANSend), last.Command)
		assert.Equal(t, []byte{0x18, 0xdb, 0x33, 0xf1, 0x01, 0x02, 0x10, 0x03}, last.Payload)

		assert.ErrorIs(t, d.CANxmit(ctx, 0x7e0, make([]byte, 9), false, time.Second), cancat.ErrCANDataTooLong)

		require.NoError(t, d.SetCANMode(ctx, cancat.CANModeSniffCAN0, time.Second))
		require.NoError(t, d.SetCANBaud(ctx, cancat.CAN500KBPS, time.Second))
		assert.EqualValues(t, cancat.CAN500KBPS, d.Config()["can_baud"])
		assert.ErrorIs(t, d.SetCANMode(ctx, 0x09, time.Second), cancat.ErrInvalidCANMode)

		require.NoError(t, d.SetMaskAndFilter([2]uint32{0x7ff, 0}, [6]uint32{0x7e8}))
		frames = tr.sent()
		last = frames[len(frames)-1]
		assert.Equal(t, byte(cancat.CmdSetFiltMask), last.Command)
		require.Len(t, last.Payload, 32)
		assert.Equal(t, uint32(0x7ff), binary.BigEndian.Uint32(last.Payload))
		assert.Equal(t, uint32(0x7e8), binary.BigEndian.Uint32(last.Payload[8:]))
	})

	t.Run("CommandFailure", func(t *testing.T) {
		tr := newFakeTransceiver(func(f cancat.Frame) []cancat.Frame {
			return []cancat.Frame{{Command: cancat.CmdCANSendResult, Payload: []byte{cancat.CANRespFailTx}}}
		})
		d := startDevice(t, tr)

		err := d.CANxmit(ctx, 0x7e0, []byte{0x01}, false, time.Second)
		var cerr *cancat.CommandError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, cancat.CANRespFailTx, cerr.Code)
		assert.Contains(t, err.Error(), "CAN_RESP_FAILTX")
	})

	t.Run("CommandTimeout", func(t *testing.T) {
		d := startDevice(t, newFakeTransceiver(nil))
		_, err := d.Ping(ctx, []byte{1}, time.Millisecond*20)
		assert.ErrorIs(t, err, cancat.ErrTimeout)
	})

	t.Run("LateResultIsDiscarded", func(t *testing.T) {
		var tr *fakeTransceiver
		sends := 0
		tr = newFakeTransceiver(func(f cancat.Frame) []cancat.Frame {
			if f.Command != cancat.CmdCANSend {
				return nil
			}
			sends++
			if sends == 1 {
				go func() {
					time.Sleep(time.Millisecond * 40)
					tr.emit(cancat.CmdCANSendResult, []byte{cancat.CANRespFailTx})
				}()
				return nil
			}
			return []cancat.Frame{{Command: cancat.CmdCANSendResult, Payload: []byte{cancat.CANRespOK}}}
		})
		d := startDevice(t, tr)

		err := d.CANxmit(ctx, 0x7e0, []byte{0x01}, false, time.Millisecond*10)
		assert.ErrorIs(t, err, cancat.ErrTimeout)
		require.Eventually(t, func() bool {
			return d.Mailbox().Count(int(cancat.CmdCANSendResult)) == 1
		}, time.Second, time.Millisecond)

		require.NoError(t, d.CANxmit(ctx, 0x7e0, []byte{0x02}, false, time.Second))
		assert.Equal(t, 0, d.Mailbox().Count(int(cancat.CmdCANSendResult)))
	})

	t.Run("GivesUpReconnecting", func(t *testing.T) {
		tr := newFakeTransceiver(nil)
		dials := 0
		var mu sync.Mutex
		d := cancat.NewDevice(func(ctx context.Context) (cancat.Transport, error) {
			mu.Lock()
			defer mu.Unlock()
			dials++
			if dials == 1 {
				return tr, nil
			}
			return nil, errors.New("no such port")
		}, cancat.DeviceOptions{ReconnectDelay: time.Millisecond, ReconnectAttempts: 2})
		require.NoError(t, d.Start(ctx))
		defer d.Close()

		tr.w.CloseWithError(errors.New("unplugged"))
		_, err := d.Recv(ctx, cancat.CmdPingResponse, time.Second*5)
		assert.ErrorIs(t, err, cancat.ErrTransportUnavailable)
		assert.ErrorIs(t, d.Send(cancat.CmdPing, nil), cancat.ErrTransportUnavailable)
		assert.Equal(t, cancat.StateDisconnected, d.State())

		mu.Lock()
		assert.Equal(t, 3, dials)
		mu.Unlock()
	})

	t.Run("LogsCloseFailure", func(t *testing.T) {
		tr := newFakeTransceiver(nil)
		logs := &warnings{}
		dials := 0
		var mu sync.Mutex
		d := cancat.NewDevice(func(ctx context.Context) (cancat.Transport, error) {
			mu.Lock()
			defer mu.Unlock()
			dials++
			if dials == 1 {
				return closeFailing{tr}, nil
			}
			return nil, errors.New("no such port")
		}, cancat.DeviceOptions{Logger: logs, ReconnectDelay: time.Millisecond, ReconnectAttempts: 1})
		require.NoError(t, d.Start(ctx))
		defer d.Close()

		tr.w.CloseWithError(errors.New("unplugged"))
		_, err := d.Recv(ctx, cancat.CmdPingResponse, time.Second*5)
		assert.ErrorIs(t, err, cancat.ErrTransportUnavailable)
		assert.Contains(t, logs.all(), "closing transport: port already gone")
	})

	t.Run("Reconnects", func(t *testing.T) {
		first := newFakeTransceiver(nil)
		second := newFakeTransceiver(nil)
		var mu sync.Mutex
		dials := 0
		d := cancat.NewDevice(func(ctx context.Context) (cancat.Transport, error) {
			mu.Lock()
			defer mu.Unlock()
			dials++
			if dials == 1 {
				return first, nil
			}
			return second, nil
		}, cancat.DeviceOptions{ReconnectDelay: time.Millisecond})
		require.NoError(t, d.Start(ctx))
		defer d.Close()

		first.emit(cancat.CmdCANRecv, cancat.JoinCANMessage(0x100, []byte{1}))
		require.True(t, d.WaitForCANMessage(ctx, 0, time.Second))
		first.w.CloseWithError(errors.New("unplugged"))

		second.emit(cancat.CmdCANRecv, cancat.JoinCANMessage(0x100, []byte{2}))
		require.True(t, d.WaitForCANMessage(ctx, 1, time.Second))
		assert.Equal(t, []byte{2}, d.CANMessages(1, 2, nil)[0].Data)
	})

	t.Run("OfflineDevice", func(t *testing.T) {
		d := cancat.NewDevice(nil, cancat.DeviceOptions{})
		assert.ErrorIs(t, d.Start(ctx), cancat.ErrNoDialer)
		assert.ErrorIs(t, d.Send(cancat.CmdPing, nil), cancat.ErrDisconnected)
		assert.False(t, d.Connected())
	})

	t.Run("RefusesRestoreWhileConnected", func(t *testing.T) {
		d := startDevice(t, newFakeTransceiver(nil))
		assert.ErrorIs(t, d.RestoreSession(&cancat.SavedSession{}, false), cancat.ErrActiveSession)
		assert.NoError(t, d.RestoreSession(&cancat.SavedSession{}, true))
	})
}

func TestReplay(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(1000, 0)

	newCapture := func(t *testing.T) (*cancat.Device, *fakeTransceiver) {
		tr := newFakeTransceiver(transceiverResponder)
		d := startDevice(t, tr)
		mb := d.Mailbox()
		mb.Append(cancat.CmdCANRecv, base, cancat.JoinCANMessage(0x100, []byte{1}))
		mb.Append(cancat.CmdCANRecv, base.Add(time.Millisecond*30), cancat.JoinCANMessage(0x18db33f1, []byte{2}))
		mb.Append(cancat.CmdCANRecv, base.Add(time.Millisecond*60), cancat.JoinCANMessage(0x100, []byte{3}))
		return d, tr
	}

	t.Run("Fast", func(t *testing.T) {
		d, tr := newCapture(t)
		n, err := d.Replay(ctx, 0, -1, nil, cancat.TimingFast)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		frames := tr.sent()
		require.Len(t, frames, 3)
		assert.Equal(t, []byte{0, 0, 0x01, 0x00, 0x00, 0x01}, frames[0].Payload)
		assert.Equal(t, []byte{0x18, 0xdb, 0x33, 0xf1, 0x01, 0x02}, frames[1].Payload)
	})

	t.Run("FiltersArbIDs", func(t *testing.T) {
		d, tr := newCapture(t)
		n, err := d.Replay(ctx, 0, -1, []uint32{0x100}, cancat.TimingFast)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Len(t, tr.sent(), 2)
	})

	t.Run("RealTiming", func(t *testing.T) {
		d, _ := newCapture(t)
		start := time.Now()
		_, err := d.Replay(ctx, 0, -1, nil, cancat.TimingReal)
		require.NoError(t, err)
		assert.True(t, time.Since(start) >= time.Millisecond*50)
	})

	t.Run("OtherCapture", func(t *testing.T) {
		saved := cancat.NewDevice(nil, cancat.DeviceOptions{})
		saved.Mailbox().Append(cancat.CmdCANRecv, base, cancat.JoinCANMessage(0x7df, []byte{0x02, 0x01, 0x00}))

		tr := newFakeTransceiver(transceiverResponder)
		d := startDevice(t, tr)
		n, err := d.ReplayMessages(ctx, saved.CANMessages(0, -1, nil), cancat.TimingFast)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		frames := tr.sent()
		require.Len(t, frames, 1)
		assert.Equal(t, []byte{0, 0, 0x07, 0xdf, 0x00, 0x02, 0x01, 0x00}, frames[0].Payload)
	})

	t.Run("Bookmarks", func(t *testing.T) {
		d, tr := newCapture(t)
		d.PlaceBookmark("end", "")
		n, err := d.ReplayBookmarks(ctx, -1, 0, nil, cancat.TimingFast)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Len(t, tr.sent(), 3)

		_, err = d.ReplayBookmarks(ctx, 4, -1, nil, cancat.TimingFast)
		assert.ErrorIs(t, err, cancat.ErrUnknownBookmark)
	})
}
