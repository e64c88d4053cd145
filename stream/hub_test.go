package stream_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gavinwade12/cancat"
	"github.com/gavinwade12/cancat/stream"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T, h *stream.Hub) *websocket.Conn {
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + stream.Path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, time.Millisecond*5)
	return conn
}

func TestHub(t *testing.T) {
	t.Run("Publishes", func(t *testing.T) {
		h := stream.NewHub(stream.Options{})
		conn := connect(t, h)

		h.Publish(cancat.CANMessage{
			Index:     7,
			Timestamp: time.Unix(1000, 250000000),
			ArbID:     0x7e8,
			Data:      []byte{0x02, 0x50, 0x03},
		})

		conn.SetReadDeadline(time.Now().Add(time.Second))
		var msg stream.Message
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, stream.Message{Index: 7, Timestamp: 1000.25, ArbID: 0x7e8, Data: "025003"}, msg)
	})

	t.Run("RemovesClosedClients", func(t *testing.T) {
		h := stream.NewHub(stream.Options{})
		conn := connect(t, h)
		conn.Close()
		require.Eventually(t, func() bool { return h.Clients() == 0 }, time.Second, time.Millisecond*5)
		h.Publish(cancat.CANMessage{})
	})

	t.Run("Follows", func(t *testing.T) {
		h := stream.NewHub(stream.Options{})
		conn := connect(t, h)

		d := cancat.NewDevice(nil, cancat.DeviceOptions{})
		mb := d.Mailbox()
		mb.Append(cancat.CmdCANRecv, time.Now(), cancat.JoinCANMessage(0x100, []byte{1}))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- h.Follow(ctx, d, 1, []uint32{0x200}) }()

		mb.Append(cancat.CmdCANRecv, time.Now(), cancat.JoinCANMessage(0x100, []byte{2}))
		mb.Append(cancat.CmdCANRecv, time.Now(), cancat.JoinCANMessage(0x200, []byte{3}))

		conn.SetReadDeadline(time.Now().Add(time.Second * 2))
		var msg stream.Message
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, 2, msg.Index)
		assert.Equal(t, uint32(0x200), msg.ArbID)
		assert.Equal(t, "03", msg.Data)

		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second * 2):
			t.Fatal("Follow did not stop")
		}
	})
}
