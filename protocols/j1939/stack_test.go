package j1939_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gavinwade12/cancat"
	"github.com/gavinwade12/cancat/protocols/j1939"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bus delivers every frame a node transmits to its peer.
type bus struct {
	mu   sync.Mutex
	peer *j1939.TransportStack
	sent [][]byte
}

func (b *bus) CANxmit(ctx context.Context, arbid uint32, data []byte, extended bool, timeout time.Duration) error {
	b.mu.Lock()
	b.sent = append(b.sent, cancat.JoinCANMessage(arbid, data))
	peer := b.peer
	b.mu.Unlock()

	if peer != nil {
		peer.HandleMessage(cancat.CmdCANRecv, canMsg(arbid, data))
	}
	return nil
}

func (b *bus) frames() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.sent...)
}

func canMsg(arbid uint32, data []byte) cancat.Message {
	return cancat.Message{Timestamp: time.Now(), Payload: cancat.JoinCANMessage(arbid, data)}
}

func TestArbID(t *testing.T) {
	t.Run("ParsesFields", func(t *testing.T) {
		a := j1939.ParseArbID(0x18da10f1)
		assert.Equal(t, byte(6), a.Priority)
		assert.Equal(t, byte(0), a.EDP)
		assert.Equal(t, byte(0), a.DP)
		assert.Equal(t, byte(0xda), a.PF)
		assert.Equal(t, byte(0x10), a.PS)
		assert.Equal(t, byte(0xf1), a.SA)
		assert.True(t, a.IsPDU1())
		assert.Equal(t, uint32(0xda00), a.PGN())
	})

	t.Run("RoundTrips", func(t *testing.T) {
		for _, id := range []uint32{0, 0x18da10f1, 0x1cecff00, 0x0cf00400, 0x1fffffff, 0x03feec17} {
			assert.Equal(t, id, j1939.ParseArbID(id).Emit(), "0x%x", id)
		}
	})

	t.Run("PDU2PGNIncludesGroupExtension", func(t *testing.T) {
		a := j1939.ParseArbID(0x18feec00)
		assert.False(t, a.IsPDU1())
		assert.Equal(t, uint32(0xfeec), a.PGN())
		assert.Equal(t, [3]byte{0xec, 0xfe, 0x00}, a.PGNBytes())
	})

	t.Run("FromPGN", func(t *testing.T) {
		a := j1939.ArbIDFromPGN(6, 0xfeec, 0x20, 0x10)
		assert.Equal(t, uint32(0x18feec10), a.Emit())

		a = j1939.ArbIDFromPGN(6, 0xda00, 0x20, 0x10)
		assert.Equal(t, uint32(0x18da2010), a.Emit())
	})
}

func newPair(t *testing.T) (a, b *j1939.TransportStack, ab, ba *bus, cancel func()) {
	ctx, cancelFn := context.WithCancel(context.Background())
	ab, ba = &bus{}, &bus{}
	a = j1939.NewTransportStack(ab, cancat.NewMailbox(), j1939.StackOptions{Addresses: []byte{0x10}})
	b = j1939.NewTransportStack(ba, cancat.NewMailbox(), j1939.StackOptions{Addresses: []byte{0x20}})
	ab.peer, ba.peer = b, a
	go a.Run(ctx)
	go b.Run(ctx)
	return a, b, ab, ba, cancelFn
}

func TestTransportStack(t *testing.T) {
	t.Run("ReassemblesDirectTransfer", func(t *testing.T) {
		a, b, ab, ba, cancel := newPair(t)
		defer cancel()

		payload := []byte("twenty bytes of data")
		id := j1939.ArbID{Priority: 6, PF: 0xda, PS: 0x20, SA: 0x10}
		require.NoError(t, a.Send(context.Background(), id, payload))

		require.Equal(t, 1, b.MessageCount())
		m := b.Messages(0, -1)[0]
		assert.Equal(t, payload, m.Data)
		assert.Equal(t, id, m.ArbID)
		assert.Equal(t, 0, b.Anomalies())

		// RTS plus three data packets, each frame also logged as raw CAN
		sent := ab.frames()
		require.Len(t, sent, 4)
		assert.Equal(t, byte(j1939.CMRTS), sent[0][4])
		assert.Equal(t, []byte{0x10, 20, 0, 3, 0xff, 0x00, 0xda, 0x00}, sent[0][4:])
		assert.Equal(t, 4, b.Mailbox().Count(cancat.CmdCANRecv))

		// the receiver answered with CTS and EOM
		require.Eventually(t, func() bool { return len(ba.frames()) == 2 }, time.Second, time.Millisecond)
		replies := ba.frames()
		assert.Equal(t, []byte{j1939.CMCTS, 3, 1, 0xff, 0xff, 0x00, 0xda, 0x00}, replies[0][4:])
		assert.Equal(t, []byte{j1939.CMEOM, 20, 0, 3, 0xff, 0x00, 0xda, 0x00}, replies[1][4:])
		assert.Equal(t, []byte{0x18, 0xec, 0x10, 0x20}, replies[0][:4])
	})

	t.Run("ReassemblesBroadcast", func(t *testing.T) {
		sender := &bus{}
		rx := j1939.NewTransportStack(&bus{}, cancat.NewMailbox(), j1939.StackOptions{Addresses: []byte{0x30}})
		sender.peer = rx
		tx := j1939.NewTransportStack(sender, cancat.NewMailbox(), j1939.StackOptions{Addresses: []byte{0x17}})

		vin := []byte("1FUJGLDR12LM12345*")
		id := j1939.ArbIDFromPGN(6, 0xfeec, j1939.GlobalAddress, 0x17)
		require.NoError(t, tx.Send(context.Background(), id, vin))

		sent := sender.frames()
		require.Len(t, sent, 4)
		assert.Equal(t, []byte{0x18, 0xec, 0xff, 0x17}, sent[0][:4])
		assert.Equal(t, j1939.CMBAM, sent[0][4])

		require.Equal(t, 1, rx.MessageCount())
		m := rx.Messages(0, -1)[0]
		assert.Equal(t, vin, m.Data)
		assert.Equal(t, uint32(0xfeec), m.ArbID.PGN())
		assert.Equal(t, byte(0x17), m.ArbID.SA)
	})

	t.Run("SupersededTransferIsBroken", func(t *testing.T) {
		s := j1939.NewTransportStack(&bus{}, cancat.NewMailbox(), j1939.StackOptions{Addresses: []byte{0x20}})
		rts := []byte{j1939.CMRTS, 20, 0, 3, 0xff, 0x00, 0xda, 0x00}
		s.HandleMessage(cancat.CmdCANRecv, canMsg(0x18ec2010, rts))
		s.HandleMessage(cancat.CmdCANRecv, canMsg(0x18eb2010, []byte{1, 'a', 'b', 'c', 'd', 'e', 'f', 'g'}))
		s.HandleMessage(cancat.CmdCANRecv, canMsg(0x18ec2010, rts))

		broken := s.Broken()
		require.Len(t, broken, 1)
		assert.Equal(t, 1, broken[0].Received)
		assert.Equal(t, 3, broken[0].Expected)
		assert.Equal(t, []byte("abcdefg"), broken[0].Data)
		assert.Equal(t, 1, s.Anomalies())
		assert.Equal(t, 0, s.MessageCount())
	})

	t.Run("SequenceMismatchIsDropped", func(t *testing.T) {
		s := j1939.NewTransportStack(&bus{}, cancat.NewMailbox(), j1939.StackOptions{Addresses: []byte{0x20}})
		s.HandleMessage(cancat.CmdCANRecv, canMsg(0x18ec2010, []byte{j1939.CMRTS, 10, 0, 2, 0xff, 0x00, 0xda, 0x00}))
		s.HandleMessage(cancat.CmdCANRecv, canMsg(0x18eb2010, []byte{2, 8, 9, 10, 0, 0, 0, 0}))
		assert.Equal(t, 1, s.Anomalies())

		s.HandleMessage(cancat.CmdCANRecv, canMsg(0x18eb2010, []byte{1, 1, 2, 3, 4, 5, 6, 7}))
		s.HandleMessage(cancat.CmdCANRecv, canMsg(0x18eb2010, []byte{2, 8, 9, 10, 0, 0, 0, 0}))

		require.Equal(t, 1, s.MessageCount())
		assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, s.Messages(0, -1)[0].Data)
	})

	t.Run("RejectsSizeBeyondPacketCount", func(t *testing.T) {
		s := j1939.NewTransportStack(&bus{}, cancat.NewMailbox(), j1939.StackOptions{Addresses: []byte{0x20}})
		s.HandleMessage(cancat.CmdCANRecv, canMsg(0x18ec2010, []byte{j1939.CMRTS, 20, 0, 2, 0xff, 0x00, 0xda, 0x00}))
		s.HandleMessage(cancat.CmdCANRecv, canMsg(0x18eb2010, []byte{1, 1, 2, 3, 4, 5, 6, 7}))
		s.HandleMessage(cancat.CmdCANRecv, canMsg(0x18eb2010, []byte{2, 8, 9, 10, 11, 12, 13, 14}))

		assert.Equal(t, 0, s.MessageCount())
		assert.Equal(t, 1, s.Anomalies())
	})

	t.Run("ShortTransferIsBroken", func(t *testing.T) {
		s := j1939.NewTransportStack(&bus{}, cancat.NewMailbox(), j1939.StackOptions{Addresses: []byte{0x20}})
		s.HandleMessage(cancat.CmdCANRecv, canMsg(0x18ec2010, []byte{j1939.CMRTS, 20, 0, 3, 0xff, 0x00, 0xda, 0x00}))
		s.HandleMessage(cancat.CmdCANRecv, canMsg(0x18eb2010, []byte{1, 1, 2, 3}))
		s.HandleMessage(cancat.CmdCANRecv, canMsg(0x18eb2010, []byte{2, 4, 5, 6}))
		s.HandleMessage(cancat.CmdCANRecv, canMsg(0x18eb2010, []byte{3, 7, 8, 9}))

		assert.Equal(t, 0, s.MessageCount())
		assert.Equal(t, 1, s.Anomalies())
		broken := s.Broken()
		require.Len(t, broken, 1)
		assert.Equal(t, 3, broken[0].Received)
		assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}, broken[0].Data)
	})

	t.Run("FiltersOtherDestinations", func(t *testing.T) {
		s := j1939.NewTransportStack(&bus{}, cancat.NewMailbox(), j1939.StackOptions{Addresses: []byte{0x20}})
		s.HandleMessage(cancat.CmdCANRecv, canMsg(0x18da3010, []byte{1, 2, 3}))
		s.HandleMessage(cancat.CmdCANRecv, canMsg(0x18da2010, []byte{4, 5, 6}))
		s.HandleMessage(cancat.CmdCANRecv, canMsg(0x0cf00400, []byte{7, 8, 9}))

		msgs := s.Messages(0, -1)
		require.Len(t, msgs, 2)
		assert.Equal(t, []byte{4, 5, 6}, msgs[0].Data)
		assert.Equal(t, []byte{7, 8, 9}, msgs[1].Data)

		s.SetPromiscuous(true)
		s.HandleMessage(cancat.CmdCANRecv, canMsg(0x18da3010, []byte{1, 2, 3}))
		assert.Equal(t, 3, s.MessageCount())
	})

	t.Run("RejectsOversizedPayload", func(t *testing.T) {
		s := j1939.NewTransportStack(&bus{}, cancat.NewMailbox(), j1939.StackOptions{})
		id := j1939.ArbID{Priority: 6, PF: 0xda, PS: 0x20, SA: 0x10}
		err := s.Send(context.Background(), id, bytes.Repeat([]byte{0}, j1939.MaxTransferSize+1))
		assert.ErrorIs(t, err, j1939.ErrTooLarge)
	})
}

func TestRecv(t *testing.T) {
	s := j1939.NewTransportStack(&bus{}, cancat.NewMailbox(), j1939.StackOptions{Promiscuous: true})
	s.HandleMessage(cancat.CmdCANRecv, canMsg(0x18fee000, []byte{1}))

	go func() {
		time.Sleep(time.Millisecond * 20)
		s.HandleMessage(cancat.CmdCANRecv, canMsg(0x18fef100, []byte{2}))
	}()

	m, err := s.Recv(context.Background(), 0, func(a j1939.ArbID) bool { return a.PS == 0xf1 }, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Index)
	assert.Equal(t, []byte{2}, m.Data)

	_, err = s.Recv(context.Background(), 2, nil, time.Millisecond*20)
	assert.ErrorIs(t, err, cancat.ErrTimeout)
}

func TestRequestPGN(t *testing.T) {
	b := &bus{}
	s := j1939.NewTransportStack(b, cancat.NewMailbox(), j1939.StackOptions{Addresses: []byte{0xf9}})

	go func() {
		time.Sleep(time.Millisecond * 20)
		s.HandleMessage(cancat.CmdCANRecv, canMsg(0x0cf00400, []byte{1, 2, 3}))
		s.HandleMessage(cancat.CmdCANRecv, canMsg(0x18feec00, []byte("1FUJGLDR")))
	}()

	msgs, err := s.RequestPGN(context.Background(), 0xfeec, 0x00, 0xf9, time.Millisecond*200)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("1FUJGLDR"), msgs[0].Data)
	assert.Equal(t, byte(0x00), msgs[0].ArbID.SA)

	sent := b.frames()
	require.Len(t, sent, 1)
	assert.Equal(t, []byte{0x18, 0xea, 0x00, 0xf9, 0xec, 0xfe, 0x00}, sent[0])
}

func TestClaimAddress(t *testing.T) {
	b := &bus{}
	s := j1939.NewTransportStack(b, cancat.NewMailbox(), j1939.StackOptions{})

	go func() {
		time.Sleep(time.Millisecond * 20)
		s.HandleMessage(cancat.CmdCANRecv, canMsg(0x18eeff80, []byte{1, 0, 0, 0, 0, 0, 0, 0}))
	}()

	claims, err := s.ClaimAddress(context.Background(), 0x80, 0, time.Millisecond*200)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, []byte{1, 0, 0, 0, 0, 0, 0, 0}, claims[0].Data)

	sent := b.frames()
	require.Len(t, sent, 1)
	assert.Equal(t, []byte{0x18, 0xee, 0xff, 0x80, 0x40, 0x40, 0x40, 0x40, 0x40, 0x40, 0x40, 0x40}, sent[0])
}
