package j1939

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/gavinwade12/cancat"
	"github.com/pkg/errors"
)

// Parameter group PDU formats handled by the stack.
const (
	PFRequest      byte = 0xea
	PFTPData       byte = 0xeb
	PFTPControl    byte = 0xec
	PFAddressClaim byte = 0xee
)

// Transport protocol control bytes.
const (
	CMRTS   byte = 0x10
	CMCTS   byte = 0x11
	CMEOM   byte = 0x13
	CMBAM   byte = 0x20
	CMAbort byte = 0xff
)

const (
	// CmdJ1939 is the mailbox category J1939 messages are filed under. It is
	// outside the range of transceiver command bytes.
	CmdJ1939 = 1939

	// GlobalAddress is the broadcast destination.
	GlobalAddress byte = 0xff

	// MaxPackets is the largest number of data packets in one transfer.
	MaxPackets int = 255
	// MaxTransferSize is the largest payload a transfer can carry.
	MaxTransferSize int = MaxPackets * 7

	// DefaultPriority is used for transport protocol traffic.
	DefaultPriority byte = 6
)

var (
	// ErrTooLarge is returned when a payload needs more than MaxPackets packets.
	ErrTooLarge = errors.New("payload too large for transport protocol")

	// ErrAborted is returned when the receiver aborts a transfer.
	ErrAborted = errors.New("transfer aborted by receiver")
)

// TransferKind tells point-to-point transfers apart from broadcasts.
type TransferKind int

const (
	TransferDirect TransferKind = iota
	TransferBroadcast
)

// CANSender transmits a single CAN frame. *cancat.Device implements it.
type CANSender interface {
	CANxmit(ctx context.Context, arbid uint32, data []byte, extended bool, timeout time.Duration) error
}

// StackOptions configures a TransportStack.
type StackOptions struct {
	// Addresses are the source addresses this node owns.
	Addresses []byte
	// Promiscuous keeps messages addressed to other nodes.
	Promiscuous bool
	Logger      cancat.Logger
	// CTSDelay is how long a sender waits for a CTS after an RTS before sending
	// data anyway.
	CTSDelay time.Duration
	// EOMTimeout is how long a sender waits for the EOM acknowledgement.
	EOMTimeout time.Duration
	// Timeout bounds each frame transmission.
	Timeout time.Duration
}

// BrokenTransfer is a partial transfer that was superseded, aborted or came up short
// of its declared size.
type BrokenTransfer struct {
	Kind        TransferKind
	Source      byte
	Destination byte
	PGN         uint32
	Data        []byte
	Received    int
	Expected    int
}

type transferKey struct {
	src, dst byte
}

// transfer is the reassembly state of one inbound transfer.
type transfer struct {
	kind      TransferKind
	src, dst  byte
	priority  byte
	totalSize int
	packets   int
	maxPerCTS byte
	pgn       uint32
	nextSeq   byte
	received  int
	data      []byte
}

func (t *transfer) payload() []byte {
	if len(t.data) > t.totalSize {
		return t.data[:t.totalSize]
	}
	return t.data
}

// arbID re-synthesizes the identifier of the reassembled message.
func (t *transfer) arbID() ArbID {
	return ArbIDFromPGN(t.priority, t.pgn, t.dst, t.src)
}

func (t *transfer) broken() BrokenTransfer {
	return BrokenTransfer{
		Kind:        t.kind,
		Source:      t.src,
		Destination: t.dst,
		PGN:         t.pgn,
		Data:        t.data,
		Received:    t.received,
		Expected:    t.packets,
	}
}

type reply struct {
	arbid uint32
	data  []byte
}

// TransportStack reassembles J1939 transport protocol transfers and files every
// J1939 message, single frame or reassembled, in the mailbox under CmdJ1939.
// It is registered as the handler for received CAN messages and keeps filing
// them under cancat.CmdCANRecv as well.
type TransportStack struct {
	sender  CANSender
	mailbox *cancat.Mailbox
	logger  cancat.Logger
	opts    StackOptions

	mu        sync.Mutex
	addrs     map[byte]bool
	promisc   bool
	transfers map[transferKey]*transfer
	waiters   map[transferKey]chan []byte
	broken    []BrokenTransfer
	anomalies int

	replies chan reply
}

// NewTransportStack returns a stack that transmits through sender and files
// messages in mailbox. Run must be started for CTS and EOM replies to be sent.
func NewTransportStack(sender CANSender, mailbox *cancat.Mailbox, opts StackOptions) *TransportStack {
	if opts.Logger == nil {
		opts.Logger = cancat.NopLogger
	}
	if opts.CTSDelay <= 0 {
		opts.CTSDelay = time.Millisecond * 10
	}
	if opts.EOMTimeout <= 0 {
		opts.EOMTimeout = time.Millisecond * 250
	}
	if opts.Timeout <= 0 {
		opts.Timeout = cancat.DefaultResponseTimeout
	}

	s := &TransportStack{
		sender:    sender,
		mailbox:   mailbox,
		logger:    opts.Logger,
		opts:      opts,
		addrs:     make(map[byte]bool),
		promisc:   opts.Promiscuous,
		transfers: make(map[transferKey]*transfer),
		waiters:   make(map[transferKey]chan []byte),
		replies:   make(chan reply, 64),
	}
	for _, a := range opts.Addresses {
		s.addrs[a] = true
	}
	return s
}

// Attach creates a stack for d, registers it for received CAN messages and starts
// its reply loop until ctx is canceled.
func Attach(ctx context.Context, d *cancat.Device, opts StackOptions) *TransportStack {
	if opts.Logger == nil {
		opts.Logger = d.Logger()
	}
	s := NewTransportStack(d, d.Mailbox(), opts)
	d.RegisterHandler(cancat.CmdCANRecv, s)
	go s.Run(ctx)
	return s
}

// Run transmits CTS and EOM replies queued by the receive path until ctx is canceled.
func (s *TransportStack) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-s.replies:
			if err := s.sender.CANxmit(ctx, r.arbid, r.data, true, s.opts.Timeout); err != nil {
				s.logger.Warnf("sending TP reply to 0x%x: %v", r.arbid, err)
			}
		}
	}
}

func (s *TransportStack) queueReply(id ArbID, data []byte) {
	select {
	case s.replies <- reply{arbid: id.Emit(), data: data}:
	default:
		s.logger.Warnf("reply queue full, dropping TP reply to 0x%x", id.PS)
	}
}

// Mailbox returns the mailbox messages are filed in.
func (s *TransportStack) Mailbox() *cancat.Mailbox {
	return s.mailbox
}

// AddAddress claims addr as one of this node's addresses.
func (s *TransportStack) AddAddress(addr byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrs[addr] = true
}

// RemoveAddress releases addr.
func (s *TransportStack) RemoveAddress(addr byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.addrs, addr)
}

// SetPromiscuous controls whether messages addressed to other nodes are kept.
func (s *TransportStack) SetPromiscuous(p bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promisc = p
}

// Anomalies returns the number of protocol anomalies seen so far.
func (s *TransportStack) Anomalies() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anomalies
}

// Broken returns the transfers that were discarded before completing.
func (s *TransportStack) Broken() []BrokenTransfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BrokenTransfer, len(s.broken))
	copy(out, s.broken)
	return out
}

func (s *TransportStack) ownsLocked(addr byte) bool {
	return s.addrs[addr]
}

// HandleMessage implements cancat.Handler for received CAN messages.
func (s *TransportStack) HandleMessage(cmd byte, msg cancat.Message) {
	s.mailbox.Append(int(cmd), msg.Timestamp, msg.Payload)

	arbid, data, err := cancat.SplitCANMessage(msg.Payload)
	if err != nil {
		s.logger.Warnf("ignoring CAN message: %v", err)
		return
	}
	a := ParseArbID(arbid)

	s.mu.Lock()
	keep := a.PF >= 0xef || a.PS == GlobalAddress || s.ownsLocked(a.PS) || s.promisc
	s.mu.Unlock()
	if !keep {
		return
	}

	switch a.PF {
	case PFTPControl:
		s.handleControl(a, data)
	case PFTPData:
		s.handleData(msg.Timestamp, a, data)
	default:
		s.submit(msg.Timestamp, arbid, data)
	}
}

func (s *TransportStack) submit(ts time.Time, arbid uint32, data []byte) {
	s.mailbox.Append(CmdJ1939, ts, cancat.JoinCANMessage(arbid, data))
}

func (s *TransportStack) handleControl(a ArbID, data []byte) {
	if len(data) < 8 {
		s.anomaly("TP control message from 0x%x with %d bytes", a.SA, len(data))
		return
	}

	switch data[0] {
	case CMRTS, CMBAM:
		s.beginTransfer(a, data)
	case CMCTS, CMEOM, CMAbort:
		// replies to a transfer sent by a.PS to a.SA
		key := transferKey{src: a.PS, dst: a.SA}
		s.mu.Lock()
		w := s.waiters[key]
		if data[0] == CMAbort {
			if t, ok := s.transfers[transferKey{src: a.SA, dst: a.PS}]; ok {
				s.broken = append(s.broken, t.broken())
				delete(s.transfers, transferKey{src: a.SA, dst: a.PS})
			}
		}
		if data[0] != CMCTS {
			delete(s.transfers, key)
		}
		s.mu.Unlock()

		if w != nil {
			select {
			case w <- data:
			default:
			}
		}
	default:
		s.anomaly("unknown TP control byte 0x%x from 0x%x", data[0], a.SA)
	}
}

func (s *TransportStack) beginTransfer(a ArbID, data []byte) {
	t := &transfer{
		kind:      TransferDirect,
		src:       a.SA,
		dst:       a.PS,
		priority:  a.Priority,
		totalSize: int(binary.LittleEndian.Uint16(data[1:3])),
		packets:   int(data[3]),
		maxPerCTS: data[4],
		pgn:       pgnFromBytes(data[5:8]),
		nextSeq:   1,
	}
	if data[0] == CMBAM {
		t.kind = TransferBroadcast
	}
	if t.packets == 0 || t.totalSize > t.packets*7 {
		s.anomaly("TP control message from 0x%x declares %d bytes in %d packets, skipping",
			a.SA, t.totalSize, t.packets)
		return
	}
	key := transferKey{src: t.src, dst: t.dst}

	s.mu.Lock()
	if old, ok := s.transfers[key]; ok {
		s.broken = append(s.broken, old.broken())
		s.anomalies++
		s.logger.Warnf("new transfer from 0x%x to 0x%x supersedes incomplete one (%d of %d packets)",
			old.src, old.dst, old.received, old.packets)
	}
	s.transfers[key] = t
	mine := s.ownsLocked(t.dst)
	s.mu.Unlock()

	if t.kind == TransferDirect && mine {
		cts := []byte{CMCTS, byte(t.packets), 1, 0xff, 0xff, data[5], data[6], data[7]}
		s.queueReply(ArbID{Priority: a.Priority, PF: PFTPControl, PS: t.src, SA: t.dst}, cts)
	}
}

func (s *TransportStack) handleData(ts time.Time, a ArbID, data []byte) {
	if len(data) < 1 {
		s.anomaly("TP data message from 0x%x without a sequence number", a.SA)
		return
	}
	key := transferKey{src: a.SA, dst: a.PS}

	s.mu.Lock()
	t, ok := s.transfers[key]
	if !ok {
		s.mu.Unlock()
		s.logger.Debugf("TP data from 0x%x to 0x%x without a control message, skipping", a.SA, a.PS)
		return
	}
	if data[0] != t.nextSeq {
		s.anomalies++
		s.mu.Unlock()
		s.logger.Warnf("TP sequence mismatch from 0x%x to 0x%x: got %d, want %d; dropping packet",
			a.SA, a.PS, data[0], t.nextSeq)
		return
	}
	t.data = append(t.data, data[1:]...)
	t.received++
	t.nextSeq++
	done := t.received >= t.packets
	short := false
	if done {
		delete(s.transfers, key)
		if len(t.data) < t.totalSize {
			short = true
			s.broken = append(s.broken, t.broken())
			s.anomalies++
		}
	}
	mine := s.ownsLocked(t.dst)
	s.mu.Unlock()

	if !done {
		return
	}
	if short {
		s.logger.Warnf("TP transfer from 0x%x to 0x%x ended with %d of %d bytes; discarding",
			t.src, t.dst, len(t.data), t.totalSize)
		return
	}

	s.submit(ts, t.arbID().Emit(), t.payload())

	if t.kind == TransferDirect && mine {
		pgn := [3]byte{byte(t.pgn), byte(t.pgn >> 8), byte(t.pgn >> 16)}
		eom := []byte{CMEOM, 0, 0, byte(t.packets), t.maxPerCTS, pgn[0], pgn[1], pgn[2]}
		binary.LittleEndian.PutUint16(eom[1:3], uint16(t.totalSize))
		s.queueReply(ArbID{Priority: t.priority, PF: PFTPControl, PS: t.src, SA: t.dst}, eom)
	}
}

func (s *TransportStack) anomaly(format string, args ...interface{}) {
	s.mu.Lock()
	s.anomalies++
	s.mu.Unlock()
	s.logger.Warnf(format, args...)
}

// Send transmits data with the identifier id. Payloads of up to 8 bytes go out as a
// single frame, larger ones through the transport protocol: RTS/CTS when id is
// addressed to a single node, BAM when it's a broadcast or a PDU2 message.
func (s *TransportStack) Send(ctx context.Context, id ArbID, data []byte) error {
	if len(data) <= 8 {
		return errors.Wrap(s.sender.CANxmit(ctx, id.Emit(), data, true, s.opts.Timeout), "sending frame")
	}

	packets := (len(data) + 6) / 7
	if packets > MaxPackets {
		return errors.Wrapf(ErrTooLarge, "%d bytes", len(data))
	}

	dst := id.PS
	cb := CMRTS
	if !id.IsPDU1() || id.PS == GlobalAddress {
		dst = GlobalAddress
		cb = CMBAM
	}
	pgn := id.PGNBytes()
	control := []byte{cb, 0, 0, byte(packets), 0xff, pgn[0], pgn[1], pgn[2]}
	binary.LittleEndian.PutUint16(control[1:3], uint16(len(data)))

	var replies chan []byte
	key := transferKey{src: id.SA, dst: dst}
	if cb == CMRTS {
		replies = make(chan []byte, 4)
		s.mu.Lock()
		s.waiters[key] = replies
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.waiters, key)
			s.mu.Unlock()
		}()
	}

	cm := ArbID{Priority: id.Priority, PF: PFTPControl, PS: dst, SA: id.SA}
	if err := s.sender.CANxmit(ctx, cm.Emit(), control, true, s.opts.Timeout); err != nil {
		return errors.Wrap(err, "sending TP control message")
	}

	if cb == CMRTS {
		if err := s.awaitReply(ctx, replies, CMCTS, s.opts.CTSDelay); err != nil {
			return err
		}
	}

	dt := ArbID{Priority: id.Priority, PF: PFTPData, PS: dst, SA: id.SA}
	for i := 0; i < packets; i++ {
		frame := make([]byte, 8)
		frame[0] = byte(i + 1)
		end := (i + 1) * 7
		if end > len(data) {
			end = len(data)
		}
		copy(frame[1:], data[i*7:end])
		if err := s.sender.CANxmit(ctx, dt.Emit(), frame, true, s.opts.Timeout); err != nil {
			return errors.Wrapf(err, "sending TP data packet %d", i+1)
		}
	}

	if cb == CMRTS {
		if err := s.awaitReply(ctx, replies, CMEOM, s.opts.EOMTimeout); err != nil {
			return err
		}
	}
	return nil
}

// awaitReply waits up to timeout for a control reply with control byte want. Not
// getting one is logged but not fatal; an abort is.
func (s *TransportStack) awaitReply(ctx context.Context, replies <-chan []byte, want byte,
	timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			s.logger.Debugf("no TP reply 0x%x within %s, continuing", want, timeout)
			return nil
		case r := <-replies:
			if r[0] == CMAbort {
				return ErrAborted
			}
			if r[0] == want {
				return nil
			}
		}
	}
}
