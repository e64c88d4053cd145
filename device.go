package cancat

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
)

// State is the state of a Device's receiver loop.
type State int32

const (
	StateDisconnected State = -1
	StateSyncing      State = 0
	StateDispatching  State = 1
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSyncing:
		return "syncing"
	case StateDispatching:
		return "dispatching"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Handler processes messages for a command instead of filing them in the mailbox.
// Handlers run on the receiver goroutine, so they must return quickly and must not
// wait on the transceiver.
type Handler interface {
	HandleMessage(cmd byte, msg Message)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(cmd byte, msg Message)

// HandleMessage calls f(cmd, msg).
func (f HandlerFunc) HandleMessage(cmd byte, msg Message) {
	f(cmd, msg)
}

const (
	// DefaultReconnectDelay is the fixed delay between reconnect attempts.
	DefaultReconnectDelay time.Duration = time.Second
	// DefaultReconnectAttempts is the number of reconnect attempts made before the
	// transport is considered unavailable.
	DefaultReconnectAttempts uint = 5
	// DefaultResponseTimeout is how long a transceiver command waits for its result.
	DefaultResponseTimeout time.Duration = time.Second * 3
)

// DeviceOptions configures a Device. Zero values are replaced with defaults.
type DeviceOptions struct {
	Logger            Logger
	ReconnectDelay    time.Duration
	ReconnectAttempts uint
	// Handlers are registered in addition to the default log handlers.
	Handlers map[byte]Handler
}

var (
	// ErrDisconnected is returned when sending while the transport is down.
	ErrDisconnected = errors.New("transport disconnected")

	// ErrTransportUnavailable is returned once reconnecting has been given up.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrNoDialer is returned when starting a device created without a dialer.
	ErrNoDialer = errors.New("device has no dialer")

	// ErrInvalidCANMode is returned by SetCANMode for unknown modes.
	ErrInvalidCANMode = errors.New("invalid CAN mode")

	// ErrCANDataTooLong is returned when a CAN frame would carry more than 8 data bytes.
	ErrCANDataTooLong = errors.New("CAN data longer than 8 bytes")
)

// CommandError is returned when the transceiver reports that a command failed.
type CommandError struct {
	Command byte
	Code    byte
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command 0x%x failed: %s", e.Command, CANResponseName(e.Code))
}

// Device talks to a CanCat transceiver. A single receiver goroutine reads the
// transport, decodes frames and either hands them to a registered Handler or files
// them in the Mailbox under their command byte.
type Device struct {
	dial    Dialer
	logger  Logger
	opts    DeviceOptions
	mailbox *Mailbox

	handlersMu sync.RWMutex
	handlers   map[byte]Handler

	tmu       sync.Mutex
	transport Transport
	wmu       sync.Mutex
	// cmu serializes command and result exchanges.
	cmu sync.Mutex

	state       int32
	unavailable int32
	trash       int64

	cancel context.CancelFunc
	done   chan struct{}

	smu          sync.Mutex
	bookmarks    []int
	bookmarkInfo map[int]BookmarkInfo
	comments     []string
	config       map[string]interface{}
	filename     string
}

// NewDevice returns a new Device. A nil dialer creates an offline device that only
// holds messages, which is useful for analysing saved sessions.
func NewDevice(dial Dialer, opts DeviceOptions) *Device {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.ReconnectAttempts == 0 {
		opts.ReconnectAttempts = DefaultReconnectAttempts
	}

	d := &Device{
		dial:         dial,
		logger:       loggerOrNop(opts.Logger),
		opts:         opts,
		mailbox:      NewMailbox(),
		handlers:     make(map[byte]Handler),
		state:        int32(StateDisconnected),
		bookmarkInfo: make(map[int]BookmarkInfo),
		config:       make(map[string]interface{}),
	}
	d.handlers[CmdLog] = HandlerFunc(d.logHandler)
	d.handlers[CmdLogHex] = HandlerFunc(d.logHandler)
	for cmd, h := range opts.Handlers {
		d.handlers[cmd] = h
	}
	return d
}

// Mailbox returns the mailbox messages are filed in.
func (d *Device) Mailbox() *Mailbox {
	return d.mailbox
}

// Logger returns the logger used by the device.
func (d *Device) Logger() Logger {
	return d.logger
}

// RegisterHandler routes every message for cmd to h.
func (d *Device) RegisterHandler(cmd byte, h Handler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.handlers[cmd] = h
}

// RemoveHandler removes the handler for cmd so its messages are filed again.
func (d *Device) RemoveHandler(cmd byte) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	delete(d.handlers, cmd)
}

func (d *Device) handler(cmd byte) Handler {
	d.handlersMu.RLock()
	defer d.handlersMu.RUnlock()
	return d.handlers[cmd]
}

// State returns the current receiver state.
func (d *Device) State() State {
	return State(atomic.LoadInt32(&d.state))
}

func (d *Device) setState(s State) {
	atomic.StoreInt32(&d.state, int32(s))
}

// Trash returns the number of bytes discarded while resynchronizing.
func (d *Device) Trash() int64 {
	return atomic.LoadInt64(&d.trash)
}

func (d *Device) currentTransport() Transport {
	d.tmu.Lock()
	defer d.tmu.Unlock()
	return d.transport
}

func (d *Device) setTransport(t Transport) {
	d.tmu.Lock()
	defer d.tmu.Unlock()
	d.transport = t
}

// Connected reports whether a transport is attached.
func (d *Device) Connected() bool {
	return d.currentTransport() != nil
}

// Start opens the transport and starts the receiver goroutine. The receiver stops
// when ctx is canceled or Close is called.
func (d *Device) Start(ctx context.Context) error {
	if d.dial == nil {
		return ErrNoDialer
	}

	t, err := d.dial(ctx)
	if err != nil {
		return errors.Wrap(err, "opening transport")
	}
	d.setTransport(t)
	d.setState(StateSyncing)
	atomic.StoreInt32(&d.unavailable, 0)
	d.mailbox.Fail(nil)

	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	go d.run(ctx)
	return nil
}

// Close stops the receiver and closes the transport.
func (d *Device) Close() error {
	d.logger.Debug("closing device")

	if d.cancel != nil {
		d.cancel()
	}

	var err error
	if t := d.currentTransport(); t != nil {
		err = t.Close()
		d.setTransport(nil)
	}
	if d.done != nil {
		<-d.done
	}
	d.setState(StateDisconnected)

	return errors.Wrap(err, "closing transport")
}

func (d *Device) run(ctx context.Context) {
	defer close(d.done)

	var pending []byte
	rb := make([]byte, 512)
	for ctx.Err() == nil {
		if d.State() == StateDisconnected {
			if !sleepContext(ctx, d.opts.ReconnectDelay) {
				return
			}
			if err := d.reconnect(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				d.logger.Warnf("giving up on transport: %v", err)
				atomic.StoreInt32(&d.unavailable, 1)
				d.mailbox.Fail(ErrTransportUnavailable)
				return
			}
			d.logger.Debug("transport reconnected")
			pending = pending[:0]
			d.setState(StateSyncing)
			continue
		}

		t := d.currentTransport()
		if t == nil {
			return
		}
		n, err := t.Read(rb)
		if n > 0 {
			pending = d.dispatch(append(pending, rb[:n]...))
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warnf("reading from transport: %v", err)
			if err := t.Close(); err != nil {
				d.logger.Warnf("closing transport: %v", err)
			}
			d.setTransport(nil)
			d.setState(StateDisconnected)
		}
	}
}

func (d *Device) reconnect(ctx context.Context) error {
	return retry.Do(
		func() error {
			t, err := d.dial(ctx)
			if err != nil {
				return err
			}
			d.setTransport(t)
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(d.opts.ReconnectAttempts),
		retry.Delay(d.opts.ReconnectDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Warnf("reconnect attempt %d failed: %v", n+1, err)
		}),
	)
}

// dispatch decodes and delivers every complete frame in buf and returns the
// unconsumed remainder.
func (d *Device) dispatch(buf []byte) []byte {
	for len(buf) > 0 {
		f, n, status := DecodeFrame(buf)
		switch status {
		case DecodeNeedMore:
			return buf
		case DecodeResync:
			d.logger.Warnf("discarding %d bytes while resynchronizing", n)
			atomic.AddInt64(&d.trash, int64(n))
			d.setState(StateSyncing)
		case DecodeOK:
			d.setState(StateDispatching)
			d.deliver(f)
			d.setState(StateSyncing)
		}
		buf = buf[n:]
	}
	return buf[:0]
}

func (d *Device) deliver(f Frame) {
	msg := Message{Timestamp: time.Now(), Payload: f.Payload}

	h := d.handler(f.Command)
	if h == nil {
		d.mailbox.Append(int(f.Command), msg.Timestamp, msg.Payload)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Warnf("handler for command 0x%x panicked: %v", f.Command, r)
		}
	}()
	h.HandleMessage(f.Command, msg)
}

func (d *Device) logHandler(cmd byte, msg Message) {
	if cmd == CmdLogHex {
		LogBytes(d.logger, msg.Payload, "transceiver: ")
		return
	}
	d.logger.Debugf("transceiver: %s", msg.Payload)
}

// Send writes a single frame to the transceiver.
func (d *Device) Send(cmd byte, payload []byte) error {
	raw, err := EncodeFrame(cmd, payload)
	if err != nil {
		return errors.Wrap(err, "encoding frame")
	}
	if atomic.LoadInt32(&d.unavailable) == 1 {
		return ErrTransportUnavailable
	}
	t := d.currentTransport()
	if t == nil {
		return ErrDisconnected
	}

	LogBytes(d.logger, raw, "sending frame: ")

	d.wmu.Lock()
	defer d.wmu.Unlock()
	wb, err := t.Write(raw)
	if err != nil {
		return errors.Wrap(err, "writing frame bytes")
	}
	if wb != len(raw) {
		return errors.Errorf("only wrote %d bytes (frame had %d bytes)", wb, len(raw))
	}
	return nil
}

// Recv removes and returns the oldest message filed under cmd, waiting up to timeout.
func (d *Device) Recv(ctx context.Context, cmd byte, timeout time.Duration) (Message, error) {
	return d.mailbox.TakeOne(ctx, int(cmd), timeout)
}

// RecvAll removes and returns every message filed under cmd.
func (d *Device) RecvAll(cmd byte) []Message {
	return d.mailbox.DrainAll(int(cmd))
}

// command sends cmd and waits for its result. Results left over from an earlier
// command that timed out are discarded first so they aren't taken as this one's.
func (d *Device) command(ctx context.Context, cmd byte, payload []byte, resultCmd byte,
	timeout time.Duration) (Message, error) {
	d.cmu.Lock()
	defer d.cmu.Unlock()

	if stale := d.RecvAll(resultCmd); len(stale) > 0 {
		d.logger.Debugf("discarding %d stale results for command 0x%x", len(stale), cmd)
	}
	if err := d.Send(cmd, payload); err != nil {
		return Message{}, errors.Wrap(err, "sending command")
	}
	msg, err := d.Recv(ctx, resultCmd, timeout)
	if err != nil {
		return Message{}, errors.Wrapf(err, "waiting for result of command 0x%x", cmd)
	}
	return msg, nil
}

func (d *Device) resultCommand(ctx context.Context, cmd byte, payload []byte, resultCmd byte,
	timeout time.Duration) error {
	msg, err := d.command(ctx, cmd, payload, resultCmd, timeout)
	if err != nil {
		return err
	}
	if len(msg.Payload) == 0 {
		return &CommandError{Command: cmd, Code: CANRespFail}
	}
	if msg.Payload[0] != CANRespOK {
		return &CommandError{Command: cmd, Code: msg.Payload[0]}
	}
	return nil
}

// CANxmit transmits a frame on the CAN bus and waits for the transceiver to confirm it.
func (d *Device) CANxmit(ctx context.Context, arbid uint32, data []byte, extended bool,
	timeout time.Duration) error {
	if len(data) > 8 {
		return ErrCANDataTooLong
	}

	payload := make([]byte, 5+len(data))
	binary.BigEndian.PutUint32(payload, arbid)
	if extended {
		payload[4] = 1
	}
	copy(payload[5:], data)

	return d.resultCommand(ctx, CmdCANSend, payload, CmdCANSendResult, timeout)
}

func isotpPayload(tx, rx uint32, extended bool, data []byte) []byte {
	payload := make([]byte, 9+len(data))
	binary.BigEndian.PutUint32(payload, tx)
	binary.BigEndian.PutUint32(payload[4:], rx)
	if extended {
		payload[8] = 1
	}
	copy(payload[9:], data)
	return payload
}

// ISOTPxmit has the transceiver segment and transmit data as an ISO-TP message on tx,
// listening for flow control on rx.
func (d *Device) ISOTPxmit(ctx context.Context, tx, rx uint32, extended bool, data []byte,
	timeout time.Duration) error {
	return d.resultCommand(ctx, CmdCANSendISOTP, isotpPayload(tx, rx, extended, data),
		CmdCANSendISOTPResult, timeout)
}

// ISOTPEnableFlowControl has the transceiver answer first frames from rx with flow
// control frames sent on tx. The message itself is still received as plain CAN frames.
func (d *Device) ISOTPEnableFlowControl(ctx context.Context, tx, rx uint32, extended bool,
	timeout time.Duration) error {
	return d.resultCommand(ctx, CmdCANRecvISOTP, isotpPayload(tx, rx, extended, nil),
		CmdCANRecvISOTPResult, timeout)
}

// ISOTPxmitRecv transmits data as an ISO-TP message and enables flow control for the
// response in a single command.
func (d *Device) ISOTPxmitRecv(ctx context.Context, tx, rx uint32, extended bool, data []byte,
	timeout time.Duration) error {
	return d.resultCommand(ctx, CmdCANSendRecvISOTP, isotpPayload(tx, rx, extended, data),
		CmdCANSendRecvISOTPResult, timeout)
}

// Ping sends buf to the transceiver and returns its echo. It has no effect on the bus.
func (d *Device) Ping(ctx context.Context, buf []byte, timeout time.Duration) ([]byte, error) {
	msg, err := d.command(ctx, CmdPing, buf, CmdPingResponse, timeout)
	if err != nil {
		return nil, err
	}
	return msg.Payload, nil
}

// waitInitResult reads results for cmd until the transceiver reports success (0x01)
// or timeout expires.
func (d *Device) waitInitResult(ctx context.Context, cmd byte, resultCmd byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}
		msg, err := d.Recv(ctx, resultCmd, remaining)
		if err != nil {
			return errors.Wrapf(err, "waiting for result of command 0x%x", cmd)
		}
		if len(msg.Payload) == 1 && msg.Payload[0] == 0x01 {
			return nil
		}
		d.logger.Warnf("CAN init failed for command 0x%x, retrying", cmd)
	}
}

// SetCANBaud sets the bit rate of the CAN bus. This has nothing to do with the serial link.
func (d *Device) SetCANBaud(ctx context.Context, baud byte, timeout time.Duration) error {
	if err := d.Send(CmdCANBaud, []byte{baud}); err != nil {
		return errors.Wrap(err, "sending CAN baud")
	}
	if err := d.waitInitResult(ctx, CmdCANBaud, CmdCANBaudResult, timeout); err != nil {
		return err
	}
	d.setConfig("can_baud", int(baud))
	return nil
}

// SetCANMode sets the operating mode. The hardware is only reconfigured on the next
// call to SetCANBaud.
func (d *Device) SetCANMode(ctx context.Context, mode byte, timeout time.Duration) error {
	switch mode {
	case CANModeSniffCAN0, CANModeSniffCAN1, CANModeCITM:
	default:
		return errors.Wrapf(ErrInvalidCANMode, "0x%x", mode)
	}

	if err := d.Send(CmdCANMode, []byte{mode}); err != nil {
		return errors.Wrap(err, "sending CAN mode")
	}
	if err := d.waitInitResult(ctx, CmdCANMode, CmdCANModeResult, timeout); err != nil {
		return err
	}
	d.setConfig("can_mode", int(mode))
	return nil
}

// SetMaskAndFilter configures the receive masks and filters. mask[0] and filters 0 and 1
// apply to the first receive buffer, mask[1] and the other four filters to the second.
// A mask bit of 0 accepts any value for that identifier bit.
func (d *Device) SetMaskAndFilter(masks [2]uint32, filters [6]uint32) error {
	payload := make([]byte, 32)
	for i, m := range masks {
		binary.BigEndian.PutUint32(payload[i*4:], m)
	}
	for i, f := range filters {
		binary.BigEndian.PutUint32(payload[8+i*4:], f)
	}
	return d.Send(CmdSetFiltMask, payload)
}

// ClearMaskAndFilter clears all masks and filters.
func (d *Device) ClearMaskAndFilter() error {
	return d.SetMaskAndFilter([2]uint32{}, [6]uint32{})
}

func (d *Device) setConfig(key string, value interface{}) {
	d.smu.Lock()
	defer d.smu.Unlock()
	d.config[key] = value
}

func sleepContext(ctx context.Context, dur time.Duration) bool {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
