package ccp

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/gavinwade12/cancat"
)

// Version implemented by the follower.
const (
	VersionMajor byte = 2
	VersionMinor byte = 1
)

// FollowerOptions configures a Follower.
type FollowerOptions struct {
	Station uint16
	// CROID is the id commands arrive on and DTOID the id replies are sent on.
	CROID    uint32
	DTOID    uint32
	Extended bool
	// Base is the address of the first byte of Memory.
	Base   uint32
	Memory []byte
	// ID is the follower id reported by EXCHANGE_ID.
	ID []byte
	// Available and Protected are resource masks. A protected resource has to be
	// unlocked before commands that use it are accepted.
	Available byte
	Protected byte
	// Seed returns the seed handed out for resource. KeyOK checks the key sent for
	// it. Both are required when Protected is set.
	Seed    func(resource byte) []byte
	KeyOK   func(resource byte, seed, key []byte) bool
	Timeout time.Duration
	Logger  cancat.Logger
}

// Follower answers CCP commands from an in-memory image. It tracks the session,
// both memory transfer addresses and the unlocked resources.
type Follower struct {
	opts   FollowerOptions
	logger cancat.Logger

	mu        sync.Mutex
	mem       []byte
	connected bool
	mta       [2]uint32
	unlocked  byte
	seedFor   byte
	seed      []byte
	status    byte
}

// NewFollower returns a Follower serving a copy of opts.Memory.
func NewFollower(opts FollowerOptions) *Follower {
	if opts.Logger == nil {
		opts.Logger = cancat.NopLogger
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Available == 0 {
		opts.Available = ResourceCAL | ResourceDAQ | ResourcePGM
	}
	return &Follower{
		opts:   opts,
		logger: opts.Logger,
		mem:    append([]byte(nil), opts.Memory...),
	}
}

// Memory returns a copy of the memory image.
func (f *Follower) Memory() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.mem...)
}

// Connected reports whether a leader holds a session.
func (f *Follower) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Serve answers commands captured by dev from the moment it's called until ctx
// is done.
func (f *Follower) Serve(ctx context.Context, dev Device) error {
	start := dev.CANMessageCount()
	for {
		n := dev.CANMessageCount()
		for _, m := range dev.CANMessages(start, -1, []uint32{f.opts.CROID}) {
			start = m.Index + 1
			reply, ok := f.Handle(m.Data)
			if !ok {
				continue
			}
			if err := dev.CANxmit(ctx, f.opts.DTOID, reply, f.opts.Extended, f.opts.Timeout); err != nil {
				f.logger.Warnf("sending reply to message %d: %v", m.Index, err)
			}
		}
		if !dev.WaitForCANMessage(ctx, n, time.Second) {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
}

// Handle processes one CRO and returns the reply. Nothing is returned for
// malformed messages, for commands while disconnected and for CONNECT or TEST
// addressed to another station.
func (f *Follower) Handle(b []byte) ([]byte, bool) {
	cro, err := ParseCRO(b)
	if err != nil {
		f.logger.Debugf("ignoring message: %v", err)
		return nil, false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ctr := cro.Counter()
	switch cro.Command() {
	case CmdConnect:
		// connecting to another station ends this one's session
		f.connected = cro.Station() == f.opts.Station
		if !f.connected {
			return nil, false
		}
		return NewCRM(RCAcknowledge, ctr), true
	case CmdTest:
		if cro.Station() != f.opts.Station {
			return nil, false
		}
		return NewCRM(RCAcknowledge, ctr), true
	}

	if !f.connected {
		return nil, false
	}

	code, params := f.command(cro)
	return NewCRM(code, ctr, params...), true
}

func (f *Follower) command(cro CRO) (byte, []byte) {
	p := cro.Params()
	switch cro.Command() {
	case CmdDisconnect:
		if cro.Station() != f.opts.Station {
			return RCOutOfRange, nil
		}
		switch p[0] {
		case DisconnectTemporary:
		case DisconnectEndOfSession:
			f.unlocked = 0
			f.status = 0
			f.seed = nil
		default:
			return RCOutOfRange, nil
		}
		f.connected = false
		return RCAcknowledge, nil

	case CmdGetVersion:
		return RCAcknowledge, []byte{VersionMajor, VersionMinor}

	case CmdExchangeID:
		return RCAcknowledge, []byte{byte(len(f.opts.ID)), 0, f.opts.Available, f.opts.Protected &^ f.unlocked}

	case CmdGetSeed:
		resource := p[0]
		if resource&f.opts.Available == 0 {
			return RCOutOfRange, nil
		}
		if f.opts.Protected&resource == 0 || f.unlocked&resource == resource {
			return RCAcknowledge, []byte{0, 0, 0, 0, 0}
		}
		seed := make([]byte, 4)
		if f.opts.Seed != nil {
			copy(seed, f.opts.Seed(resource))
		}
		f.seedFor, f.seed = resource, seed
		return RCAcknowledge, append([]byte{1}, seed...)

	case CmdUnlock:
		if f.seed == nil || f.opts.KeyOK == nil || !f.opts.KeyOK(f.seedFor, f.seed, p) {
			f.seed = nil
			return RCAccessLocked, nil
		}
		f.unlocked |= f.seedFor
		f.seed = nil
		return RCAcknowledge, []byte{f.unlocked}

	case CmdSetMTA:
		mta, ext, addr := p[0], p[1], binary.BigEndian.Uint32(p[2:6])
		if mta > 1 || ext != 0 {
			return RCOutOfRange, nil
		}
		f.mta[mta] = addr
		return RCAcknowledge, nil

	case CmdDownload, CmdProgram:
		resource := ResourceCAL
		if cro.Command() == CmdProgram {
			resource = ResourcePGM
		}
		if f.locked(resource) {
			return RCAccessLocked, nil
		}
		block, err := cro.Block()
		if err != nil {
			return RCOutOfRange, nil
		}
		mem, ok := f.span(f.mta[0], uint32(len(block)))
		if !ok {
			return RCOutOfRange, nil
		}
		copy(mem, block)
		f.mta[0] += uint32(len(block))
		return RCAcknowledge, f.mtaParams()

	case CmdUpload:
		if f.locked(ResourceCAL) {
			return RCAccessLocked, nil
		}
		n := p[0]
		if n < 1 || n > MaxBlock {
			return RCOutOfRange, nil
		}
		mem, ok := f.span(f.mta[0], uint32(n))
		if !ok {
			return RCOutOfRange, nil
		}
		f.mta[0] += uint32(n)
		return RCAcknowledge, append([]byte(nil), mem...)

	case CmdShortUpload:
		if f.locked(ResourceCAL) {
			return RCAccessLocked, nil
		}
		n := p[0]
		ext, addr := cro.Address()
		if n < 1 || n > MaxBlock || ext != 0 {
			return RCOutOfRange, nil
		}
		mem, ok := f.span(addr, uint32(n))
		if !ok {
			return RCOutOfRange, nil
		}
		return RCAcknowledge, append([]byte(nil), mem...)

	case CmdMove:
		if f.locked(ResourceCAL) {
			return RCAccessLocked, nil
		}
		n := cro.Size()
		src, ok := f.span(f.mta[0], n)
		if !ok {
			return RCOutOfRange, nil
		}
		dst, ok := f.span(f.mta[1], n)
		if !ok {
			return RCOutOfRange, nil
		}
		copy(dst, src)
		return RCAcknowledge, nil

	case CmdClearMemory:
		if f.locked(ResourcePGM) {
			return RCAccessLocked, nil
		}
		mem, ok := f.span(f.mta[0], cro.Size())
		if !ok {
			return RCOutOfRange, nil
		}
		for i := range mem {
			mem[i] = 0xff
		}
		return RCAcknowledge, nil

	case CmdBuildChecksum:
		mem, ok := f.span(f.mta[0], cro.Size())
		if !ok {
			return RCOutOfRange, nil
		}
		sum := Checksum(mem)
		return RCAcknowledge, []byte{2, byte(sum >> 8), byte(sum)}

	case CmdGetSStatus:
		return RCAcknowledge, []byte{f.status, 0}

	case CmdSetSStatus:
		f.status = p[0]
		return RCAcknowledge, nil
	}

	f.logger.Debugf("unsupported command %s", CommandName(cro.Command()))
	return RCUnknownCommand, nil
}

func (f *Follower) locked(resource byte) bool {
	return f.opts.Protected&resource != 0 && f.unlocked&resource == 0
}

// span returns the n bytes of memory at addr, or false when they aren't all in
// the image.
func (f *Follower) span(addr, n uint32) ([]byte, bool) {
	if addr < f.opts.Base {
		return nil, false
	}
	off := uint64(addr - f.opts.Base)
	if off+uint64(n) > uint64(len(f.mem)) {
		return nil, false
	}
	return f.mem[off : off+uint64(n)], true
}

func (f *Follower) mtaParams() []byte {
	b := make([]byte, 5)
	binary.BigEndian.PutUint32(b[1:], f.mta[0])
	return b
}

// Checksum is the 16-bit additive checksum answered to BUILD_CHKSUM.
func Checksum(b []byte) uint16 {
	var sum uint16
	for _, v := range b {
		sum += uint16(v)
	}
	return sum
}
