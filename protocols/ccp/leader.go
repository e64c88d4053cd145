package ccp

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gavinwade12/cancat"
	"github.com/pkg/errors"
)

const (
	// DefaultTimeout bounds the wait for each command's reply.
	DefaultTimeout = time.Second
	// DefaultRetries bounds the retries of busy replies.
	DefaultRetries = 3
	// DefaultBusyDelay is waited before repeating a command the follower was too
	// busy for.
	DefaultBusyDelay = time.Millisecond * 50
)

// Device is the part of *cancat.Device the leader and follower need.
type Device interface {
	CANxmit(ctx context.Context, arbid uint32, data []byte, extended bool, timeout time.Duration) error
	CANMessageCount() int
	CANMessages(start, stop int, arbids []uint32) []cancat.CANMessage
	WaitForCANMessage(ctx context.Context, after int, timeout time.Duration) bool
}

// LeaderOptions configures a Leader.
type LeaderOptions struct {
	// CROID is the id commands are sent on and DTOID the id replies come back on.
	CROID    uint32
	DTOID    uint32
	Extended bool
	Timeout  time.Duration
	// Retries bounds the repeats of commands answered busy.
	Retries   uint
	BusyDelay time.Duration
	Logger    cancat.Logger
}

// Leader sends commands to one follower and correlates the replies by command
// counter. Commands are serialized.
type Leader struct {
	dev    Device
	logger cancat.Logger
	opts   LeaderOptions

	mu  sync.Mutex
	ctr byte
}

// NewLeader returns a Leader talking through dev.
func NewLeader(dev Device, opts LeaderOptions) *Leader {
	if opts.Logger == nil {
		opts.Logger = cancat.NopLogger
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries == 0 {
		opts.Retries = DefaultRetries
	}
	if opts.BusyDelay <= 0 {
		opts.BusyDelay = DefaultBusyDelay
	}
	return &Leader{dev: dev, logger: opts.Logger, opts: opts}
}

// Do sends the CRO returned by build and waits for the return message with the
// same counter. A reply other than an acknowledge is returned as a
// *ReturnCodeError along with the reply. Busy replies are repeated.
func (l *Leader) Do(ctx context.Context, build func(ctr byte) (CRO, error)) (DTO, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var reply DTO
	err := retry.Do(
		func() error {
			cro, err := build(l.ctr)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			l.ctr++
			reply, err = l.transact(ctx, cro)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(l.opts.Retries+1),
		retry.Delay(l.opts.BusyDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			code, ok := ReturnCode(err)
			return ok && (code == RCBusy || code == RCDAQBusy || code == RCInternalTimeout)
		}),
		retry.OnRetry(func(n uint, err error) {
			l.logger.Debugf("repeating command after %v (attempt %d)", err, n+1)
		}),
	)
	return reply, err
}

func (l *Leader) transact(ctx context.Context, cro CRO) (DTO, error) {
	start := l.dev.CANMessageCount()
	cancat.LogBytes(l.logger, cro[:], "sending CRO: ")
	if err := l.dev.CANxmit(ctx, l.opts.CROID, cro[:], l.opts.Extended, l.opts.Timeout); err != nil {
		return DTO{}, errors.Wrapf(err, "sending %s", CommandName(cro.Command()))
	}

	deadline := time.Now().Add(l.opts.Timeout)
	for {
		n := l.dev.CANMessageCount()
		for _, m := range l.dev.CANMessages(start, -1, []uint32{l.opts.DTOID}) {
			start = m.Index + 1
			d, err := ParseDTO(m.Data)
			if err != nil {
				l.logger.Debugf("skipping message %d: %v", m.Index, err)
				continue
			}
			switch {
			case d.IsEvent():
				l.logger.Warnf("event from follower: 0x%.2x (%s)", d.Code, ReturnCodeName(d.Code))
				continue
			case !d.IsReturn():
				continue
			case d.Counter != cro.Counter():
				l.logger.Debugf("skipping reply with counter 0x%.2x while waiting for 0x%.2x",
					d.Counter, cro.Counter())
				continue
			}
			if d.Code != RCAcknowledge {
				return d, &ReturnCodeError{Command: cro.Command(), Code: d.Code}
			}
			return d, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return DTO{}, errors.Wrapf(cancat.ErrTimeout, "waiting for reply to %s", CommandName(cro.Command()))
		}
		if !l.dev.WaitForCANMessage(ctx, n, remaining) {
			if err := ctx.Err(); err != nil {
				return DTO{}, err
			}
		}
	}
}

func ack(d DTO, err error) error {
	return err
}

func plain(c func(ctr byte) CRO) func(ctr byte) (CRO, error) {
	return func(ctr byte) (CRO, error) { return c(ctr), nil }
}

// Connect opens a session with the follower at station.
func (l *Leader) Connect(ctx context.Context, station uint16) error {
	return ack(l.Do(ctx, plain(func(ctr byte) CRO { return ConnectCRO(ctr, station) })))
}

// Disconnect ends the session temporarily or for good.
func (l *Leader) Disconnect(ctx context.Context, kind byte, station uint16) error {
	return ack(l.Do(ctx, plain(func(ctr byte) CRO { return DisconnectCRO(ctr, kind, station) })))
}

// Test checks whether a follower answers at station without connecting.
func (l *Leader) Test(ctx context.Context, station uint16) error {
	return ack(l.Do(ctx, plain(func(ctr byte) CRO { return TestCRO(ctr, station) })))
}

// Version asks for protocol version major.minor and returns the one the follower
// implements.
func (l *Leader) Version(ctx context.Context, major, minor byte) (byte, byte, error) {
	d, err := l.Do(ctx, plain(func(ctr byte) CRO { return GetVersionCRO(ctr, major, minor) }))
	if err != nil {
		return 0, 0, err
	}
	return d.Params[0], d.Params[1], nil
}

// ExchangeID trades ids with the follower and returns its resource masks.
func (l *Leader) ExchangeID(ctx context.Context, id []byte) (ExchangeID, error) {
	d, err := l.Do(ctx, func(ctr byte) (CRO, error) { return ExchangeIDCRO(ctr, id) })
	if err != nil {
		return ExchangeID{}, err
	}
	return d.ExchangeID(), nil
}

// GetSeed requests the seed for one resource.
func (l *Leader) GetSeed(ctx context.Context, resource byte) (Seed, error) {
	d, err := l.Do(ctx, plain(func(ctr byte) CRO { return GetSeedCRO(ctr, resource) }))
	if err != nil {
		return Seed{}, err
	}
	return d.Seed(), nil
}

// Unlock sends the key for the last seed and returns the unlocked resources.
func (l *Leader) Unlock(ctx context.Context, key []byte) (byte, error) {
	d, err := l.Do(ctx, func(ctr byte) (CRO, error) { return UnlockCRO(ctr, key) })
	if err != nil {
		return 0, err
	}
	return d.Params[0], nil
}

// UnlockResource runs the seed and key exchange for resource, computing the key
// with keyFn. Nothing is sent after the seed when the resource isn't protected.
func (l *Leader) UnlockResource(ctx context.Context, resource byte,
	keyFn func(resource byte, seed []byte) []byte) (byte, error) {
	seed, err := l.GetSeed(ctx, resource)
	if err != nil {
		return 0, err
	}
	if !seed.Protected {
		return resource, nil
	}
	return l.Unlock(ctx, keyFn(resource, seed.Seed))
}

// SetMTA sets memory transfer address mta.
func (l *Leader) SetMTA(ctx context.Context, mta, ext byte, addr uint32) error {
	return ack(l.Do(ctx, func(ctr byte) (CRO, error) { return SetMTACRO(ctr, mta, ext, addr) }))
}

// Download writes up to 5 bytes at MTA 0 and returns the incremented MTA.
func (l *Leader) Download(ctx context.Context, data []byte) (MTA, error) {
	d, err := l.Do(ctx, func(ctr byte) (CRO, error) { return DownloadCRO(ctr, data) })
	if err != nil {
		return MTA{}, err
	}
	return d.MTA()
}

// Program writes up to 5 bytes of non-volatile memory at MTA 0 and returns the
// incremented MTA.
func (l *Leader) Program(ctx context.Context, data []byte) (MTA, error) {
	d, err := l.Do(ctx, func(ctr byte) (CRO, error) { return ProgramCRO(ctr, data) })
	if err != nil {
		return MTA{}, err
	}
	return d.MTA()
}

// Upload reads up to 5 bytes at MTA 0.
func (l *Leader) Upload(ctx context.Context, n byte) ([]byte, error) {
	d, err := l.Do(ctx, func(ctr byte) (CRO, error) { return UploadCRO(ctr, n) })
	if err != nil {
		return nil, err
	}
	return d.Params[:n], nil
}

// ShortUpload reads up to 5 bytes at addr.
func (l *Leader) ShortUpload(ctx context.Context, n, ext byte, addr uint32) ([]byte, error) {
	d, err := l.Do(ctx, func(ctr byte) (CRO, error) { return ShortUploadCRO(ctr, n, ext, addr) })
	if err != nil {
		return nil, err
	}
	return d.Params[:n], nil
}

// Move copies n bytes from MTA 0 to MTA 1.
func (l *Leader) Move(ctx context.Context, n uint32) error {
	return ack(l.Do(ctx, plain(func(ctr byte) CRO { return MoveCRO(ctr, n) })))
}

// ClearMemory erases n bytes at MTA 0.
func (l *Leader) ClearMemory(ctx context.Context, n uint32) error {
	return ack(l.Do(ctx, plain(func(ctr byte) CRO { return ClearMemoryCRO(ctr, n) })))
}

// BuildChecksum returns the follower's checksum over n bytes at MTA 0.
func (l *Leader) BuildChecksum(ctx context.Context, n uint32) ([]byte, error) {
	d, err := l.Do(ctx, plain(func(ctr byte) CRO { return BuildChecksumCRO(ctr, n) }))
	if err != nil {
		return nil, err
	}
	return d.Checksum()
}

// SessionStatus returns the follower's session status.
func (l *Leader) SessionStatus(ctx context.Context) (SessionStatus, error) {
	d, err := l.Do(ctx, plain(GetSStatusCRO))
	if err != nil {
		return SessionStatus{}, err
	}
	return d.SessionStatus(), nil
}

// SetSessionStatus tells the follower the session status.
func (l *Leader) SetSessionStatus(ctx context.Context, status byte) error {
	return ack(l.Do(ctx, plain(func(ctr byte) CRO { return SetSStatusCRO(ctr, status) })))
}

// ReadMemory reads n bytes starting at addr in blocks of MaxBlock.
func (l *Leader) ReadMemory(ctx context.Context, ext byte, addr uint32, n int) ([]byte, error) {
	if err := l.SetMTA(ctx, 0, ext, addr); err != nil {
		return nil, errors.Wrap(err, "setting MTA 0")
	}
	out := make([]byte, 0, n)
	for len(out) < n {
		block := n - len(out)
		if block > MaxBlock {
			block = MaxBlock
		}
		data, err := l.Upload(ctx, byte(block))
		if err != nil {
			return out, errors.Wrapf(err, "uploading at 0x%x", addr+uint32(len(out)))
		}
		out = append(out, data...)
	}
	return out, nil
}

// WriteMemory writes data starting at addr in blocks of MaxBlock.
func (l *Leader) WriteMemory(ctx context.Context, ext byte, addr uint32, data []byte) error {
	if err := l.SetMTA(ctx, 0, ext, addr); err != nil {
		return errors.Wrap(err, "setting MTA 0")
	}
	for i := 0; i < len(data); i += MaxBlock {
		end := i + MaxBlock
		if end > len(data) {
			end = len(data)
		}
		if _, err := l.Download(ctx, data[i:end]); err != nil {
			return errors.Wrapf(err, "downloading at 0x%x", addr+uint32(i))
		}
	}
	return nil
}
