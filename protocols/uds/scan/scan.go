package scan

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gavinwade12/cancat"
	"github.com/gavinwade12/cancat/protocols/uds"
	"github.com/pkg/errors"
)

const defaultSession = uds.DefaultSession

const (
	// DefaultTimeout is the per-request timeout used while scanning.
	DefaultTimeout = time.Second * 3
	// DefaultRetries bounds retries of busy responses.
	DefaultRetries = 3
	// DefaultRequiredDelay is waited after a required-time-delay response.
	DefaultRequiredDelay = time.Second
	// DefaultPresenceDID is read to find out whether an ECU answers at an address.
	DefaultPresenceDID uint16 = 0xf190
)

// Client is the part of *uds.Client the scans use.
type Client interface {
	ReadDID(ctx context.Context, did uint16) ([]byte, error)
	DiagnosticSessionControl(ctx context.Context, session byte) ([]byte, error)
	ECUReset(ctx context.Context, resetType byte) ([]byte, error)
	SecuritySeed(ctx context.Context, level byte) ([]byte, error)
	SendKey(ctx context.Context, level byte, key []byte) ([]byte, error)
	StartTesterPresent(interval time.Duration, suppress bool)
	StopTesterPresent()
}

// Presence checks whether an ECU answers. Any response, positive or negative, counts.
type Presence func(ctx context.Context, c Client) error

// DIDPresence reads did.
func DIDPresence(did uint16) Presence {
	return func(ctx context.Context, c Client) error {
		_, err := c.ReadDID(ctx, did)
		return err
	}
}

// SessionPresence requests session.
func SessionPresence(session byte) Presence {
	return func(ctx context.Context, c Client) error {
		_, err := c.DiagnosticSessionControl(ctx, session)
		return err
	}
}

// KeyFunc returns the key to try for a seed during a key length scan. The
// default sends length zero bytes.
type KeyFunc func(session, level byte, seed []byte, length int) []byte

// Bookmarker places a named bookmark in the CAN capture. *cancat.Device
// implements it.
type Bookmarker interface {
	PlaceBookmark(name, comment string) int
}

// Options configures a Scanner.
type Options struct {
	Logger cancat.Logger
	// Delay is waited between requests.
	Delay time.Duration
	// Retries bounds the retries of busy responses.
	Retries uint
	// RequiredDelay is waited before the single retry of a required-time-delay
	// response. It's also the pause between busy retries.
	RequiredDelay time.Duration
	// Presence is used by ECUs. It defaults to reading DefaultPresenceDID.
	Presence Presence
	KeyFunc  KeyFunc
	// Bookmarks, if set, gets a bookmark at the start of every scan so the capture
	// can be lined up with the results.
	Bookmarks Bookmarker
}

// Scanner runs the scans. NewClient returns the diagnostic client for an address.
type Scanner struct {
	newClient func(ECUAddress) Client
	logger    cancat.Logger
	opts      Options
}

// NewScanner returns a Scanner that reaches ECUs through newClient.
func NewScanner(newClient func(ECUAddress) Client, opts Options) *Scanner {
	if opts.Logger == nil {
		opts.Logger = cancat.NopLogger
	}
	if opts.Retries == 0 {
		opts.Retries = DefaultRetries
	}
	if opts.RequiredDelay <= 0 {
		opts.RequiredDelay = DefaultRequiredDelay
	}
	if opts.Presence == nil {
		opts.Presence = DIDPresence(DefaultPresenceDID)
	}
	if opts.KeyFunc == nil {
		opts.KeyFunc = func(_, _ byte, _ []byte, length int) []byte {
			return make([]byte, length)
		}
	}
	return &Scanner{newClient: newClient, logger: opts.Logger, opts: opts}
}

func (s *Scanner) bookmark(format string, args ...interface{}) {
	if s.opts.Bookmarks != nil {
		s.opts.Bookmarks.PlaceBookmark(fmt.Sprintf(format, args...), "")
	}
}

func (s *Scanner) pause(ctx context.Context) error {
	if s.opts.Delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.opts.Delay):
		return nil
	}
}

func isNRC(err error, code byte) bool {
	c, ok := uds.NRC(err)
	return ok && c == code
}

func isTimeout(err error) bool {
	return errors.Is(err, cancat.ErrTimeout)
}

// call runs fn, retrying busy responses. A required-time-delay response is
// waited out for RequiredDelay and then tried once more.
func (s *Scanner) call(ctx context.Context, fn func() error) error {
	err := s.retryBusy(ctx, fn)
	if !isNRC(err, uds.NRCRequiredTimeDelayNotExpired) {
		return err
	}
	s.logger.Debugf("%v; waiting %s before trying again", err, s.opts.RequiredDelay)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.opts.RequiredDelay):
	}
	return s.retryBusy(ctx, fn)
}

func (s *Scanner) retryBusy(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(s.opts.Retries+1),
		retry.Delay(s.opts.RequiredDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return isNRC(err, uds.NRCBusyRepeatRequest)
		}),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Debugf("retrying after %v (attempt %d)", err, n+1)
		}),
	)
}

// outcome turns a request result into an Outcome, reporting false when the error
// means the target doesn't exist. absent is the NRC that means that.
func outcome(resp []byte, err error, absent byte) (Outcome, bool) {
	switch {
	case err == nil:
		if resp == nil {
			resp = []byte{}
		}
		return Outcome{Resp: resp}, true
	case isTimeout(err):
		return Outcome{}, false
	}
	if code, ok := uds.NRC(err); ok {
		if code == absent {
			return Outcome{}, false
		}
		return Outcome{NRC: code, Err: uds.NRCName(code)}, true
	}
	return Outcome{Err: err.Error()}, true
}

// ECUs sends a presence check to every address in rng and returns the ones that
// answered. Any response, including a negative one, means an ECU is there.
func (s *Scanner) ECUs(ctx context.Context, rng Range, ext bool) ([]ECUAddress, error) {
	s.bookmark("ECU scan %s ext=%t", rng, ext)
	var found []ECUAddress
	for _, i := range rng {
		addr, ok := Addr11(i)
		if ext {
			addr, ok = Addr29(i)
		}
		if !ok {
			s.logger.Debugf("skipping ECU address 0x%x", i)
			continue
		}

		s.logger.Debugf("trying %s", addr)
		err := s.opts.Presence(ctx, s.newClient(addr))
		if cerr := ctx.Err(); cerr != nil {
			return found, cerr
		}
		if err == nil || !isTimeout(err) {
			if err != nil {
				s.logger.Debugf("%s: %v", addr, err)
			}
			s.logger.Debugf("found %s", addr)
			found = append(found, addr)
		}
		if err := s.pause(ctx); err != nil {
			return found, err
		}
	}
	return found, nil
}

// DIDs reads every DID in rng. A request-out-of-range response means the DID
// doesn't exist; other negative responses are recorded.
func (s *Scanner) DIDs(ctx context.Context, c Client, rng Range) (map[uint16]Outcome, error) {
	dids := make(map[uint16]Outcome)
	for _, v := range rng {
		did := uint16(v)
		var resp []byte
		err := s.call(ctx, func() (err error) {
			resp, err = c.ReadDID(ctx, did)
			return err
		})
		if cerr := ctx.Err(); cerr != nil {
			return dids, cerr
		}
		if o, ok := outcome(resp, err, uds.NRCRequestOutOfRange); ok {
			s.logger.Debugf("DID 0x%x: %+v", did, o)
			dids[did] = o
		}
		if err := s.pause(ctx); err != nil {
			return dids, err
		}
	}
	return dids, nil
}

// Sessions requests every session in rng, starting each attempt from the session
// reached through prereqs. A sub-function-not-supported response means the session
// doesn't exist.
func (s *Scanner) Sessions(ctx context.Context, c Client, rng Range, prereqs []byte) (map[byte]*SessionResult, error) {
	found := make(map[byte]*SessionResult)
	err := s.sessions(ctx, c, rng, prereqs, found, func(byte) bool { return false })
	return found, err
}

func (s *Scanner) sessions(ctx context.Context, c Client, rng Range, chain []byte,
	found map[byte]*SessionResult, skip func(byte) bool) error {
	inChain := false
	for _, v := range rng {
		id := byte(v)
		if skip(id) || contains(chain, id) {
			continue
		}
		if !inChain {
			if err := s.enter(ctx, c, chain); err != nil {
				return errors.Wrapf(err, "entering session chain %v", chain)
			}
			inChain = true
		}

		var resp []byte
		err := s.call(ctx, func() (err error) {
			resp, err = c.DiagnosticSessionControl(ctx, id)
			return err
		})
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if o, ok := outcome(resp, err, uds.NRCSubFunctionNotSupported); ok {
			s.logger.Debugf("session 0x%x (%v): %+v", id, chain, o)
			found[id] = &SessionResult{Outcome: o, Prereqs: toInts(chain)}
			if o.Responded() {
				// the ECU has left the chain's session
				inChain = false
			}
		}
		if err := s.pause(ctx); err != nil {
			return err
		}
	}
	return nil
}

// enter returns the ECU to the default session and then walks chain. When the
// default session can't be requested the ECU is reset instead.
func (s *Scanner) enter(ctx context.Context, c Client, chain []byte) error {
	if err := s.call(ctx, func() error {
		_, err := c.DiagnosticSessionControl(ctx, defaultSession)
		return err
	}); err != nil {
		s.logger.Debugf("returning to the default session: %v; resetting", err)
		if _, err := c.ECUReset(ctx, 0x01); err != nil {
			return errors.Wrap(err, "resetting ECU")
		}
		if err := s.pause(ctx); err != nil {
			return err
		}
	}
	for _, id := range chain {
		if err := s.call(ctx, func() error {
			_, err := c.DiagnosticSessionControl(ctx, id)
			return err
		}); err != nil {
			return errors.Wrapf(err, "entering session 0x%x", id)
		}
	}
	return nil
}

// DiscoverSessions finds every session reachable from the default session. Each
// session found is entered and the range scanned again from there, so sessions
// only reachable through others are found too along with the chain leading to
// them. A session is tested at most once and never from a chain that already
// contains it.
func (s *Scanner) DiscoverSessions(ctx context.Context, c Client, rng Range) (map[byte]*SessionResult, error) {
	s.bookmark("session scan %s", rng)
	found := make(map[byte]*SessionResult)
	skip := func(id byte) bool {
		r, ok := found[id]
		return ok && r.Responded()
	}

	var walk func(chain []byte) error
	walk = func(chain []byte) error {
		before := make(map[byte]bool, len(found))
		for id, r := range found {
			before[id] = r.Responded()
		}
		if err := s.sessions(ctx, c, rng, chain, found, skip); err != nil {
			return err
		}
		for _, v := range rng {
			id := byte(v)
			r, ok := found[id]
			if !ok || !r.Responded() || before[id] || contains(chain, id) {
				continue
			}
			next := append(append([]byte(nil), chain...), id)
			if err := walk(next); err != nil {
				return err
			}
		}
		return nil
	}

	err := walk(nil)
	return found, err
}

// AuthLevels requests a seed for every level in rng. A sub-function-not-supported
// response means the level doesn't exist.
func (s *Scanner) AuthLevels(ctx context.Context, c Client, rng Range) (map[byte]*AuthResult, error) {
	levels := make(map[byte]*AuthResult)
	for _, v := range rng {
		level := byte(v)
		var seed []byte
		err := s.call(ctx, func() (err error) {
			seed, err = c.SecuritySeed(ctx, level)
			return err
		})
		if cerr := ctx.Err(); cerr != nil {
			return levels, cerr
		}
		if o, ok := outcome(seed, err, uds.NRCSubFunctionNotSupported); ok {
			s.logger.Debugf("auth level 0x%x: %+v", level, o)
			levels[level] = &AuthResult{Outcome: o}
		}
		if err := s.pause(ctx); err != nil {
			return levels, err
		}
	}
	return levels, nil
}

// KeyLengths tries keys of every length in rng for level until the ECU either
// accepts one or answers invalid-key, which means the length is right. reenter is
// called to get back into the session after the ECU locks out further attempts.
func (s *Scanner) KeyLengths(ctx context.Context, c Client, session, level byte, rng Range,
	reenter func() error) (*AuthResult, error) {
	s.bookmark("key length scan session 0x%x level 0x%x %s", session, level, rng)
	res := &AuthResult{}

	for _, v := range rng {
		length := int(v)
		for attempt := uint(0); attempt <= s.opts.Retries; attempt++ {
			var seed []byte
			err := s.call(ctx, func() (err error) {
				seed, err = c.SecuritySeed(ctx, level)
				return err
			})
			if err != nil {
				if cerr := ctx.Err(); cerr != nil {
					return res, cerr
				}
				return res, errors.Wrapf(err, "requesting seed for level 0x%x", level)
			}

			key := s.opts.KeyFunc(session, level, seed, length)
			s.bookmark("SecurityAccess(0x%x, % x)", level+1, key)
			resp, err := c.SendKey(ctx, level, key)
			code, _ := uds.NRC(err)
			res.Seeds = append(res.Seeds, SeedAttempt{Seed: seed, Key: key, NRC: code})

			switch {
			case err == nil:
				res.Outcome = Outcome{Resp: resp}
				res.KeyLength = len(key)
				res.KeyFound = true
				s.logger.Debugf("session 0x%x level 0x%x key found: % x", session, level, key)
				return res, nil
			case code == uds.NRCInvalidKey:
				res.Outcome = Outcome{NRC: code, Err: uds.NRCName(code)}
				res.KeyLength = len(key)
				s.logger.Debugf("session 0x%x level 0x%x key length is %d", session, level, len(key))
				return res, nil
			case code == uds.NRCExceedNumberOfAttempts:
				if reenter != nil {
					if err := reenter(); err != nil {
						return res, errors.Wrap(err, "re-entering session")
					}
				}
				continue
			case code == uds.NRCRequiredTimeDelayNotExpired:
				select {
				case <-ctx.Done():
					return res, ctx.Err()
				case <-time.After(s.opts.RequiredDelay):
				}
				continue
			case isTimeout(err):
				s.logger.Debugf("no answer to key of length %d", length)
			default:
				res.Outcome = Outcome{NRC: code, Err: err.Error()}
			}
			break
		}
		if err := s.pause(ctx); err != nil {
			return res, err
		}
	}
	return res, nil
}

func contains(chain []byte, id byte) bool {
	for _, c := range chain {
		if c == id {
			return true
		}
	}
	return false
}

func toInts(chain []byte) []int {
	if len(chain) == 0 {
		return nil
	}
	out := make([]int, len(chain))
	for i, c := range chain {
		out[i] = int(c)
	}
	return out
}

func toBytes(chain []int) []byte {
	out := make([]byte, len(chain))
	for i, c := range chain {
		out[i] = byte(c)
	}
	return out
}
