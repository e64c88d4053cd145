package scan

import (
	"context"
	"sort"
)

// ScanECUs looks for ECUs in rng and adds the ones found to r. Nothing is scanned
// when r already lists ECUs for this addressing mode, unless rescan is set.
func (s *Scanner) ScanECUs(ctx context.Context, r *Results, rng Range, ext, rescan bool) error {
	if !rescan {
		for _, e := range r.ECUs {
			if e.Ext == ext {
				return nil
			}
		}
	}
	found, err := s.ECUs(ctx, rng, ext)
	for _, addr := range found {
		r.ECU(addr)
	}
	return err
}

// ScanDIDs reads the DIDs in rng from the default session of e.
func (s *Scanner) ScanDIDs(ctx context.Context, e *ECU, rng Range, rescan bool) error {
	def := e.Session(defaultSession)
	if len(def.DIDs) > 0 && !rescan {
		return nil
	}
	s.bookmark("DID scan %s %s", e.ECUAddress, rng)

	dids, err := s.DIDs(ctx, s.newClient(e.ECUAddress), rng)
	if def.DIDs == nil {
		def.DIDs = make(map[uint16]Outcome)
	}
	for did, o := range dids {
		def.DIDs[did] = o
	}
	return err
}

// ScanSessions discovers the sessions of e and then reads, in each session found,
// the DIDs that exist in the default session.
func (s *Scanner) ScanSessions(ctx context.Context, e *ECU, rng Range, rescan bool) error {
	c := s.newClient(e.ECUAddress)

	if len(e.SessionIDs()) <= 1 || rescan {
		found, err := s.DiscoverSessions(ctx, c, rng)
		for id, r := range found {
			if id == defaultSession {
				continue
			}
			e.Sessions[id] = r
		}
		if err != nil {
			return err
		}
	}

	known := e.Session(defaultSession).DIDs
	var dids Range
	for did := range known {
		dids = append(dids, uint32(did))
	}
	sort.Slice(dids, func(i, j int) bool { return dids[i] < dids[j] })
	if len(dids) == 0 {
		return nil
	}

	for _, id := range e.SessionIDs() {
		sess := e.Sessions[id]
		if id == defaultSession || (len(sess.DIDs) > 0 && !rescan) {
			continue
		}
		if err := s.enter(ctx, c, s.chain(sess, id)); err != nil {
			s.logger.Warnf("%s: entering session 0x%x %v to read DIDs: %v", e.ECUAddress, id, sess.Prereqs, err)
			continue
		}
		found, err := s.DIDs(ctx, c, dids)
		sess.DIDs = found
		if err != nil {
			return err
		}
	}
	return nil
}

// ScanAuth looks for security levels in every non-default session of e.
func (s *Scanner) ScanAuth(ctx context.Context, e *ECU, rng Range, rescan bool) error {
	c := s.newClient(e.ECUAddress)
	c.StartTesterPresent(0, true)
	defer c.StopTesterPresent()

	for _, id := range e.SessionIDs() {
		sess := e.Sessions[id]
		if id == defaultSession || (len(sess.Auth) > 0 && !rescan) {
			continue
		}
		s.bookmark("auth scan %s session 0x%x %s", e.ECUAddress, id, rng)
		if err := s.enter(ctx, c, s.chain(sess, id)); err != nil {
			s.logger.Warnf("%s: entering session 0x%x for auth scan: %v", e.ECUAddress, id, err)
			continue
		}
		levels, err := s.AuthLevels(ctx, c, rng)
		if sess.Auth == nil {
			sess.Auth = make(map[byte]*AuthResult)
		}
		for l, r := range levels {
			sess.Auth[l] = r
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ScanKeyLengths finds the key length of every security level of e that hands out
// seeds.
func (s *Scanner) ScanKeyLengths(ctx context.Context, e *ECU, rng Range, rescan bool) error {
	c := s.newClient(e.ECUAddress)
	c.StartTesterPresent(0, true)
	defer c.StopTesterPresent()

	for _, id := range e.SessionIDs() {
		sess := e.Sessions[id]
		if id == defaultSession {
			continue
		}
		chain := s.chain(sess, id)
		reenter := func() error { return s.enter(ctx, c, chain) }

		var levels []byte
		for l, r := range sess.Auth {
			if r.Responded() && (rescan || (r.KeyLength == 0 && !r.KeyFound)) {
				levels = append(levels, l)
			}
		}
		sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })

		for _, l := range levels {
			if err := reenter(); err != nil {
				s.logger.Warnf("%s: entering session 0x%x for key length scan: %v", e.ECUAddress, id, err)
				break
			}
			res, err := s.KeyLengths(ctx, c, id, l, rng, reenter)
			if !res.KeyFound {
				// keep the seed response; the key responses are in Seeds
				res.Outcome = sess.Auth[l].Outcome
			}
			sess.Auth[l] = res
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scanner) chain(sess *SessionResult, id byte) []byte {
	return append(toBytes(sess.Prereqs), id)
}
