package uds

import (
	"sort"
	"sync"
)

// Diagnostic session types.
const (
	NoSession                   byte = 0x00
	DefaultSession              byte = 0x01
	ProgrammingSession          byte = 0x02
	ExtendedDiagnosticSession   byte = 0x03
	SafetySystemDiagnosticState byte = 0x04
)

// SeedKey is one security access attempt.
type SeedKey struct {
	Seed []byte `yaml:"seed"`
	Key  []byte `yaml:"key"`
}

// Session tracks what a client knows about the state of its ECU: the active
// diagnostic session, the unlocked security levels, the seeds and keys that were
// exchanged and the last value read from each DID.
type Session struct {
	mu            sync.Mutex
	id            byte
	unlocked      map[byte]bool
	seeds         map[byte][]SeedKey
	dids          map[uint16][]byte
	testerPresent bool
}

// NewSession returns the state of an ECU nothing is known about yet.
func NewSession() *Session {
	return &Session{
		unlocked: make(map[byte]bool),
		seeds:    make(map[byte][]SeedKey),
		dids:     make(map[uint16][]byte),
	}
}

// ID returns the active session and false when no session was entered yet.
func (s *Session) ID() (byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.id != NoSession
}

func (s *Session) enter(id byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	// a session change locks the ECU again
	s.unlocked = make(map[byte]bool)
}

func (s *Session) reset() {
	s.enter(NoSession)
}

// Unlocked reports whether the seed/key exchange for level succeeded in the
// current session.
func (s *Session) Unlocked(level byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unlocked[level]
}

// UnlockedLevels returns the unlocked levels in ascending order.
func (s *Session) UnlockedLevels() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, 0, len(s.unlocked))
	for l := range s.unlocked {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Session) unlock(level byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlocked[level] = true
}

func (s *Session) recordSeedKey(level byte, sk SeedKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeds[level] = append(s.seeds[level], sk)
}

// SeedKeys returns the seed/key pairs exchanged for level.
func (s *Session) SeedKeys(level byte) []SeedKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SeedKey(nil), s.seeds[level]...)
}

func (s *Session) recordDID(did uint16, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dids[did] = value
}

// DID returns the last value read from did.
func (s *Session) DID(did uint16) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.dids[did]
	return v, ok
}

// DIDs returns a copy of every value read so far.
func (s *Session) DIDs() map[uint16][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint16][]byte, len(s.dids))
	for k, v := range s.dids {
		out[k] = v
	}
	return out
}

func (s *Session) setTesterPresent(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.testerPresent = on
}

// TesterPresent reports whether the keep-alive is running.
func (s *Session) TesterPresent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.testerPresent
}
