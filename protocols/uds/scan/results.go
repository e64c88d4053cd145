package scan

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Hex is a byte string stored as hex in scan results.
type Hex []byte

// MarshalYAML implements yaml.Marshaler.
func (h Hex) MarshalYAML() (interface{}, error) {
	return hex.EncodeToString(h), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (h *Hex) UnmarshalYAML(value *yaml.Node) error {
	b, err := hex.DecodeString(value.Value)
	if err != nil {
		return errors.Wrapf(err, "line %d", value.Line)
	}
	*h = append(Hex{}, b...)
	return nil
}

// IsZero reports whether h is nil. An empty positive response is still saved.
func (h Hex) IsZero() bool {
	return h == nil
}

// Outcome is what one request returned: a positive response or a negative response
// code, with Err describing anything else that went wrong.
type Outcome struct {
	Resp Hex    `yaml:"resp,omitempty"`
	NRC  byte   `yaml:"nrc,omitempty"`
	Err  string `yaml:"err,omitempty"`
}

// Responded reports whether the request got a positive response.
func (o Outcome) Responded() bool {
	return o.Resp != nil
}

// SeedAttempt is one key sent during a key length scan.
type SeedAttempt struct {
	Seed Hex  `yaml:"seed"`
	Key  Hex  `yaml:"key"`
	NRC  byte `yaml:"nrc,omitempty"`
}

// AuthResult is what's known about one security level.
type AuthResult struct {
	Outcome `yaml:",inline"`

	// KeyLength is set once a key of the right length was found.
	KeyLength int           `yaml:"key_length,omitempty"`
	KeyFound  bool          `yaml:"key_found,omitempty"`
	Seeds     []SeedAttempt `yaml:"seeds,omitempty"`
}

// SessionResult is what's known about one diagnostic session.
type SessionResult struct {
	Outcome `yaml:",inline"`

	// Prereqs are the sessions that have to be entered, in order, before this one.
	Prereqs []int                `yaml:"prereqs,omitempty"`
	DIDs    map[uint16]Outcome   `yaml:"dids,omitempty"`
	Auth    map[byte]*AuthResult `yaml:"auth,omitempty"`
}

// ECU collects the scan results of one ECU.
type ECU struct {
	ECUAddress `yaml:",inline"`
	Sessions   map[byte]*SessionResult `yaml:"sessions"`
}

// NewECU returns the results of an ECU that hasn't been scanned yet. The default
// session is always reachable.
func NewECU(addr ECUAddress) *ECU {
	return &ECU{
		ECUAddress: addr,
		Sessions: map[byte]*SessionResult{
			defaultSession: {DIDs: map[uint16]Outcome{}},
		},
	}
}

// Session returns the results of session id, creating them if needed.
func (e *ECU) Session(id byte) *SessionResult {
	if e.Sessions == nil {
		e.Sessions = make(map[byte]*SessionResult)
	}
	s, ok := e.Sessions[id]
	if !ok {
		s = &SessionResult{}
		e.Sessions[id] = s
	}
	return s
}

// SessionIDs returns the ids of the reachable sessions in ascending order. The
// default session comes first.
func (e *ECU) SessionIDs() []byte {
	var ids []byte
	for id, s := range e.Sessions {
		if id == defaultSession || s.Responded() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Results are the accumulated output of every scan run against a bus. They're
// saved as YAML so later runs can continue where earlier ones stopped.
type Results struct {
	Notes []string `yaml:"notes"`
	ECUs  []*ECU   `yaml:"ecus"`
}

// AddNote appends a timestamped note.
func (r *Results) AddNote(format string, args ...interface{}) {
	r.Notes = append(r.Notes, fmt.Sprintf("%s @ %s", fmt.Sprintf(format, args...),
		time.Now().Format(time.RFC3339)))
}

// ECU returns the results for addr, adding an entry when there's none yet.
func (r *Results) ECU(addr ECUAddress) *ECU {
	for _, e := range r.ECUs {
		if e.ECUAddress == addr {
			return e
		}
	}
	e := NewECU(addr)
	r.ECUs = append(r.ECUs, e)
	return e
}

// Save writes the results as YAML.
func (r *Results) Save(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return errors.Wrap(err, "encoding scan results")
	}
	return enc.Close()
}

// SaveFile writes the results to the named file.
func (r *Results) SaveFile(name string) error {
	f, err := os.Create(name)
	if err != nil {
		return errors.Wrap(err, "creating results file")
	}
	if err := r.Save(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadResults reads results written by Save.
func LoadResults(rd io.Reader) (*Results, error) {
	var r Results
	if err := yaml.NewDecoder(rd).Decode(&r); err != nil {
		if err == io.EOF {
			return &Results{}, nil
		}
		return nil, errors.Wrap(err, "decoding scan results")
	}
	return &r, nil
}

// LoadResultsFile reads results from the named file. A missing file gives empty
// results.
func LoadResultsFile(name string) (*Results, error) {
	f, err := os.Open(name)
	if os.IsNotExist(err) {
		return &Results{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "opening results file")
	}
	defer f.Close()
	return LoadResults(f)
}
