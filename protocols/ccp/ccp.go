// Package ccp implements the CAN Calibration Protocol (CCP 2.1): building and
// parsing command receive objects (CRO) and data transmission objects (DTO), a
// leader that drives a follower over captured CAN traffic, and a follower that
// answers commands from an in-memory image.
//
// CCP leaves byte order to the ECU. Station addresses and other 2 byte values are
// little endian; addresses, sizes and 4 byte values are big endian.
package ccp

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Command codes.
const (
	CmdConnect          byte = 0x01
	CmdSetMTA           byte = 0x02
	CmdDownload         byte = 0x03
	CmdUpload           byte = 0x04
	CmdTest             byte = 0x05
	CmdStartStop        byte = 0x06
	CmdDisconnect       byte = 0x07
	CmdStartStopAll     byte = 0x08
	CmdGetActiveCalPage byte = 0x09
	CmdSetSStatus       byte = 0x0c
	CmdGetSStatus       byte = 0x0d
	CmdBuildChecksum    byte = 0x0e
	CmdShortUpload      byte = 0x0f
	CmdClearMemory      byte = 0x10
	CmdSelectCalPage    byte = 0x11
	CmdGetSeed          byte = 0x12
	CmdUnlock           byte = 0x13
	CmdGetDAQSize       byte = 0x14
	CmdSetDAQPtr        byte = 0x15
	CmdWriteDAQ         byte = 0x16
	CmdExchangeID       byte = 0x17
	CmdProgram          byte = 0x18
	CmdMove             byte = 0x19
	CmdGetVersion       byte = 0x1b
	CmdDiagService      byte = 0x20
	CmdActionService    byte = 0x21
	CmdProgram6         byte = 0x22
	CmdDownload6        byte = 0x23
)

var commandNames = map[byte]string{
	CmdConnect:          "CONNECT",
	CmdSetMTA:           "SET_MTA",
	CmdDownload:         "DNLOAD",
	CmdUpload:           "UPLOAD",
	CmdTest:             "TEST",
	CmdStartStop:        "START_STOP",
	CmdDisconnect:       "DISCONNECT",
	CmdStartStopAll:     "START_STOP_ALL",
	CmdGetActiveCalPage: "GET_ACTIVE_CAL_PAGE",
	CmdSetSStatus:       "SET_S_STATUS",
	CmdGetSStatus:       "GET_S_STATUS",
	CmdBuildChecksum:    "BUILD_CHKSUM",
	CmdShortUpload:      "SHORT_UP",
	CmdClearMemory:      "CLEAR_MEMORY",
	CmdSelectCalPage:    "SELECT_CAL_PAGE",
	CmdGetSeed:          "GET_SEED",
	CmdUnlock:           "UNLOCK",
	CmdGetDAQSize:       "GET_DAQ_SIZE",
	CmdSetDAQPtr:        "SET_DAQ_PTR",
	CmdWriteDAQ:         "WRITE_DAQ",
	CmdExchangeID:       "EXCHANGE_ID",
	CmdProgram:          "PROGRAM",
	CmdMove:             "MOVE",
	CmdGetVersion:       "GET_CCP_VERSION",
	CmdDiagService:      "DIAG_SERVICE",
	CmdActionService:    "ACTION_SERVICE",
	CmdProgram6:         "PROGRAM_6",
	CmdDownload6:        "DNLOAD_6",
}

// CommandName returns the name of a command code.
func CommandName(cmd byte) string {
	if n, ok := commandNames[cmd]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(0x%.2x)", cmd)
}

// Packet ids of the first DTO byte. Any other value is a DAQ list ODT number.
const (
	PIDReturn byte = 0xff
	PIDEvent  byte = 0xfe
)

// DontCare fills unused message bytes.
const DontCare byte = 0x90

// Disconnect kinds.
const (
	DisconnectTemporary    byte = 0x00
	DisconnectEndOfSession byte = 0x01
)

// Resource mask bits used by GET_SEED, UNLOCK and EXCHANGE_ID.
const (
	ResourceCAL byte = 0x01
	ResourceDAQ byte = 0x02
	ResourcePGM byte = 0x40
)

// Session status bits used by SET_S_STATUS and GET_S_STATUS.
const (
	StatusCAL    byte = 0x01
	StatusDAQ    byte = 0x02
	StatusResume byte = 0x04
	StatusStore  byte = 0x40
	StatusRun    byte = 0x80
)

// Command return codes.
const (
	RCAcknowledge          byte = 0x00
	RCDAQOverload          byte = 0x01
	RCBusy                 byte = 0x10
	RCDAQBusy              byte = 0x11
	RCInternalTimeout      byte = 0x12
	RCKeyRequest           byte = 0x18
	RCSessionStatusRequest byte = 0x19
	RCColdStartRequest     byte = 0x20
	RCCalInitRequest       byte = 0x21
	RCDAQInitRequest       byte = 0x22
	RCCodeUpdateRequest    byte = 0x23
	RCUnknownCommand       byte = 0x30
	RCCommandSyntax        byte = 0x31
	RCOutOfRange           byte = 0x32
	RCAccessDenied         byte = 0x33
	RCOverload             byte = 0x34
	RCAccessLocked         byte = 0x35
	RCNotAvailable         byte = 0x36
)

type returnCode struct {
	name     string
	category string
}

var returnCodes = map[byte]returnCode{
	RCAcknowledge:          {"acknowledge", ""},
	RCDAQOverload:          {"DAQ processor overload", "C0"},
	RCBusy:                 {"command processor busy", "C1"},
	RCDAQBusy:              {"DAQ processor busy", "C1"},
	RCInternalTimeout:      {"internal timeout", "C1"},
	RCKeyRequest:           {"key request", "C1"},
	RCSessionStatusRequest: {"session status request", "C1"},
	RCColdStartRequest:     {"cold start request", "C2"},
	RCCalInitRequest:       {"cal. data init. request", "C2"},
	RCDAQInitRequest:       {"DAQ list init. request", "C2"},
	RCCodeUpdateRequest:    {"code update request", "C2"},
	RCUnknownCommand:       {"unknown command", "C3"},
	RCCommandSyntax:        {"command syntax", "C3"},
	RCOutOfRange:           {"parameter(s) out of range", "C3"},
	RCAccessDenied:         {"access denied", "C3"},
	RCOverload:             {"overload", "C3"},
	RCAccessLocked:         {"access locked", "C3"},
	RCNotAvailable:         {"resource/function not available", "C3"},
}

// ReturnCodeName describes a command return code.
func ReturnCodeName(code byte) string {
	if rc, ok := returnCodes[code]; ok {
		return rc.name
	}
	return fmt.Sprintf("unknown(0x%.2x)", code)
}

// ReturnCodeCategory returns the error category of a return code, C0 (warning)
// through C3 (fault), or "" for an acknowledge or an unknown code.
func ReturnCodeCategory(code byte) string {
	return returnCodes[code].category
}

var (
	// ErrBadMessage is returned for CCP messages that aren't 8 bytes or carry
	// fields that don't fit.
	ErrBadMessage = errors.New("malformed CCP message")
	// ErrBlockSize is returned for data blocks outside 1 to 5 bytes.
	ErrBlockSize = errors.New("CCP data block must be 1 to 5 bytes")
	// ErrBadMTA is returned for an MTA number other than 0 or 1.
	ErrBadMTA = errors.New("MTA number must be 0 or 1")
)

// ReturnCodeError is returned when a follower answers a command with anything
// but an acknowledge.
type ReturnCodeError struct {
	Command byte
	Code    byte
}

func (e *ReturnCodeError) Error() string {
	return fmt.Sprintf("%s returned 0x%.2x (%s)", CommandName(e.Command), e.Code, ReturnCodeName(e.Code))
}

// ReturnCode returns the return code carried by err, if any.
func ReturnCode(err error) (byte, bool) {
	var rc *ReturnCodeError
	if errors.As(err, &rc) {
		return rc.Code, true
	}
	return 0, false
}

// MaxBlock is the largest data block moved by DNLOAD, PROGRAM and UPLOAD.
const MaxBlock = 5

// CRO is a command receive object sent by the leader.
type CRO [8]byte

// NewCRO builds a CRO from up to 6 parameter bytes. Unused bytes are DontCare.
func NewCRO(cmd, ctr byte, params ...byte) (CRO, error) {
	var c CRO
	if len(params) > 6 {
		return c, errors.Wrapf(ErrBadMessage, "%d parameter bytes", len(params))
	}
	c[0], c[1] = cmd, ctr
	n := copy(c[2:], params)
	for i := 2 + n; i < len(c); i++ {
		c[i] = DontCare
	}
	return c, nil
}

func mustCRO(cmd, ctr byte, params ...byte) CRO {
	c, _ := NewCRO(cmd, ctr, params...)
	return c
}

// ParseCRO checks that b is a whole CRO.
func ParseCRO(b []byte) (CRO, error) {
	var c CRO
	if len(b) != len(c) {
		return c, errors.Wrapf(ErrBadMessage, "CRO has %d bytes", len(b))
	}
	copy(c[:], b)
	return c, nil
}

// Command returns the command code.
func (c CRO) Command() byte { return c[0] }

// Counter returns the command counter echoed in the reply.
func (c CRO) Counter() byte { return c[1] }

// Params returns bytes 2 to 7.
func (c CRO) Params() []byte { return c[2:] }

// Station returns the little endian station address of CONNECT, TEST and
// DISCONNECT.
func (c CRO) Station() uint16 {
	if c[0] == CmdDisconnect {
		return binary.LittleEndian.Uint16(c[4:6])
	}
	return binary.LittleEndian.Uint16(c[2:4])
}

// Size returns the size of a MOVE, CLEAR_MEMORY or BUILD_CHKSUM block.
func (c CRO) Size() uint32 {
	return binary.BigEndian.Uint32(c[2:6])
}

// Block returns the data block of a DNLOAD or PROGRAM.
func (c CRO) Block() ([]byte, error) {
	n := int(c[2])
	if n < 1 || n > MaxBlock {
		return nil, errors.Wrapf(ErrBlockSize, "%d bytes", n)
	}
	return c[3 : 3+n], nil
}

// Address returns the address extension and address of a SET_MTA or SHORT_UP.
func (c CRO) Address() (byte, uint32) {
	return c[3], binary.BigEndian.Uint32(c[4:8])
}

func station(s uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, s)
	return b
}

func size32(n uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	return b
}

// ConnectCRO builds a CONNECT to the follower at station.
func ConnectCRO(ctr byte, stationAddr uint16) CRO {
	return mustCRO(CmdConnect, ctr, station(stationAddr)...)
}

// TestCRO builds a TEST of whether station is present.
func TestCRO(ctr byte, stationAddr uint16) CRO {
	return mustCRO(CmdTest, ctr, station(stationAddr)...)
}

// DisconnectCRO builds a DISCONNECT of kind DisconnectTemporary or
// DisconnectEndOfSession.
func DisconnectCRO(ctr, kind byte, stationAddr uint16) CRO {
	s := station(stationAddr)
	return mustCRO(CmdDisconnect, ctr, kind, DontCare, s[0], s[1])
}

// GetVersionCRO builds a GET_CCP_VERSION asking for major.minor.
func GetVersionCRO(ctr, major, minor byte) CRO {
	return mustCRO(CmdGetVersion, ctr, major, minor)
}

// ExchangeIDCRO builds an EXCHANGE_ID carrying up to 6 bytes of leader id.
func ExchangeIDCRO(ctr byte, id []byte) (CRO, error) {
	return NewCRO(CmdExchangeID, ctr, id...)
}

// GetSeedCRO builds a GET_SEED for one resource.
func GetSeedCRO(ctr, resource byte) CRO {
	return mustCRO(CmdGetSeed, ctr, resource)
}

// UnlockCRO builds an UNLOCK with a key of up to 6 bytes.
func UnlockCRO(ctr byte, key []byte) (CRO, error) {
	return NewCRO(CmdUnlock, ctr, key...)
}

// SetMTACRO builds a SET_MTA. MTA 0 is used by the transfer commands and MTA 1 by
// MOVE.
func SetMTACRO(ctr, mta, ext byte, addr uint32) (CRO, error) {
	if mta > 1 {
		return CRO{}, errors.Wrapf(ErrBadMTA, "%d", mta)
	}
	return NewCRO(CmdSetMTA, ctr, append([]byte{mta, ext}, size32(addr)...)...)
}

func blockCRO(cmd, ctr byte, data []byte) (CRO, error) {
	if len(data) < 1 || len(data) > MaxBlock {
		return CRO{}, errors.Wrapf(ErrBlockSize, "%d bytes", len(data))
	}
	return NewCRO(cmd, ctr, append([]byte{byte(len(data))}, data...)...)
}

// DownloadCRO builds a DNLOAD writing data at MTA 0.
func DownloadCRO(ctr byte, data []byte) (CRO, error) {
	return blockCRO(CmdDownload, ctr, data)
}

// ProgramCRO builds a PROGRAM writing data to non-volatile memory at MTA 0.
func ProgramCRO(ctr byte, data []byte) (CRO, error) {
	return blockCRO(CmdProgram, ctr, data)
}

// UploadCRO builds an UPLOAD reading n bytes at MTA 0.
func UploadCRO(ctr, n byte) (CRO, error) {
	if n < 1 || n > MaxBlock {
		return CRO{}, errors.Wrapf(ErrBlockSize, "%d bytes", n)
	}
	return NewCRO(CmdUpload, ctr, n)
}

// ShortUploadCRO builds a SHORT_UP reading n bytes at addr without moving MTA 0.
func ShortUploadCRO(ctr, n, ext byte, addr uint32) (CRO, error) {
	if n < 1 || n > MaxBlock {
		return CRO{}, errors.Wrapf(ErrBlockSize, "%d bytes", n)
	}
	return NewCRO(CmdShortUpload, ctr, append([]byte{n, ext}, size32(addr)...)...)
}

// MoveCRO builds a MOVE of n bytes from MTA 0 to MTA 1.
func MoveCRO(ctr byte, n uint32) CRO {
	return mustCRO(CmdMove, ctr, size32(n)...)
}

// ClearMemoryCRO builds a CLEAR_MEMORY of n bytes at MTA 0.
func ClearMemoryCRO(ctr byte, n uint32) CRO {
	return mustCRO(CmdClearMemory, ctr, size32(n)...)
}

// BuildChecksumCRO builds a BUILD_CHKSUM over n bytes at MTA 0.
func BuildChecksumCRO(ctr byte, n uint32) CRO {
	return mustCRO(CmdBuildChecksum, ctr, size32(n)...)
}

// GetSStatusCRO builds a GET_S_STATUS.
func GetSStatusCRO(ctr byte) CRO {
	return mustCRO(CmdGetSStatus, ctr)
}

// SetSStatusCRO builds a SET_S_STATUS with the given status bits.
func SetSStatusCRO(ctr, status byte) CRO {
	return mustCRO(CmdSetSStatus, ctr, status)
}

// DTO is a data transmission object sent by the follower: a command return
// message, an event message or DAQ data.
type DTO struct {
	PID byte
	// Code and Counter are only set for return and event messages.
	Code    byte
	Counter byte
	// Params holds bytes 3 to 7 of return and event messages and bytes 1 to 7
	// of DAQ data.
	Params []byte
}

// ParseDTO parses an 8 byte DTO.
func ParseDTO(b []byte) (DTO, error) {
	if len(b) != 8 {
		return DTO{}, errors.Wrapf(ErrBadMessage, "DTO has %d bytes", len(b))
	}
	d := DTO{PID: b[0]}
	switch b[0] {
	case PIDReturn, PIDEvent:
		d.Code, d.Counter = b[1], b[2]
		d.Params = append([]byte(nil), b[3:]...)
	default:
		d.Params = append([]byte(nil), b[1:]...)
	}
	return d, nil
}

// IsReturn reports whether d answers a command.
func (d DTO) IsReturn() bool { return d.PID == PIDReturn }

// IsEvent reports whether d is an event message.
func (d DTO) IsEvent() bool { return d.PID == PIDEvent }

// NewCRM builds a command return message. Unused bytes are DontCare.
func NewCRM(code, ctr byte, params ...byte) []byte {
	b := make([]byte, 8)
	b[0], b[1], b[2] = PIDReturn, code, ctr
	n := copy(b[3:], params)
	for i := 3 + n; i < len(b); i++ {
		b[i] = DontCare
	}
	return b
}

// NewEvent builds an event message reporting code.
func NewEvent(code byte) []byte {
	b := NewCRM(code, 0)
	b[0] = PIDEvent
	return b
}

// MTA is a memory transfer address as reported after DNLOAD and PROGRAM.
type MTA struct {
	Extension byte
	Address   uint32
}

// MTA returns the post-incremented MTA 0 of a DNLOAD or PROGRAM reply.
func (d DTO) MTA() (MTA, error) {
	if len(d.Params) < 5 {
		return MTA{}, errors.Wrap(ErrBadMessage, "reply too short for an MTA")
	}
	return MTA{Extension: d.Params[0], Address: binary.BigEndian.Uint32(d.Params[1:5])}, nil
}

// ExchangeID is the reply to EXCHANGE_ID.
type ExchangeID struct {
	IDLength  byte
	IDType    byte
	Available byte
	Protected byte
}

// ExchangeID parses an EXCHANGE_ID reply.
func (d DTO) ExchangeID() ExchangeID {
	return ExchangeID{IDLength: d.Params[0], IDType: d.Params[1], Available: d.Params[2], Protected: d.Params[3]}
}

// Seed is the reply to GET_SEED. When Protected is false no UNLOCK is needed.
type Seed struct {
	Protected bool
	Seed      []byte
}

// Seed parses a GET_SEED reply.
func (d DTO) Seed() Seed {
	return Seed{Protected: d.Params[0] == 1, Seed: append([]byte(nil), d.Params[1:5]...)}
}

// Checksum parses a BUILD_CHKSUM reply. The checksum is 1 to 4 bytes.
func (d DTO) Checksum() ([]byte, error) {
	n := int(d.Params[0])
	if n < 1 || n > 4 {
		return nil, errors.Wrapf(ErrBadMessage, "checksum size %d", n)
	}
	return append([]byte(nil), d.Params[1:1+n]...), nil
}

// SessionStatus is the reply to GET_S_STATUS.
type SessionStatus struct {
	Status    byte
	Qualifier byte
	Info      []byte
}

// SessionStatus parses a GET_S_STATUS reply.
func (d DTO) SessionStatus() SessionStatus {
	s := SessionStatus{Status: d.Params[0], Qualifier: d.Params[1]}
	if s.Qualifier != 0 {
		s.Info = append([]byte(nil), d.Params[2:5]...)
	}
	return s
}
