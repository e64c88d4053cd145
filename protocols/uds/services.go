package uds

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Routine control types.
const (
	RoutineStart   byte = 0x01
	RoutineStop    byte = 0x02
	RoutineResults byte = 0x03
)

// DTC setting types.
const (
	DTCSettingOn  byte = 0x01
	DTCSettingOff byte = 0x02
)

// AllDTCGroups clears every diagnostic trouble code.
const AllDTCGroups uint32 = 0xffffff

// DefaultMemoryFormat is the addressAndLengthFormatIdentifier used by download and
// upload requests: 4 byte address and 4 byte size.
const DefaultMemoryFormat byte = 0x44

// maxFieldLen is the largest address or size field a format nibble can describe.
const maxFieldLen = 15

// KeyFunc computes the key for a security access seed.
type KeyFunc func(level byte, seed []byte) ([]byte, error)

// DiagnosticSessionControl switches the ECU to session.
func (c *Client) DiagnosticSessionControl(ctx context.Context, session byte) ([]byte, error) {
	resp, err := c.requestSub(ctx, SvcDiagnosticSessionControl, session)
	if err != nil {
		return resp, err
	}
	c.session.enter(session)
	return resp, nil
}

// ECUReset resets the ECU. The ECU comes back in its default session, which the
// client tracks as no session until one is entered again.
func (c *Client) ECUReset(ctx context.Context, resetType byte) ([]byte, error) {
	resp, err := c.requestSub(ctx, SvcECUReset, resetType)
	if err != nil {
		return resp, err
	}
	c.session.reset()
	return resp, nil
}

// ReadDID reads a data identifier and returns its value.
func (c *Client) ReadDID(ctx context.Context, did uint16) ([]byte, error) {
	resp, err := c.Request(ctx, SvcReadDataByIdentifier, byte(did>>8), byte(did))
	if err != nil {
		return nil, err
	}
	if len(resp) < 3 || binary.BigEndian.Uint16(resp[1:3]) != did {
		return nil, errors.Wrapf(ErrUnexpectedResponse, "DID echo % x", resp)
	}
	value := resp[3:]
	c.session.recordDID(did, value)
	return value, nil
}

// WriteDID writes value to a data identifier.
func (c *Client) WriteDID(ctx context.Context, did uint16, value []byte) error {
	data := append([]byte{byte(did >> 8), byte(did)}, value...)
	resp, err := c.Request(ctx, SvcWriteDataByIdentifier, data...)
	if err != nil {
		return err
	}
	if len(resp) < 3 || binary.BigEndian.Uint16(resp[1:3]) != did {
		return errors.Wrapf(ErrUnexpectedResponse, "DID echo % x", resp)
	}
	return nil
}

// MemoryField encodes v big-endian in n bytes.
func MemoryField(v uint64, n int) []byte {
	b := make([]byte, n)
	for i := n - 1; i >= 0 && v > 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// minimalField encodes v in as few bytes as possible, at least one.
func minimalField(v uint64) []byte {
	n := 1
	for x := v >> 8; x > 0; x >>= 8 {
		n++
	}
	return MemoryField(v, n)
}

// memoryRequest builds addressAndLengthFormatIdentifier, address, size.
func memoryRequest(address, size []byte) ([]byte, error) {
	if len(address) == 0 || len(address) > maxFieldLen {
		return nil, errors.Wrapf(ErrDataTooLarge, "address field of %d bytes", len(address))
	}
	if len(size) == 0 || len(size) > maxFieldLen {
		return nil, errors.Wrapf(ErrDataTooLarge, "size field of %d bytes", len(size))
	}
	req := make([]byte, 0, 1+len(address)+len(size))
	req = append(req, byte(len(size))<<4|byte(len(address)))
	req = append(req, address...)
	return append(req, size...), nil
}

// ReadMemoryByAddress reads memory. address and size are the raw big-endian fields;
// MemoryField builds them.
func (c *Client) ReadMemoryByAddress(ctx context.Context, address, size []byte) ([]byte, error) {
	req, err := memoryRequest(address, size)
	if err != nil {
		return nil, err
	}
	resp, err := c.Request(ctx, SvcReadMemoryByAddress, req...)
	if err != nil {
		return nil, err
	}
	return resp[1:], nil
}

// WriteMemoryByAddress writes data at address.
func (c *Client) WriteMemoryByAddress(ctx context.Context, address, data []byte) error {
	req, err := memoryRequest(address, minimalField(uint64(len(data))))
	if err != nil {
		return err
	}
	_, err = c.Request(ctx, SvcWriteMemoryByAddress, append(req, data...)...)
	return err
}

// SecuritySeed requests the seed for level.
func (c *Client) SecuritySeed(ctx context.Context, level byte) ([]byte, error) {
	resp, err := c.requestSub(ctx, SvcSecurityAccess, level)
	if err != nil {
		return nil, err
	}
	return resp[2:], nil
}

// SendKey sends the key for level. level is the seed level; the key goes out with
// level+1.
func (c *Client) SendKey(ctx context.Context, level byte, key []byte) ([]byte, error) {
	resp, err := c.requestSub(ctx, SvcSecurityAccess, level+1, key...)
	if err != nil {
		return resp, err
	}
	c.session.unlock(level)
	return resp, nil
}

// SecurityAccess performs the seed/key exchange for level, computing the key with
// keyFn. An all-zero seed means the level is already unlocked and no key is sent.
// Every attempted pair is recorded in the session.
func (c *Client) SecurityAccess(ctx context.Context, level byte, keyFn KeyFunc) ([]byte, error) {
	seed, err := c.SecuritySeed(ctx, level)
	if err != nil {
		return nil, errors.Wrap(err, "requesting seed")
	}
	if isZero(seed) {
		c.session.recordSeedKey(level, SeedKey{Seed: seed})
		c.session.unlock(level)
		return nil, nil
	}

	key, err := keyFn(level, seed)
	if err != nil {
		return nil, errors.Wrap(err, "computing key")
	}
	c.session.recordSeedKey(level, SeedKey{Seed: seed, Key: key})
	return c.SendKey(ctx, level, key)
}

func isZero(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}

// RoutineControl starts, stops or gets the results of a routine.
func (c *Client) RoutineControl(ctx context.Context, control byte, routine uint16, args ...byte) ([]byte, error) {
	data := append([]byte{byte(routine >> 8), byte(routine)}, args...)
	return c.requestSub(ctx, SvcRoutineControl, control, data...)
}

// maxBlockLength parses the lengthFormatIdentifier and maxNumberOfBlockLength of a
// download or upload response.
func maxBlockLength(resp []byte) (int, error) {
	if len(resp) < 2 {
		return 0, errors.Wrap(ErrUnexpectedResponse, "missing length format")
	}
	n := int(resp[1] >> 4)
	if n == 0 || n > 8 || len(resp) < 2+n {
		return 0, errors.Wrapf(ErrUnexpectedResponse, "block length format 0x%x", resp[1])
	}
	var l uint64
	for _, b := range resp[2 : 2+n] {
		l = l<<8 | uint64(b)
	}
	return int(l), nil
}

func (c *Client) transferRequest(ctx context.Context, service byte, address, size uint32,
	dataFormat byte) (int, error) {
	req := []byte{dataFormat, DefaultMemoryFormat}
	req = append(req, MemoryField(uint64(address), 4)...)
	req = append(req, MemoryField(uint64(size), 4)...)

	c.mu.Lock()
	defer c.mu.Unlock()
	resp, err := c.request(ctx, service, req)
	if err != nil {
		return 0, err
	}
	l, err := maxBlockLength(resp)
	if err != nil {
		return 0, err
	}
	c.maxBlock = l
	return l, nil
}

// RequestDownload announces a transfer of size bytes to the ECU at address and
// returns the largest TransferData request the ECU accepts.
func (c *Client) RequestDownload(ctx context.Context, address, size uint32, dataFormat byte) (int, error) {
	return c.transferRequest(ctx, SvcRequestDownload, address, size, dataFormat)
}

// RequestUpload announces a transfer of size bytes from the ECU at address.
func (c *Client) RequestUpload(ctx context.Context, address, size uint32, dataFormat byte) (int, error) {
	return c.transferRequest(ctx, SvcRequestUpload, address, size, dataFormat)
}

// TransferData sends one block. The request has to fit the block length returned
// by the last download or upload request.
func (c *Client) TransferData(ctx context.Context, seq byte, data []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxBlock > 0 && len(data)+2 > c.maxBlock {
		return nil, errors.Wrapf(ErrDataTooLarge, "block of %d bytes, ECU accepts %d", len(data), c.maxBlock-2)
	}
	resp, err := c.request(ctx, SvcTransferData, append([]byte{seq}, data...))
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 || resp[1] != seq {
		return nil, errors.Wrapf(ErrUnexpectedResponse, "block sequence echo % x", resp)
	}
	return resp[2:], nil
}

// RequestTransferExit ends a download or upload.
func (c *Client) RequestTransferExit(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, err := c.request(ctx, SvcRequestTransferExit, nil)
	c.maxBlock = 0
	return resp, err
}

// Download writes data to the ECU at address with a download request, as many
// transfers as needed and a transfer exit.
func (c *Client) Download(ctx context.Context, address uint32, data []byte, dataFormat byte) error {
	maxBlock, err := c.RequestDownload(ctx, address, uint32(len(data)), dataFormat)
	if err != nil {
		return errors.Wrap(err, "requesting download")
	}
	chunk := maxBlock - 2
	if chunk <= 0 {
		return errors.Wrapf(ErrUnexpectedResponse, "block length %d", maxBlock)
	}

	seq := byte(1)
	for off := 0; off < len(data); off += chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		if _, err := c.TransferData(ctx, seq, data[off:end]); err != nil {
			return errors.Wrapf(err, "transferring block %d", seq)
		}
		seq++
	}

	_, err = c.RequestTransferExit(ctx)
	return errors.Wrap(err, "exiting transfer")
}

// Upload reads size bytes from the ECU at address.
func (c *Client) Upload(ctx context.Context, address, size uint32, dataFormat byte) ([]byte, error) {
	if _, err := c.RequestUpload(ctx, address, size, dataFormat); err != nil {
		return nil, errors.Wrap(err, "requesting upload")
	}

	out := make([]byte, 0, size)
	seq := byte(1)
	for uint32(len(out)) < size {
		block, err := c.TransferData(ctx, seq, nil)
		if err != nil {
			return out, errors.Wrapf(err, "transferring block %d", seq)
		}
		if len(block) == 0 {
			return out, errors.Wrapf(ErrUnexpectedResponse, "empty block %d", seq)
		}
		out = append(out, block...)
		seq++
	}
	if uint32(len(out)) > size {
		out = out[:size]
	}

	_, err := c.RequestTransferExit(ctx)
	return out, errors.Wrap(err, "exiting transfer")
}

// ClearDTC clears the diagnostic trouble codes in group.
func (c *Client) ClearDTC(ctx context.Context, group uint32) error {
	_, err := c.Request(ctx, SvcClearDiagnosticInformation, byte(group>>16), byte(group>>8), byte(group))
	return err
}

// ReadDTC reads diagnostic trouble code information with the given report type.
func (c *Client) ReadDTC(ctx context.Context, reportType byte, args ...byte) ([]byte, error) {
	resp, err := c.requestSub(ctx, SvcReadDTCInformation, reportType, args...)
	if err != nil {
		return nil, err
	}
	return resp[2:], nil
}

// ControlDTCSetting turns DTC recording on or off.
func (c *Client) ControlDTCSetting(ctx context.Context, setting byte) error {
	_, err := c.requestSub(ctx, SvcControlDTCSetting, setting)
	return err
}
