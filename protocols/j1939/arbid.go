package j1939

import "fmt"

// ArbID is a 29-bit extended CAN identifier split into its J1939 fields.
type ArbID struct {
	Priority byte // 3 bits
	EDP      byte // extended data page, 1 bit
	DP       byte // data page, 1 bit
	PF       byte // PDU format
	PS       byte // PDU specific: destination address or group extension
	SA       byte // source address
}

// ParseArbID splits id into its J1939 fields.
func ParseArbID(id uint32) ArbID {
	top := byte(id >> 24)
	return ArbID{
		Priority: top >> 2,
		EDP:      (top >> 1) & 1,
		DP:       top & 1,
		PF:       byte(id >> 16),
		PS:       byte(id >> 8),
		SA:       byte(id),
	}
}

// Emit packs the fields back into an identifier. Emit(ParseArbID(x)) == x.
func (a ArbID) Emit() uint32 {
	return uint32(a.Priority)<<26 |
		uint32(a.EDP&1)<<25 |
		uint32(a.DP&1)<<24 |
		uint32(a.PF)<<16 |
		uint32(a.PS)<<8 |
		uint32(a.SA)
}

// IsPDU1 reports whether PS is a destination address (PF < 240). For PDU2
// messages PS is a group extension and part of the PGN.
func (a ArbID) IsPDU1() bool {
	return a.PF < 240
}

// PGN returns the parameter group number carried by the identifier.
func (a ArbID) PGN() uint32 {
	pgn := uint32(a.EDP&1)<<17 | uint32(a.DP&1)<<16 | uint32(a.PF)<<8
	if !a.IsPDU1() {
		pgn |= uint32(a.PS)
	}
	return pgn
}

// PGNBytes returns the PGN in the little-endian 3-byte form used by transport
// protocol control messages and requests.
func (a ArbID) PGNBytes() [3]byte {
	pgn := a.PGN()
	return [3]byte{byte(pgn), byte(pgn >> 8), byte(pgn >> 16)}
}

// ArbIDFromPGN builds an identifier carrying pgn. dst is only used for PDU1 PGNs.
func ArbIDFromPGN(priority byte, pgn uint32, dst, src byte) ArbID {
	a := ArbID{
		Priority: priority,
		EDP:      byte(pgn>>17) & 1,
		DP:       byte(pgn>>16) & 1,
		PF:       byte(pgn >> 8),
		SA:       src,
	}
	if a.IsPDU1() {
		a.PS = dst
	} else {
		a.PS = byte(pgn)
	}
	return a
}

func pgnFromBytes(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func (a ArbID) String() string {
	return fmt.Sprintf("pri/edp/dp: %d/%d/%d, PG: %.2x %.2x  Source: %.2x",
		a.Priority, a.EDP, a.DP, a.PF, a.PS, a.SA)
}
