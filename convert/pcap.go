package convert

import (
	"encoding/binary"
	"io"

	"github.com/gavinwade12/cancat"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
)

const (
	// sllProtocolCAN is the Linux cooked capture protocol of SocketCAN frames.
	sllProtocolCAN layers.EthernetType = 0x000c
	arphrdCAN      uint16              = 0x118
	sllHeaderLen                       = 16
	// linkTypeSocketCAN captures hold bare SocketCAN frames with the id in
	// network byte order.
	linkTypeSocketCAN layers.LinkType = 227

	canFrameLen = 16
	canEFFFlag  = 0x80000000
	canIDMask   = 0x1fffffff
	snapLen     = 65535
)

// ErrBadPcap is returned for captures that don't hold CAN frames.
var ErrBadPcap = errors.New("invalid CAN pcap")

// WritePcap writes msgs as a Linux cooked capture of SocketCAN frames, the form
// Wireshark's CAN dissector reads. Ids that don't fit in 11 bits get the
// extended frame flag.
func WritePcap(w io.Writer, msgs []cancat.CANMessage) error {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeLinuxSLL); err != nil {
		return errors.Wrap(err, "writing pcap header")
	}

	for _, m := range msgs {
		if len(m.Data) > 8 {
			return errors.Wrapf(cancat.ErrCANDataTooLong, "message %d", m.Index)
		}
		pkt := make([]byte, sllHeaderLen+canFrameLen)
		binary.BigEndian.PutUint16(pkt[0:], uint16(layers.LinuxSLLPacketTypeBroadcast))
		binary.BigEndian.PutUint16(pkt[2:], arphrdCAN)
		binary.BigEndian.PutUint16(pkt[14:], uint16(sllProtocolCAN))

		id := m.ArbID
		if id > cancat.MaxStandardID {
			id |= canEFFFlag
		}
		frame := pkt[sllHeaderLen:]
		binary.LittleEndian.PutUint32(frame, id)
		binary.LittleEndian.PutUint32(frame[4:], uint32(len(m.Data)))
		copy(frame[8:], m.Data)

		ci := gopacket.CaptureInfo{Timestamp: m.Timestamp, CaptureLength: len(pkt), Length: len(pkt)}
		if err := pw.WritePacket(ci, pkt); err != nil {
			return errors.Wrapf(err, "writing message %d", m.Index)
		}
	}
	return nil
}

// ReadPcap reads the CAN frames of a Linux cooked capture or a SocketCAN
// capture. Cooked packets of other protocols are skipped. Flag bits are cleared
// from the ids. The returned messages are indexed in capture order.
func ReadPcap(r io.Reader) ([]cancat.CANMessage, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(ErrBadPcap, err.Error())
	}
	lt := pr.LinkType()
	if lt != layers.LinkTypeLinuxSLL && lt != linkTypeSocketCAN {
		return nil, errors.Wrapf(ErrBadPcap, "link type %s", lt)
	}

	var msgs []cancat.CANMessage
	for pkt := 0; ; pkt++ {
		data, ci, err := pr.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading packet %d", pkt)
		}

		order := binary.ByteOrder(binary.BigEndian)
		if lt == layers.LinkTypeLinuxSLL {
			if len(data) < sllHeaderLen || binary.BigEndian.Uint16(data[4:6]) > 8 {
				return nil, errors.Wrapf(ErrBadPcap, "packet %d has a bad cooked header", pkt)
			}
			var sll layers.LinuxSLL
			if err := sll.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
				return nil, errors.Wrapf(ErrBadPcap, "packet %d: %v", pkt, err)
			}
			if sll.EthernetType != sllProtocolCAN {
				continue
			}
			data = sll.Payload
			order = binary.LittleEndian
		}

		if len(data) < 8 {
			return nil, errors.Wrapf(ErrBadPcap, "packet %d is %d bytes", pkt, len(data))
		}
		n := int(data[4])
		if n > 8 || 8+n > len(data) {
			return nil, errors.Wrapf(ErrBadPcap, "packet %d has length %d", pkt, n)
		}
		msgs = append(msgs, cancat.CANMessage{
			Index:     len(msgs),
			Timestamp: ci.Timestamp,
			ArbID:     order.Uint32(data) & canIDMask,
			Data:      append([]byte(nil), data[8:8+n]...),
		})
	}
	return msgs, nil
}
