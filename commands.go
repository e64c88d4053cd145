package cancat

import "fmt"

// Commands exchanged with the CanCat transceiver. Values below 0x40 are sent by the
// transceiver, the rest are requests sent to it. They are untyped so they can be used
// both as frame command bytes and as mailbox categories.
const (
	CmdLog                    = 0x2f
	CmdLogHex                 = 0x2e
	CmdCANRecv                = 0x30
	CmdPingResponse           = 0x31
	CmdChangeBaudResult       = 0x32
	CmdCANBaudResult          = 0x33
	CmdCANSendResult          = 0x34
	CmdISORecv                = 0x35
	CmdSetFiltMask            = 0x36
	CmdCANModeResult          = 0x37
	CmdCANSendISOTPResult     = 0x38
	CmdCANRecvISOTPResult     = 0x39
	CmdCANSendRecvISOTPResult = 0x3a
	CmdSetFiltMaskResult      = 0x3b
	CmdPrintCANRegs           = 0x3c

	CmdPing             = 0x41
	CmdChangeBaud       = 0x42
	CmdCANBaud          = 0x43
	CmdCANSend          = 0x44
	CmdCANMode          = 0x45
	CmdCANSendISOTP     = 0x46
	CmdCANRecvISOTP     = 0x47
	CmdCANSendRecvISOTP = 0x48
)

// CAN operating modes accepted by SetCANMode.
const (
	CANModeSniffCAN0 byte = 0x00
	CANModeSniffCAN1 byte = 0x01
	CANModeCITM      byte = 0x02
)

// Result codes returned by the transceiver for CAN operations.
const (
	CANRespOK             byte = 0
	CANRespFailInit       byte = 1
	CANRespFailTx         byte = 2
	CANRespMsgAvail       byte = 3
	CANRespNoMsg          byte = 4
	CANRespCtrlError      byte = 5
	CANRespGetTxBfTimeout byte = 6
	CANRespSendMsgTimeout byte = 7
	CANRespFail           byte = 0xff
)

var canRespNames = map[byte]string{
	CANRespOK:             "CAN_RESP_OK",
	CANRespFailInit:       "CAN_RESP_FAILINIT",
	CANRespFailTx:         "CAN_RESP_FAILTX",
	CANRespMsgAvail:       "CAN_RESP_MSGAVAIL",
	CANRespNoMsg:          "CAN_RESP_NOMSG",
	CANRespCtrlError:      "CAN_RESP_CTRLERROR",
	CANRespGetTxBfTimeout: "CAN_RESP_GETTXBFTIMEOUT",
	CANRespSendMsgTimeout: "CAN_RESP_SENDMSGTIMEOUT",
	CANRespFail:           "CAN_RESP_FAIL",
}

// CANResponseName returns the name of a transceiver result code.
func CANResponseName(code byte) string {
	if n, ok := canRespNames[code]; ok {
		return n
	}
	return fmt.Sprintf("CAN_RESP_UNKNOWN(0x%x)", code)
}

// CAN bus bit rates accepted by SetCANBaud. These configure the bus, not the serial link.
const (
	CANAutoBPS  byte = 0
	CAN5KBPS    byte = 1
	CAN10KBPS   byte = 2
	CAN20KBPS   byte = 3
	CAN25KBPS   byte = 4
	CAN31K25BPS byte = 5
	CAN33KBPS   byte = 6
	CAN40KBPS   byte = 7
	CAN50KBPS   byte = 8
	CAN80KBPS   byte = 9
	CAN83K3BPS  byte = 10
	CAN95KBPS   byte = 11
	CAN100KBPS  byte = 12
	CAN125KBPS  byte = 13
	CAN200KBPS  byte = 14
	CAN250KBPS  byte = 15
	CAN500KBPS  byte = 16
	CAN666KBPS  byte = 17
	CAN1000KBPS byte = 18
)

var canBauds = map[string]byte{
	"auto":  CANAutoBPS,
	"5k":    CAN5KBPS,
	"10k":   CAN10KBPS,
	"20k":   CAN20KBPS,
	"25k":   CAN25KBPS,
	"31k25": CAN31K25BPS,
	"33k":   CAN33KBPS,
	"40k":   CAN40KBPS,
	"50k":   CAN50KBPS,
	"80k":   CAN80KBPS,
	"83k3":  CAN83K3BPS,
	"95k":   CAN95KBPS,
	"100k":  CAN100KBPS,
	"125k":  CAN125KBPS,
	"200k":  CAN200KBPS,
	"250k":  CAN250KBPS,
	"500k":  CAN500KBPS,
	"666k":  CAN666KBPS,
	"1000k": CAN1000KBPS,
}

// ParseCANBaud maps a human readable bit rate such as "500k" to its constant.
func ParseCANBaud(s string) (byte, bool) {
	b, ok := canBauds[s]
	return b, ok
}
