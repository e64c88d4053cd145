package cancat

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// SerialPort describes a serial port on the host.
type SerialPort struct {
	PortName    string
	Description string
	IsUSB       bool
	VID         string
	PID         string
}

// AvailablePorts returns all available serial ports on the current host.
func AvailablePorts() ([]SerialPort, error) {
	list, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}

	ports := make([]SerialPort, len(list))
	for i, p := range list {
		ports[i] = SerialPort{
			PortName:    p.Name,
			Description: p.Product,
			IsUSB:       p.IsUSB,
			VID:         p.VID,
			PID:         p.PID,
		}
	}

	return ports, nil
}

// Transport is the byte stream to and from the transceiver.
type Transport io.ReadWriteCloser

// Dialer opens a new Transport. It is called once on Start and again every time the
// device reconnects after the transport reports an error.
type Dialer func(ctx context.Context) (Transport, error)

const (
	// SerialBaudRate is the baud rate (bits/s) used for the serial connection to the transceiver.
	SerialBaudRate int = 4000000
	// SerialDataBits is the data bit setting (bits/word) used for the serial connection.
	SerialDataBits int = 8
	// SerialReadTimeout bounds each read so the receiver can notice shutdown.
	SerialReadTimeout time.Duration = time.Millisecond * 100
)

// SerialDialer returns a Dialer that opens the named serial port.
func SerialDialer(portName string) Dialer {
	return func(ctx context.Context) (Transport, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sp, err := serial.Open(portName, &serial.Mode{
			BaudRate: SerialBaudRate,
			DataBits: SerialDataBits,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "opening serial port '%s'", portName)
		}

		if err = sp.SetReadTimeout(SerialReadTimeout); err != nil {
			sp.Close()
			return nil, errors.Wrap(err, "setting serial port read timeout")
		}
		if err = sp.ResetInputBuffer(); err != nil {
			sp.Close()
			return nil, errors.Wrap(err, "resetting input buffer")
		}

		return sp, nil
	}
}
