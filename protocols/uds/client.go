package uds

import (
	"context"
	"sync"
	"time"

	"github.com/gavinwade12/cancat"
	"github.com/gavinwade12/cancat/protocols/isotp"
	"github.com/pkg/errors"
)

// Service identifiers.
const (
	SvcDiagnosticSessionControl        byte = 0x10
	SvcECUReset                        byte = 0x11
	SvcClearDiagnosticInformation      byte = 0x14
	SvcReadDTCInformation              byte = 0x19
	SvcReadDataByIdentifier            byte = 0x22
	SvcReadMemoryByAddress             byte = 0x23
	SvcSecurityAccess                  byte = 0x27
	SvcReadDataByPeriodicIdentifier    byte = 0x2a
	SvcDynamicallyDefineDataIdentifier byte = 0x2c
	SvcWriteDataByIdentifier           byte = 0x2e
	SvcInputOutputControlByIdentifier  byte = 0x2f
	SvcRoutineControl                  byte = 0x31
	SvcRequestDownload                 byte = 0x34
	SvcRequestUpload                   byte = 0x35
	SvcTransferData                    byte = 0x36
	SvcRequestTransferExit             byte = 0x37
	SvcWriteMemoryByAddress            byte = 0x3d
	SvcTesterPresent                   byte = 0x3e
	SvcNegativeResponse                byte = 0x7f
	SvcControlDTCSetting               byte = 0x85

	// PositiveResponseOffset is added to a service id in its positive response.
	PositiveResponseOffset byte = 0x40
)

var serviceNames = map[byte]string{
	SvcDiagnosticSessionControl:        "DiagnosticSessionControl",
	SvcECUReset:                        "ECUReset",
	SvcClearDiagnosticInformation:      "ClearDiagnosticInformation",
	SvcReadDTCInformation:              "ReadDTCInformation",
	SvcReadDataByIdentifier:            "ReadDataByIdentifier",
	SvcReadMemoryByAddress:             "ReadMemoryByAddress",
	SvcSecurityAccess:                  "SecurityAccess",
	SvcReadDataByPeriodicIdentifier:    "ReadDataByPeriodicIdentifier",
	SvcDynamicallyDefineDataIdentifier: "DynamicallyDefineDataIdentifier",
	SvcWriteDataByIdentifier:           "WriteDataByIdentifier",
	SvcInputOutputControlByIdentifier:  "InputOutputControlByIdentifier",
	SvcRoutineControl:                  "RoutineControl",
	SvcRequestDownload:                 "RequestDownload",
	SvcRequestUpload:                   "RequestUpload",
	SvcTransferData:                    "TransferData",
	SvcRequestTransferExit:             "RequestTransferExit",
	SvcWriteMemoryByAddress:            "WriteMemoryByAddress",
	SvcTesterPresent:                   "TesterPresent",
	SvcNegativeResponse:                "NegativeResponse",
	SvcControlDTCSetting:               "ControlDTCSetting",
}

// ServiceName returns the name of a service id.
func ServiceName(svc byte) string {
	if n, ok := serviceNames[svc]; ok {
		return n
	}
	return "Unknown"
}

const (
	// DefaultTimeout is the overall time allowed for a request, including any
	// response pending extensions.
	DefaultTimeout = time.Second * 3
	// DefaultTesterPresentInterval is how often the keep-alive is sent.
	DefaultTesterPresentInterval = time.Second * 2
	// ResponseIDOffset is added to a request id to get the usual response id.
	ResponseIDOffset uint32 = 8
)

var (
	// ErrDataTooLarge is returned, before anything is sent, when a request field
	// doesn't fit its encoding.
	ErrDataTooLarge = errors.New("data too large for request")
	// ErrUnexpectedResponse is returned when a response doesn't match its request.
	ErrUnexpectedResponse = errors.New("unexpected response")
)

// Transactor carries diagnostic requests. *isotp.Conn implements it.
type Transactor interface {
	Send(ctx context.Context, ep isotp.Endpoint, payload []byte) error
	Receive(ctx context.Context, ep isotp.Endpoint, start int, service byte, timeout time.Duration) (isotp.Response, error)
	Transact(ctx context.Context, ep isotp.Endpoint, req []byte, service byte, timeout time.Duration) (isotp.Response, error)
}

// ClientOptions configures a Client.
type ClientOptions struct {
	TxID uint32
	// RxID defaults to TxID+8.
	RxID     uint32
	Extended bool
	// Timeout bounds each request. It defaults to DefaultTimeout.
	Timeout time.Duration
	Logger  cancat.Logger
}

// Client talks to one ECU. Requests are serialized; the tester present keep-alive
// runs alongside them.
type Client struct {
	tr      Transactor
	ep      isotp.Endpoint
	timeout time.Duration
	logger  cancat.Logger
	session *Session

	mu       sync.Mutex
	maxBlock int

	tpMu     sync.Mutex
	tpCancel context.CancelFunc
	tpDone   chan struct{}
}

// NewClient returns a client for the ECU described by opts.
func NewClient(tr Transactor, opts ClientOptions) *Client {
	if opts.RxID == 0 {
		opts.RxID = opts.TxID + ResponseIDOffset
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = cancat.NopLogger
	}
	return &Client{
		tr:      tr,
		ep:      isotp.Endpoint{TxID: opts.TxID, RxID: opts.RxID, Extended: opts.Extended},
		timeout: opts.Timeout,
		logger:  opts.Logger,
		session: NewSession(),
	}
}

// Endpoint returns the arbitration ids the client uses.
func (c *Client) Endpoint() isotp.Endpoint {
	return c.ep
}

// Session returns the client's view of the ECU state.
func (c *Client) Session() *Session {
	return c.session
}

// Request sends service with data and returns the positive response. A response
// pending code extends the wait, without sending the request again, for as long as
// the request timeout allows. Any other negative response is returned as a
// *NegativeResponse.
func (c *Client) Request(ctx context.Context, service byte, data ...byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.request(ctx, service, data)
}

func (c *Client) request(ctx context.Context, service byte, data []byte) ([]byte, error) {
	req := make([]byte, 0, 1+len(data))
	req = append(append(req, service), data...)
	positive := service + PositiveResponseOffset

	cancat.LogBytes(c.logger, req, "UDS request: ")

	deadline := time.Now().Add(c.timeout)
	resp, err := c.tr.Transact(ctx, c.ep, req, positive, c.timeout)
	for {
		if err != nil {
			return nil, errors.Wrapf(err, "waiting for response to %s", ServiceName(service))
		}
		cancat.LogBytes(c.logger, resp.Data, "UDS response: ")

		d := resp.Data
		switch {
		case len(d) == 0:
			return nil, ErrUnexpectedResponse
		case d[0] == positive:
			return d, nil
		case d[0] != SvcNegativeResponse || len(d) < 3:
			return nil, errors.Wrapf(ErrUnexpectedResponse, "0x%x to %s", d[0], ServiceName(service))
		case d[1] == service && d[2] != NRCResponsePending:
			return nil, &NegativeResponse{Service: service, Code: d[2]}
		}

		// response pending, or a negative response to something else
		if d[1] == service {
			c.logger.Debugf("response pending for %s", ServiceName(service))
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errors.Wrapf(cancat.ErrTimeout, "waiting for response to %s", ServiceName(service))
		}
		resp, err = c.tr.Receive(ctx, c.ep, resp.Index+1, positive, remaining)
	}
}

// requestSub sends a request with a sub-function and checks that the positive
// response echoes it.
func (c *Client) requestSub(ctx context.Context, service, sub byte, data ...byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.request(ctx, service, append([]byte{sub}, data...))
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 || resp[1]&0x7f != sub&0x7f {
		return resp, errors.Wrapf(ErrUnexpectedResponse, "%s sub-function echo % x", ServiceName(service), resp)
	}
	return resp, nil
}

// TesterPresent sends one keep-alive. When suppress is set the ECU is asked not to
// answer and the call doesn't wait.
func (c *Client) TesterPresent(ctx context.Context, suppress bool) error {
	if suppress {
		return c.tr.Send(ctx, c.ep, []byte{SvcTesterPresent, 0x80})
	}
	_, err := c.requestSub(ctx, SvcTesterPresent, 0x00)
	return err
}

// StartTesterPresent sends a keep-alive every interval until StopTesterPresent is
// called. An interval of 0 uses DefaultTesterPresentInterval. Keep-alives are sent
// without waiting for an answer so they never hold up requests.
func (c *Client) StartTesterPresent(interval time.Duration, suppress bool) {
	if interval <= 0 {
		interval = DefaultTesterPresentInterval
	}

	c.tpMu.Lock()
	defer c.tpMu.Unlock()
	if c.tpCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.tpCancel, c.tpDone = cancel, done
	c.session.setTesterPresent(true)

	payload := []byte{SvcTesterPresent, 0x00}
	if suppress {
		payload[1] = 0x80
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := c.tr.Send(ctx, c.ep, payload); err != nil && ctx.Err() == nil {
				c.logger.Warnf("sending tester present to 0x%x: %v", c.ep.TxID, err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// StopTesterPresent stops the keep-alive and waits for it to finish.
func (c *Client) StopTesterPresent() {
	c.tpMu.Lock()
	cancel, done := c.tpCancel, c.tpDone
	c.tpCancel, c.tpDone = nil, nil
	c.tpMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.session.setTesterPresent(false)
}
