// Package flash drives the Odin download protocol over a claimed USB port:
// the CDC control handshake, session setup and teardown, and the PIT, file
// and dump transfers.
package flash

import (
	"time"

	"odinflash/internal/logging"
	"odinflash/internal/proto"
)

// Transport is the slice of the USB port the protocol engine needs. A
// scripted fake stands in for it in tests.
type Transport interface {
	// ClearHalts clears halt conditions on the comm and bulk endpoints.
	ClearHalts() error

	// Control issues a synchronous control transfer; with pipeOK a pipe
	// stall from the device still succeeds.
	Control(requestType, request uint8, value, index uint16, data []byte, pipeOK bool) error

	// ArmBulkIn and ArmInterrupt keep an asynchronous transfer
	// outstanding on the respective IN endpoint.
	ArmBulkIn()
	ArmInterrupt()

	// Send writes a fully formed frame to the bulk-out endpoint.
	Send(data []byte, timeout time.Duration, retry bool) error

	// ReceiveData copies at least min bytes into dst before the timeout,
	// or returns 0.
	ReceiveData(dst []byte, min int, timeout time.Duration) int

	// ClearReceived drops any buffered input.
	ClearReceived()
}

// State of the session machine. Transitions are driven only by the Client;
// protocol errors abandon the operation but keep the session, transport
// failures during the handshake collapse to closed.
type State int

const (
	StateClosed State = iota
	StateClaimed
	StateHandshaked
	StateSession
	StateOperation
)

// Default packet timeouts.
const (
	packetSendTimeout    = 3 * time.Second
	packetRecvTimeout    = 3 * time.Second
	handshakeSendTimeout = 1 * time.Second
	handshakeRecvTimeout = 3 * time.Second

	// The device may spend this long committing a sequence to flash.
	endSequenceRecvTimeout = 30 * time.Second

	// Retries of a file part whose acknowledgement did not arrive; each
	// retry resends the part and reads the acknowledgement again.
	partRetryCount = 4
)

// Device-type codes the protocol accepts. Their meaning is undocumented;
// anything else aborts session setup.
var knownDeviceTypes = []uint32{0, 3, 180, 190}

// Client is the handshake/session controller and transfer engine.
type Client struct {
	tr    Transport
	log   *logging.Logger
	state State

	// progress receives integer percentages during transfers.
	progress func(percent int)

	// handshake settling pace; the stock flashing client idles ~500 ms
	// here and devices in the wild have depended on it.
	settleLoops int
	settleStep  time.Duration
}

// NewClient wraps a claimed transport. The port must have its interfaces
// claimed; the handshake has not run yet.
func NewClient(tr Transport, log *logging.Logger) *Client {
	if log == nil {
		log = logging.Default()
	}
	return &Client{
		tr:          tr,
		log:         log,
		state:       StateClaimed,
		settleLoops: 500,
		settleStep:  time.Millisecond,
	}
}

// SetProgress registers a sink for integer-percent transfer progress.
func (c *Client) SetProgress(fn func(percent int)) {
	c.progress = fn
}

// State returns the current session state.
func (c *Client) State() State {
	return c.state
}

// Initialize runs the full handshake. Resuming an existing session is not
// attempted; the probe always reports uninitialised.
func (c *Client) Initialize() error {
	if c.state != StateClaimed {
		return usageError("initialise called in state %d", c.state)
	}

	if c.checkProtocol() {
		c.state = StateHandshaked
		return nil
	}

	if err := c.handshake(); err != nil {
		c.state = StateClosed
		return err
	}

	c.state = StateHandshaked
	return nil
}

// checkProtocol would probe for an already-initialised session. Resumption
// has never worked reliably, so the probe reports false and the full
// handshake always runs.
func (c *Client) checkProtocol() bool {
	c.log.Info("checking if protocol is initialised... no.")
	return false
}

// BeginSession opens the one session the protocol allows and queries the
// device type.
func (c *Client) BeginSession() error {
	if c.state == StateSession || c.state == StateOperation {
		return ErrSessionActive
	}
	if c.state != StateHandshaked {
		return ErrNoSession
	}

	c.log.Info("beginning session...")

	resp, err := c.roundTripValue(proto.SetupSession(proto.SessionBeginSession), proto.SetupSessionResponse())
	if err != nil {
		return err
	}
	// 131072 for Galaxy S II class devices, 0 for the rest.
	if resp != 0 && resp != 131072 {
		return protocolError("unexpected begin session response value %d", resp)
	}

	deviceType, err := c.roundTripValue(proto.SetupSession(proto.SessionDeviceInfo), proto.SetupSessionResponse())
	if err != nil {
		return err
	}
	known := false
	for _, t := range knownDeviceTypes {
		if deviceType == t {
			known = true
			break
		}
	}
	if !known {
		return protocolError("unexpected device type %d", deviceType)
	}

	c.log.Info("session begun with device of type %d", deviceType)
	c.state = StateSession
	return nil
}

// EndSession closes the session, optionally asking the device to reboot.
// Missing acknowledgements are reported but teardown proceeds regardless.
func (c *Client) EndSession(reboot bool) error {
	if c.state != StateSession {
		return ErrNoSession
	}
	c.state = StateHandshaked

	c.log.Info("ending session...")
	if err := c.roundTrip(proto.EndSession(proto.RequestEndSession), proto.EndSessionResponse()); err != nil {
		c.log.Error("failed to confirm session end: %v", err)
		return err
	}

	if reboot {
		c.log.Info("rebooting device...")
		if err := c.roundTrip(proto.EndSession(proto.RequestRebootDevice), proto.EndSessionResponse()); err != nil {
			c.log.Error("failed to confirm reboot: %v", err)
			return err
		}
	}

	return nil
}

// RequestDeviceInfo issues an arbitrary SetupSession query and returns the
// response value.
func (c *Client) RequestDeviceInfo(request uint32) (uint32, error) {
	if c.state != StateHandshaked && c.state != StateSession {
		return 0, ErrNoSession
	}
	return c.roundTripValue(proto.SetupSession(request), proto.SetupSessionResponse())
}

// sendPacket encodes and sends one outbound packet.
func (c *Client) sendPacket(pkt *proto.Outbound, timeout time.Duration, retry bool) error {
	if err := c.tr.Send(pkt.Encode(), timeout, retry); err != nil {
		return transportError("sending %s packet: %v", pkt.Name(), err)
	}
	return nil
}

// receivePacket blocks for one inbound packet and validates its response
// type. A missed deadline is a transport failure; a wrong response type is
// a protocol violation.
func (c *Client) receivePacket(pkt *proto.Inbound, timeout time.Duration) error {
	min := pkt.Size()
	if pkt.Variable() {
		min = 1
	}

	n := c.tr.ReceiveData(pkt.Buffer(), min, timeout)
	if n == 0 {
		return transportError("receiving %s packet: timed out", pkt.Name())
	}
	if !pkt.Variable() && n != pkt.Size() {
		return transportError("receiving %s packet: %d of %d bytes", pkt.Name(), n, pkt.Size())
	}

	pkt.SetReceived(n)
	if err := pkt.Decode(); err != nil {
		return protocolError("%v", err)
	}
	return nil
}

// roundTrip is the ping-pong primitive: one packet out, its acknowledgement
// in.
func (c *Client) roundTrip(out *proto.Outbound, in *proto.Inbound) error {
	if err := c.sendPacket(out, packetSendTimeout, true); err != nil {
		return err
	}
	return c.receivePacket(in, packetRecvTimeout)
}

func (c *Client) roundTripValue(out *proto.Outbound, in *proto.Inbound) (uint32, error) {
	if err := c.roundTrip(out, in); err != nil {
		return 0, err
	}
	return in.Value(), nil
}

// reportProgress forwards integer-percent progress, deduplicated by the
// callers.
func (c *Client) reportProgress(percent int) {
	if c.progress != nil {
		c.progress(percent)
	}
}
