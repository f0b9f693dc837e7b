package flash

import (
	"bytes"
	"time"
)

// CDC class control requests used by the line configuration sequence.
const (
	reqSetCommFeature      = 0x02
	reqGetCommFeature      = 0x03
	reqClearCommFeature    = 0x04
	reqSetLineCoding       = 0x20
	reqGetLineCoding       = 0x21
	reqSetControlLineState = 0x22

	// host-to-device / device-to-host, class, interface recipient
	typeClassOut = 0x21
	typeClassIn  = 0xA1
)

// handshake replays the host-side initialisation seen in USB captures of
// the stock flashing client: endpoint halts cleared, the CDC line configuration
// sequence, async transfers armed mid-sequence, a settling pause, then the
// ASCII exchange. The order and pacing are load-bearing; devices in the
// wild have failed when steps were dropped.
func (c *Client) handshake() error {
	c.log.Info("initialising protocol...")

	if err := c.tr.ClearHalts(); err != nil {
		return transportError("clearing endpoint halts: %v", err)
	}

	if err := c.lineConfiguration(); err != nil {
		return err
	}

	c.settle()

	return c.asciiHandshake()
}

// lineConfiguration walks the CDC control sequence. The device implements
// this class loosely, so every step tolerates a pipe stall.
func (c *Client) lineConfiguration() error {
	type step struct {
		name    string
		reqType uint8
		request uint8
		value   uint16
		data    []byte
		after   func()
	}

	steps := []step{
		{name: "CLEAR_COMM_FEATURE", reqType: typeClassOut, request: reqClearCommFeature, value: 0x0001},
		{name: "GET_COMM_FEATURE", reqType: typeClassIn, request: reqGetCommFeature, value: 0x0001, data: make([]byte, 2)},
		{name: "SET_COMM_FEATURE", reqType: typeClassOut, request: reqSetCommFeature, value: 0x0001, data: []byte{0x02, 0x00}},
		{name: "SET_CONTROL_LINE_STATE", reqType: typeClassOut, request: reqSetControlLineState, value: 0x0003},
		// The second GET_LINE_CODING is the first transfer issued after
		// the bulk-in reader is armed.
		{name: "GET_LINE_CODING", reqType: typeClassIn, request: reqGetLineCoding, data: make([]byte, 7),
			after: c.tr.ArmBulkIn},
		{name: "GET_LINE_CODING", reqType: typeClassIn, request: reqGetLineCoding, data: make([]byte, 7),
			after: c.tr.ArmInterrupt},
		{name: "SET_LINE_CODING", reqType: typeClassOut, request: reqSetLineCoding,
			data: []byte{0x00, 0xC2, 0x01, 0x00, 0x00, 0x00, 0x00}},
		{name: "SET_CONTROL_LINE_STATE", reqType: typeClassOut, request: reqSetControlLineState, value: 0x0003},
		{name: "SET_CONTROL_LINE_STATE", reqType: typeClassOut, request: reqSetControlLineState, value: 0x0002},
		{name: "SET_LINE_CODING", reqType: typeClassOut, request: reqSetLineCoding,
			data: []byte{0x00, 0xC2, 0x01, 0x00, 0x00, 0x00, 0x08}},
	}

	for _, s := range steps {
		c.log.Debug("%s...", s.name)
		if err := c.tr.Control(s.reqType, s.request, s.value, 0, s.data, true); err != nil {
			return transportError("%s: %v", s.name, err)
		}
		if s.after != nil {
			s.after()
		}
	}

	return nil
}

// settle idles for the pause the stock client takes between the line
// configuration and the ASCII exchange, in the same 1 ms increments.
func (c *Client) settle() {
	for n := 0; n < c.settleLoops; n++ {
		time.Sleep(c.settleStep)
	}
}

// asciiHandshake sends "ODIN" and requires "LOKE" back. Anything the
// device pushed during line configuration is dropped first.
func (c *Client) asciiHandshake() error {
	c.log.Info("handshaking with Loke...")

	c.tr.ClearReceived()

	if err := c.tr.Send([]byte("ODIN"), handshakeSendTimeout, false); err != nil {
		return transportError("sending handshake: %v", err)
	}

	reply := make([]byte, 4)
	n := c.tr.ReceiveData(reply, len(reply), handshakeRecvTimeout)
	if n != len(reply) || !bytes.Equal(reply, []byte("LOKE")) {
		c.log.Error("unexpected handshake response: expected %q, received %q", "LOKE", reply[:n])
		return ErrHandshakeFailed
	}

	return nil
}
