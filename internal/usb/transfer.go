package usb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
)

// Standard request / feature selector used to clear endpoint halts.
const (
	requestClearFeature  = 0x01
	featureEndpointHalt  = 0x0000
	sendRetryCount       = 5
	minSendRetryBackoff  = 250 * time.Millisecond
)

// Control issues a synchronous control transfer. Outbound payloads are
// copied before submission; inbound payloads land in data. When pipeOK is
// set, a pipe stall from the device still counts as success — parts of the
// handshake are implemented loosely on the device side and stall without
// meaning failure.
func (p *Port) Control(requestType, request uint8, value, index uint16, data []byte, pipeOK bool) error {
	var buf []byte
	if len(data) > 0 {
		buf = make([]byte, len(data))
		if requestType&gousb.ControlIn == 0 {
			copy(buf, data)
		}
	}

	n, err := p.dev.Control(requestType, request, value, index, buf)
	if err != nil {
		if pipeOK && errors.Is(err, gousb.ERROR_PIPE) {
			p.log.Debug("control %02x/%02x: EPIPE (tolerated)", requestType, request)
			return nil
		}
		return fmt.Errorf("control %02x/%02x value %04x: %w", requestType, request, value, err)
	}

	if requestType&gousb.ControlIn != 0 {
		copy(data, buf[:n])
	}
	p.log.Debug("control %02x/%02x value %04x: OK (%d bytes)", requestType, request, value, n)
	return nil
}

// ClearHalts clears any halt condition on the comm, data-in and data-out
// endpoints via standard CLEAR_FEATURE(ENDPOINT_HALT) requests.
func (p *Port) ClearHalts() error {
	addrs := []gousb.EndpointAddress{
		p.binding.Comm.Address,
		p.binding.DataIn.Address,
		p.binding.DataOut.Address,
	}
	for _, addr := range addrs {
		p.log.Debug("clearing halt from endpoint %02x", uint8(addr))
		err := p.Control(gousb.ControlOut|gousb.ControlStandard|gousb.ControlEndpoint,
			requestClearFeature, featureEndpointHalt, uint16(addr), nil, false)
		if err != nil {
			return fmt.Errorf("clearing halt on endpoint %02x: %w", uint8(addr), err)
		}
	}
	return nil
}

func (p *Port) writeBulk(data []byte, timeout time.Duration) error {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	n, err := p.epDataOut.WriteContext(ctx, data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("short bulk write: %d of %d bytes", n, len(data))
	}
	return nil
}

// Send writes a fully formed packet buffer to the bulk-out endpoint. With
// retry set, failures are retried up to five times with a growing back-off
// of max(250ms, commDelay) x attempt.
func (p *Port) Send(data []byte, timeout time.Duration, retry bool) error {
	err := p.writeBulk(data, timeout)

	if err != nil && retry {
		backoff := p.commDelay
		if backoff < minSendRetryBackoff {
			backoff = minSendRetryBackoff
		}
		for attempt := 1; attempt <= sendRetryCount; attempt++ {
			p.log.Warn("bulk out failed (%v), retrying...", err)
			time.Sleep(backoff * time.Duration(attempt))
			if err = p.writeBulk(data, timeout); err == nil {
				break
			}
		}
	}

	if p.commDelay > 0 {
		time.Sleep(p.commDelay)
	}
	if err != nil {
		return fmt.Errorf("bulk out of %d bytes: %w", len(data), err)
	}
	return nil
}

// ReceiveData copies at least min and at most len(dst) bytes from the
// bulk-in ring into dst, waiting until the timeout for the minimum to
// arrive. It returns the number of bytes copied, or 0 if the deadline
// passed first; deadline expiry is reported to the caller, not treated as
// an error here.
func (p *Port) ReceiveData(dst []byte, min int, timeout time.Duration) int {
	n := p.ring.receive(dst, min, timeout, p.log.Warn)
	if p.commDelay > 0 {
		time.Sleep(p.commDelay)
	}
	return n
}

// ClearReceived drops everything received and not yet consumed.
func (p *Port) ClearReceived() {
	p.ring.clear()
}
