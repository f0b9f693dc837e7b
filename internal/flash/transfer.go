package flash

import (
	"fmt"
	"io"

	"odinflash/internal/proto"
)

// Destination of a file upload.
type Destination int

const (
	DestinationPhone Destination = iota
	DestinationModem
)

func (d Destination) String() string {
	switch d {
	case DestinationPhone:
		return "phone"
	case DestinationModem:
		return "modem"
	}
	return fmt.Sprintf("destination(%d)", int(d))
}

// dumpStagingParts sizes the staging buffer receive-dump flushes through.
const dumpStagingParts = 4096

// operation brackets a transfer inside the session state machine. A failed
// operation is abandoned but the session survives, so the caller can still
// attempt EndSession.
func (c *Client) operation(fn func() error) error {
	if c.state != StateSession {
		return ErrNoSession
	}
	c.state = StateOperation
	err := fn()
	c.state = StateSession
	return err
}

// SendPIT uploads a partition table.
func (c *Client) SendPIT(pit []byte) error {
	return c.operation(func() error {
		c.log.Info("uploading PIT file (%d bytes)...", len(pit))

		if err := c.roundTrip(proto.PitFile(proto.PitRequestFlash), proto.PitFileResponse()); err != nil {
			return fmt.Errorf("initialising PIT file transfer: %w", err)
		}

		if err := c.roundTrip(proto.FlashPartPitFile(uint32(len(pit))), proto.PitFileResponse()); err != nil {
			return fmt.Errorf("sending PIT file size: %w", err)
		}

		if err := c.roundTrip(proto.SendFilePart(pit, len(pit)), proto.PitFileResponse()); err != nil {
			return fmt.Errorf("sending PIT file data: %w", err)
		}

		if err := c.roundTrip(proto.EndPitFileTransfer(uint32(len(pit))), proto.PitFileResponse()); err != nil {
			return fmt.Errorf("ending PIT file transfer: %w", err)
		}

		c.log.Info("PIT file upload complete")
		return nil
	})
}

// ReceivePIT downloads the partition table. The device pads the file out to
// 4 KiB.
func (c *Client) ReceivePIT() ([]byte, error) {
	var pit []byte
	err := c.operation(func() error {
		c.log.Info("downloading PIT file...")

		fileSize, err := c.roundTripValue(proto.PitFile(proto.PitRequestDump), proto.PitFileResponse())
		if err != nil {
			return fmt.Errorf("requesting PIT file: %w", err)
		}

		parts := int(fileSize) / proto.ReceivePartSize
		if int(fileSize)%proto.ReceivePartSize != 0 {
			parts++
		}

		pit = make([]byte, 0, fileSize)
		previousPercent := -1
		for i := 0; i < parts; i++ {
			part := proto.ReceiveFilePart()
			if err := c.roundTrip(proto.DumpPartPitFile(uint32(i)), part); err != nil {
				return fmt.Errorf("receiving PIT file part %d: %w", i, err)
			}
			pit = append(pit, part.Payload()...)
			if percent := 100 * (i + 1) / parts; percent != previousPercent {
				previousPercent = percent
				c.reportProgress(percent)
			}
		}

		if err := c.roundTrip(proto.PitFile(proto.PitRequestEndTransfer), proto.PitFileResponse()); err != nil {
			return fmt.Errorf("ending PIT file transfer: %w", err)
		}

		c.log.Info("PIT file download complete (%d bytes)", len(pit))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pit, nil
}

// SendFile uploads size bytes from r to the given destination, in sequences
// of up to MaxSequenceLength fixed-size parts. Phone partitions are
// addressed by fileID; the modem image has no identifier, so fileID must be
// negative for it.
func (c *Client) SendFile(r io.Reader, size int64, dest Destination, fileID int) error {
	// Caller errors are rejected before any I/O.
	switch dest {
	case DestinationPhone:
		if fileID < 0 {
			return usageError("a phone partition upload needs a file identifier")
		}
	case DestinationModem:
		if fileID >= 0 {
			return usageError("the modem file does not have an identifier")
		}
	default:
		return usageError("unknown upload destination %d", int(dest))
	}

	return c.operation(func() error {
		c.log.Info("uploading %d bytes to %s...", size, dest)

		if err := c.roundTrip(proto.FileTransfer(proto.FileRequestFlash), proto.FileTransferResponse()); err != nil {
			return fmt.Errorf("initialising file transfer: %w", err)
		}

		const sequenceBytes = int64(proto.MaxSequenceLength) * proto.FilePartSize
		sequenceCount := int(size / sequenceBytes)
		lastSequenceLength := proto.MaxSequenceLength
		partialLength := int(size % proto.FilePartSize)
		if size%sequenceBytes != 0 {
			sequenceCount++
			lastSequenceLength = int((size % sequenceBytes) / proto.FilePartSize)
			if partialLength != 0 {
				lastSequenceLength++
			}
		}

		var sent int64
		previousPercent := -1
		chunk := make([]byte, proto.FilePartSize)

		for sequence := 0; sequence < sequenceCount; sequence++ {
			lastSequence := sequence == sequenceCount-1
			sequenceLength := proto.MaxSequenceLength
			if lastSequence {
				sequenceLength = lastSequenceLength
			}

			if err := c.roundTrip(proto.FlashPartFileTransfer(uint32(sequenceLength)), proto.FileTransferResponse()); err != nil {
				return fmt.Errorf("beginning file transfer sequence %d: %w", sequence, err)
			}

			for part := 0; part < sequenceLength; part++ {
				want := proto.FilePartSize
				if remaining := size - sent; remaining < int64(want) {
					want = int(remaining)
				}
				if _, err := io.ReadFull(r, chunk[:want]); err != nil {
					return usageError("reading input file: %v", err)
				}

				if err := c.sendFilePart(chunk[:want], part); err != nil {
					return err
				}

				sent += int64(want)
				if percent := int(100 * sent / size); percent != previousPercent {
					previousPercent = percent
					c.reportProgress(percent)
				}
			}

			if err := c.endSequence(dest, fileID, lastSequence, sequenceLength, partialLength); err != nil {
				return err
			}
		}

		c.log.Info("file upload complete")
		return nil
	})
}

// sendFilePart sends one part and waits for its acknowledgement. A missing
// acknowledgement retries the send/receive pair; an acknowledgement for the
// wrong index fails immediately.
func (c *Client) sendFilePart(chunk []byte, part int) error {
	out := proto.SendFilePart(chunk, proto.FilePartSize)
	for attempt := 0; ; attempt++ {
		if err := c.sendPacket(out, packetSendTimeout, true); err != nil {
			return fmt.Errorf("sending file part %d: %w", part, err)
		}

		resp := proto.SendFilePartResponse()
		if err := c.receivePacket(resp, packetRecvTimeout); err != nil {
			if errorCode(err) == ErrCodeProtocol || attempt == partRetryCount {
				return fmt.Errorf("confirming file part %d: %w", part, err)
			}
			c.log.Warn("file part %d: %v, retrying...", part, err)
			continue
		}

		if received := int(resp.Value()); received != part {
			return protocolError("expected file part index %d, received %d", part, received)
		}
		return nil
	}
}

// endSequence commits a finished sequence and waits out the device's flash
// write.
func (c *Client) endSequence(dest Destination, fileID int, lastSequence bool, sequenceLength, partialLength int) error {
	lastFullIndex := sequenceLength
	if lastSequence && partialLength != 0 {
		lastFullIndex = sequenceLength - 1
	}
	lastFullIndex *= 2

	partial := 0
	if lastSequence {
		partial = partialLength
	}

	var end *proto.Outbound
	if dest == DestinationPhone {
		end = proto.EndPhoneFileTransfer(uint32(partial), uint32(lastFullIndex), 0, 0, uint32(fileID), lastSequence)
	} else {
		end = proto.EndModemFileTransfer(uint32(partial), uint32(lastFullIndex), 0, 0, lastSequence)
	}

	if err := c.sendPacket(end, packetSendTimeout, true); err != nil {
		return fmt.Errorf("ending file transfer sequence: %w", err)
	}
	if err := c.receivePacket(proto.FileTransferResponse(), endSequenceRecvTimeout); err != nil {
		return fmt.Errorf("confirming end of file transfer sequence: %w", err)
	}
	return nil
}

// ReceiveDump streams a raw chip dump into w through a fixed staging
// buffer.
func (c *Client) ReceiveDump(chipType, chipID uint32, w io.Writer) error {
	return c.operation(func() error {
		c.log.Info("dumping chip type %d id %d...", chipType, chipID)

		dumpSize, err := c.roundTripValue(proto.BeginDump(chipType, chipID), proto.DumpResponse())
		if err != nil {
			return fmt.Errorf("requesting dump: %w", err)
		}

		parts := int(dumpSize) / proto.ReceivePartSize
		if int(dumpSize)%proto.ReceivePartSize != 0 {
			parts++
		}

		staging := make([]byte, 0, dumpStagingParts*proto.ReceivePartSize)
		previousPercent := -1

		for i := 0; i < parts; i++ {
			part := proto.ReceiveFilePart()
			if err := c.roundTrip(proto.DumpPartFileTransfer(uint32(i)), part); err != nil {
				return fmt.Errorf("receiving dump part %d: %w", i, err)
			}

			if len(staging)+part.Received() > cap(staging) {
				if _, err := w.Write(staging); err != nil {
					return usageError("writing dump output: %v", err)
				}
				staging = staging[:0]
			}
			staging = append(staging, part.Payload()...)

			if percent := 100 * (i + 1) / parts; percent != previousPercent {
				previousPercent = percent
				c.reportProgress(percent)
			}
		}

		if len(staging) != 0 {
			if _, err := w.Write(staging); err != nil {
				return usageError("writing dump output: %v", err)
			}
		}

		if err := c.roundTrip(proto.FileTransfer(proto.FileRequestEnd), proto.FileTransferResponse()); err != nil {
			return fmt.Errorf("ending dump transfer: %w", err)
		}

		c.log.Info("dump complete (%d bytes)", dumpSize)
		return nil
	})
}
