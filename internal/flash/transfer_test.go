package flash

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odinflash/internal/proto"
)

// pitDevice models the device side of the PIT transfers: it stores an
// uploaded table, pads it to 4 KiB and serves it back in part-sized chunks.
type pitDevice struct {
	f *fakePort

	uploading bool
	expectRaw int
	stored    []byte
	padded    []byte

	downloadRequests int
}

func (d *pitDevice) handle(frame []byte) {
	if d.expectRaw > 0 && len(frame) == d.expectRaw {
		d.stored = append([]byte(nil), frame...)
		d.expectRaw = 0
		d.f.reply(0x65, 0)
		return
	}
	if len(frame) != proto.ControlFrameSize {
		return
	}

	w := leWords(frame, 3)
	if w[0] != 0x65 {
		return
	}
	switch w[1] {
	case proto.PitRequestFlash:
		d.uploading = true
		d.f.reply(0x65, 0)
	case proto.PitRequestDump:
		d.uploading = false
		// The device always pads the PIT out to 4 KiB.
		d.padded = make([]byte, 4096)
		copy(d.padded, d.stored)
		d.f.reply(0x65, uint32(len(d.padded)))
	case 0x02: // part: size declaration when uploading, chunk index when dumping
		if d.uploading {
			d.expectRaw = int(w[2])
			d.f.reply(0x65, 0)
		} else {
			d.downloadRequests++
			i := int(w[2])
			d.f.replyRaw(d.padded[i*proto.ReceivePartSize : (i+1)*proto.ReceivePartSize])
		}
	case proto.PitRequestEndTransfer:
		d.f.reply(0x65, 0)
	}
}

func TestPITRoundTrip(t *testing.T) {
	f := &fakePort{}
	dev := &pitDevice{f: f}
	f.onSend = dev.handle

	c := newTestClient(f)
	c.state = StateSession

	pit := make([]byte, 3584)
	rand.New(rand.NewSource(3)).Read(pit)

	require.NoError(t, c.SendPIT(pit))
	assert.Equal(t, pit, dev.stored)

	got, err := c.ReceivePIT()
	require.NoError(t, err)

	assert.Len(t, got, 4096, "device pads the PIT to 4 KiB")
	assert.Equal(t, pit, got[:len(pit)])
	assert.Equal(t, 4096/proto.ReceivePartSize, dev.downloadRequests,
		"an exact multiple of the part size takes exactly size/partSize requests")
	assert.Equal(t, StateSession, c.State())
}

// uploadDevice models the device side of a file upload.
type uploadDevice struct {
	f *fakePort

	sequences []int      // sequence lengths announced by the host
	ends      [][]uint32 // end-of-sequence frames, 9 leading words each

	partInSequence int
	totalParts     int

	// mismatchAt echoes the wrong index for this absolute part number.
	mismatchAt int
	mismatched bool

	// dropAckAt loses the acknowledgement for these absolute part
	// numbers once, as if the response never arrived.
	dropAckAt map[int]bool

	partsAfterMismatch int
}

func newUploadDevice(f *fakePort) *uploadDevice {
	return &uploadDevice{f: f, mismatchAt: -1, dropAckAt: map[int]bool{}}
}

func (d *uploadDevice) handle(frame []byte) {
	if len(frame) == proto.FilePartSize {
		if d.mismatched {
			d.partsAfterMismatch++
			return
		}
		if d.dropAckAt[d.totalParts] {
			delete(d.dropAckAt, d.totalParts)
			d.f.recvFailures = 1
			return
		}
		if d.totalParts == d.mismatchAt {
			d.mismatched = true
			d.f.reply(0x66, uint32(d.partInSequence-1))
			return
		}
		d.f.reply(0x66, uint32(d.partInSequence))
		d.partInSequence++
		d.totalParts++
		return
	}

	if len(frame) != proto.ControlFrameSize {
		return
	}
	w := leWords(frame, 9)
	if w[0] != 0x66 {
		return
	}
	switch w[1] {
	case proto.FileRequestFlash:
		d.f.reply(0x66, 0)
	case 0x02: // sequence declaration
		d.sequences = append(d.sequences, int(w[3]/2))
		d.partInSequence = 0
		d.f.reply(0x66, 0)
	case proto.FileRequestEnd:
		d.ends = append(d.ends, append([]uint32(nil), w...))
		d.f.reply(0x66, 0)
	}
}

// zeroReader serves an endless stream of zero bytes.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func TestSendFileZeroBytes(t *testing.T) {
	f := &fakePort{}
	dev := newUploadDevice(f)
	f.onSend = dev.handle

	c := newTestClient(f)
	c.state = StateSession

	require.NoError(t, c.SendFile(zeroReader{}, 0, DestinationPhone, 1))

	assert.Zero(t, dev.totalParts, "a zero-byte file sends no parts")
	assert.Empty(t, dev.sequences)
	assert.Empty(t, dev.ends)
}

func TestSendFileSingleSequencePartial(t *testing.T) {
	f := &fakePort{}
	dev := newUploadDevice(f)
	f.onSend = dev.handle

	c := newTestClient(f)
	c.state = StateSession

	// Two full parts plus a partial third.
	size := int64(2*proto.FilePartSize + 37856)
	require.NoError(t, c.SendFile(zeroReader{}, size, DestinationPhone, 11))

	assert.Equal(t, []int{3}, dev.sequences)
	assert.Equal(t, 3, dev.totalParts)

	require.Len(t, dev.ends, 1)
	end := dev.ends[0]
	assert.Equal(t, proto.DestinationPhone, end[2])
	assert.Equal(t, uint32(37856), end[3], "partial length")
	assert.Equal(t, uint32(2*2), end[4], "last full packet index")
	assert.Equal(t, uint32(11), end[7], "file identifier")
	assert.Equal(t, uint32(1), end[8], "end of file")
}

func TestSendFileMultiSequence(t *testing.T) {
	f := &fakePort{}
	dev := newUploadDevice(f)
	f.onSend = dev.handle

	c := newTestClient(f)
	c.state = StateSession

	// 1000 full parts (125 MiB): exactly two sequences, 800 then 200 parts,
	// no partial.
	size := int64(1000 * proto.FilePartSize)
	require.NoError(t, c.SendFile(zeroReader{}, size, DestinationPhone, 7))

	assert.Equal(t, []int{800, 200}, dev.sequences)
	assert.Equal(t, 1000, dev.totalParts)

	require.Len(t, dev.ends, 2)
	first, last := dev.ends[0], dev.ends[1]

	assert.Equal(t, uint32(0), first[3], "no partial on an intermediate sequence")
	assert.Equal(t, uint32(1600), first[4])
	assert.Equal(t, uint32(0), first[8], "not end of file")

	assert.Equal(t, uint32(0), last[3], "exact multiple has no partial packet")
	assert.Equal(t, uint32(400), last[4])
	assert.Equal(t, uint32(7), last[7])
	assert.Equal(t, uint32(1), last[8], "end of file")
}

func TestSendFilePartIndexMismatch(t *testing.T) {
	f := &fakePort{}
	dev := newUploadDevice(f)
	dev.mismatchAt = 5
	f.onSend = dev.handle

	c := newTestClient(f)
	c.state = StateSession

	size := int64(10 * proto.FilePartSize)
	err := c.SendFile(zeroReader{}, size, DestinationPhone, 1)
	require.Error(t, err)
	assert.Equal(t, ErrCodeProtocol, errorCode(err))

	assert.Zero(t, dev.partsAfterMismatch, "no further parts after an index mismatch")
	assert.Equal(t, StateSession, c.State(), "session survives an abandoned operation")
}

func TestSendFileRetriesLostAcknowledgement(t *testing.T) {
	f := &fakePort{}
	dev := newUploadDevice(f)
	dev.dropAckAt[3] = true
	f.onSend = dev.handle

	c := newTestClient(f)
	c.state = StateSession

	size := int64(6 * proto.FilePartSize)
	require.NoError(t, c.SendFile(zeroReader{}, size, DestinationPhone, 1))
	assert.Equal(t, 6, dev.totalParts)
}

func TestSendFileDestinationValidation(t *testing.T) {
	f := &fakePort{}
	sent := false
	f.onSend = func([]byte) { sent = true }

	c := newTestClient(f)
	c.state = StateSession

	err := c.SendFile(zeroReader{}, 100, DestinationModem, 4)
	require.Error(t, err, "the modem file does not have an identifier")
	assert.Equal(t, ErrCodeUsage, errorCode(err))

	err = c.SendFile(zeroReader{}, 100, DestinationPhone, -1)
	require.Error(t, err, "a phone partition upload needs an identifier")
	assert.Equal(t, ErrCodeUsage, errorCode(err))

	assert.False(t, sent, "caller errors are rejected before any I/O")
}

func TestSendFileModemOmitsIdentifier(t *testing.T) {
	f := &fakePort{}
	dev := newUploadDevice(f)
	f.onSend = dev.handle

	c := newTestClient(f)
	c.state = StateSession

	require.NoError(t, c.SendFile(zeroReader{}, int64(proto.FilePartSize), DestinationModem, -1))

	require.Len(t, dev.ends, 1)
	end := dev.ends[0]
	assert.Equal(t, proto.DestinationModem, end[2])
	assert.Equal(t, uint32(1), end[7], "end-of-file word follows directly, no identifier")
}

// flushCountingWriter verifies the dump pattern and counts flushes.
type flushCountingWriter struct {
	t      *testing.T
	writes int
	total  int64
	block  int
}

func (w *flushCountingWriter) Write(p []byte) (int, error) {
	n := len(p)
	w.writes++
	w.total += int64(n)
	for len(p) > 0 {
		chunk := p[:proto.ReceivePartSize]
		for _, b := range chunk {
			if b != byte(w.block) {
				w.t.Fatalf("block %d corrupted: byte %#x", w.block, b)
			}
		}
		w.block++
		p = p[proto.ReceivePartSize:]
	}
	return n, nil
}

func TestReceiveDumpStreamsAndFlushes(t *testing.T) {
	f := &fakePort{}

	const dumpSize = 64 * 1024 * 1024
	f.onSend = func(frame []byte) {
		if len(frame) != proto.ControlFrameSize {
			return
		}
		w := leWords(frame, 3)
		if w[0] != 0x66 {
			return
		}
		switch w[1] {
		case 0x01: // begin dump
			f.reply(0x66, dumpSize)
		case 0x02: // dump part
			f.replyRaw(bytes.Repeat([]byte{byte(w[2])}, proto.ReceivePartSize))
		case proto.FileRequestEnd:
			f.reply(0x66, 0)
		}
	}

	c := newTestClient(f)
	c.state = StateSession

	out := &flushCountingWriter{t: t}
	require.NoError(t, c.ReceiveDump(1, 0, out))

	parts := dumpSize / proto.ReceivePartSize
	wantFlushes := (parts + dumpStagingParts - 1) / dumpStagingParts
	assert.Equal(t, wantFlushes, out.writes)
	assert.Equal(t, int64(dumpSize), out.total)
}
