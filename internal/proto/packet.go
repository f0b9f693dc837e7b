// Package proto encodes and decodes the fixed-size frames of the Odin
// download protocol. Every outbound frame starts with a little-endian
// 32-bit command word followed by little-endian 32-bit fields, zero padded
// to the frame size; inbound frames mirror that with a leading response
// word.
package proto

import (
	"encoding/binary"
	"fmt"
)

// Frame sizes on the wire.
const (
	// ControlFrameSize is the size of every outbound control frame.
	ControlFrameSize = 1024

	// FilePartSize is the payload carried by one upload file part.
	FilePartSize = 131072

	// ReceivePartSize is the declared size of an inbound file-part frame.
	// The device sends what it has, so these are variable length.
	ReceivePartSize = 1024

	// MaxSequenceLength is the most file parts one flash sequence may
	// carry.
	MaxSequenceLength = 800

	basicResponseSize = 8
)

// Command families. Each outbound control frame leads with one of these.
const (
	cmdSession      uint32 = 0x64
	cmdPitFile      uint32 = 0x65
	cmdFileTransfer uint32 = 0x66
	cmdEndSession   uint32 = 0x67
)

// SetupSession requests.
const (
	SessionBeginSession uint32 = 0x00
	SessionDeviceInfo   uint32 = 0x01
)

// EndSession requests.
const (
	RequestEndSession   uint32 = 0x00
	RequestRebootDevice uint32 = 0x01
)

// PitFile requests.
const (
	PitRequestFlash       uint32 = 0x00
	PitRequestDump        uint32 = 0x01
	pitRequestPart        uint32 = 0x02
	PitRequestEndTransfer uint32 = 0x03
)

// FileTransfer requests.
const (
	FileRequestFlash uint32 = 0x00
	fileRequestDump  uint32 = 0x01
	fileRequestPart  uint32 = 0x02
	FileRequestEnd   uint32 = 0x03
)

// File transfer destinations in the end-transfer frame.
const (
	DestinationPhone uint32 = 0x00
	DestinationModem uint32 = 0x01
)

// Outbound is a typed outbound packet: a name for logging, the declared
// frame size, the command word plus fields, and an optional raw payload for
// file parts.
type Outbound struct {
	name    string
	size    int
	words   []uint32
	payload []byte
}

func (o *Outbound) Name() string { return o.name }
func (o *Outbound) Size() int    { return o.size }

// Encode lays the packet out as a zero-padded frame of its declared size.
func (o *Outbound) Encode() []byte {
	frame := make([]byte, o.size)
	for i, w := range o.words {
		binary.LittleEndian.PutUint32(frame[4*i:], w)
	}
	copy(frame[4*len(o.words):], o.payload)
	return frame
}

func control(name string, words ...uint32) *Outbound {
	return &Outbound{name: name, size: ControlFrameSize, words: words}
}

// SetupSession opens the session or queries device info.
func SetupSession(request uint32) *Outbound {
	return control("setup session", cmdSession, request)
}

// EndSession closes the session or asks for a reboot.
func EndSession(request uint32) *Outbound {
	return control("end session", cmdEndSession, request)
}

// PitFile brackets PIT operations: start a flash, start a dump, or end the
// transfer.
func PitFile(request uint32) *Outbound {
	return control("PIT file", cmdPitFile, request)
}

// FlashPartPitFile declares the size of the PIT about to be uploaded.
func FlashPartPitFile(fileSize uint32) *Outbound {
	return control("flash part PIT file", cmdPitFile, pitRequestPart, fileSize)
}

// DumpPartPitFile requests one chunk of the PIT being downloaded.
func DumpPartPitFile(index uint32) *Outbound {
	return control("dump part PIT file", cmdPitFile, pitRequestPart, index)
}

// EndPitFileTransfer commits the uploaded PIT.
func EndPitFileTransfer(fileSize uint32) *Outbound {
	return control("end PIT file transfer", cmdPitFile, PitRequestEndTransfer, fileSize)
}

// FileTransfer brackets a raw file transfer.
func FileTransfer(request uint32) *Outbound {
	return control("file transfer", cmdFileTransfer, request)
}

// FlashPartFileTransfer declares the next upload sequence.
func FlashPartFileTransfer(sequenceLength uint32) *Outbound {
	return control("flash part file transfer", cmdFileTransfer, fileRequestPart, 0, 2*sequenceLength)
}

// SendFilePart carries one chunk of file data, zero padded to the frame
// size. The PIT upload sends the whole file as a single part sized to the
// file; regular uploads send fixed FilePartSize frames.
func SendFilePart(data []byte, frameSize int) *Outbound {
	if frameSize < len(data) {
		frameSize = len(data)
	}
	return &Outbound{name: "send file part", size: frameSize, payload: data}
}

// EndPhoneFileTransfer commits a sequence destined for a phone partition.
func EndPhoneFileTransfer(partialLength, lastFullIndex, unknown3, unknown4, fileIdentifier uint32, lastSequence bool) *Outbound {
	return control("end phone file transfer", cmdFileTransfer, FileRequestEnd, DestinationPhone,
		partialLength, lastFullIndex, unknown3, unknown4, fileIdentifier, boolWord(lastSequence))
}

// EndModemFileTransfer commits a sequence destined for the modem. The modem
// image has no file identifier.
func EndModemFileTransfer(partialLength, lastFullIndex, unknown3, unknown4 uint32, lastSequence bool) *Outbound {
	return control("end modem file transfer", cmdFileTransfer, FileRequestEnd, DestinationModem,
		partialLength, lastFullIndex, unknown3, unknown4, boolWord(lastSequence))
}

// BeginDump starts a raw dump of the given chip.
func BeginDump(chipType, chipID uint32) *Outbound {
	return control("begin dump", cmdFileTransfer, fileRequestDump, chipType, chipID)
}

// DumpPartFileTransfer requests one chunk of the dump.
func DumpPartFileTransfer(index uint32) *Outbound {
	return control("dump part file transfer", cmdFileTransfer, fileRequestPart, index)
}

func boolWord(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// Inbound is a typed inbound packet: the buffer a response is received
// into, the response word it must lead with (0 skips the check, used by the
// raw file-part frames), and whether short frames are acceptable.
type Inbound struct {
	name     string
	expected uint32
	size     int
	variable bool
	data     []byte
	received int
}

func inbound(name string, expected uint32, size int, variable bool) *Inbound {
	return &Inbound{
		name:     name,
		expected: expected,
		size:     size,
		variable: variable,
		data:     make([]byte, size),
	}
}

// SetupSessionResponse acknowledges SetupSession; its value is the opaque
// session field or the device type.
func SetupSessionResponse() *Inbound {
	return inbound("setup session response", cmdSession, basicResponseSize, false)
}

// EndSessionResponse acknowledges EndSession requests.
func EndSessionResponse() *Inbound {
	return inbound("end session response", cmdEndSession, basicResponseSize, false)
}

// PitFileResponse acknowledges PIT operations; on a dump request its value
// carries the PIT size.
func PitFileResponse() *Inbound {
	return inbound("PIT file response", cmdPitFile, basicResponseSize, false)
}

// FileTransferResponse acknowledges file transfer brackets and sequence
// commits.
func FileTransferResponse() *Inbound {
	return inbound("file transfer response", cmdFileTransfer, basicResponseSize, false)
}

// SendFilePartResponse acknowledges one uploaded part; its value echoes the
// part index.
func SendFilePartResponse() *Inbound {
	return inbound("send file part response", cmdFileTransfer, basicResponseSize, false)
}

// DumpResponse acknowledges BeginDump; its value is the dump size.
func DumpResponse() *Inbound {
	return inbound("dump response", cmdFileTransfer, basicResponseSize, false)
}

// ReceiveFilePart is one raw chunk of a PIT download or dump. The device
// sends whatever it has, so the frame is variable length and carries no
// response word.
func ReceiveFilePart() *Inbound {
	return inbound("receive file part", 0, ReceivePartSize, true)
}

func (i *Inbound) Name() string { return i.name }
func (i *Inbound) Size() int    { return i.size }

// Variable reports whether a short frame is acceptable for this packet.
func (i *Inbound) Variable() bool { return i.variable }

// Buffer returns the frame buffer a receive fills.
func (i *Inbound) Buffer() []byte { return i.data }

// SetReceived records how many bytes the receive actually delivered.
func (i *Inbound) SetReceived(n int) { i.received = n }

// Received returns the recorded receive count.
func (i *Inbound) Received() int { return i.received }

// Payload returns the bytes actually received.
func (i *Inbound) Payload() []byte { return i.data[:i.received] }

// Decode validates the frame against the expected response word. A
// mismatch is a protocol violation fatal to the current operation.
func (i *Inbound) Decode() error {
	if i.expected == 0 {
		return nil
	}
	if i.received < basicResponseSize {
		return fmt.Errorf("%s: frame too short: %d bytes", i.name, i.received)
	}
	code := binary.LittleEndian.Uint32(i.data)
	if code != i.expected {
		return fmt.Errorf("%s: unexpected response type %#x, expected %#x", i.name, code, i.expected)
	}
	return nil
}

// Value returns the second word of a basic response: the opaque session
// field, device type, PIT size, part index or dump size depending on the
// packet.
func (i *Inbound) Value() uint32 {
	return binary.LittleEndian.Uint32(i.data[4:])
}
