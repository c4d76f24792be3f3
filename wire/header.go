package wire

import "encoding/binary"

const (
	// HeaderSize is the fixed 16-byte header present on every frame.
	HeaderSize = 16

	// ExtensionSize is the additional byte count of the large-payload
	// extension that immediately follows a fixed header whose payload
	// size slot holds LargeSentinel.
	ExtensionSize = 8

	// LargeSentinel is the 16-bit payload-size value that signals the
	// large-payload extended form. Available only on protocol v4.9+.
	LargeSentinel uint16 = 0xFFFF

	// Alignment is the byte boundary payloads and strings are padded to.
	Alignment = 8
)

// Header is the decoded, version-resolved form of a frame header: the
// PayloadSize and ElementCount fields always carry the true values,
// whether they arrived in the 16-byte fixed form or the 24-byte
// extended form.
type Header struct {
	Command      Command
	PayloadSize  uint32
	DataType     uint16
	ElementCount uint32
	Parameter1   uint32
	Parameter2   uint32
}

// NeedsExtension reports whether encoding this header requires the
// large-payload extension because either field is at or above
// LargeSentinel (0xFFFF is reserved for the sentinel, so a field equal
// to it also takes the extended form).
func (h *Header) NeedsExtension() bool {
	return h.PayloadSize >= uint32(LargeSentinel) || h.ElementCount >= uint32(LargeSentinel)
}

// Encode writes the wire form of h into buf, which must have capacity
// for at least EncodedSize(h) bytes, and returns the number of bytes
// written (HeaderSize, or HeaderSize+ExtensionSize for the large form).
func (h *Header) Encode(buf []byte) int {
	if h.NeedsExtension() {
		binary.BigEndian.PutUint16(buf[0:2], uint16(h.Command))
		binary.BigEndian.PutUint16(buf[2:4], LargeSentinel)
		binary.BigEndian.PutUint16(buf[4:6], h.DataType)
		binary.BigEndian.PutUint16(buf[6:8], LargeSentinel)
		binary.BigEndian.PutUint32(buf[8:12], h.Parameter1)
		binary.BigEndian.PutUint32(buf[12:16], h.Parameter2)
		binary.BigEndian.PutUint32(buf[16:20], h.PayloadSize)
		binary.BigEndian.PutUint32(buf[20:24], h.ElementCount)
		return HeaderSize + ExtensionSize
	}

	binary.BigEndian.PutUint16(buf[0:2], uint16(h.Command))
	binary.BigEndian.PutUint16(buf[2:4], uint16(h.PayloadSize))
	binary.BigEndian.PutUint16(buf[4:6], h.DataType)
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.ElementCount))
	binary.BigEndian.PutUint32(buf[8:12], h.Parameter1)
	binary.BigEndian.PutUint32(buf[12:16], h.Parameter2)
	return HeaderSize
}

// EncodedSize reports how many bytes Encode will write for h.
func (h *Header) EncodedSize() int {
	if h.NeedsExtension() {
		return HeaderSize + ExtensionSize
	}
	return HeaderSize
}

// DecodeFixed parses the 16-byte fixed header. rawPayloadSize and
// rawElementCount are returned unresolved (still LargeSentinel when
// the extended form follows) so the caller can decide whether to read
// the extension.
func DecodeFixed(buf []byte) (h Header, rawPayloadSize uint16, rawElementCount uint16) {
	h.Command = Command(binary.BigEndian.Uint16(buf[0:2]))
	rawPayloadSize = binary.BigEndian.Uint16(buf[2:4])
	h.DataType = binary.BigEndian.Uint16(buf[4:6])
	rawElementCount = binary.BigEndian.Uint16(buf[6:8])
	h.Parameter1 = binary.BigEndian.Uint32(buf[8:12])
	h.Parameter2 = binary.BigEndian.Uint32(buf[12:16])
	h.PayloadSize = uint32(rawPayloadSize)
	h.ElementCount = uint32(rawElementCount)
	return h, rawPayloadSize, rawElementCount
}

// DecodeExtension parses the 8-byte large-payload extension and
// resolves PayloadSize/ElementCount on h in place.
func DecodeExtension(buf []byte, h *Header) {
	h.PayloadSize = binary.BigEndian.Uint32(buf[0:4])
	h.ElementCount = binary.BigEndian.Uint32(buf[4:8])
}

// PadLen returns how many zero bytes must follow n payload bytes to
// reach the next Alignment boundary.
func PadLen(n uint32) uint32 {
	rem := n % Alignment
	if rem == 0 {
		return 0
	}
	return Alignment - rem
}

// PaddedLen rounds n up to the next Alignment boundary.
func PaddedLen(n uint32) uint32 {
	return n + PadLen(n)
}

// EncodeString writes s's bytes, a terminating zero, and zero padding
// out to the next Alignment boundary, returning the total bytes
// written. buf must have capacity for PaddedLen(uint32(len(s))+1).
func EncodeString(buf []byte, s string) int {
	n := copy(buf, s)
	total := int(PaddedLen(uint32(n) + 1))
	for i := n; i < total; i++ {
		buf[i] = 0
	}
	return total
}

// DecodeString reads a zero-terminated, zero-padded string out of buf.
func DecodeString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}
