// Package wire defines the binary message envelope exchanged on the
// control channel between a connected client and the server, and the
// codec that reads and writes it.
//
// The layout is fixed for interoperability with existing peers:
//
//	type       1 byte
//	sourceLen  2 bytes, little-endian
//	targetLen  2 bytes, little-endian
//	contentLen 4 bytes, little-endian
//	timestamp  8 bytes, little-endian
//	source, target, content  raw bytes, concatenated
package wire

import (
	"encoding/binary"
	"fmt"
)

// MessageType identifies the traffic class carried by a Message.
type MessageType uint8

const (
	Control      MessageType = 0
	ScreenData   MessageType = 1
	Input        MessageType = 2
	Audio        MessageType = 3
	Chat         MessageType = 4
	FileTransfer MessageType = 5
	Clipboard    MessageType = 6
	Undefined    MessageType = 255
)

// HeaderSize is the fixed envelope prefix length in bytes.
const HeaderSize = 17

// Message is the structured envelope for control traffic. Screen and
// input streams travel as opaque payloads and never pass through this
// codec; everything session-level (status, registration, chat routing)
// does.
type Message struct {
	Type      MessageType
	Source    string
	Target    string
	Content   []byte
	Timestamp uint64
}

// Encode serialises m into the fixed wire layout. Field widths cap the
// encodable sizes: source and target at 65535 bytes, content at 4 GiB.
func Encode(m Message) []byte {
	buf := make([]byte, 0, HeaderSize+len(m.Source)+len(m.Target)+len(m.Content))

	buf = append(buf, byte(m.Type))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(m.Source)))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(m.Target)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Content)))
	buf = binary.LittleEndian.AppendUint64(buf, m.Timestamp)
	buf = append(buf, m.Source...)
	buf = append(buf, m.Target...)
	buf = append(buf, m.Content...)

	return buf
}

// Decode parses a wire buffer back into a Message. A buffer shorter
// than the header, or one whose declared lengths overrun it, yields a
// *DecodeError rather than a zero-valued message.
func Decode(data []byte) (Message, error) {
	if len(data) < HeaderSize {
		return Message{}, &DecodeError{Kind: TooShort, Size: len(data)}
	}

	sourceLen := int(binary.LittleEndian.Uint16(data[1:3]))
	targetLen := int(binary.LittleEndian.Uint16(data[3:5]))
	contentLen := int(binary.LittleEndian.Uint32(data[5:9]))

	total := HeaderSize + sourceLen + targetLen + contentLen
	if len(data) < total {
		return Message{}, &DecodeError{Kind: Truncated, Size: len(data), Want: total}
	}

	m := Message{
		Type:      MessageType(data[0]),
		Timestamp: binary.LittleEndian.Uint64(data[9:17]),
	}

	off := HeaderSize
	m.Source = string(data[off : off+sourceLen])
	off += sourceLen
	m.Target = string(data[off : off+targetLen])
	off += targetLen
	if contentLen > 0 {
		m.Content = make([]byte, contentLen)
		copy(m.Content, data[off:off+contentLen])
	}

	return m, nil
}

// DecodeErrorKind discriminates decode failures.
type DecodeErrorKind int

const (
	// TooShort means the buffer cannot hold the fixed header.
	TooShort DecodeErrorKind = iota
	// Truncated means the header's declared lengths exceed the buffer.
	Truncated
)

// DecodeError reports a malformed wire buffer.
type DecodeError struct {
	Kind DecodeErrorKind
	Size int
	Want int
}

func (e *DecodeError) Error() string {
	switch e.Kind {
	case TooShort:
		return fmt.Sprintf("wire: buffer too short: %d bytes, header needs %d", e.Size, HeaderSize)
	case Truncated:
		return fmt.Sprintf("wire: truncated message: have %d bytes, declared %d", e.Size, e.Want)
	}
	return "wire: malformed message"
}
