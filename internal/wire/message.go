// Package wire implements the versioned datagram envelope carried inside
// link-layer info fields: a readable ASCII magic followed by a TLV
// stream, with capability negotiation records, a guarded compression
// block and a selective-acknowledgment bitmap.
package wire

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

// Magic is the 4-byte ASCII marker opening every datagram. It is chosen
// to be readable so that non-aware stations display mostly plain text.
const Magic = "AXDG"

// TLV record type ranges. Everything outside the core range decodes as
// an unknown record: preserved verbatim, skipped, never a failure.
const (
	fieldMessageType = 0x01
	fieldSessionID   = 0x02
	fieldMessageID   = 0x03
	fieldChunkIndex  = 0x04
	fieldTotalChunks = 0x05
	fieldPayload     = 0x06
	fieldChecksum    = 0x07
	fieldSACK        = 0x08

	fieldCapability  = 0x10 // capability sub-block (0x10-0x1F reserved)
	fieldCompression = 0x20 // compression block (0x20-0x2F reserved)

	// 0x30-0x7F extension range, 0x80-0xFF experimental/private range.
)

// MessageType identifies the datagram semantics. An unrecognized type
// fails the whole decode: unknown semantics cannot be assumed safe.
type MessageType uint8

const (
	MessageData        MessageType = 1
	MessageAck         MessageType = 2
	MessageCapRequest  MessageType = 3
	MessageCapResponse MessageType = 4
	MessageComplete    MessageType = 5
	MessagePing        MessageType = 6
	MessagePong        MessageType = 7
)

func (t MessageType) known() bool {
	return t >= MessageData && t <= MessagePong
}

func (t MessageType) String() string {
	switch t {
	case MessageData:
		return "DATA"
	case MessageAck:
		return "ACK"
	case MessageCapRequest:
		return "CAP-REQ"
	case MessageCapResponse:
		return "CAP-RESP"
	case MessageComplete:
		return "COMPLETE"
	case MessagePing:
		return "PING"
	case MessagePong:
		return "PONG"
	}
	return "UNKNOWN"
}

// Decode failure sentinels.
var (
	ErrBadMagic    = errors.New("wire: buffer does not start with datagram magic")
	ErrNoType      = errors.New("wire: message type field missing")
	ErrUnknownType = errors.New("wire: unrecognized message type")

	// ErrIncomplete reports that a record's declared length exceeded the
	// remaining buffer. The partially decoded message is still returned;
	// the caller should retry once more bytes arrive.
	ErrIncomplete = errors.New("wire: truncated record, awaiting more bytes")
)

// RawRecord is a TLV record outside the core range, captured verbatim.
type RawRecord struct {
	Type  uint8
	Value []byte
}

// Message is one decoded datagram. Only Type is mandatory; every other
// field defaults to its zero value when absent on the wire, which keeps
// minimal older-version payloads readable.
type Message struct {
	Type        MessageType
	SessionID   uint32
	MessageID   uint32
	ChunkIndex  uint32
	TotalChunks uint32
	Payload     []byte
	Checksum    uint32
	SACK        *SACKBitmap
	Capability  *Capability
	Compression *CompressionRecord

	// Unknown holds every record outside the core range, preserved in
	// arrival order and re-emitted verbatim by Encode.
	Unknown []RawRecord
}

// Checksum32 is the datagram integrity check: CRC-32 (IEEE polynomial,
// initial all-ones, final inversion). The empty input yields zero.
func Checksum32(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// Encode serializes the message as magic plus TLV records.
func (m *Message) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(Magic)

	putRecord(&buf, fieldMessageType, []byte{byte(m.Type)})
	if m.SessionID != 0 {
		putRecord(&buf, fieldSessionID, be32(m.SessionID))
	}
	if m.MessageID != 0 {
		putRecord(&buf, fieldMessageID, be32(m.MessageID))
	}
	if m.ChunkIndex != 0 {
		putRecord(&buf, fieldChunkIndex, be32(m.ChunkIndex))
	}
	if m.TotalChunks != 0 {
		putRecord(&buf, fieldTotalChunks, be32(m.TotalChunks))
	}
	if m.Payload != nil {
		putRecord(&buf, fieldPayload, m.Payload)
	}
	if m.Checksum != 0 {
		putRecord(&buf, fieldChecksum, be32(m.Checksum))
	}
	if m.SACK != nil {
		putRecord(&buf, fieldSACK, m.SACK.encode())
	}
	if m.Capability != nil {
		putRecord(&buf, fieldCapability, m.Capability.encode())
	}
	if m.Compression != nil {
		putRecord(&buf, fieldCompression, m.Compression.encode())
	}
	for _, r := range m.Unknown {
		putRecord(&buf, r.Type, r.Value)
	}
	return buf.Bytes()
}

func putRecord(buf *bytes.Buffer, typ uint8, value []byte) {
	var hdr [3]byte
	hdr[0] = typ
	binary.BigEndian.PutUint16(hdr[1:], uint16(len(value)))
	buf.Write(hdr[:])
	buf.Write(value)
}

func be32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

// Decode parses one message from the front of buf.
//
// It returns the decoded message, the number of bytes belonging to it,
// and an error. Decoding stops cleanly at the buffer end or at the magic
// of a following concatenated message, so repeated decode-then-advance
// drains a buffer one message at a time. A record whose declared length
// exceeds the remaining buffer stops the parse: everything decoded so
// far is returned with ErrIncomplete and consumed counts only the bytes
// before the truncated record, never the whole buffer.
func Decode(buf []byte) (*Message, int, error) {
	if len(buf) < len(Magic) || string(buf[:len(Magic)]) != Magic {
		return nil, 0, ErrBadMagic
	}

	m := &Message{}
	hasType := false
	incomplete := false
	off := len(Magic)

	for off < len(buf) {
		rest := buf[off:]

		// A following message begins here.
		if len(rest) >= len(Magic) && string(rest[:len(Magic)]) == Magic {
			break
		}

		if len(rest) < 3 {
			incomplete = true
			break
		}
		typ := rest[0]
		length := int(binary.BigEndian.Uint16(rest[1:3]))
		if 3+length > len(rest) {
			incomplete = true
			break
		}
		value := rest[3 : 3+length]

		if m.apply(typ, value) && typ == fieldMessageType {
			hasType = true
		}
		off += 3 + length
	}

	if incomplete && !hasType {
		// The type record itself may still be in flight on a growing
		// stream; only a cleanly terminated parse lacks a type for good.
		return nil, off, ErrIncomplete
	}
	if !hasType {
		return nil, 0, ErrNoType
	}
	if !m.Type.known() {
		return nil, 0, errors.Wrapf(ErrUnknownType, "type=%d", m.Type)
	}
	if incomplete {
		return m, off, ErrIncomplete
	}
	return m, off, nil
}

// apply interprets one record. Core records with an unexpected length
// and every record outside the core ranges are preserved as unknown.
// The return value reports whether the record was consumed as a known
// field.
func (m *Message) apply(typ uint8, value []byte) bool {
	switch typ {
	case fieldMessageType:
		if len(value) == 1 {
			m.Type = MessageType(value[0])
			return true
		}
	case fieldSessionID:
		if len(value) == 4 {
			m.SessionID = binary.BigEndian.Uint32(value)
			return true
		}
	case fieldMessageID:
		if len(value) == 4 {
			m.MessageID = binary.BigEndian.Uint32(value)
			return true
		}
	case fieldChunkIndex:
		if len(value) == 4 {
			m.ChunkIndex = binary.BigEndian.Uint32(value)
			return true
		}
	case fieldTotalChunks:
		if len(value) == 4 {
			m.TotalChunks = binary.BigEndian.Uint32(value)
			return true
		}
	case fieldPayload:
		m.Payload = append([]byte(nil), value...)
		return true
	case fieldChecksum:
		if len(value) == 4 {
			m.Checksum = binary.BigEndian.Uint32(value)
			return true
		}
	case fieldSACK:
		if s, ok := decodeSACK(value); ok {
			m.SACK = s
			return true
		}
	case fieldCapability:
		c := decodeCapability(value)
		m.Capability = &c
		return true
	case fieldCompression:
		if r, ok := decodeCompression(value); ok {
			m.Compression = r
			return true
		}
	}

	m.Unknown = append(m.Unknown, RawRecord{
		Type:  typ,
		Value: append([]byte(nil), value...),
	})
	return false
}

// Body returns the message's application bytes: the plain payload, or
// the decompressed and checksum-verified compression block. negotiated
// is the peer-negotiated maximum decompressed length, zero when never
// negotiated.
func (m *Message) Body(negotiated uint32) ([]byte, error) {
	if m.Compression == nil {
		if m.Checksum != 0 && Checksum32(m.Payload) != m.Checksum {
			return nil, errors.Errorf("wire: payload checksum mismatch: got 0x%08X, want 0x%08X",
				Checksum32(m.Payload), m.Checksum)
		}
		return m.Payload, nil
	}

	out, err := m.Compression.decompress(negotiated)
	if err != nil {
		return nil, err
	}
	if m.Checksum != 0 && Checksum32(out) != m.Checksum {
		return nil, errors.Errorf("wire: decompressed checksum mismatch: got 0x%08X, want 0x%08X",
			Checksum32(out), m.Checksum)
	}
	return out, nil
}
