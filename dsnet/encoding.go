package dsnet

import (
	"encoding/binary"
	"fmt"

	"github.com/distcodep7/lamportmesh/lamport"
)

// MessageType tags the kind of a message on the wire.
type MessageType uint16

const (
	Started MessageType = iota
	Done
	Ack
	Stop
	Transfer
	BalanceHistory
	Request
	Reply
	Release
)

var typeNames = [...]string{
	Started:        "STARTED",
	Done:           "DONE",
	Ack:            "ACK",
	Stop:           "STOP",
	Transfer:       "TRANSFER",
	BalanceHistory: "BALANCE_HISTORY",
	Request:        "REQUEST",
	Reply:          "REPLY",
	Release:        "RELEASE",
}

func (t MessageType) String() string {
	if t.Valid() {
		return typeNames[t]
	}
	return fmt.Sprintf("MessageType(%d)", uint16(t))
}

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool { return int(t) < len(typeNames) }

const (
	Magic = 0xAFAF

	// HeaderSize is magic(2) type(2) timestamp(4) payload length(2).
	HeaderSize = 10

	// MaxMessageLen keeps every frame within one atomic pipe write.
	MaxMessageLen = 4096
	MaxPayloadLen = MaxMessageLen - HeaderSize
)

// Message is the unit exchanged between processes.
type Message struct {
	Type      MessageType
	Timestamp lamport.Timestamp
	Payload   []byte
}

// Header is the fixed-size prefix of every frame.
type Header struct {
	Magic      uint16
	Type       MessageType
	Timestamp  lamport.Timestamp
	PayloadLen uint16
}

// Encode serializes msg as header followed by exactly len(Payload) bytes.
func Encode(msg Message) ([]byte, error) {
	if !msg.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %d", ErrFraming, msg.Type)
	}
	if len(msg.Payload) > MaxPayloadLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(msg.Payload))
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(msg.Payload))
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	binary.BigEndian.PutUint16(buf[2:4], uint16(msg.Type))
	binary.BigEndian.PutUint32(buf[4:8], uint32(msg.Timestamp))
	binary.BigEndian.PutUint16(buf[8:10], uint16(len(msg.Payload)))
	return append(buf, msg.Payload...), nil
}

// DecodeHeader parses and validates a frame header. The payload length is
// checked against MaxPayloadLen before anything is allocated for it.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: short header (%d of %d bytes)", ErrFraming, len(b), HeaderSize)
	}
	h := Header{
		Magic:      binary.BigEndian.Uint16(b[0:2]),
		Type:       MessageType(binary.BigEndian.Uint16(b[2:4])),
		Timestamp:  lamport.Timestamp(binary.BigEndian.Uint32(b[4:8])),
		PayloadLen: binary.BigEndian.Uint16(b[8:10]),
	}
	switch {
	case h.Magic != Magic:
		return Header{}, fmt.Errorf("%w: bad magic %#04x", ErrFraming, h.Magic)
	case !h.Type.Valid():
		return Header{}, fmt.Errorf("%w: unknown type %d", ErrFraming, h.Type)
	case int(h.PayloadLen) > MaxPayloadLen:
		return Header{}, fmt.Errorf("%w: payload length %d", ErrFraming, h.PayloadLen)
	}
	return h, nil
}

// Decode parses a complete frame. The payload must be exactly as long as the
// header declares.
func Decode(b []byte) (Message, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Message{}, err
	}
	if rest := len(b) - HeaderSize; rest != int(h.PayloadLen) {
		return Message{}, fmt.Errorf("%w: payload is %d bytes, header says %d", ErrFraming, rest, h.PayloadLen)
	}
	msg := Message{Type: h.Type, Timestamp: h.Timestamp}
	if h.PayloadLen > 0 {
		msg.Payload = append([]byte(nil), b[HeaderSize:]...)
	}
	return msg, nil
}
