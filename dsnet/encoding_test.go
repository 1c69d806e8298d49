package dsnet

import (
	"bytes"
	"errors"
	"testing"
)

func TestFramingRoundTrip(t *testing.T) {
	maxPayload := bytes.Repeat([]byte{0x5a}, MaxPayloadLen)
	for typ := Started; typ <= Release; typ++ {
		for _, payload := range [][]byte{nil, []byte("x"), maxPayload} {
			in := Message{Type: typ, Timestamp: 0xfeedbeef, Payload: payload}
			frame, err := Encode(in)
			if err != nil {
				t.Fatalf("Encode(%v, %d bytes): %v", typ, len(payload), err)
			}
			if len(frame) != HeaderSize+len(payload) {
				t.Fatalf("frame is %d bytes, want %d", len(frame), HeaderSize+len(payload))
			}
			out, err := Decode(frame)
			if err != nil {
				t.Fatalf("Decode(%v, %d bytes): %v", typ, len(payload), err)
			}
			if out.Type != in.Type || out.Timestamp != in.Timestamp || !bytes.Equal(out.Payload, in.Payload) {
				t.Fatalf("round trip of %v with %d bytes: got %v/%d/%d bytes",
					typ, len(payload), out.Type, out.Timestamp, len(out.Payload))
			}
		}
	}
}

func TestEncodeRejects(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want error
	}{
		{"oversized payload", Message{Type: Done, Payload: make([]byte, MaxPayloadLen+1)}, ErrPayloadTooLarge},
		{"unknown type", Message{Type: Release + 1}, ErrFraming},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Encode(tt.msg); !errors.Is(err, tt.want) {
				t.Fatalf("Encode error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	good, err := Encode(Message{Type: Transfer, Timestamp: 3, Payload: []byte("abc")})
	if err != nil {
		t.Fatal(err)
	}
	corrupt := func(f func(b []byte) []byte) []byte {
		return f(append([]byte(nil), good...))
	}

	tests := []struct {
		name  string
		frame []byte
	}{
		{"short header", good[:HeaderSize-1]},
		{"bad magic", corrupt(func(b []byte) []byte { b[0] = 0; return b })},
		{"unknown type", corrupt(func(b []byte) []byte { b[3] = 42; return b })},
		{"length over bound", corrupt(func(b []byte) []byte { b[8], b[9] = 0xff, 0xff; return b })},
		{"truncated payload", good[:len(good)-1]},
		{"trailing bytes", append(append([]byte(nil), good...), 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.frame); !errors.Is(err, ErrFraming) {
				t.Fatalf("Decode error = %v, want ErrFraming", err)
			}
		})
	}
}

func TestMessageTypeString(t *testing.T) {
	if got := BalanceHistory.String(); got != "BALANCE_HISTORY" {
		t.Errorf("BalanceHistory.String() = %q", got)
	}
	if got := MessageType(99).String(); got != "MessageType(99)" {
		t.Errorf("MessageType(99).String() = %q", got)
	}
}
