package codec

import (
	"bytes"
	"testing"

	"github.com/plgd-dev/go-coap/v2/message"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	opts, err := SetPath(nil, "device/42")
	if err != nil {
		t.Fatalf("set path: %s", err)
	}
	opts, err = SetContentFormat(opts, MediaAppJSON)
	if err != nil {
		t.Fatalf("set content format: %s", err)
	}
	opts, err = SetObserve(opts, 7)
	if err != nil {
		t.Fatalf("set observe: %s", err)
	}

	want := Packet{
		Type:      Confirmable,
		Code:      GET,
		MessageID: 0xbeef,
		Token:     message.Token{0x01, 0x02, 0x03, 0x04},
		Options:   opts,
		Payload:   []byte(`{"temp":21.5}`),
	}

	raw, err := want.Encode()
	if err != nil {
		t.Fatalf("encode: %s", err)
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %s", err)
	}

	if got.Type != want.Type || got.Code != want.Code || got.MessageID != want.MessageID {
		t.Fatalf("round-trip header mismatch: got %+v, want %+v", got, want)
	}
	if !bytes.Equal(got.Token, want.Token) {
		t.Fatalf("round-trip token mismatch: got %x, want %x", got.Token, want.Token)
	}
	if !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("round-trip payload mismatch: got %q, want %q", got.Payload, want.Payload)
	}

	path, err := got.Path()
	if err != nil || path != "/device/42" {
		t.Fatalf("round-trip path = %q, %v, want /device/42", path, err)
	}
	cf, err := got.ContentFormat()
	if err != nil || cf != MediaAppJSON {
		t.Fatalf("round-trip content format = %v, %v, want MediaAppJSON", cf, err)
	}
	seq, ok := got.Observe()
	if !ok || seq != 7 {
		t.Fatalf("round-trip observe = %d, %v, want 7", seq, ok)
	}
}

func TestDecodeMalformedDatagram(t *testing.T) {
	if _, err := Decode([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Fatalf("decode malformed datagram: want error, not a silently-defaulted Packet")
	}
}

func TestPacketWithoutObserveOption(t *testing.T) {
	p := Packet{Type: NonConfirmable, Code: CodeContent}
	if _, ok := p.Observe(); ok {
		t.Fatalf("Observe() on a packet with no Observe option reported present")
	}
}

