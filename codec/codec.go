// Package codec adapts the CoAP wire format (RFC 7252) to the rest of
// coapum. It is a thin wrapper over plgd-dev/go-coap/v2's message
// types: coapum owns session state, retransmission and routing itself,
// and only ever asks this package to turn bytes into a Packet and back.
package codec

import (
	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	udpmessage "github.com/plgd-dev/go-coap/v2/udp/message"
)

// Type is a CoAP message type: Confirmable, NonConfirmable, Acknowledgement or Reset.
type Type = udpmessage.Type

const (
	Confirmable     = udpmessage.Confirmable
	NonConfirmable  = udpmessage.NonConfirmable
	Acknowledgement = udpmessage.Acknowledgement
	Reset           = udpmessage.Reset
)

// Media types the core recognizes by name; anything else passes through
// to handlers as opaque bytes.
const (
	MediaTextPlain = message.TextPlain
	MediaAppJSON   = message.AppJSON
	MediaAppCBOR   = message.AppCBOR
	MediaAppOctets = message.AppOctets
)

// Code is a CoAP method or response code.
type Code = codes.Code

// MediaType is a CoAP Content-Format identifier.
type MediaType = message.MediaType

// Response codes the core assigns on behalf of extraction/routing failures (spec §7).
const (
	CodeContent              = codes.Content
	CodeCreated              = codes.Created
	CodeDeleted              = codes.Deleted
	CodeChanged              = codes.Changed
	CodeValid                = codes.Valid
	CodeBadRequest            = codes.BadRequest
	CodeNotFound              = codes.NotFound
	CodeMethodNotAllowed      = codes.MethodNotAllowed
	CodeUnsupportedMediaType  = codes.UnsupportedMediaType
	CodeRequestEntityTooLarge = codes.RequestEntityTooLarge
	CodeInternalServerError   = codes.InternalServerError
	CodeServiceUnavailable    = codes.ServiceUnavailable
)

// Method codes the router dispatches on.
const (
	GET    = codes.GET
	POST   = codes.POST
	PUT    = codes.PUT
	DELETE = codes.DELETE
)

// Packet is the structured form of a single CoAP datagram (DATA MODEL §3).
type Packet struct {
	Type      Type
	Code      codes.Code
	MessageID uint16
	Token     message.Token
	Options   message.Options
	Payload   []byte
}

// Decode parses a raw UDP datagram (already stripped of any DTLS record
// framing) into a Packet. A malformed datagram is a protocol-decode
// failure (spec §7 kind 1): callers must drop it silently, never surface it.
func Decode(data []byte) (Packet, error) {
	var m udpmessage.Message
	_, err := m.Unmarshal(data)
	if err != nil {
		return Packet{}, err
	}
	return Packet{
		Type:      m.Type,
		Code:      m.Code,
		MessageID: m.MessageID,
		Token:     m.Token,
		Options:   m.Options,
		Payload:   m.Payload,
	}, nil
}

// Encode serializes a Packet back to wire bytes, growing the buffer on
// ErrTooSmall the way go-coap's own Options setters do.
func (p Packet) Encode() ([]byte, error) {
	m := udpmessage.Message{
		Type:      p.Type,
		Code:      p.Code,
		MessageID: p.MessageID,
		Token:     p.Token,
		Options:   p.Options,
		Payload:   p.Payload,
	}
	size, err := m.Size()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	n, err := m.MarshalTo(buf)
	if err == message.ErrTooSmall {
		buf = append(buf, make([]byte, n-len(buf))...)
		n, err = m.MarshalTo(buf)
	}
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Path returns the Uri-Path segments, each prefixed with '/', e.g. "/device/42".
func (p Packet) Path() (string, error) {
	return p.Options.Path()
}

// ContentFormat returns the Content-Format option, if present.
func (p Packet) ContentFormat() (message.MediaType, error) {
	return p.Options.ContentFormat()
}

// Observe returns the Observe option value and whether it was present.
func (p Packet) Observe() (uint32, bool) {
	v, err := p.Options.Observe()
	if err != nil {
		return 0, false
	}
	return v, true
}

// setOption applies set to opts, growing the options buffer the
// way go-coap's Options.Set* family does.
func setOption(opts message.Options, buf []byte, set func(message.Options, []byte) (message.Options, int, error)) (message.Options, error) {
	newOpts, n, err := set(opts, buf)
	if err == message.ErrTooSmall {
		buf = append(buf, make([]byte, n-len(buf))...)
		newOpts, _, err = set(opts, buf)
	}
	if err != nil {
		return opts, err
	}
	return newOpts, nil
}

// SetContentFormat returns Options with Content-Format set to format.
func SetContentFormat(opts message.Options, format message.MediaType) (message.Options, error) {
	buf := make([]byte, 4)
	return setOption(opts, buf, func(o message.Options, b []byte) (message.Options, int, error) {
		return o.SetContentFormat(b, format)
	})
}

// SetObserve returns Options with the Observe option set to seq.
func SetObserve(opts message.Options, seq uint32) (message.Options, error) {
	buf := make([]byte, 4)
	return setOption(opts, buf, func(o message.Options, b []byte) (message.Options, int, error) {
		return o.SetObserve(b, seq)
	})
}

// SetPath returns Options with Uri-Path segments set from path.
func SetPath(opts message.Options, path string) (message.Options, error) {
	buf := make([]byte, 64)
	return setOption(opts, buf, func(o message.Options, b []byte) (message.Options, int, error) {
		return o.SetPath(b, path)
	})
}
