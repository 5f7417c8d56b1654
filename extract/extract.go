// Package extract implements the handler/extractor runtime (spec §4.4):
// it turns a decoded request into a handler's typed arguments and a
// handler's typed return value into a CoAP response.
//
// Handlers are plain Go functions. Each parameter type declares how it
// is extracted from the request by implementing the unexported binder
// interface on a pointer receiver; Go's generics erase to a concrete
// type per instantiation, so the runtime can build and bind each
// argument purely through reflection without the handler registering
// per-argument metadata (spec §9 "dispatch through a vtable keyed at
// registration").
package extract

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"

	cbor "github.com/fxamacker/cbor/v2"
	jsoniter "github.com/json-iterator/go"

	"github.com/jaredwolff/coapum/codec"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// ObserveFlag decodes the CoAP Observe option into a tri-state value (spec §4.4).
type ObserveFlag int

const (
	ObserveNone ObserveFlag = iota
	ObserveRegister
	ObserveDeregister
)

// Identity is the peer_identity bytes from the transport layer (spec §4.1, §4.4).
type Identity []byte

// Bytes is the raw, undecoded request payload (spec §4.4).
type Bytes []byte

// RequestContext is everything an extractor may read from the current request.
type RequestContext struct {
	Context       context.Context
	Identity      []byte
	Params        map[string]string
	Payload       []byte
	ContentFormat codec.MediaType
	HasContentFormat bool
	Observe       ObserveFlag
	State         map[reflect.Type]interface{}
}

// MediaType re-exports the wire media type so callers of this package
// never need to import codec directly for simple handlers.
type MediaType = codec.MediaType

// binder is implemented by every extractor wrapper type on a pointer
// receiver. It is intentionally non-generic so reflection can locate it
// regardless of the wrapper's type parameter.
type binder interface {
	bindFrom(rc *RequestContext) error
}

// describer lets an extractor type participate in build-time validation
// (e.g. Path[T] reporting the capture name it expects).
type describer interface {
	describe() extractorInfo
}

type extractorInfo struct {
	kind      string
	pathName  string
}

// --- Path[T] --------------------------------------------------------

// PathParam is implemented by small marker types used as Path[T]'s type
// parameter, naming the template capture they bind to, e.g.:
//
//	type DeviceID string
//	func (DeviceID) CoapPathName() string { return "id" }
//	func handler(ctx context.Context, id extract.Path[DeviceID]) ...
type PathParam interface {
	CoapPathName() string
}

// Path extracts a single named path capture and parses it into T
// (spec §4.4 Path<T>). Missing template capture is a build-time error
// (checked by coapum's Builder.Build via Endpoint.PathNames); a value present but unparseable is a
// 4.00 Bad Request at request time.
type Path[T PathParam] struct {
	Value T
}

func (p *Path[T]) bindFrom(rc *RequestContext) error {
	var zero T
	name := zero.CoapPathName()
	raw, ok := rc.Params[name]
	if !ok {
		return fmt.Errorf("%w: missing path parameter %q", ErrBadRequest, name)
	}
	v, err := parsePathValue[T](raw)
	if err != nil {
		return fmt.Errorf("%w: path parameter %q: %s", ErrBadRequest, name, err)
	}
	p.Value = v
	return nil
}

func (p *Path[T]) describe() extractorInfo {
	var zero T
	return extractorInfo{kind: "path", pathName: zero.CoapPathName()}
}

func parsePathValue[T PathParam](raw string) (T, error) {
	var out T
	rv := reflect.ValueOf(&out).Elem()
	switch rv.Kind() {
	case reflect.String:
		rv.SetString(raw)
		return out, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return out, err
		}
		rv.SetInt(n)
		return out, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return out, err
		}
		rv.SetUint(n)
		return out, nil
	}
	// UUID-shaped or other textual types: try encoding.TextUnmarshaler.
	if tu, ok := any(&out).(interface{ UnmarshalText([]byte) error }); ok {
		if err := tu.UnmarshalText([]byte(raw)); err != nil {
			return out, err
		}
		return out, nil
	}
	return out, fmt.Errorf("unsupported path parameter type %T", out)
}

// --- Json[T] / Cbor[T] -----------------------------------------------

// Json deserializes the payload as JSON (spec §4.4 Json<T>). Requires
// Content-Format application/json or unset.
type Json[T any] struct {
	Value T
}

func (j *Json[T]) bindFrom(rc *RequestContext) error {
	if rc.HasContentFormat && rc.ContentFormat != codec.MediaAppJSON {
		return fmt.Errorf("%w: expected application/json", ErrUnsupportedContentFormat)
	}
	if err := jsonAPI.Unmarshal(rc.Payload, &j.Value); err != nil {
		return fmt.Errorf("%w: %s", ErrBadRequest, err)
	}
	return nil
}

// Cbor deserializes the payload as CBOR (spec §4.4 Cbor<T>). Requires
// Content-Format application/cbor or unset.
type Cbor[T any] struct {
	Value T
}

func (c *Cbor[T]) bindFrom(rc *RequestContext) error {
	if rc.HasContentFormat && rc.ContentFormat != codec.MediaAppCBOR {
		return fmt.Errorf("%w: expected application/cbor", ErrUnsupportedContentFormat)
	}
	if err := cbor.Unmarshal(rc.Payload, &c.Value); err != nil {
		return fmt.Errorf("%w: %s", ErrBadRequest, err)
	}
	return nil
}

// --- Bytes / Identity / ObserveFlag / State[T] ------------------------

func (b *Bytes) bindFrom(rc *RequestContext) error {
	*b = Bytes(rc.Payload)
	return nil
}

func (i *Identity) bindFrom(rc *RequestContext) error {
	*i = Identity(rc.Identity)
	return nil
}

func (o *ObserveFlag) bindFrom(rc *RequestContext) error {
	*o = rc.Observe
	return nil
}

// State is a reference to a shared, build-time-configured server-wide
// value (spec §4.4 State<S>, §9 "Shared state without globals").
type State[S any] struct {
	Value S
}

func (s *State[S]) bindFrom(rc *RequestContext) error {
	var zero S
	key := reflect.TypeOf(zero)
	v, ok := rc.State[key]
	if !ok {
		return fmt.Errorf("%w: no State[%T] registered at build time", ErrInternal, zero)
	}
	s.Value = v.(S)
	return nil
}

// --- errors (spec §7) -------------------------------------------------

var (
	ErrBadRequest               = errors.New("extract: bad request")
	ErrUnsupportedContentFormat = errors.New("extract: unsupported content-format")
	ErrPayloadTooLarge          = errors.New("extract: payload too large")
	ErrInternal                 = errors.New("extract: internal error")
)

