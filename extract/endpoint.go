package extract

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	cbor "github.com/fxamacker/cbor/v2"

	"github.com/jaredwolff/coapum/codec"
)

// Response is a handler's typed result, shaped into wire bytes plus a
// status and content-format (spec §4.4 "response shaping").
type Response struct {
	Code          codec.Code
	ContentFormat MediaType
	HasContentFormat bool
	Payload       []byte
}

// Status builds a bare-status response with an empty payload (spec
// §4.4 "a bare status code").
func Status(code codec.Code) Response {
	return Response{Code: code}
}

// JSONResponse builds a response whose payload is v serialized as JSON
// with Content-Format application/json (spec §4.4 "tuple (status,body)").
func JSONResponse(code codec.Code, v interface{}) (Response, error) {
	b, err := jsonAPI.Marshal(v)
	if err != nil {
		return Response{}, fmt.Errorf("extract: marshal json response: %w", err)
	}
	return Response{Code: code, ContentFormat: codec.MediaAppJSON, HasContentFormat: true, Payload: b}, nil
}

// CBORResponse builds a response whose payload is v serialized as CBOR
// with Content-Format application/cbor.
func CBORResponse(code codec.Code, v interface{}) (Response, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return Response{}, fmt.Errorf("extract: marshal cbor response: %w", err)
	}
	return Response{Code: code, ContentFormat: codec.MediaAppCBOR, HasContentFormat: true, Payload: b}, nil
}

// BytesResponse builds a response from an already-encoded payload
// (spec §4.4 "a value with a declared content-format").
func BytesResponse(code codec.Code, contentFormat MediaType, payload []byte) Response {
	return Response{Code: code, ContentFormat: contentFormat, HasContentFormat: true, Payload: payload}
}

// errorCodes maps the extraction-failure sentinels to response codes
// (spec §7 "kind 3/4" extraction and validation failures).
var errorCodes = []struct {
	err  error
	code codec.Code
}{
	{ErrUnsupportedContentFormat, codec.CodeUnsupportedMediaType},
	{ErrPayloadTooLarge, codec.CodeRequestEntityTooLarge},
	{ErrBadRequest, codec.CodeBadRequest},
	{ErrInternal, codec.CodeInternalServerError},
}

// CodeForError maps any error surfaced by extraction or a handler to a
// response code, defaulting to 5.00 Internal Server Error for an
// unrecognized error (spec §7).
func CodeForError(err error) codec.Code {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return codec.CodeInternalServerError
}

var contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
var errorType = reflect.TypeOf((*error)(nil)).Elem()
var responseType = reflect.TypeOf(Response{})
var codeType = reflect.TypeOf(codec.Code(0))

// Endpoint is a handler function bound to its argument extractors via
// reflection, resolved once at build time (spec §4.4, §9 "dispatch
// through a vtable keyed at registration").
type Endpoint struct {
	fn       reflect.Value
	argTypes []reflect.Type // one per parameter, excluding a leading context.Context
	wantsCtx bool
	state    map[reflect.Type]interface{}
}

// Bind reflects over fn's signature and prepares it for repeated
// invocation through Call. fn's first parameter may optionally be
// context.Context; every remaining parameter must be one of this
// package's extractor types (Path[T], Json[T], Cbor[T], Bytes,
// Identity, ObserveFlag, State[T]).
func Bind(fn interface{}, state map[reflect.Type]interface{}) (*Endpoint, error) {
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		return nil, fmt.Errorf("extract: handler must be a function, got %T", fn)
	}

	ep := &Endpoint{fn: v, state: state}
	start := 0
	if t.NumIn() > 0 && t.In(0) == contextType {
		ep.wantsCtx = true
		start = 1
	}
	for i := start; i < t.NumIn(); i++ {
		pt := t.In(i)
		if !implementsBinder(pt) {
			return nil, fmt.Errorf("extract: handler parameter %d (%s) is not a recognized extractor type", i, pt)
		}
		ep.argTypes = append(ep.argTypes, pt)
	}

	if err := validateReturns(t); err != nil {
		return nil, err
	}
	return ep, nil
}

func implementsBinder(t reflect.Type) bool {
	ptr := reflect.PointerTo(t)
	return ptr.Implements(reflect.TypeOf((*binder)(nil)).Elem())
}

func validateReturns(t reflect.Type) error {
	switch t.NumOut() {
	case 1:
		if t.Out(0) != errorType && t.Out(0) != responseType && t.Out(0) != codeType {
			return fmt.Errorf("extract: handler single return value must be error, Response or codec.Code, got %s", t.Out(0))
		}
	case 2:
		if t.Out(1) != errorType {
			return fmt.Errorf("extract: handler second return value must be error, got %s", t.Out(1))
		}
		if t.Out(0) != responseType && t.Out(0) != codeType {
			return fmt.Errorf("extract: handler first return value must be Response or codec.Code, got %s", t.Out(0))
		}
	default:
		return fmt.Errorf("extract: handler must return 1 or 2 values, got %d", t.NumOut())
	}
	return nil
}

// PathNames returns the template capture names this endpoint's Path[T]
// parameters require, for build-time validation against the router's
// compiled template (spec §4.4 "Missing name is a build-time error").
func (e *Endpoint) PathNames() []string {
	var names []string
	for _, pt := range e.argTypes {
		ptr := reflect.New(pt)
		if d, ok := ptr.Interface().(describer); ok {
			info := d.describe()
			if info.kind == "path" {
				names = append(names, info.pathName)
			}
		}
	}
	return names
}

// Call binds every argument from rc, invokes the handler, and shapes
// its result into a Response. An extraction failure or handler error
// is turned into a Response via CodeForError, never propagated as a
// Go error to the session manager (spec §7: extraction/handler errors
// always produce a response packet, never a dropped datagram).
func (e *Endpoint) Call(rc *RequestContext) Response {
	rc.State = e.state
	args := make([]reflect.Value, 0, len(e.argTypes)+1)
	if e.wantsCtx {
		args = append(args, reflect.ValueOf(rc.Context))
	}
	for _, pt := range e.argTypes {
		ptr := reflect.New(pt)
		b := ptr.Interface().(binder)
		if err := b.bindFrom(rc); err != nil {
			return Status(CodeForError(err))
		}
		args = append(args, ptr.Elem())
	}

	out := e.fn.Call(args)
	return interpretReturn(out)
}

func interpretReturn(out []reflect.Value) Response {
	switch len(out) {
	case 1:
		return interpretSingle(out[0])
	case 2:
		if errv := out[1].Interface(); errv != nil {
			return Status(CodeForError(errv.(error)))
		}
		return interpretSingle(out[0])
	}
	return Status(codec.CodeInternalServerError)
}

func interpretSingle(v reflect.Value) Response {
	if v.Type() == errorType {
		if v.IsNil() {
			return Status(codec.CodeContent)
		}
		return Status(CodeForError(v.Interface().(error)))
	}
	switch vi := v.Interface().(type) {
	case Response:
		return vi
	case codec.Code:
		return Status(vi)
	}
	return Status(codec.CodeInternalServerError)
}
