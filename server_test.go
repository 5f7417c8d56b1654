package coapum

import (
	"context"
	"testing"

	"github.com/jaredwolff/coapum/codec"
	"github.com/jaredwolff/coapum/extract"
	"github.com/jaredwolff/coapum/observe"
)

func helloHandlerTest() extract.Response {
	return extract.BytesResponse(codec.CodeContent, codec.MediaTextPlain, []byte("world"))
}

type testDeviceID string

func (testDeviceID) CoapPathName() string { return "id" }

type testReading struct {
	Temp float32 `json:"temp"`
}

func deviceHandlerTest(id extract.Path[testDeviceID], body extract.Json[testReading]) extract.Response {
	return extract.Status(codec.CodeChanged)
}

func sensorGetHandlerTest() (extract.Response, error) {
	return extract.JSONResponse(codec.CodeContent, map[string]int{"temp": 20})
}

func sensorNotifyHandlerTest() (extract.Response, error) {
	return extract.JSONResponse(codec.CodeContent, map[string]int{"temp": 21})
}

func buildTestServer(t *testing.T) (*Server, observe.Store) {
	t.Helper()
	store := observe.NewMemoryStore()
	b := NewBuilder()
	b.Add([]Method{GET}, "/hello", helloHandlerTest)
	b.Add([]Method{POST}, "/device/:id", deviceHandlerTest)
	b.AddObserve("/sensor", sensorGetHandlerTest, sensorNotifyHandlerTest, NotifyConfirmable)
	srv, err := b.Build(store)
	if err != nil {
		t.Fatalf("build: %s", err)
	}
	return srv, store
}

func requestPacket(typ codec.Type, method codec.Code, path string, payload []byte, cf codec.MediaType, hasCF bool) codec.Packet {
	opts, _ := codec.SetPath(nil, path)
	if hasCF {
		opts, _ = codec.SetContentFormat(opts, cf)
	}
	return codec.Packet{Type: typ, Code: method, MessageID: 1, Token: []byte{0x01}, Options: opts, Payload: payload}
}

func TestHandleRequestPlainRoute(t *testing.T) {
	srv, _ := buildTestServer(t)
	req := requestPacket(codec.Confirmable, codec.GET, "hello", nil, 0, false)
	resp := srv.handleRequest(context.Background(), []byte("dev-1"), req)
	if resp.Code != codec.CodeContent {
		t.Fatalf("response code = %v, want CodeContent", resp.Code)
	}
	if string(resp.Payload) != "world" {
		t.Fatalf("response payload = %q, want world", resp.Payload)
	}
}

func TestHandleRequestPathAndJsonExtraction(t *testing.T) {
	srv, _ := buildTestServer(t)
	req := requestPacket(codec.Confirmable, codec.POST, "device/42", []byte(`{"temp":18.5}`), codec.MediaAppJSON, true)
	resp := srv.handleRequest(context.Background(), []byte("dev-1"), req)
	if resp.Code != codec.CodeChanged {
		t.Fatalf("response code = %v, want CodeChanged", resp.Code)
	}
}

func TestHandleRequestNotFoundAndMethodNotAllowed(t *testing.T) {
	srv, _ := buildTestServer(t)

	resp := srv.handleRequest(context.Background(), []byte("dev-1"), requestPacket(codec.Confirmable, codec.GET, "nowhere", nil, 0, false))
	if resp.Code != codec.CodeNotFound {
		t.Fatalf("unknown path response = %v, want CodeNotFound", resp.Code)
	}

	resp = srv.handleRequest(context.Background(), []byte("dev-1"), requestPacket(codec.Confirmable, codec.PUT, "hello", nil, 0, false))
	if resp.Code != codec.CodeMethodNotAllowed {
		t.Fatalf("wrong method response = %v, want CodeMethodNotAllowed", resp.Code)
	}
}

func TestHandleRequestObserveRegisterAndDeregister(t *testing.T) {
	srv, store := buildTestServer(t)
	identity := []byte("dev-1")

	req := requestPacket(codec.Confirmable, codec.GET, "sensor", nil, 0, false)
	opts, _ := codec.SetObserve(req.Options, 0)
	req.Options = opts
	req.Token = []byte{0xaa, 0xbb}

	resp := srv.handleRequest(context.Background(), identity, req)
	if resp.Code != codec.CodeContent {
		t.Fatalf("observe GET response = %v, want CodeContent", resp.Code)
	}
	seq, ok := resp.Observe()
	if !ok || seq != 0 {
		t.Fatalf("observe register response Observe option = %d, %v, want seq 0 present", seq, ok)
	}

	subs, err := store.Iter(context.Background(), "/sensor")
	if err != nil || len(subs) != 1 {
		t.Fatalf("subscriptions after register = %v, %v, want exactly one", subs, err)
	}
	if string(subs[0].Record.Token) != string(req.Token) {
		t.Fatalf("stored token = %x, want %x", subs[0].Record.Token, req.Token)
	}

	// Deregister (Observe=1).
	deregReq := req
	deregReq.Options, _ = codec.SetObserve(nil, 1)
	deregReq.Options, _ = codec.SetPath(deregReq.Options, "sensor")
	srv.handleRequest(context.Background(), identity, deregReq)

	subs, err = store.Iter(context.Background(), "/sensor")
	if err != nil || len(subs) != 0 {
		t.Fatalf("subscriptions after deregister = %v, %v, want none", subs, err)
	}
}

func TestHandleRequestPlainGetOnObserveRouteHasNoObserveOption(t *testing.T) {
	srv, _ := buildTestServer(t)
	req := requestPacket(codec.Confirmable, codec.GET, "sensor", nil, 0, false)
	resp := srv.handleRequest(context.Background(), []byte("dev-1"), req)
	if _, ok := resp.Observe(); ok {
		t.Fatalf("plain GET (no Observe option on request) produced an Observe option in the response")
	}
}

func TestNotifyUnknownPathFails(t *testing.T) {
	srv, _ := buildTestServer(t)
	if err := srv.Notify(context.Background(), "/not-observable"); err == nil {
		t.Fatalf("Notify on a non-observable path: want error")
	}
}

func TestNotifyComputesBodyFromNotifyHandler(t *testing.T) {
	srv, _ := buildTestServer(t)
	if err := srv.Notify(context.Background(), "sensor"); err != nil {
		t.Fatalf("notify: %s", err)
	}
}

func TestBuildRejectsPathParamMissingFromTemplate(t *testing.T) {
	b := NewBuilder()
	b.Add([]Method{GET}, "/device", deviceHandlerTest) // template has no :id capture
	if _, err := b.Build(observe.NewMemoryStore()); err == nil {
		t.Fatalf("Build with a Path[T] capture absent from its template: want error")
	}
}
