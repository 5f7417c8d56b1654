package router

import "testing"

func TestCaptureNames(t *testing.T) {
	names, err := CaptureNames("/device/:id/reading/:kind")
	if err != nil {
		t.Fatalf("capture names: %s", err)
	}
	if len(names) != 2 || names[0] != "id" || names[1] != "kind" {
		t.Fatalf("capture names = %v, want [id kind]", names)
	}

	if _, err := CaptureNames("/device/:"); err == nil {
		t.Fatalf("empty capture name: want error")
	}
	if _, err := CaptureNames("/device//id"); err == nil {
		t.Fatalf("empty path segment: want error")
	}
}

func TestRouterMatchLiteralAndCapture(t *testing.T) {
	b := NewBuilder()
	b.Add([]Method{GET}, "/hello", "hello-handler")
	b.Add([]Method{POST}, "/device/:id", "device-handler")
	r, err := b.Build()
	if err != nil {
		t.Fatalf("build: %s", err)
	}

	m, err := r.Match(GET, "/hello")
	if err != nil {
		t.Fatalf("match /hello: %s", err)
	}
	if m.Route.Handler != "hello-handler" {
		t.Fatalf("matched handler = %v, want hello-handler", m.Route.Handler)
	}

	m, err = r.Match(POST, "/device/42")
	if err != nil {
		t.Fatalf("match /device/42: %s", err)
	}
	if m.Route.Handler != "device-handler" {
		t.Fatalf("matched handler = %v, want device-handler", m.Route.Handler)
	}
	if m.Params["id"] != "42" {
		t.Fatalf("captured id = %q, want 42", m.Params["id"])
	}
}

func TestRouterLiteralWinsOverCapture(t *testing.T) {
	b := NewBuilder()
	b.Add([]Method{GET}, "/device/status", "status-handler")
	b.Add([]Method{GET}, "/device/:id", "device-handler")
	r, err := b.Build()
	if err != nil {
		t.Fatalf("build: %s", err)
	}

	m, err := r.Match(GET, "/device/status")
	if err != nil {
		t.Fatalf("match /device/status: %s", err)
	}
	if m.Route.Handler != "status-handler" {
		t.Fatalf("literal segment did not win over capture: got %v", m.Route.Handler)
	}

	m, err = r.Match(GET, "/device/77")
	if err != nil {
		t.Fatalf("match /device/77: %s", err)
	}
	if m.Route.Handler != "device-handler" || m.Params["id"] != "77" {
		t.Fatalf("capture fallback broken: %+v", m)
	}
}

func TestRouterMethodNotAllowedVsNotFound(t *testing.T) {
	b := NewBuilder()
	b.Add([]Method{GET}, "/device/:id", "device-handler")
	r, err := b.Build()
	if err != nil {
		t.Fatalf("build: %s", err)
	}

	if _, err := r.Match(POST, "/device/1"); err != ErrMethodNotAllowed {
		t.Fatalf("match with wrong method = %v, want ErrMethodNotAllowed", err)
	}
	if _, err := r.Match(GET, "/unknown"); err != ErrNotFound {
		t.Fatalf("match unknown path = %v, want ErrNotFound", err)
	}
}

func TestRouterConflictDetection(t *testing.T) {
	b := NewBuilder()
	b.Add([]Method{GET}, "/device/:id", "a")
	b.Add([]Method{GET}, "/device/:other", "b")
	if _, err := b.Build(); err == nil {
		t.Fatalf("two GET handlers at the same shape: want a build conflict")
	}
}

func TestRouterObserveDispatchOnlyOnGet(t *testing.T) {
	b := NewBuilder()
	b.AddObserve("/sensor", "get", "notify", NotifyConfirmable)
	r, err := b.Build()
	if err != nil {
		t.Fatalf("build: %s", err)
	}

	m, err := r.Match(GET, "/sensor")
	if err != nil {
		t.Fatalf("match observe GET: %s", err)
	}
	if m.Observe == nil || m.Observe.GetHandler != "get" {
		t.Fatalf("observe match = %+v, want get handler", m)
	}

	if _, err := r.Match(POST, "/sensor"); err != ErrMethodNotAllowed {
		t.Fatalf("POST to an observe-only route = %v, want ErrMethodNotAllowed", err)
	}
}
