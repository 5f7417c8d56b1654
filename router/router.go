// Package router compiles (method, template, handler) registrations
// into an immutable matcher supporting named path captures, and
// resolves incoming requests to a handler plus captured parameters
// (spec §4.3).
package router

import (
	"fmt"
	"strings"

	"github.com/jaredwolff/coapum/codec"
)

// Method is one of the CoAP request methods the router dispatches on,
// or MethodAny to match every method at that template.
type Method int

const (
	MethodAny Method = iota
	GET
	POST
	PUT
	DELETE
)

// MethodFromCode maps a wire request code to a router Method.
func MethodFromCode(c codec.Code) (Method, bool) {
	switch c {
	case codec.GET:
		return GET, true
	case codec.POST:
		return POST, true
	case codec.PUT:
		return PUT, true
	case codec.DELETE:
		return DELETE, true
	}
	return MethodAny, false
}

// segmentKind distinguishes a literal path segment from a named capture.
type segmentKind int

const (
	literal segmentKind = iota
	capture
)

type segment struct {
	kind segmentKind
	text string // literal value, or capture name without the leading ':'
}

// CaptureNames returns the named capture segments of template, in
// order, for build-time validation of Path[T] extractors against the
// route they are attached to (spec §4.4 "Missing name is a build-time error").
func CaptureNames(template string) ([]string, error) {
	segs, err := parseTemplate(template)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, s := range segs {
		if s.kind == capture {
			names = append(names, s.text)
		}
	}
	return names, nil
}

func parseTemplate(template string) ([]segment, error) {
	trimmed := strings.Trim(template, "/")
	if trimmed == "" {
		return nil, nil
	}
	parts := strings.Split(trimmed, "/")
	segs := make([]segment, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("router: empty path segment in template %q", template)
		}
		if strings.HasPrefix(p, ":") {
			name := p[1:]
			if name == "" {
				return nil, fmt.Errorf("router: empty capture name in template %q", template)
			}
			segs = append(segs, segment{kind: capture, text: name})
		} else {
			segs = append(segs, segment{kind: literal, text: p})
		}
	}
	return segs, nil
}

// node is one level of the compiled matcher trie, one level per path
// segment: literal children keyed by segment text plus at most one
// capture child, giving O(path-length) matching.
type node struct {
	literals map[string]*node
	capture  *node // at most one capture child per node, spec DATA MODEL conflict rule
	captureName string
	routes   map[Method]*Route
	observe  *ObservePair
}

func newNode() *node {
	return &node{literals: make(map[string]*node), routes: make(map[Method]*Route)}
}

// Route is one compiled (method-set, template, handler) registration.
type Route struct {
	Methods  map[Method]bool
	Template string
	Handler  interface{}
}

// ObservePair is the auxiliary (get-handler, notify-handler) registration
// for an observable resource (spec DATA MODEL §3, §4.3 Observe dispatch).
type ObservePair struct {
	Template      string
	GetHandler    interface{}
	NotifyHandler interface{}
	NotifyMode    NotifyMode
}

// NotifyMode selects whether notifications for this resource are sent
// Confirmable or NonConfirmable (spec §4.5 step 3, SPEC_FULL §13).
type NotifyMode int

const (
	NotifyConfirmable NotifyMode = iota
	NotifyNonConfirmable
)

// Match is the result of resolving a request path against the compiled matcher.
type Match struct {
	Route   *Route
	Observe *ObservePair
	Params  map[string]string
}

// Builder accumulates registrations before Build compiles them into an
// immutable Router. Conflicting registrations fail at Build time
// (spec DATA MODEL §3 Route template conflicts).
type Builder struct {
	root         *node
	registered   []registration
}

type registration struct {
	methods  []Method
	template string
	handler  interface{}
	observe  *ObservePair
}

// NewBuilder creates an empty route Builder.
func NewBuilder() *Builder {
	return &Builder{root: newNode()}
}

// Add registers a handler for the given methods at template. template
// uses /literal/:named segment syntax (spec §6 Route registration surface).
func (b *Builder) Add(methods []Method, template string, handler interface{}) *Builder {
	b.registered = append(b.registered, registration{methods: methods, template: template, handler: handler})
	return b
}

// AddObserve registers an observable resource: a GET handler for plain
// reads and observe registration/deregistration, and a notify handler
// invoked once per mutation to produce the body pushed to subscribers.
func (b *Builder) AddObserve(template string, getHandler, notifyHandler interface{}, mode NotifyMode) *Builder {
	b.registered = append(b.registered, registration{
		template: template,
		observe: &ObservePair{Template: template, GetHandler: getHandler, NotifyHandler: notifyHandler, NotifyMode: mode},
	})
	return b
}

// Build compiles all registrations into an immutable Router, or fails
// if any two registrations conflict: equal length, every position
// literal-equal or both-capture (spec DATA MODEL §3).
func (b *Builder) Build() (*Router, error) {
	root := newNode()
	var compiled []compiledRegistration

	for _, r := range b.registered {
		segs, err := parseTemplate(r.template)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, compiledRegistration{registration: r, segs: segs})
	}

	if err := detectConflicts(compiled); err != nil {
		return nil, err
	}

	for _, cr := range compiled {
		n := root
		for _, seg := range cr.segs {
			n = descend(n, seg)
		}
		if cr.observe != nil {
			n.observe = cr.observe
			continue
		}
		route := &Route{Methods: make(map[Method]bool), Template: cr.template, Handler: cr.handler}
		for _, m := range cr.methods {
			route.Methods[m] = true
		}
		for m := range route.Methods {
			n.routes[m] = route
		}
	}

	return &Router{root: root}, nil
}

type compiledRegistration struct {
	registration
	segs []segment
}

func descend(n *node, seg segment) *node {
	if seg.kind == literal {
		child, ok := n.literals[seg.text]
		if !ok {
			child = newNode()
			n.literals[seg.text] = child
		}
		return child
	}
	if n.capture == nil {
		n.capture = newNode()
		n.captureName = seg.text
	}
	return n.capture
}

func detectConflicts(compiled []compiledRegistration) error {
	for i := 0; i < len(compiled); i++ {
		for j := i + 1; j < len(compiled); j++ {
			a, bb := compiled[i], compiled[j]
			if len(a.segs) != len(bb.segs) {
				continue
			}
			if !sameShape(a.segs, bb.segs) {
				continue
			}
			if a.observe != nil || bb.observe != nil {
				return fmt.Errorf("router: conflicting templates %q and %q", a.template, bb.template)
			}
			if methodsOverlap(a.methods, bb.methods) {
				return fmt.Errorf("router: conflicting templates %q and %q for overlapping methods", a.template, bb.template)
			}
		}
	}
	return nil
}

func sameShape(a, b []segment) bool {
	for i := range a {
		if a[i].kind != b[i].kind {
			return false
		}
		if a[i].kind == literal && a[i].text != b[i].text {
			return false
		}
	}
	return true
}

func methodsOverlap(a, b []Method) bool {
	if len(a) == 0 || len(b) == 0 {
		return true // ANY / unset overlaps everything
	}
	set := make(map[Method]bool, len(a))
	for _, m := range a {
		set[m] = true
	}
	for _, m := range b {
		if set[m] {
			return true
		}
	}
	return false
}

// Router is the compiled, immutable matcher (spec DATA MODEL §3 "The
// router's compiled matcher is immutable after server start").
type Router struct {
	root *node
}

// ErrNotFound and ErrMethodNotAllowed are the two routing-failure kinds (spec §7 kind 2).
var (
	ErrNotFound         = fmt.Errorf("router: no matching template")
	ErrMethodNotAllowed = fmt.Errorf("router: method not allowed for template")
)

// Match resolves path against the compiled matcher for the given method.
// On a literal/capture ambiguity, literal segments always win (spec §8
// "A template with a capture in position k does not shadow an earlier-
// registered literal in position k").
func (r *Router) Match(method Method, path string) (Match, error) {
	segs := splitPath(path)
	n := r.root
	params := make(map[string]string)
	for _, s := range segs {
		next, ok := n.literals[s]
		if ok {
			n = next
			continue
		}
		if n.capture != nil {
			params[n.captureName] = s
			n = n.capture
			continue
		}
		return Match{}, ErrNotFound
	}

	if n.observe != nil && method == GET {
		return Match{Observe: n.observe, Params: params}, nil
	}
	route, ok := n.routes[method]
	if !ok {
		route, ok = n.routes[MethodAny]
	}
	if !ok {
		if len(n.routes) > 0 || n.observe != nil {
			return Match{}, ErrMethodNotAllowed
		}
		return Match{}, ErrNotFound
	}
	return Match{Route: route, Params: params}, nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
