// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package librpc

import (
	"context"
	"crypto/rand"
	"io"
	"sync"

	"github.com/juju/errors"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Pattern selects a class of pushed events. Empty fields match anything.
type Pattern struct {
	Path      string `msgpack:"path,omitempty" json:"path,omitempty"`
	Interface string `msgpack:"interface,omitempty" json:"interface,omitempty"`
	Name      string `msgpack:"name" json:"name"`
}

func (p Pattern) String() string {
	s := p.Name
	if p.Interface != "" {
		s = p.Interface + "." + s
	}
	if p.Path != "" {
		s = p.Path + ":" + s
	}
	return s
}

// Match reports whether e falls under p.
func (p Pattern) Match(e Event) bool {
	return (p.Path == "" || p.Path == e.Path) &&
		(p.Interface == "" || p.Interface == e.Interface) &&
		(p.Name == "" || p.Name == e.Name)
}

// Event is the payload of an events.event envelope.
type Event struct {
	Path      string `msgpack:"path,omitempty" json:"path,omitempty"`
	Interface string `msgpack:"interface,omitempty" json:"interface,omitempty"`
	Name      string `msgpack:"name" json:"name"`
	Args      any    `msgpack:"args" json:"args"`
}

// Token identifies a registered event handler.
type Token ulid.ULID

func (t Token) String() string { return ulid.ULID(t).String() }

type eventHandler struct {
	pattern Pattern
	fn      func(Event)
	stop    func()
}

type sendFunc func(ctx context.Context, env *Envelope, buffered bool) (Delivery, error)

// eventRouter keeps the refcounted subscription table and fans events out
// to handlers. Only the first subscribe and the last unsubscribe of a
// pattern reach the wire.
type eventRouter struct {
	send sendFunc
	log  zerolog.Logger

	mu       sync.Mutex
	subs     map[Pattern]int
	order    []Pattern
	handlers map[Token]*eventHandler
	entropy  io.Reader
}

func newEventRouter(send sendFunc, log zerolog.Logger) *eventRouter {
	return &eventRouter{
		send:     send,
		log:      log.With().Str("component", "events").Logger(),
		subs:     make(map[Pattern]int),
		handlers: make(map[Token]*eventHandler),
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
}

func (r *eventRouter) subscribe(ctx context.Context, p Pattern) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribeLocked(ctx, p)
}

func (r *eventRouter) subscribeLocked(ctx context.Context, p Pattern) error {
	n := r.subs[p]
	if n == 0 {
		if _, err := r.send(ctx, subscriptionEnvelope(VerbSubscribe, p), true); err != nil {
			return errors.Annotatef(err, "subscribe %s", p)
		}
		r.order = append(r.order, p)
		r.log.Debug().Stringer("pattern", p).Msg("subscribed")
	}
	r.subs[p] = n + 1
	return nil
}

func (r *eventRouter) unsubscribe(ctx context.Context, p Pattern) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unsubscribeLocked(ctx, p)
}

func (r *eventRouter) unsubscribeLocked(ctx context.Context, p Pattern) error {
	n, ok := r.subs[p]
	if !ok {
		return errors.NotFoundf("subscription %s", p)
	}
	if n > 1 {
		r.subs[p] = n - 1
		return nil
	}
	delete(r.subs, p)
	for i, q := range r.order {
		if q == p {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	r.log.Debug().Stringer("pattern", p).Msg("unsubscribed")
	if _, err := r.send(ctx, subscriptionEnvelope(VerbUnsubscribe, p), true); err != nil {
		return errors.Annotatef(err, "unsubscribe %s", p)
	}
	return nil
}

// refcount returns how many subscribers share p.
func (r *eventRouter) refcount(p Pattern) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[p]
}

// activeLocked returns the subscribed patterns in subscription order. It
// runs under r.mu, taken by the session while it replays state.
func (r *eventRouter) activeLocked() []Pattern {
	return append([]Pattern(nil), r.order...)
}

// register adds fn for events matching p and subscribes to p. stop, if
// set, is called when the router shuts down.
func (r *eventRouter) register(ctx context.Context, p Pattern, fn func(Event), stop func()) (Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.subscribeLocked(ctx, p); err != nil {
		return Token{}, err
	}
	tok := Token(ulid.MustNew(ulid.Now(), r.entropy))
	r.handlers[tok] = &eventHandler{pattern: p, fn: fn, stop: stop}
	return tok, nil
}

func (r *eventRouter) unregister(ctx context.Context, tok Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[tok]
	if !ok {
		return errors.NotFoundf("event handler %s", tok)
	}
	delete(r.handlers, tok)
	return r.unsubscribeLocked(ctx, h.pattern)
}

// dispatch calls every handler matching e. Handlers registered later
// never see it.
func (r *eventRouter) dispatch(e Event) int {
	r.mu.Lock()
	var fns []func(Event)
	for _, h := range r.handlers {
		if h.pattern.Match(e) {
			fns = append(fns, h.fn)
		}
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
	return len(fns)
}

// shutdown drops every handler without touching the wire.
func (r *eventRouter) shutdown() {
	r.mu.Lock()
	handlers := r.handlers
	r.handlers = make(map[Token]*eventHandler)
	r.subs = make(map[Pattern]int)
	r.order = nil
	r.mu.Unlock()

	for _, h := range handlers {
		if h.stop != nil {
			h.stop()
		}
	}
}

func subscriptionEnvelope(verb string, patterns ...Pattern) *Envelope {
	return &Envelope{
		ID:        newID(),
		Namespace: NamespaceEvents,
		Name:      verb,
		Args:      patterns,
	}
}

// parseEvent reads an events.event payload.
func parseEvent(args any) (Event, error) {
	var e Event
	if err := DecodeArgs(args, &e); err != nil {
		return Event{}, errors.Annotatef(ErrMalformedPayload, "event: %v", err)
	}
	return e, nil
}

// parseEventBurst reads an events.event_burst payload, a list of events.
func parseEventBurst(args any) ([]Event, error) {
	var events []Event
	if err := DecodeArgs(args, &events); err != nil {
		return nil, errors.Annotatef(ErrMalformedPayload, "event burst: %v", err)
	}
	return events, nil
}

// Feed delivers events to a channel. When the reader falls behind by more
// than the buffer, new values are dropped.
type Feed[T any] struct {
	ch      chan T
	log     zerolog.Logger
	cancel  func() error
	mu      sync.Mutex
	closed  bool
	dropped int
}

func newFeed[T any](size int, log zerolog.Logger) *Feed[T] {
	if size < 1 {
		size = 1
	}
	return &Feed[T]{ch: make(chan T, size), log: log}
}

// C returns the channel values arrive on. It is closed by Close.
func (f *Feed[T]) C() <-chan T { return f.ch }

// Dropped returns how many values were lost to a full buffer.
func (f *Feed[T]) Dropped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

func (f *Feed[T]) push(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.ch <- v:
	default:
		f.dropped++
		f.log.Warn().Int("dropped", f.dropped).Msg("feed full, dropping event")
	}
}

// stop closes the channel. It reports false if the feed was already stopped.
func (f *Feed[T]) stop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.closed = true
	close(f.ch)
	return true
}

// Close stops the feed and releases its subscription.
func (f *Feed[T]) Close() error {
	if !f.stop() {
		return nil
	}
	if f.cancel != nil {
		return f.cancel()
	}
	return nil
}
