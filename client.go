// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package librpc

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Request addresses a method call.
type Request struct {
	Path      string
	Interface string
	Method    string
	Args      []any
	// Timeout overrides the connector's call timeout for every round trip
	// of the call. Negative disables the timeout.
	Timeout time.Duration
	// Unbuffered fails the call instead of queueing it while disconnected.
	Unbuffered bool
}

func (r Request) callArgs() CallArgs {
	args := r.Args
	if args == nil {
		args = []any{}
	}
	return CallArgs{
		Path:      r.Path,
		Interface: r.Interface,
		Method:    r.Method,
		Args:      args,
	}
}

type authArgs struct {
	Username string `msgpack:"username" json:"username"`
	Password string `msgpack:"password" json:"password"`
}

type authTokenArgs struct {
	Token string `msgpack:"token" json:"token"`
}

type emitArgs struct {
	Name string `msgpack:"name" json:"name"`
	Args any    `msgpack:"args" json:"args"`
}

// start sends a request verb and returns the stream of its responses.
func (c *Connector) start(ctx context.Context, verb string, args any, method string, timeout time.Duration, buffered bool, attrs ...attribute.KeyValue) (*Stream, error) {
	if timeout == 0 {
		timeout = c.opts.callTimeout
	}
	attrs = append(attrs,
		attribute.String("rpc.system", "librpc"),
		attribute.String("rpc.method", method),
	)
	_, span := c.tracer.Start(ctx, "librpc."+verb,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)

	id := newID()
	s := newStream(c, id, method, buffered, span)
	span.SetAttributes(attribute.String("librpc.id", id))
	c.registry.register(id, method, timeout, s)
	env := &Envelope{
		ID:        id,
		Namespace: NamespaceRPC,
		Name:      verb,
		Args:      args,
	}
	if _, err := c.session.Send(ctx, env, buffered); err != nil {
		err = errors.Annotatef(err, "%s %s", verb, method)
		c.registry.fail(id, err)
		return nil, err
	}
	return s, nil
}

func (c *Connector) stream(ctx context.Context, req Request) (*Stream, error) {
	return c.start(ctx, VerbCall, req.callArgs(), req.Method, req.Timeout,
		c.opts.buffering && !req.Unbuffered,
		attribute.String("librpc.path", req.Path),
		attribute.String("librpc.interface", req.Interface),
	)
}

// result reads s to the end. A fragmented result is returned as the list
// of its fragments.
func result(ctx context.Context, s *Stream) (any, error) {
	defer s.Close()
	values, err := s.Collect(ctx)
	if err != nil {
		return nil, err
	}
	if s.Fragmented() {
		return values, nil
	}
	if len(values) == 0 {
		return nil, nil
	}
	return values[0], nil
}

// Client is a handle on a shared Connector.
type Client struct {
	c      *Connector
	closed atomic.Bool
}

// NewClient returns a client sharing c. Closing the last client built on a
// connector closes the connector.
func NewClient(c *Connector) *Client {
	c.retain()
	return &Client{c: c}
}

// Connector returns the engine this client runs on, to share it.
func (cl *Client) Connector() *Connector { return cl.c }

// Call invokes a method and decodes its result into reply, which may be
// nil to discard it.
func (cl *Client) Call(ctx context.Context, req Request, reply any) error {
	s, err := cl.c.stream(ctx, req)
	if err != nil {
		return err
	}
	res, err := result(ctx, s)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return DecodeArgs(res, reply)
}

// Stream invokes a method and returns its results one by one. The caller
// must Close the stream when it stops reading early.
func (cl *Client) Stream(ctx context.Context, req Request) (*Stream, error) {
	return cl.c.stream(ctx, req)
}

// Ping calls the keep-alive method once.
func (cl *Client) Ping(ctx context.Context) error {
	return cl.c.ping(ctx)
}

// Emit pushes an event to the server.
func (cl *Client) Emit(ctx context.Context, name string, args any) error {
	_, err := cl.c.session.Send(ctx, &Envelope{
		ID:        newID(),
		Namespace: NamespaceEvents,
		Name:      VerbEvent,
		Args:      emitArgs{Name: name, Args: args},
	}, cl.c.opts.buffering)
	return errors.Annotatef(err, "emit %s", name)
}

// Login authenticates with a username and password. The session token the
// server answers with is replayed after a reconnect.
func (cl *Client) Login(ctx context.Context, username, password string) error {
	s, err := cl.c.start(ctx, VerbAuth, authArgs{Username: username, Password: password}, VerbAuth, 0, cl.c.opts.buffering)
	if err != nil {
		return err
	}
	res, err := result(ctx, s)
	if err != nil {
		return errors.Annotatef(err, "login %s", username)
	}
	if tok, ok := res.(string); ok {
		cl.c.token.Store(&tok)
	}
	cl.c.log.Info().Str("user", username).Msg("logged in")
	return nil
}

// LoginToken authenticates with a session token.
func (cl *Client) LoginToken(ctx context.Context, token string) error {
	s, err := cl.c.start(ctx, VerbAuthToken, authTokenArgs{Token: token}, VerbAuthToken, 0, cl.c.opts.buffering)
	if err != nil {
		return err
	}
	if _, err := result(ctx, s); err != nil {
		return errors.Annotate(err, "login with token")
	}
	cl.c.token.Store(&token)
	return nil
}

// Token returns the session token of the last successful login.
func (cl *Client) Token() (string, bool) {
	tok := cl.c.token.Load()
	if tok == nil {
		return "", false
	}
	return *tok, true
}

// Subscribe adds a reference to the wire subscription for p.
func (cl *Client) Subscribe(ctx context.Context, p Pattern) error {
	return cl.c.router.subscribe(ctx, p)
}

// Unsubscribe drops a reference taken by Subscribe. It fails with a
// NotFound error when p is not subscribed.
func (cl *Client) Unsubscribe(ctx context.Context, p Pattern) error {
	return cl.c.router.unsubscribe(ctx, p)
}

// RegisterEventHandler subscribes to p and calls fn for every matching
// event, on the connector's dispatch goroutine.
func (cl *Client) RegisterEventHandler(ctx context.Context, p Pattern, fn func(Event)) (Token, error) {
	return cl.c.router.register(ctx, p, fn, nil)
}

// UnregisterEventHandler removes a handler and its subscription reference.
func (cl *Client) UnregisterEventHandler(ctx context.Context, tok Token) error {
	return cl.c.router.unregister(ctx, tok)
}

// Listen subscribes to p and returns a feed of matching events.
func (cl *Client) Listen(ctx context.Context, p Pattern) (*Feed[Event], error) {
	return listen(ctx, cl.c, p, func(e Event) (Event, bool) { return e, true })
}

// listen registers a feed on p. conv filters and reshapes events.
func listen[T any](ctx context.Context, c *Connector, p Pattern, conv func(Event) (T, bool)) (*Feed[T], error) {
	f := newFeed[T](c.opts.eventBuffer, c.log.With().Stringer("pattern", p).Logger())
	tok, err := c.router.register(ctx, p, func(e Event) {
		if v, ok := conv(e); ok {
			f.push(v)
		}
	}, func() { f.stop() })
	if err != nil {
		return nil, err
	}
	f.cancel = func() error {
		return c.router.unregister(context.Background(), tok)
	}
	return f, nil
}

// State returns the connection state.
func (cl *Client) State() ConnState { return cl.c.State() }

// WatchState streams connection state changes, starting with the current
// state. Call the returned func to stop watching.
func (cl *Client) WatchState() (<-chan ConnState, func()) {
	return cl.c.session.WatchState()
}

// Close releases the client's reference on its connector.
func (cl *Client) Close() error {
	if cl.closed.Swap(true) {
		return nil
	}
	return cl.c.release()
}
