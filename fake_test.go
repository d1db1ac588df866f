// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package librpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var errFakeClosed = errors.New("fake connection closed")

type fakeFrame struct {
	typ  MessageType
	data []byte
}

// fakeConn is one in-memory connection of a fakeServer.
type fakeConn struct {
	srv    *fakeServer
	in     chan fakeFrame
	closed chan struct{}
	once   sync.Once
}

func (c *fakeConn) Read(ctx context.Context) (MessageType, []byte, error) {
	select {
	case f := <-c.in:
		return f.typ, f.data, nil
	case <-c.closed:
		return 0, nil, errFakeClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, typ MessageType, data []byte) error {
	select {
	case <-c.closed:
		return errFakeClosed
	default:
	}
	if c.srv.failWrite() {
		return errFakeClosed
	}
	env := new(Envelope)
	if err := codecFor(nil, typ).Decode(data, env); err != nil {
		return err
	}
	c.srv.received(c, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.sever()
	c.srv.mu.Lock()
	gate := c.srv.closeGate
	c.srv.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return nil
}

// sever ends the connection without waiting on closeGate.
func (c *fakeConn) sever() {
	c.once.Do(func() { close(c.closed) })
}

// send pushes env to the client.
func (c *fakeConn) send(env *Envelope) {
	data, err := MsgpackCodec{}.Encode(env)
	if err != nil {
		panic(err)
	}
	c.sendRaw(MessageBinary, data)
}

func (c *fakeConn) sendRaw(typ MessageType, data []byte) {
	select {
	case c.in <- fakeFrame{typ: typ, data: data}:
	case <-c.closed:
	}
}

// fakeServer is a Dialer handing out fakeConns. handler, when set, is
// called for every envelope the client writes.
type fakeServer struct {
	mu         sync.Mutex
	dials      int
	failDials  int
	failWrites int
	gate       chan struct{}
	closeGate  chan struct{}
	conns      []*fakeConn
	sent       []*Envelope
	handler    func(c *fakeConn, env *Envelope)
}

func newFakeServer() *fakeServer {
	return &fakeServer{}
}

func (f *fakeServer) Dial(ctx context.Context, _ string) (Conn, error) {
	f.mu.Lock()
	f.dials++
	gate := f.gate
	fail := f.failDials > 0
	if fail {
		f.failDials--
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{srv: f, in: make(chan fakeFrame, 256), closed: make(chan struct{})}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

// hold makes dials block until release is called.
func (f *fakeServer) hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
}

func (f *fakeServer) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
}

// holdClose makes client-side Close calls block until releaseClose.
func (f *fakeServer) holdClose() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeGate = make(chan struct{})
}

func (f *fakeServer) releaseClose() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeGate != nil {
		close(f.closeGate)
		f.closeGate = nil
	}
}

func (f *fakeServer) failWrite() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites > 0 {
		f.failWrites--
		return true
	}
	return false
}

func (f *fakeServer) setHandler(h func(c *fakeConn, env *Envelope)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeServer) received(c *fakeConn, env *Envelope) {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(c, env)
	}
}

func (f *fakeServer) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeServer) current() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// drop closes the current connection from the server side.
func (f *fakeServer) drop() {
	if c := f.current(); c != nil {
		c.sever()
	}
}

func (f *fakeServer) envelopes() []*Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Envelope(nil), f.sent...)
}

func (f *fakeServer) named(name string) []*Envelope {
	var out []*Envelope
	for _, env := range f.envelopes() {
		if env.Name == name {
			out = append(out, env)
		}
	}
	return out
}

// waitSent waits until the client has written at least n envelopes.
func (f *fakeServer) waitSent(t testing.TB, n int) []*Envelope {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.envelopes()) >= n
	}, waitFor, tick)
	return f.envelopes()
}

func respond(c *fakeConn, id string, result any) {
	c.send(&Envelope{ID: id, Namespace: NamespaceRPC, Name: VerbResponse, Args: result})
}

func fragment(c *fakeConn, id string, seqno int64, v any) {
	c.send(&Envelope{ID: id, Namespace: NamespaceRPC, Name: VerbFragment, Args: FragmentArgs{Seqno: seqno, Fragment: v}})
}

func end(c *fakeConn, id string) {
	c.send(&Envelope{ID: id, Namespace: NamespaceRPC, Name: VerbEnd})
}

func callMethod(t testing.TB, env *Envelope) CallArgs {
	t.Helper()
	var args CallArgs
	require.NoError(t, DecodeArgs(env.Args, &args))
	return args
}

// fragmentHandler answers method with one fragment per value.
func fragmentHandler(t testing.TB, method string, values []any) func(c *fakeConn, env *Envelope) {
	return func(c *fakeConn, env *Envelope) {
		switch env.Name {
		case VerbCall:
			if callMethod(t, env).Method != method {
				return
			}
			fragment(c, env.ID, 0, values[0])
		case VerbContinue:
			var seqno int64
			require.NoError(t, DecodeArgs(env.Args, &seqno))
			if seqno < int64(len(values)) {
				fragment(c, env.ID, seqno, values[seqno])
			} else {
				end(c, env.ID)
			}
		}
	}
}

// echoHandler answers every call with its first argument.
func echoHandler(t testing.TB) func(c *fakeConn, env *Envelope) {
	return func(c *fakeConn, env *Envelope) {
		if env.Namespace != NamespaceRPC || env.Name != VerbCall {
			return
		}
		args := callMethod(t, env)
		var v any
		if len(args.Args) > 0 {
			v = args.Args[0]
		}
		respond(c, env.ID, v)
	}
}

// newTestConnector returns a connector on a fake server, waiting until
// it is open.
func newTestConnector(t *testing.T, srv *fakeServer, opts ...Option) *Connector {
	t.Helper()
	opts = append([]Option{WithDialer(srv)}, opts...)
	c, err := NewConnector("fake://test", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	waitState(t, c, StateOpen)
	return c
}

func newTestClient(t *testing.T, srv *fakeServer, opts ...Option) *Client {
	t.Helper()
	cl := NewClient(newTestConnector(t, srv, opts...))
	t.Cleanup(func() { cl.Close() })
	return cl
}

func waitState(t testing.TB, c *Connector, want ConnState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.State() == want
	}, waitFor, tick, "state %s", want)
}

// errorRecorder collects diagnostics.
type errorRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *errorRecorder) record(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *errorRecorder) has(target error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, err := range r.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
