// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rpctest serves the librpc protocol over WebSocket in process.
package rpctest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/luxfi/librpc"
)

const writeTimeout = 5 * time.Second

// Call is a decoded rpc.call request.
type Call struct {
	ID        string
	Path      string
	Interface string
	Method    string
	Args      []any
}

// Handler answers calls
type Handler interface {
	HandleCall(ctx context.Context, call *Call) (any, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

func (f HandlerFunc) HandleCall(ctx context.Context, call *Call) (any, error) {
	return f(ctx, call)
}

// Fragments makes a handler answer with one fragment per element, each
// sent when the client asks for it.
type Fragments []any

// Server is a librpc server bound to a local port.
type Server struct {
	http  *httptest.Server
	log   zerolog.Logger
	codec librpc.Codec

	mu       sync.Mutex
	handlers map[string]Handler
	conns    map[*serverConn]struct{}
	received []*librpc.Envelope
	tokens   map[string]string
	accepted int
	closed   atomic.Bool
}

type serverConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[string]Fragments
	subs    []librpc.Pattern
}

// NewServer starts a server. Stop it with Close.
func NewServer() *Server {
	s := &Server{
		log:      zerolog.Nop(),
		codec:    librpc.MsgpackCodec{},
		handlers: make(map[string]Handler),
		conns:    make(map[*serverConn]struct{}),
		tokens:   make(map[string]string),
	}
	s.http = httptest.NewServer(http.HandlerFunc(s.serveWS))
	return s
}

// SetLogger sets the server logger.
func (s *Server) SetLogger(l zerolog.Logger) {
	s.log = l.With().Str("component", "rpctest").Logger()
}

// URL returns the ws:// address of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws"
}

// Handle registers h for method.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// HandleFunc registers fn for method.
func (s *Server) HandleFunc(method string, fn func(ctx context.Context, call *Call) (any, error)) {
	s.Handle(method, HandlerFunc(fn))
}

// AddUser lets username log in with password.
func (s *Server) AddUser(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[username+"\x00"+password] = uuid.NewString()
}

// Received returns every envelope received so far, in order.
func (s *Server) Received() []*librpc.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*librpc.Envelope(nil), s.received...)
}

// ReceivedNamed returns the received envelopes with the given name.
func (s *Server) ReceivedNamed(name string) []*librpc.Envelope {
	var out []*librpc.Envelope
	for _, env := range s.Received() {
		if env.Name == name {
			out = append(out, env)
		}
	}
	return out
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Accepted returns the number of connections accepted since start.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Publish pushes e to every connection subscribed to a matching pattern.
// It returns the number of connections written to.
func (s *Server) Publish(e librpc.Event) int {
	env := &librpc.Envelope{Namespace: librpc.NamespaceEvents, Name: librpc.VerbEvent, Args: e}
	n := 0
	for _, c := range s.snapshot() {
		if !c.subscribed(e) {
			continue
		}
		if err := s.write(c, env); err == nil {
			n++
		}
	}
	return n
}

// Push writes env to every connection as is.
func (s *Server) Push(env *librpc.Envelope) {
	for _, c := range s.snapshot() {
		s.write(c, env)
	}
}

// DropConnections closes every open connection without closing the
// server.
func (s *Server) DropConnections() {
	for _, c := range s.snapshot() {
		c.ws.Close(websocket.StatusGoingAway, "dropped")
	}
}

// Close closes every connection and stops the server.
func (s *Server) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.DropConnections()
	s.http.Close()
}

func (s *Server) snapshot() []*serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	c := &serverConn{ws: ws, streams: make(map[string]Fragments)}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.accepted++
	s.mu.Unlock()

	s.readLoop(r.Context(), c)

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	ws.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) readLoop(ctx context.Context, c *serverConn) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		codec := librpc.Codec(librpc.MsgpackCodec{})
		if typ == websocket.MessageText {
			codec = librpc.JSONCodec{}
		}
		env := new(librpc.Envelope)
		if err := codec.Decode(data, env); err != nil {
			s.log.Warn().Err(err).Msg("malformed frame")
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, env)
		s.mu.Unlock()
		s.dispatch(ctx, c, env)
	}
}

func (s *Server) dispatch(ctx context.Context, c *serverConn, env *librpc.Envelope) {
	switch env.Namespace {
	case librpc.NamespaceRPC:
		switch env.Name {
		case librpc.VerbCall:
			var args librpc.CallArgs
			if err := librpc.DecodeArgs(env.Args, &args); err != nil {
				s.writeError(c, env.ID, &librpc.RPCError{Code: 22, Message: err.Error()})
				return
			}
			call := &Call{ID: env.ID, Path: args.Path, Interface: args.Interface, Method: args.Method, Args: args.Args}
			go s.serveCall(ctx, c, call)
		case librpc.VerbContinue:
			s.next(c, env)
		case librpc.VerbAuth:
			s.login(c, env)
		case librpc.VerbAuthToken:
			s.loginToken(c, env)
		}
	case librpc.NamespaceEvents:
		var patterns []librpc.Pattern
		switch env.Name {
		case librpc.VerbSubscribe:
			if err := librpc.DecodeArgs(env.Args, &patterns); err == nil {
				c.subscribe(patterns)
			}
		case librpc.VerbUnsubscribe:
			if err := librpc.DecodeArgs(env.Args, &patterns); err == nil {
				c.unsubscribe(patterns)
			}
		}
	}
}

func (s *Server) serveCall(ctx context.Context, c *serverConn, call *Call) {
	s.mu.Lock()
	h, ok := s.handlers[call.Method]
	s.mu.Unlock()
	if !ok {
		s.writeError(c, call.ID, &librpc.RPCError{Code: 2, Message: fmt.Sprintf("method %s not found", call.Method)})
		return
	}
	result, err := h.HandleCall(ctx, call)
	if err != nil {
		var rpcErr *librpc.RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &librpc.RPCError{Code: 5, Message: err.Error()}
		}
		s.writeError(c, call.ID, rpcErr)
		return
	}
	if frags, ok := result.(Fragments); ok {
		if len(frags) == 0 {
			s.write(c, &librpc.Envelope{ID: call.ID, Namespace: librpc.NamespaceRPC, Name: librpc.VerbEnd})
			return
		}
		c.mu.Lock()
		c.streams[call.ID] = frags
		c.mu.Unlock()
		s.writeFragment(c, call.ID, 0, frags[0])
		return
	}
	s.write(c, &librpc.Envelope{ID: call.ID, Namespace: librpc.NamespaceRPC, Name: librpc.VerbResponse, Args: result})
}

func (s *Server) next(c *serverConn, env *librpc.Envelope) {
	var seqno int64
	if err := librpc.DecodeArgs(env.Args, &seqno); err != nil {
		s.writeError(c, env.ID, &librpc.RPCError{Code: 22, Message: "bad sequence number"})
		return
	}
	c.mu.Lock()
	frags, ok := c.streams[env.ID]
	if ok && seqno >= int64(len(frags)) {
		delete(c.streams, env.ID)
	}
	c.mu.Unlock()
	switch {
	case !ok:
		s.writeError(c, env.ID, &librpc.RPCError{Code: 2, Message: "no such call"})
	case seqno >= int64(len(frags)):
		s.write(c, &librpc.Envelope{ID: env.ID, Namespace: librpc.NamespaceRPC, Name: librpc.VerbEnd})
	default:
		s.writeFragment(c, env.ID, seqno, frags[seqno])
	}
}

func (s *Server) login(c *serverConn, env *librpc.Envelope) {
	var args struct {
		Username string `msgpack:"username"`
		Password string `msgpack:"password"`
	}
	if err := librpc.DecodeArgs(env.Args, &args); err != nil {
		s.writeError(c, env.ID, &librpc.RPCError{Code: 22, Message: err.Error()})
		return
	}
	s.mu.Lock()
	tok, ok := s.tokens[args.Username+"\x00"+args.Password]
	s.mu.Unlock()
	if !ok {
		s.writeError(c, env.ID, &librpc.RPCError{Code: 13, Message: "invalid credentials"})
		return
	}
	s.write(c, &librpc.Envelope{ID: env.ID, Namespace: librpc.NamespaceRPC, Name: librpc.VerbResponse, Args: tok})
}

func (s *Server) loginToken(c *serverConn, env *librpc.Envelope) {
	var args struct {
		Token string `msgpack:"token"`
	}
	if err := librpc.DecodeArgs(env.Args, &args); err != nil {
		s.writeError(c, env.ID, &librpc.RPCError{Code: 22, Message: err.Error()})
		return
	}
	s.mu.Lock()
	valid := false
	for _, tok := range s.tokens {
		if tok == args.Token {
			valid = true
			break
		}
	}
	s.mu.Unlock()
	if !valid {
		s.writeError(c, env.ID, &librpc.RPCError{Code: 13, Message: "invalid token"})
		return
	}
	s.write(c, &librpc.Envelope{ID: env.ID, Namespace: librpc.NamespaceRPC, Name: librpc.VerbResponse})
}

func (s *Server) writeFragment(c *serverConn, id string, seqno int64, v any) {
	s.write(c, &librpc.Envelope{
		ID:        id,
		Namespace: librpc.NamespaceRPC,
		Name:      librpc.VerbFragment,
		Args:      librpc.FragmentArgs{Seqno: seqno, Fragment: v},
	})
}

func (s *Server) writeError(c *serverConn, id string, e *librpc.RPCError) {
	s.write(c, &librpc.Envelope{
		ID:        id,
		Namespace: librpc.NamespaceRPC,
		Name:      librpc.VerbError,
		Args: librpc.ErrorArgs{
			Code:       e.Code,
			Message:    e.Message,
			Extra:      e.Extra,
			Stacktrace: e.Stacktrace,
		},
	})
}

func (s *Server) write(c *serverConn, env *librpc.Envelope) error {
	data, err := s.codec.Encode(env)
	if err != nil {
		return errors.Trace(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageBinary, data)
}

func (c *serverConn) subscribe(patterns []librpc.Pattern) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, patterns...)
}

func (c *serverConn) unsubscribe(patterns []librpc.Pattern) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range patterns {
		for i, q := range c.subs {
			if q == p {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				break
			}
		}
	}
}

func (c *serverConn) subscribed(e librpc.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.subs {
		if p.Match(e) {
			return true
		}
	}
	return false
}

// Subscriptions returns the patterns subscribed on all connections.
func (s *Server) Subscriptions() []librpc.Pattern {
	var out []librpc.Pattern
	for _, c := range s.snapshot() {
		c.mu.Lock()
		out = append(out, c.subs...)
		c.mu.Unlock()
	}
	return out
}
