// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package librpc

import (
	"context"
	"io"
	"iter"
	"sync"

	"github.com/juju/errors"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type streamState int

const (
	awaitingFirst streamState = iota
	fragmenting
	streamDone
	streamErrored
)

func (s streamState) terminal() bool {
	return s == streamDone || s == streamErrored
}

// Stream yields the results of one call. A plain response yields a single
// value; a fragmented response yields one value per fragment. The next
// fragment is requested when the previous one is taken with Next, so a
// consumer that stops reading stops the exchange after at most one more
// round trip.
type Stream struct {
	id       string
	method   string
	conn     *Connector
	buffered bool
	span     trace.Span

	mu         sync.Mutex
	state      streamState
	values     []any
	err        error
	seqno      int64
	fragmented bool
	inflight   bool
	closed     bool
	spanEnded  bool
	notify     chan struct{}
}

func newStream(c *Connector, id, method string, buffered bool, span trace.Span) *Stream {
	return &Stream{
		id:       id,
		method:   method,
		conn:     c,
		buffered: buffered,
		span:     span,
		inflight: true,
		notify:   make(chan struct{}, 1),
	}
}

// ID is the request id shared by every envelope of the exchange.
func (s *Stream) ID() string { return s.id }

// Fragmented reports whether the server answered with fragments.
func (s *Stream) Fragmented() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fragmented
}

func (s *Stream) deliver(env *Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight = false
	if s.state.terminal() {
		return true
	}
	if s.closed {
		// The consumer is gone and this was the round trip in flight.
		s.finishLocked(streamDone, ErrStreamClosed)
		return true
	}
	switch env.Name {
	case VerbResponse:
		s.pushLocked(env.Args)
		s.finishLocked(streamDone, io.EOF)
		return true
	case VerbFragment:
		var fa FragmentArgs
		if err := DecodeArgs(env.Args, &fa); err != nil {
			s.finishLocked(streamErrored, errors.Annotatef(ErrMalformedPayload, "fragment: %v", err))
			return true
		}
		s.state = fragmenting
		s.fragmented = true
		s.seqno = fa.Seqno
		s.pushLocked(fa.Fragment)
		return false
	case VerbEnd:
		s.finishLocked(streamDone, io.EOF)
		return true
	case VerbError:
		s.finishLocked(streamErrored, newRPCError(env.Args))
		return true
	}
	s.finishLocked(streamErrored, errors.Annotatef(ErrMalformedPayload, "unexpected response %q", env.Name))
	return true
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight = false
	if s.state.terminal() {
		return
	}
	s.finishLocked(streamErrored, err)
}

func (s *Stream) pushLocked(v any) {
	s.values = append(s.values, v)
	s.wakeLocked()
}

func (s *Stream) wakeLocked() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// finishLocked moves to a terminal state. The first terminal error sticks.
func (s *Stream) finishLocked(st streamState, err error) {
	s.state = st
	if s.err == nil {
		s.err = err
	}
	s.wakeLocked()
	s.endSpanLocked()
}

func (s *Stream) endSpanLocked() {
	if s.spanEnded || s.span == nil {
		return
	}
	s.spanEnded = true
	if s.err != nil && s.err != io.EOF && !errors.Is(s.err, ErrStreamClosed) {
		s.span.RecordError(s.err)
		s.span.SetStatus(codes.Error, s.err.Error())
	}
	s.span.End()
}

// Next returns the next value, or io.EOF once the result is complete.
func (s *Stream) Next(ctx context.Context) (any, error) {
	for {
		s.mu.Lock()
		if len(s.values) > 0 {
			v := s.values[0]
			s.values = s.values[1:]
			more := s.state == fragmenting && !s.inflight && !s.closed
			if more {
				s.inflight = true
			}
			seqno := s.seqno + 1
			s.mu.Unlock()
			if more {
				s.requestNext(ctx, seqno)
			}
			return v, nil
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// requestNext asks for fragment seqno. A failed send ends the stream.
func (s *Stream) requestNext(ctx context.Context, seqno int64) {
	c := s.conn
	if !c.registry.rearm(s.id) {
		return
	}
	env := &Envelope{
		ID:        s.id,
		Namespace: NamespaceRPC,
		Name:      VerbContinue,
		Args:      seqno,
	}
	if _, err := c.session.Send(context.WithoutCancel(ctx), env, s.buffered); err != nil {
		c.registry.fail(s.id, errors.Annotatef(err, "continue %d", seqno))
	}
}

// All iterates over the remaining values. Breaking out of the loop closes
// the stream.
func (s *Stream) All(ctx context.Context) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		for {
			v, err := s.Next(ctx)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(v, nil) {
				s.Close()
				return
			}
		}
	}
}

// Collect reads the stream to the end.
func (s *Stream) Collect(ctx context.Context) ([]any, error) {
	var out []any
	for {
		v, err := s.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
}

// Close abandons the stream. A request already on the wire is allowed to
// complete, but no further fragment is requested.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.values = nil
	inflight := s.inflight
	if !s.state.terminal() && !inflight {
		s.finishLocked(streamDone, ErrStreamClosed)
	}
	if s.err == nil {
		s.err = ErrStreamClosed
	}
	s.mu.Unlock()

	if !inflight {
		s.conn.registry.cancel(s.id)
	}
	return nil
}
