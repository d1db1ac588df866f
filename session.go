// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package librpc

import (
	"context"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
)

// ConnState is the readiness of the transport session.
type ConnState int32

const (
	StateClosed ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// Delivery reports what Send did with an envelope.
type Delivery int

const (
	Delivered Delivery = iota
	Buffered
	Dropped
)

func (d Delivery) String() string {
	switch d {
	case Delivered:
		return "delivered"
	case Buffered:
		return "buffered"
	}
	return "dropped"
}

const (
	recvBuffer  = 64
	stateBuffer = 16
)

type frame struct {
	typ  MessageType
	data []byte
	// subscription frames are superseded by the replay on reconnect
	subscription bool
	// written by the establish hook; never requeued
	replay bool
}

// session owns one transport connection at a time. Frames sent while the
// connection is not open are queued and flushed in order once it opens.
//
// Lock order is establishLock, writeMu, mu.
type session struct {
	url    string
	dialer Dialer
	opts   *options
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	recv   chan *Envelope

	// writeMu serializes writes, including the flush on open.
	writeMu sync.Mutex

	mu          sync.Mutex
	state       ConnState
	conn        Conn
	gen         uint64
	queue       []frame
	everOpened  bool
	closed      bool
	attempt     int
	retry       clock.Timer
	lastErr     error
	watchers    map[int]chan ConnState
	nextWatcher int

	// Set before the first connect.
	establishLock sync.Locker
	establish     func() []*Envelope
	// onDisconnect runs under mu when an open connection is lost; the
	// func it returns, if any, runs once mu is released.
	onDisconnect func() func()
	onError      func(error)
}

func newSession(rawURL string, dialer Dialer, o *options) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		url:      rawURL,
		dialer:   dialer,
		opts:     o,
		log:      o.logger.With().Str("component", "session").Str("url", rawURL).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		recv:     make(chan *Envelope, recvBuffer),
		watchers: make(map[int]chan ConnState),
	}
}

func (s *session) connect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectLocked()
}

// Send transmits env if the connection is open. Otherwise it starts
// connecting if needed and queues env, or drops it when buffered is false.
func (s *session) Send(ctx context.Context, env *Envelope, buffered bool) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return Dropped, err
	}
	data, err := s.opts.codec.Encode(env)
	if err != nil {
		return Dropped, errors.Trace(err)
	}
	f := frame{
		typ:          s.opts.codec.MessageType(),
		data:         data,
		subscription: isSubscriptionFrame(env),
	}
	return s.deliver(f, env, buffered, true)
}

// deliver writes f on the open connection or queues it. A buffered frame
// whose write fails goes through once more, landing in the queue of the
// reconnect the failure started.
func (s *session) deliver(f frame, env *Envelope, buffered, retry bool) (Delivery, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Dropped, ErrConnectionClosed
	}
	if s.state == StateOpen {
		conn, gen := s.conn, s.gen
		s.mu.Unlock()
		err := s.write(conn, gen, f)
		if err == nil {
			return Delivered, nil
		}
		if buffered && retry {
			s.log.Debug().Err(err).Str("name", env.Name).Msg("write failed, queueing")
			return s.deliver(f, env, buffered, false)
		}
		return Dropped, errors.Annotatef(ErrConnectionClosed, "write: %v", err)
	}
	if s.state != StateConnecting {
		s.connectLocked()
	}
	if !buffered {
		s.mu.Unlock()
		return Dropped, errors.Annotatef(ErrNotConnected, "%s.%s", env.Namespace, env.Name)
	}
	s.queue = append(s.queue, f)
	s.mu.Unlock()
	return Buffered, nil
}

func (s *session) write(conn Conn, gen uint64, f frame) error {
	s.writeMu.Lock()
	err := conn.Write(s.ctx, f.typ, f.data)
	s.writeMu.Unlock()
	if err != nil {
		s.lost(gen, err)
	}
	return err
}

// Receive returns the decoded inbound envelopes. It is closed by Close.
func (s *session) Receive() <-chan *Envelope {
	return s.recv
}

func (s *session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) lastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// WatchState returns a channel that first yields the current state and then
// every transition. A slow reader loses the oldest transitions, never the
// newest. The returned func stops the watch.
func (s *session) WatchState() (<-chan ConnState, func()) {
	ch := make(chan ConnState, stateBuffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	ch <- s.state
	if s.closed && s.state == StateClosed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(c)
		}
	}
}

func (s *session) setStateLocked(st ConnState) {
	if s.state == st {
		return
	}
	s.log.Debug().Stringer("from", s.state).Stringer("to", st).Msg("state change")
	s.state = st
	for _, ch := range s.watchers {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- st
		}
	}
}

func (s *session) connectLocked() {
	if s.closed || s.state == StateConnecting || s.state == StateOpen {
		return
	}
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.gen++
	s.setStateLocked(StateConnecting)
	s.wg.Add(1)
	go s.dial(s.gen)
}

func (s *session) dial(gen uint64) {
	defer s.wg.Done()
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	if s.opts.connectTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.opts.connectTimeout)
		defer cancel()
	}
	conn, err := s.dialer.Dial(ctx, s.url)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = errors.Annotatef(ErrConnectTimeout, "after %s", s.opts.connectTimeout)
		}
		s.failedDial(gen, err)
		return
	}
	s.opened(gen, conn)
}

func (s *session) failedDial(gen uint64, err error) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.lastErr = err
	s.setStateLocked(StateClosed)
	if s.opts.reconnect {
		s.scheduleLocked()
	}
	s.mu.Unlock()

	s.log.Warn().Err(err).Msg("connect failed")
	s.report(errors.Annotate(err, "connect"))
}

// opened installs conn and flushes, in order, the replay frames of the
// establish hook (reconnects only) and then the queue. The state turns
// open only once the queue is empty, while writeMu is still held, so no
// newer send overtakes buffered traffic.
func (s *session) opened(gen uint64, conn Conn) {
	if s.establishLock != nil {
		s.establishLock.Lock()
	}
	s.writeMu.Lock()
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		s.writeMu.Unlock()
		if s.establishLock != nil {
			s.establishLock.Unlock()
		}
		conn.Close()
		return
	}
	s.conn = conn
	s.lastErr = nil
	s.attempt = 0
	replay := s.everOpened && s.establish != nil
	s.everOpened = true
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop(gen, conn)

	var frames []frame
	if replay {
		frames = s.encodeReplay(s.establish())
		pending = withoutSubscriptions(pending)
	}
	if s.establishLock != nil {
		s.establishLock.Unlock()
	}
	frames = append(frames, pending...)

	for {
		n, err := s.writeFrames(conn, frames)
		s.mu.Lock()
		if err != nil || s.conn != conn {
			s.queue = append(requeue(frames[n:]), s.queue...)
			s.mu.Unlock()
			s.writeMu.Unlock()
			if err != nil {
				s.lost(gen, err)
			}
			return
		}
		if len(s.queue) == 0 {
			s.setStateLocked(StateOpen)
			s.mu.Unlock()
			break
		}
		frames, s.queue = s.queue, nil
		s.mu.Unlock()
	}
	s.writeMu.Unlock()
	s.log.Info().Bool("replayed", replay).Msg("connection open")
}

func (s *session) writeFrames(conn Conn, frames []frame) (int, error) {
	for i, f := range frames {
		if err := conn.Write(s.ctx, f.typ, f.data); err != nil {
			return i, err
		}
	}
	return len(frames), nil
}

func (s *session) encodeReplay(envs []*Envelope) []frame {
	frames := make([]frame, 0, len(envs))
	for _, env := range envs {
		data, err := s.opts.codec.Encode(env)
		if err != nil {
			s.log.Error().Err(err).Str("name", env.Name).Msg("encoding replay frame")
			continue
		}
		frames = append(frames, frame{typ: s.opts.codec.MessageType(), data: data, replay: true})
	}
	return frames
}

func (s *session) readLoop(gen uint64, conn Conn) {
	defer s.wg.Done()
	for {
		typ, data, err := conn.Read(s.ctx)
		if err != nil {
			s.lost(gen, err)
			return
		}
		env := new(Envelope)
		if err := codecFor(s.opts.codec, typ).Decode(data, env); err != nil {
			s.log.Warn().Err(err).Int("size", len(data)).Stringer("type", typ).Msg("dropping malformed frame")
			s.report(err)
			continue
		}
		select {
		case s.recv <- env:
		case <-s.ctx.Done():
			return
		}
	}
}

// lost handles the end of connection gen. Only the first report per
// connection counts.
func (s *session) lost(gen uint64, cause error) {
	s.mu.Lock()
	if s.closed || gen != s.gen || s.conn == nil {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	wasOpen := s.state == StateOpen
	s.setStateLocked(StateClosed)
	var reset func()
	if wasOpen && s.onDisconnect != nil {
		reset = s.onDisconnect()
	}
	if s.opts.reconnect {
		s.scheduleLocked()
	}
	s.mu.Unlock()

	if reset != nil {
		reset()
	}
	s.log.Info().Err(cause).Bool("wasOpen", wasOpen).Msg("connection lost")
	conn.Close()
}

func (s *session) scheduleLocked() {
	if s.opts.maxAttempts > 0 && s.attempt >= s.opts.maxAttempts {
		s.log.Warn().Int("attempts", s.attempt).Msg("giving up reconnecting")
		return
	}
	delay := reconnectDelay(s.opts.backoff, s.attempt)
	s.attempt++
	var t clock.Timer
	t = s.opts.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.retry != t {
			return
		}
		s.retry = nil
		s.connectLocked()
	})
	s.retry = t
	s.log.Debug().Dur("delay", delay).Int("attempt", s.attempt).Msg("reconnect scheduled")
}

func (s *session) report(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}

// Close stops the session. Queued frames are discarded and Receive is
// closed once the read loop has exited.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.setStateLocked(StateClosing)
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	conn := s.conn
	s.conn = nil
	s.queue = nil
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.log.Debug().Err(err).Msg("closing connection")
		}
	}
	s.wg.Wait()
	close(s.recv)

	s.mu.Lock()
	s.setStateLocked(StateClosed)
	for id, ch := range s.watchers {
		delete(s.watchers, id)
		close(ch)
	}
	s.mu.Unlock()
	s.log.Debug().Msg("session closed")
	return nil
}

func isSubscriptionFrame(env *Envelope) bool {
	return env.Namespace == NamespaceEvents && (env.Name == VerbSubscribe || env.Name == VerbUnsubscribe)
}

func withoutSubscriptions(frames []frame) []frame {
	out := frames[:0:0]
	for _, f := range frames {
		if !f.subscription {
			out = append(out, f)
		}
	}
	return out
}

func requeue(frames []frame) []frame {
	out := make([]frame, 0, len(frames))
	for _, f := range frames {
		if !f.replay {
			out = append(out, f)
		}
	}
	return out
}
