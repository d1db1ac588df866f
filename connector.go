// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package librpc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/luxfi/librpc"

func newID() string {
	return uuid.NewString()
}

// Connector is the engine shared by clients talking to one server: one
// transport session, one call registry and one subscription table.
// Every Client built on it holds a reference; the connector shuts down
// when the last one is closed.
type Connector struct {
	url      string
	opts     *options
	log      zerolog.Logger
	tracer   trace.Tracer
	session  *session
	registry *callRegistry
	router   *eventRouter

	// token is the last session token, replayed on reconnect.
	token atomic.Pointer[string]

	mu     sync.Mutex
	refs   int
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConnector starts connecting to rawURL. The dialer is chosen by the
// URL scheme unless WithDialer is given.
func NewConnector(rawURL string, opts ...Option) (*Connector, error) {
	o := newOptions(opts)
	dialer := o.dialer
	if dialer == nil {
		d, err := dialerFor(rawURL)
		if err != nil {
			return nil, errors.Trace(err)
		}
		dialer = d
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connector{
		url:    rawURL,
		opts:   o,
		log:    o.logger.With().Str("component", "connector").Logger(),
		tracer: o.tracerProvider.Tracer(tracerName),
		ctx:    ctx,
		cancel: cancel,
	}
	c.session = newSession(rawURL, dialer, o)
	c.registry = newCallRegistry(o.clock, o.logger, c.report)
	c.router = newEventRouter(c.session.Send, o.logger)

	c.session.establishLock = &c.router.mu
	c.session.establish = c.establish
	c.session.onDisconnect = c.disconnected
	c.session.onError = c.report

	c.wg.Add(1)
	go c.dispatchLoop()
	if o.keepAlive > 0 {
		c.wg.Add(1)
		go c.keepAliveLoop()
	}
	c.session.connect()
	return c, nil
}

// URL returns the server address.
func (c *Connector) URL() string { return c.url }

// State returns the current connection state.
func (c *Connector) State() ConnState { return c.session.State() }

func (c *Connector) retain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs++
}

func (c *Connector) release() error {
	c.mu.Lock()
	c.refs--
	last := c.refs <= 0
	c.mu.Unlock()
	if !last {
		return nil
	}
	return c.Close()
}

// Close shuts the connector down regardless of the clients still using it.
// Pending calls fail with ErrConnectionClosed.
func (c *Connector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	err := c.session.Close()
	c.wg.Wait()
	c.registry.failAll(ErrConnectionClosed)
	c.router.shutdown()
	c.log.Debug().Msg("connector closed")
	return errors.Trace(err)
}

func (c *Connector) report(err error) {
	if c.opts.onError != nil {
		c.opts.onError(err)
	}
}

func (c *Connector) dispatchLoop() {
	defer c.wg.Done()
	for env := range c.session.Receive() {
		c.handle(env)
	}
}

func (c *Connector) handle(env *Envelope) {
	switch env.Namespace {
	case NamespaceEvents:
		switch env.Name {
		case VerbEvent:
			e, err := parseEvent(env.Args)
			if err != nil {
				c.log.Warn().Err(err).Msg("dropping event")
				c.report(err)
				return
			}
			c.dispatchEvent(e)
		case VerbEventBurst:
			events, err := parseEventBurst(env.Args)
			if err != nil {
				c.log.Warn().Err(err).Msg("dropping event burst")
				c.report(err)
				return
			}
			for _, e := range events {
				c.dispatchEvent(e)
			}
		case VerbLogout:
			c.token.Store(nil)
			c.log.Warn().Msg("logged out by server")
			c.report(ErrLogout)
		default:
			c.log.Debug().Str("name", env.Name).Msg("ignoring events message")
		}
	case NamespaceRPC:
		if env.Name == VerbCall {
			c.log.Error().Str("id", env.ID).Msg("server-initiated call is not supported")
			c.report(errors.Annotatef(ErrUnsupportedCall, "id %s", env.ID))
			return
		}
		if !env.IsResponse() {
			c.log.Debug().Str("name", env.Name).Msg("ignoring rpc message")
			return
		}
		if !c.registry.resolve(env) {
			c.log.Warn().Str("id", env.ID).Str("name", env.Name).Msg("spurious response")
			c.report(errors.Annotatef(ErrSpuriousResponse, "id %s", env.ID))
		}
	default:
		c.log.Warn().Str("namespace", string(env.Namespace)).Str("name", env.Name).Msg("unknown namespace")
	}
}

func (c *Connector) dispatchEvent(e Event) {
	c.router.dispatch(e)
	if c.opts.onEvent != nil {
		c.opts.onEvent(e)
	}
}

// establish returns the frames that restore server-side session state on
// a new connection: the session token, then every active subscription.
// The session calls it with the router lock held.
func (c *Connector) establish() []*Envelope {
	var envs []*Envelope
	if tok := c.token.Load(); tok != nil {
		id := newID()
		c.registry.register(id, VerbAuthToken, c.opts.callTimeout, &replayResponder{c: c})
		envs = append(envs, &Envelope{
			ID:        id,
			Namespace: NamespaceRPC,
			Name:      VerbAuthToken,
			Args:      authTokenArgs{Token: *tok},
		})
	}
	if patterns := c.router.activeLocked(); len(patterns) > 0 {
		envs = append(envs, subscriptionEnvelope(VerbSubscribe, patterns...))
	}
	return envs
}

// disconnected runs under the session lock. It detaches the calls pending
// at the loss; calls issued after it are queued for the next connection
// and left alone.
func (c *Connector) disconnected() func() {
	if !c.opts.resetOnDisconnect {
		return nil
	}
	calls := c.registry.detachAll()
	return func() {
		c.registry.failCalls(calls, ErrConnectionReset)
	}
}

func (c *Connector) keepAliveLoop() {
	defer c.wg.Done()
	log := c.log.With().Str("method", c.opts.keepAliveMethod).Logger()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.opts.clock.After(c.opts.keepAlive):
		}
		if c.session.State() != StateOpen {
			continue
		}
		if err := c.ping(c.ctx); err != nil {
			log.Debug().Err(err).Msg("keep-alive failed")
		}
	}
}

func (c *Connector) ping(ctx context.Context) error {
	s, err := c.stream(ctx, Request{Method: c.opts.keepAliveMethod, Unbuffered: true})
	if err != nil {
		return err
	}
	defer s.Close()
	_, err = s.Collect(ctx)
	return err
}

// replayResponder receives the answer to a replayed auth_token.
type replayResponder struct {
	c *Connector
}

func (r *replayResponder) deliver(env *Envelope) bool {
	if env.Name == VerbError {
		err := newRPCError(env.Args)
		r.c.token.Store(nil)
		r.c.log.Warn().Err(err).Msg("session token rejected on reconnect")
		r.c.report(errors.Annotate(err, "replaying session token"))
		return true
	}
	r.c.log.Debug().Msg("session token accepted")
	return true
}

func (r *replayResponder) fail(err error) {
	r.c.log.Warn().Err(err).Msg("replaying session token")
}
