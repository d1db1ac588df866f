// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package librpc

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
)

// responder receives the responses of one request id. deliver reports
// whether the exchange is finished.
type responder interface {
	deliver(env *Envelope) bool
	fail(err error)
}

type pendingCall struct {
	id       string
	method   string
	issuedAt time.Time
	timeout  time.Duration
	// round changes every time the timer is armed or stopped; a timer
	// callback from an older round is ignored.
	round uint64
	timer clock.Timer
	r     responder
}

// callRegistry maps request ids to the responders waiting on them.
type callRegistry struct {
	clock clock.Clock
	log   zerolog.Logger
	diag  func(error)

	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newCallRegistry(clk clock.Clock, log zerolog.Logger, diag func(error)) *callRegistry {
	return &callRegistry{
		clock: clk,
		log:   log.With().Str("component", "registry").Logger(),
		diag:  diag,
		calls: make(map[string]*pendingCall),
	}
}

// register stores r under id and starts its timeout.
func (r *callRegistry) register(id, method string, timeout time.Duration, resp responder) {
	c := &pendingCall{
		id:       id,
		method:   method,
		issuedAt: r.clock.Now(),
		timeout:  timeout,
		r:        resp,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[id] = c
	r.armLocked(c)
}

// rearm restarts the timeout of id, before another round trip is sent.
func (r *callRegistry) rearm(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return false
	}
	r.armLocked(c)
	return true
}

func (r *callRegistry) armLocked(c *pendingCall) {
	r.stopLocked(c)
	if c.timeout <= 0 {
		return
	}
	id, round := c.id, c.round
	c.timer = r.clock.AfterFunc(c.timeout, func() {
		r.expire(id, round)
	})
}

func (r *callRegistry) stopLocked(c *pendingCall) {
	c.round++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// resolve hands env to the responder waiting on env.ID. It returns false
// when nobody is waiting.
func (r *callRegistry) resolve(env *Envelope) bool {
	r.mu.Lock()
	c, ok := r.calls[env.ID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.stopLocked(c)
	r.mu.Unlock()

	if c.r.deliver(env) {
		r.mu.Lock()
		if r.calls[env.ID] == c {
			delete(r.calls, env.ID)
		}
		r.mu.Unlock()
	}
	return true
}

// expire fails id with a timeout unless a response or a rearm came first.
func (r *callRegistry) expire(id string, round uint64) {
	r.mu.Lock()
	c, ok := r.calls[id]
	if !ok || c.round != round {
		r.mu.Unlock()
		return
	}
	delete(r.calls, id)
	c.timer = nil
	r.mu.Unlock()

	err := errors.Annotatef(ErrCallTimeout, "%s after %s", c.method, c.timeout)
	r.log.Warn().
		Str("id", id).
		Str("method", c.method).
		Dur("elapsed", r.clock.Now().Sub(c.issuedAt)).
		Msg("call timed out")
	if r.diag != nil {
		r.diag(err)
	}
	c.r.fail(err)
}

// cancel forgets id without resolving it.
func (r *callRegistry) cancel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.calls[id]; ok {
		r.stopLocked(c)
		delete(r.calls, id)
	}
}

// fail resolves id with err.
func (r *callRegistry) fail(id string, err error) {
	r.mu.Lock()
	c, ok := r.calls[id]
	if ok {
		r.stopLocked(c)
		delete(r.calls, id)
	}
	r.mu.Unlock()
	if ok {
		c.r.fail(err)
	}
}

// failAll resolves every pending call with err.
func (r *callRegistry) failAll(err error) int {
	return r.failCalls(r.detachAll(), err)
}

// detachAll removes every pending call without resolving it. Calls
// registered afterwards are unaffected.
func (r *callRegistry) detachAll() []*pendingCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	calls := make([]*pendingCall, 0, len(r.calls))
	for id, c := range r.calls {
		r.stopLocked(c)
		delete(r.calls, id)
		calls = append(calls, c)
	}
	return calls
}

func (r *callRegistry) failCalls(calls []*pendingCall, err error) int {
	for _, c := range calls {
		c.r.fail(err)
	}
	if len(calls) > 0 {
		r.log.Info().Err(err).Int("calls", len(calls)).Msg("failed pending calls")
	}
	return len(calls)
}

func (r *callRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
