// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package librpc

import (
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/backoff"
)

const (
	DefaultCallTimeout    = 20 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultEventBuffer    = 64
	DefaultKeepAlive      = 30 * time.Second
	// PingMethod is the no-op call used for keep-alive.
	PingMethod = "management.ping"
)

// Option configures a Connector
type Option func(*options)

type options struct {
	codec             Codec
	dialer            Dialer
	clock             clock.Clock
	logger            zerolog.Logger
	callTimeout       time.Duration
	connectTimeout    time.Duration
	buffering         bool
	keepAlive         time.Duration
	keepAliveMethod   string
	reconnect         bool
	backoff           backoff.Config
	maxAttempts       int
	resetOnDisconnect bool
	eventBuffer       int
	onError           func(error)
	onEvent           func(Event)
	tracerProvider    trace.TracerProvider
}

func defaultOptions() *options {
	return &options{
		codec:           defaultCodec,
		clock:           clock.WallClock,
		logger:          zerolog.Nop(),
		callTimeout:     DefaultCallTimeout,
		connectTimeout:  DefaultConnectTimeout,
		buffering:       true,
		keepAliveMethod: PingMethod,
		backoff:         backoff.DefaultConfig,
		eventBuffer:     DefaultEventBuffer,
		tracerProvider:  otel.GetTracerProvider(),
	}
}

func newOptions(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithCodec sets the codec outbound envelopes are encoded with
func WithCodec(c Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithDialer overrides the transport registered for the URL scheme
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithClock sets the clock driving call timeouts, reconnects and keep-alive
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCallTimeout sets the default per-call timeout. Zero disables it.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

// WithConnectTimeout bounds a single connection attempt
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

// WithoutBuffering drops requests issued while not connected instead of
// queueing them.
func WithoutBuffering() Option {
	return func(o *options) { o.buffering = false }
}

// WithKeepAlive pings the server every interval while connected.
func WithKeepAlive(interval time.Duration) Option {
	return func(o *options) { o.keepAlive = interval }
}

// WithKeepAliveMethod changes the method called by keep-alive pings
func WithKeepAliveMethod(method string) Option {
	return func(o *options) { o.keepAliveMethod = method }
}

// WithReconnect reconnects after the connection is lost, waiting per
// attempt as cfg describes. maxAttempts of zero retries forever.
func WithReconnect(cfg backoff.Config, maxAttempts int) Option {
	return func(o *options) {
		o.reconnect = true
		o.backoff = cfg
		o.maxAttempts = maxAttempts
	}
}

// WithReconnectDelay reconnects after a fixed delay.
func WithReconnectDelay(d time.Duration) Option {
	return WithReconnect(backoff.Config{
		BaseDelay:  d,
		Multiplier: 1,
		MaxDelay:   d,
	}, 0)
}

// WithResetOnDisconnect fails every pending call with ErrConnectionReset
// when an open connection is lost.
func WithResetOnDisconnect() Option {
	return func(o *options) { o.resetOnDisconnect = true }
}

// WithEventBuffer sets the channel capacity of event feeds
func WithEventBuffer(n int) Option {
	return func(o *options) { o.eventBuffer = n }
}

// WithErrorHandler receives diagnostics that are not tied to a call:
// malformed frames, spurious responses, logout and so on.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) { o.onError = fn }
}

// WithEventHandler receives every event pushed by the server
func WithEventHandler(fn func(Event)) Option {
	return func(o *options) { o.onEvent = fn }
}

// WithTracerProvider sets the provider call spans are created from
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}
