// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package librpc

import (
	"context"
	"net/url"
	"sort"
	"sync"

	"github.com/juju/errors"
)

// Conn is one established transport connection. Read is only called from a
// single goroutine; Write is serialized by the session.
type Conn interface {
	Read(ctx context.Context) (MessageType, []byte, error)
	Write(ctx context.Context, typ MessageType, data []byte) error
	Close() error
}

// Dialer opens transport connections.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// DialerFunc is a function adapter for Dialer
type DialerFunc func(ctx context.Context, rawURL string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, rawURL string) (Conn, error) {
	return f(ctx, rawURL)
}

var (
	transportsMu sync.RWMutex
	transports   = map[string]Dialer{}
)

// RegisterTransport makes a dialer available for URLs with the given scheme.
func RegisterTransport(scheme string, d Dialer) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[scheme] = d
}

// AvailableTransports returns the registered URL schemes
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasTransport checks if a scheme has a registered dialer
func HasTransport(scheme string) bool {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	_, ok := transports[scheme]
	return ok
}

func dialerFor(rawURL string) (Dialer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.NewNotValid(err, "server url")
	}
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	d, ok := transports[u.Scheme]
	if !ok {
		return nil, errors.NotSupportedf("transport %q", u.Scheme)
	}
	return d, nil
}
