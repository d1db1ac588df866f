// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package librpc

import (
	"context"

	"github.com/juju/errors"
)

// Dial connects to a librpc server and waits for the connection to open.
// Without reconnection the first failed attempt is returned; with it, Dial
// keeps waiting until ctx or the connect timeout expires.
func Dial(ctx context.Context, rawURL string, opts ...Option) (*Client, error) {
	c, err := NewConnector(rawURL, opts...)
	if err != nil {
		return nil, err
	}
	cl := NewClient(c)
	if err := waitOpen(ctx, c); err != nil {
		cl.Close()
		return nil, err
	}
	return cl, nil
}

func waitOpen(ctx context.Context, c *Connector) error {
	if c.opts.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.connectTimeout)
		defer cancel()
	}
	states, stop := c.session.WatchState()
	defer stop()
	for {
		select {
		case st, ok := <-states:
			if !ok {
				return ErrConnectionClosed
			}
			switch st {
			case StateOpen:
				return nil
			case StateClosed:
				if err := c.session.lastError(); err != nil && !c.opts.reconnect {
					return errors.Annotatef(err, "dial %s", c.url)
				}
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errors.Annotatef(ErrConnectTimeout, "dial %s", c.url)
			}
			return ctx.Err()
		}
	}
}
