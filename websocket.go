// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package librpc

import (
	"context"
	"net/http"

	"github.com/juju/errors"
	"nhooyr.io/websocket"
)

// maxFrameSize bounds a single inbound frame.
const maxFrameSize = 64 * 1024 * 1024

func init() {
	RegisterTransport("ws", WebSocketDialer{})
	RegisterTransport("wss", WebSocketDialer{})
}

// WebSocketDialer dials librpc servers over WebSocket.
type WebSocketDialer struct {
	HTTPClient *http.Client
	Header     http.Header
}

func (d WebSocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "websocket dial %s", rawURL)
	}
	c.SetReadLimit(maxFrameSize)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) (MessageType, []byte, error) {
	typ, data, err := w.c.Read(ctx)
	if err != nil {
		return 0, nil, err
	}
	if typ == websocket.MessageText {
		return MessageText, data, nil
	}
	return MessageBinary, data, nil
}

func (w *wsConn) Write(ctx context.Context, typ MessageType, data []byte) error {
	wt := websocket.MessageBinary
	if typ == MessageText {
		wt = websocket.MessageText
	}
	return w.c.Write(ctx, wt, data)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}
