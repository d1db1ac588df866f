// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package librpc is a client for librpc servers over WebSocket.
//
// Every message is an envelope {id, namespace, name, args}, msgpack encoded
// on binary frames (JSON on text frames). Requests carry a fresh id and the
// server echoes it on each response, so many calls share one connection.
//
// # Usage
//
//	client, err := librpc.Dial(ctx, "ws://localhost:5000/ws")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	var hostname string
//	err = client.Call(ctx, librpc.Request{
//	    Path:      "/server",
//	    Interface: "com.example.System",
//	    Method:    "hostname",
//	}, &hostname)
//
// Results too large for one message arrive as fragments. Stream returns
// them as they come; the next fragment is only requested once the previous
// one has been read:
//
//	s, err := client.Stream(ctx, librpc.Request{Method: "logs.tail"})
//	for line, err := range s.All(ctx) {
//	    ...
//	}
//
// Events are subscribed with reference counting: listeners sharing a
// pattern share one subscription on the server.
//
//	feed, err := client.WatchChanges(ctx, "/sensor/1", "com.example.Sensor")
//	for change := range feed.C() {
//	    ...
//	}
//
// # Connection handling
//
// Requests issued while the connection is down are queued and flushed in
// order once it opens, unless WithoutBuffering is set. WithReconnect
// reconnects after a loss and replays the session token and subscriptions
// before the queue. WithResetOnDisconnect fails pending calls as soon as an
// open connection is lost instead of letting them time out.
//
// Several clients can share one connection through a Connector:
//
//	conn, err := librpc.NewConnector(url, librpc.WithReconnectDelay(time.Second))
//	a := librpc.NewClient(conn)
//	b := librpc.NewClient(conn)
//
// # Architecture
//
//   - codec.go, ext.go: msgpack and JSON codecs, Timestamp and Nested extensions
//   - transport.go, websocket.go: Dialer registry and the WebSocket transport
//   - session.go: connection lifecycle, outbound queue and reconnects
//   - registry.go: pending calls and their timeouts
//   - stream.go: response and fragment handling
//   - events.go: subscription table, handlers and feeds
//   - connector.go, client.go, objects.go: the shared engine and client API
//
// The rpctest package serves the protocol in process for tests.
package librpc
