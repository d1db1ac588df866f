// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package librpc

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, srv *fakeServer, opts ...Option) *session {
	t.Helper()
	s := newSession("fake://test", srv, newOptions(opts))
	t.Cleanup(func() { s.Close() })
	return s
}

func waitSessionState(t *testing.T, s *session, want ConnState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.State() == want
	}, waitFor, tick, "state %s", want)
}

func callEnvelope(id string) *Envelope {
	return &Envelope{
		ID:        id,
		Namespace: NamespaceRPC,
		Name:      VerbCall,
		Args:      CallArgs{Method: "m", Args: []any{}},
	}
}

func TestSessionBuffersUntilOpen(t *testing.T) {
	srv := newFakeServer()
	srv.hold()
	s := newTestSession(t, srv)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d, err := s.Send(ctx, callEnvelope(strconv.Itoa(i)), true)
		require.NoError(t, err)
		assert.Equal(t, Buffered, d)
	}
	assert.Equal(t, StateConnecting, s.State())
	assert.Empty(t, srv.envelopes())

	srv.release()
	waitSessionState(t, s, StateOpen)
	envs := srv.waitSent(t, 3)
	var ids []string
	for _, env := range envs {
		ids = append(ids, env.ID)
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids)

	d, err := s.Send(ctx, callEnvelope("4"), true)
	require.NoError(t, err)
	assert.Equal(t, Delivered, d)
	assert.Equal(t, "4", srv.waitSent(t, 4)[3].ID)
	assert.Equal(t, 1, srv.dialCount())
}

func TestSessionFlushesInOrderAfterReconnect(t *testing.T) {
	srv := newFakeServer()
	s := newTestSession(t, srv)
	s.connect()
	waitSessionState(t, s, StateOpen)
	ctx := context.Background()

	srv.hold()
	srv.drop()
	waitSessionState(t, s, StateClosed)
	for i := 1; i <= 4; i++ {
		d, err := s.Send(ctx, callEnvelope(strconv.Itoa(i)), true)
		require.NoError(t, err)
		assert.Equal(t, Buffered, d)
	}
	assert.Equal(t, 4, queueLen(s))

	srv.release()
	waitSessionState(t, s, StateOpen)
	var ids []string
	for _, env := range srv.waitSent(t, 4) {
		ids = append(ids, env.ID)
	}
	assert.Equal(t, []string{"1", "2", "3", "4"}, ids)
	assert.Equal(t, 2, srv.dialCount())
}

func TestSessionFailedWriteRequeues(t *testing.T) {
	srv := newFakeServer()
	s := newTestSession(t, srv)
	s.connect()
	waitSessionState(t, s, StateOpen)

	srv.mu.Lock()
	srv.failWrites = 1
	srv.mu.Unlock()
	d, err := s.Send(context.Background(), callEnvelope("1"), true)
	require.NoError(t, err)
	assert.Equal(t, Buffered, d)

	waitSessionState(t, s, StateOpen)
	envs := srv.waitSent(t, 1)
	assert.Equal(t, "1", envs[0].ID)
	assert.Equal(t, 2, srv.dialCount())
}

func TestSessionFailedWriteUnbuffered(t *testing.T) {
	srv := newFakeServer()
	s := newTestSession(t, srv)
	s.connect()
	waitSessionState(t, s, StateOpen)

	srv.mu.Lock()
	srv.failWrites = 1
	srv.mu.Unlock()
	d, err := s.Send(context.Background(), callEnvelope("1"), false)
	assert.Equal(t, Dropped, d)
	assert.True(t, errors.Is(err, ErrConnectionClosed), "got %v", err)
	assert.Empty(t, srv.envelopes())
}

func TestSessionUnbufferedDrops(t *testing.T) {
	srv := newFakeServer()
	srv.hold()
	defer srv.release()
	s := newTestSession(t, srv)

	d, err := s.Send(context.Background(), callEnvelope("1"), false)
	assert.Equal(t, Dropped, d)
	assert.True(t, errors.Is(err, ErrNotConnected), "got %v", err)
	assert.Equal(t, StateConnecting, s.State(), "a dropped send still starts connecting")
}

func TestSessionSendReconnectsWhenClosed(t *testing.T) {
	srv := newFakeServer()
	srv.failDials = 1
	diags := &errorRecorder{}
	s := newTestSession(t, srv)
	s.onError = diags.record
	s.connect()

	require.Eventually(t, func() bool {
		return s.State() == StateClosed && s.lastError() != nil
	}, waitFor, tick)

	d, err := s.Send(context.Background(), callEnvelope("1"), true)
	require.NoError(t, err)
	assert.Equal(t, Buffered, d)
	waitSessionState(t, s, StateOpen)
	srv.waitSent(t, 1)
	assert.Equal(t, 2, srv.dialCount())
	assert.NoError(t, s.lastError())
}

func TestSessionReconnectsAfterLoss(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	srv := newFakeServer()
	s := newTestSession(t, srv, WithClock(clk), WithReconnectDelay(time.Second))
	s.connect()
	waitSessionState(t, s, StateOpen)

	srv.drop()
	waitSessionState(t, s, StateClosed)
	assert.Equal(t, 1, srv.dialCount())

	require.NoError(t, clk.WaitAdvance(time.Second, waitFor, 1))
	waitSessionState(t, s, StateOpen)
	assert.Equal(t, 2, srv.dialCount())
}

func TestSessionNoReconnectByDefault(t *testing.T) {
	srv := newFakeServer()
	s := newTestSession(t, srv)
	s.connect()
	waitSessionState(t, s, StateOpen)

	srv.drop()
	waitSessionState(t, s, StateClosed)
	time.Sleep(10 * tick)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, srv.dialCount())
}

func TestSessionWatchState(t *testing.T) {
	srv := newFakeServer()
	srv.hold()
	s := newTestSession(t, srv)
	states, stop := s.WatchState()
	defer stop()

	s.connect()
	srv.release()
	waitSessionState(t, s, StateOpen)
	require.NoError(t, s.Close())

	var got []ConnState
	for st := range states {
		got = append(got, st)
	}
	assert.Equal(t, []ConnState{StateClosed, StateConnecting, StateOpen, StateClosing, StateClosed}, got)
}

func TestSessionCloseEndsReceive(t *testing.T) {
	srv := newFakeServer()
	s := newTestSession(t, srv)
	s.connect()
	waitSessionState(t, s, StateOpen)

	require.NoError(t, s.Close())
	for range s.Receive() {
	}
	_, err := s.Send(context.Background(), callEnvelope("1"), true)
	assert.True(t, errors.Is(err, ErrConnectionClosed), "got %v", err)
	assert.Equal(t, StateClosed, s.State())
}

func TestSessionSkipsMalformedFrames(t *testing.T) {
	srv := newFakeServer()
	diags := &errorRecorder{}
	s := newTestSession(t, srv)
	s.onError = diags.record
	s.connect()
	waitSessionState(t, s, StateOpen)

	conn := srv.current()
	conn.sendRaw(MessageBinary, []byte{0xc1})
	respond(conn, "after", "ok")

	select {
	case env := <-s.Receive():
		assert.Equal(t, "after", env.ID)
	case <-time.After(waitFor):
		t.Fatal("read loop stopped after a malformed frame")
	}
	assert.True(t, diags.has(ErrMalformedPayload))
	assert.Equal(t, StateOpen, s.State())
}

func TestSessionTextFrames(t *testing.T) {
	srv := newFakeServer()
	s := newTestSession(t, srv)
	s.connect()
	waitSessionState(t, s, StateOpen)

	srv.current().sendRaw(MessageText, []byte(`{"id":"j","namespace":"rpc","name":"response","args":"ok"}`))
	select {
	case env := <-s.Receive():
		assert.Equal(t, "j", env.ID)
		assert.Equal(t, "ok", env.Args)
	case <-time.After(waitFor):
		t.Fatal("no envelope")
	}
}

func TestSessionConnectTimeout(t *testing.T) {
	srv := newFakeServer()
	srv.hold()
	defer srv.release()
	s := newTestSession(t, srv, WithConnectTimeout(20*time.Millisecond))
	s.connect()

	require.Eventually(t, func() bool {
		return s.State() == StateClosed && s.lastError() != nil
	}, waitFor, tick)
	assert.True(t, errors.Is(s.lastError(), ErrConnectTimeout), "got %v", s.lastError())
}
