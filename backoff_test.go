// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package librpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/backoff"
)

func TestReconnectDelayExponential(t *testing.T) {
	cfg := backoff.Config{
		BaseDelay:  time.Second,
		Multiplier: 2,
		MaxDelay:   10 * time.Second,
	}
	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for n, d := range want {
		assert.Equal(t, d, reconnectDelay(cfg, n), "attempt %d", n)
	}
}

func TestReconnectDelayFixed(t *testing.T) {
	cfg := backoff.Config{BaseDelay: 3 * time.Second, Multiplier: 1, MaxDelay: 3 * time.Second}
	for n := range 5 {
		assert.Equal(t, 3*time.Second, reconnectDelay(cfg, n))
	}
}

func TestReconnectDelayJitter(t *testing.T) {
	cfg := backoff.Config{BaseDelay: time.Second, Multiplier: 2, Jitter: 0.2, MaxDelay: time.Minute}
	for range 100 {
		d := reconnectDelay(cfg, 2)
		assert.GreaterOrEqual(t, d, 3200*time.Millisecond)
		assert.LessOrEqual(t, d, 4800*time.Millisecond)
	}
}
