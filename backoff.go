// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package librpc

import (
	"math/rand/v2"
	"time"

	"google.golang.org/grpc/backoff"
)

// reconnectDelay returns how long to wait before reconnect attempt n
// (zero based). It follows the exponential strategy grpc uses for its own
// connection backoff.
func reconnectDelay(cfg backoff.Config, n int) time.Duration {
	if n == 0 || cfg.Multiplier <= 1 {
		return jitter(cfg, float64(cfg.BaseDelay))
	}
	delay, ceiling := float64(cfg.BaseDelay), float64(cfg.MaxDelay)
	for delay < ceiling && n > 0 {
		delay *= cfg.Multiplier
		n--
	}
	if delay > ceiling {
		delay = ceiling
	}
	return jitter(cfg, delay)
}

func jitter(cfg backoff.Config, delay float64) time.Duration {
	if cfg.Jitter > 0 {
		delay *= 1 + cfg.Jitter*(rand.Float64()*2-1)
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}
