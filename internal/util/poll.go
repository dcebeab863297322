// Copyright 2026 ShareFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"context"
	"time"
)

// PollConfig bounds a wait for some condition to become true.
type PollConfig struct {
	Timeout  time.Duration // zero means 5s
	Interval time.Duration // zero means 50ms
}

// FastPollConfig is used while waiting for the daemon to come up.
func FastPollConfig() PollConfig {
	return PollConfig{Timeout: 5 * time.Second, Interval: 25 * time.Millisecond}
}

// ExportPollConfig is used while waiting for an export listener to accept
// or release its port.
func ExportPollConfig() PollConfig {
	return PollConfig{Timeout: 10 * time.Second, Interval: 50 * time.Millisecond}
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = 50 * time.Millisecond
	}
	return c
}

// PollUntil checks condition immediately and then every cfg.Interval until
// it holds. It returns context.DeadlineExceeded once cfg.Timeout elapses,
// or the parent context's error if that ends first.
func PollUntil(ctx context.Context, cfg PollConfig, condition func() bool) error {
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if condition() {
		return nil
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// WaitWithDeadline is PollUntil for callers without a context. It reports
// whether condition held before deadline.
func WaitWithDeadline(deadline time.Time, interval time.Duration, condition func() bool) bool {
	timeout := time.Until(deadline)
	if timeout <= 0 {
		return condition()
	}
	return PollUntil(context.Background(), PollConfig{Timeout: timeout, Interval: interval}, condition) == nil
}
