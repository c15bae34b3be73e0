/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package xfer

import (
	"context"
	"runtime"
	"time"

	"dataplane/internal/config"
)

// PollPolicy is the exponential backoff used while waiting on flags.
type PollPolicy struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Multiplier  float64
}

// DefaultPollPolicy returns the policy used when none is configured.
func DefaultPollPolicy() PollPolicy {
	return PollPolicyFrom(config.DefaultConfig().Poll)
}

// PollPolicyFrom converts the configured poll section.
func PollPolicyFrom(c config.PollConfig) PollPolicy {
	return PollPolicy{
		Interval:    c.Interval(),
		MaxInterval: c.MaxInterval(),
		Multiplier:  c.Multiplier,
	}
}

// NewPoller starts a backoff sequence.
func (p PollPolicy) NewPoller() *Poller {
	return &Poller{policy: p, next: p.Interval}
}

// Poller tracks one backoff sequence.
type Poller struct {
	policy PollPolicy
	next   time.Duration
}

// Wait sleeps for the current interval and grows it. A zero interval only
// yields the processor.
func (p *Poller) Wait(ctx context.Context) error {
	if p.next <= 0 {
		runtime.Gosched()
		return ctx.Err()
	}

	t := time.NewTimer(p.next)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}

	if p.policy.Multiplier > 1 {
		p.next = time.Duration(float64(p.next) * p.policy.Multiplier)
	}
	if p.policy.MaxInterval > 0 && p.next > p.policy.MaxInterval {
		p.next = p.policy.MaxInterval
	}
	return nil
}

// Reset restarts the sequence at the initial interval.
func (p *Poller) Reset() {
	p.next = p.policy.Interval
}

// PollUntil calls done until it returns true, waiting between attempts and
// running pump (when non-nil) before every attempt. It gives up after
// limit attempts (0 means no limit) and reports whether done succeeded.
func PollUntil(ctx context.Context, policy PollPolicy, limit int, pump func(), done func() bool) (bool, error) {
	p := policy.NewPoller()
	for i := 0; limit <= 0 || i < limit; i++ {
		if pump != nil {
			pump()
		}
		if done() {
			return true, nil
		}
		if err := p.Wait(ctx); err != nil {
			return false, err
		}
	}
	return false, nil
}
