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
	"errors"
	"testing"
	"time"
)

func TestPollUntilLimit(t *testing.T) {
	policy := PollPolicy{Interval: time.Microsecond, MaxInterval: 4 * time.Microsecond, Multiplier: 2}
	pumps := 0
	ok, err := PollUntil(context.Background(), policy, 5, func() { pumps++ }, func() bool { return false })
	if err != nil {
		t.Fatalf("PollUntil failed: %v", err)
	}
	if ok {
		t.Error("Expected PollUntil to give up")
	}
	if pumps != 5 {
		t.Errorf("Expected 5 pumps, got %d", pumps)
	}
}

func TestPollUntilSucceeds(t *testing.T) {
	calls := 0
	ok, err := PollUntil(context.Background(), PollPolicy{}, 0, nil, func() bool {
		calls++
		return calls == 3
	})
	if err != nil || !ok {
		t.Fatalf("Expected success, got %v %v", ok, err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestPollUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	policy := PollPolicy{Interval: time.Millisecond, MaxInterval: time.Millisecond}
	ok, err := PollUntil(ctx, policy, 0, nil, func() bool { return false })
	if ok || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v %v", ok, err)
	}
}

func TestPollerBackoff(t *testing.T) {
	p := PollPolicy{Interval: time.Microsecond, MaxInterval: 3 * time.Microsecond, Multiplier: 2}.NewPoller()
	ctx := context.Background()
	want := []time.Duration{2 * time.Microsecond, 3 * time.Microsecond, 3 * time.Microsecond}
	for i, w := range want {
		if err := p.Wait(ctx); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
		if p.next != w {
			t.Errorf("Step %d: expected %v, got %v", i, w, p.next)
		}
	}
	p.Reset()
	if p.next != time.Microsecond {
		t.Errorf("Expected reset to initial interval, got %v", p.next)
	}
}

func TestDefaultPollPolicy(t *testing.T) {
	p := DefaultPollPolicy()
	if p.Interval != 10*time.Microsecond || p.MaxInterval != 2*time.Millisecond || p.Multiplier != 2 {
		t.Errorf("Unexpected default policy %+v", p)
	}
}
