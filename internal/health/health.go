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

/*
Package health reports the condition of a running dataplane.

CHECKS:
=======
Each check returns healthy, degraded or unhealthy. The overall status is the
worst of them. The built-in checks cover failed ports, endpoint memory use
and mailbox timeouts.

ENDPOINT:
=========
Handler serves the report as JSON; the status code is 503 when unhealthy.
*/
package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status is the outcome of a check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	}
	return 0
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// CheckFunc runs one check.
type CheckFunc func() CheckResult

// Response is the full report.
type Response struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Checker runs the registered checks.
type Checker struct {
	version string
	started time.Time

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewChecker creates a checker reporting version.
func NewChecker(version string) *Checker {
	return &Checker{
		version: version,
		started: time.Now(),
		checks:  make(map[string]CheckFunc),
	}
}

// RegisterCheck adds or replaces the check called name.
func (c *Checker) RegisterCheck(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// RunChecks runs every check and combines the results.
func (c *Checker) RunChecks() Response {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for n := range c.checks {
		names = append(names, n)
	}
	checks := make(map[string]CheckFunc, len(c.checks))
	for n, f := range c.checks {
		checks[n] = f
	}
	c.mu.RUnlock()
	sort.Strings(names)

	resp := Response{
		Status:    StatusHealthy,
		Version:   c.version,
		Uptime:    time.Since(c.started).Round(time.Second).String(),
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(names)),
	}
	for _, n := range names {
		r := checks[n]()
		resp.Checks[n] = r
		if r.Status.rank() > resp.Status.rank() {
			resp.Status = r.Status
		}
	}
	return resp
}

// IsHealthy reports whether no check is unhealthy.
func (c *Checker) IsHealthy() bool {
	return c.RunChecks().Status != StatusUnhealthy
}

// Handler serves the report as JSON.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := c.RunChecks()
		w.Header().Set("Content-Type", "application/json")
		if resp.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	})
}

// PortsCheck is unhealthy while any port has failed.
func PortsCheck(failed func() []string) CheckFunc {
	return func() CheckResult {
		names := failed()
		if len(names) == 0 {
			return CheckResult{Status: StatusHealthy}
		}
		return CheckResult{Status: StatusUnhealthy, Message: fmt.Sprintf("%d failed port(s): %v", len(names), names)}
	}
}

// EndpointMemoryCheck is degraded when any endpoint uses more than
// threshold percent of its address space.
func EndpointMemoryCheck(threshold float64, usage func() map[string]float64) CheckFunc {
	return func() CheckResult {
		var worst string
		var pct float64
		for name, u := range usage() {
			if u > pct || worst == "" {
				worst, pct = name, u
			}
		}
		if pct > threshold {
			return CheckResult{Status: StatusDegraded, Message: fmt.Sprintf("%s at %.1f%%", worst, pct)}
		}
		return CheckResult{Status: StatusHealthy}
	}
}

// MailboxCheck is degraded once the timeout counter has advanced since the
// previous run.
func MailboxCheck(timeouts func() uint64) CheckFunc {
	var mu sync.Mutex
	last := timeouts()
	return func() CheckResult {
		mu.Lock()
		defer mu.Unlock()
		now := timeouts()
		delta := now - last
		last = now
		if delta > 0 {
			return CheckResult{Status: StatusDegraded, Message: fmt.Sprintf("%d mailbox timeout(s)", delta)}
		}
		return CheckResult{Status: StatusHealthy}
	}
}
