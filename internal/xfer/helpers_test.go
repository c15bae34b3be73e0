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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

const memProtocol = "test-mem"

// memDriver keeps every local endpoint in process memory so endpoints of
// one manager can copy between each other.
type memDriver struct {
	mu       sync.Mutex
	mem      map[uuid.UUID]*HeapSmem
	released int
}

func newMemDriver() *memDriver {
	return &memDriver{mem: make(map[uuid.UUID]*HeapSmem)}
}

func (d *memDriver) Protocol() string { return memProtocol }

func (d *memDriver) NewLocal(mailbox, max uint16, size uint64) (string, error) {
	return fmt.Sprintf("seg%d", mailbox), nil
}

func (d *memDriver) NewSmem(ep *EndPoint) (SmemServices, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ep.Local {
		h := NewHeapSmem(ep.Size)
		d.mem[ep.UUID] = h
		return h, nil
	}
	if h, ok := d.mem[ep.UUID]; ok {
		return h, nil
	}
	return NewRemoteSmem(ep.Size), nil
}

func (d *memDriver) NewServices(from, to *EndPoint) (Services, error) {
	return NewCopyServices(memProtocol, from, to), nil
}

func (d *memDriver) ReleaseEndPoint(ep *EndPoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released++
	if ep.Local {
		delete(d.mem, ep.UUID)
	}
}

func (d *memDriver) Close() error { return nil }

func testConfig() Config {
	return Config{
		SMBSize:         64 * 1024,
		FirstMailbox:    1,
		MaxMailboxes:    10,
		RetryCount:      50,
		DefaultProtocol: memProtocol,
		Poll:            PollPolicy{Interval: 10 * time.Microsecond, MaxInterval: 200 * time.Microsecond, Multiplier: 2},
	}
}

func newTestManager(t *testing.T) (*Manager, *memDriver) {
	t.Helper()
	m := NewManager(testConfig())
	d := newMemDriver()
	if err := m.Register(d); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, d
}

func allocate(t *testing.T, m *Manager) *EndPoint {
	t.Helper()
	ep, err := m.AllocateEndPoint(memProtocol, 0)
	if err != nil {
		t.Fatalf("AllocateEndPoint failed: %v", err)
	}
	return ep
}
