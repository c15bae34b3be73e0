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

package ofed

import (
	"errors"
	"fmt"
	"sync"

	"dataplane/internal/xfer"
)

// Simulated is an in-process fabric. Every device opened on it can write
// into memory registered by any other, addressed by rkey and virtual
// address like real RDMA writes. Writes complete during PostSend; the
// completions surface on the next CQ poll.
type Simulated struct {
	mu      sync.Mutex
	nextKey uint32
	nextDev uint16
	mrs     map[uint32]*simMR
	fault   func(WorkRequest) bool
}

// NewSimulated creates an empty fabric.
func NewSimulated() *Simulated {
	return &Simulated{mrs: make(map[uint32]*simMR)}
}

// InjectFault makes every write for which fn returns true complete with a
// remote access error. A nil fn clears the fault.
func (s *Simulated) InjectFault(fn func(WorkRequest) bool) {
	s.mu.Lock()
	s.fault = fn
	s.mu.Unlock()
}

func (s *Simulated) OpenDevice(name string, port int) (Device, error) {
	if port <= 0 {
		return nil, fmt.Errorf("invalid port %d on %s", port, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextDev++
	return &simDevice{fabric: s, name: name, port: port, lid: s.nextDev}, nil
}

// resolve returns the registered bytes behind [addr, addr+n) of key.
func (s *Simulated) resolveLocked(key uint32, addr uint64, n uint32) ([]byte, bool) {
	mr, ok := s.mrs[key]
	if !ok || mr.closed || addr < mr.addr {
		return nil, false
	}
	off := addr - mr.addr
	if xfer.CheckRange(off, uint64(n), uint64(len(mr.buf))) != nil {
		return nil, false
	}
	return mr.buf[off : off+uint64(n)], true
}

type simDevice struct {
	fabric *Simulated
	name   string
	port   int
	lid    uint16
}

func (d *simDevice) Name() string { return d.name }
func (d *simDevice) Port() int    { return d.port }

func (d *simDevice) QueryPort() (PortAttr, error) {
	return PortAttr{
		LID: d.lid,
		GID: GID{SubnetPrefix: 0xfe80000000000000, InterfaceID: uint64(d.lid)},
	}, nil
}

func (d *simDevice) RegisterMR(buf []byte) (MemoryRegion, error) {
	if len(buf) == 0 {
		return nil, errors.New("cannot register empty memory")
	}
	s := d.fabric
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextKey++
	mr := &simMR{
		fabric: s,
		key:    s.nextKey,
		// Regions get disjoint synthetic addresses.
		addr: uint64(s.nextKey) << 32,
		buf:  buf,
	}
	s.mrs[mr.key] = mr
	return mr, nil
}

func (d *simDevice) CreateCQ(cqe int) (CompletionQueue, error) {
	if cqe <= 0 {
		return nil, fmt.Errorf("invalid cq size %d", cqe)
	}
	return &simCQ{limit: cqe}, nil
}

func (d *simDevice) CreateQP(cq CompletionQueue, maxSendWR int) (QueuePair, error) {
	c, ok := cq.(*simCQ)
	if !ok {
		return nil, errors.New("completion queue from another backend")
	}
	return &simQP{dev: d, cq: c, maxWR: maxSendWR}, nil
}

func (d *simDevice) Close() error { return nil }

type simMR struct {
	fabric *Simulated
	key    uint32
	addr   uint64
	buf    []byte
	closed bool
}

func (m *simMR) Addr() uint64 { return m.addr }
func (m *simMR) LKey() uint32 { return m.key }
func (m *simMR) RKey() uint32 { return m.key }

func (m *simMR) Close() error {
	m.fabric.mu.Lock()
	defer m.fabric.mu.Unlock()
	m.closed = true
	delete(m.fabric.mrs, m.key)
	return nil
}

type simCQ struct {
	mu      sync.Mutex
	limit   int
	entries []WorkCompletion
	overrun bool
}

func (c *simCQ) push(wc WorkCompletion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.limit {
		c.overrun = true
		return
	}
	c.entries = append(c.entries, wc)
}

func (c *simCQ) Poll(wc []WorkCompletion) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.overrun {
		return 0, errors.New("completion queue overrun")
	}
	n := copy(wc, c.entries)
	c.entries = c.entries[n:]
	return n, nil
}

func (c *simCQ) Close() error { return nil }

type simQP struct {
	mu     sync.Mutex
	dev    *simDevice
	cq     *simCQ
	maxWR  int
	state  QPState
	remote RemoteAttr
}

func (q *simQP) State() QPState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

func (q *simQP) Modify(state QPState, remote RemoteAttr) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if state != QPError && state != q.state+1 {
		return fmt.Errorf("invalid queue pair transition %s -> %s", q.state, state)
	}
	if state == QPReadyToReceive {
		q.remote = remote
	}
	q.state = state
	return nil
}

func (q *simQP) PostSend(wrs []WorkRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != QPReadyToSend {
		return fmt.Errorf("post on queue pair in state %s", q.state)
	}
	if q.maxWR > 0 && len(wrs) > q.maxWR {
		return fmt.Errorf("%d work requests exceed the send queue depth %d", len(wrs), q.maxWR)
	}

	s := q.dev.fabric
	s.mu.Lock()
	defer s.mu.Unlock()

	// Writes execute in order, so a fenced write always follows the data.
	// After an error the rest of the queue is flushed.
	flushing := false
	for _, wr := range wrs {
		if flushing {
			q.cq.push(WorkCompletion{ID: wr.ID, Status: WCFlushError})
			continue
		}
		src, okSrc := s.resolveLocked(wr.LKey, wr.LocalAddr, wr.Length)
		dst, okDst := s.resolveLocked(wr.RKey, wr.RemoteAddr, wr.Length)
		if !okSrc || !okDst || (s.fault != nil && s.fault(wr)) {
			q.cq.push(WorkCompletion{ID: wr.ID, Status: WCRemoteAccessError})
			flushing = true
			q.state = QPError
			continue
		}
		if wr.Length == 4 && wr.Fence {
			xfer.StoreWord(dst, xfer.LoadWord(src))
		} else {
			copy(dst, src)
		}
		q.cq.push(WorkCompletion{ID: wr.ID, Status: WCSuccess})
	}
	return nil
}

func (q *simQP) Close() error { return nil }
