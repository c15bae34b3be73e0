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
Package ofed implements the RDMA transfer driver ("ocpi-ofed-rdma").

ENDPOINT INFO:
==============

	<device>:<port>:<gidPrefix>.<gidInterface>:<lid>:<psn>:<rkey>:<vaddr>

All numbers are decimal. The psn is the endpoint's mailbox.

CONNECTIONS:
============
Each template owns one completion queue and one reliable connected queue
pair, walked through INIT, RTR (addressed at the target's gid, lid and psn)
and RTS. A request becomes one signaled RDMA write per transfer: data
first, metadata next, and fenced flag writes last. A request is complete
when every one of its writes has completed; a single failed completion
fails the request and the connection.
*/
package ofed

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"dataplane/internal/config"
	"dataplane/internal/logging"
	"dataplane/internal/metrics"
	"dataplane/internal/xfer"
)

// Info is the parsed protocol info of an RDMA endpoint.
type Info struct {
	Device string
	Port   int
	GID    GID
	LID    uint16
	PSN    uint32
	RKey   uint32
	VAddr  uint64
}

func (i Info) String() string {
	return fmt.Sprintf("%s:%d:%d.%d:%d:%d:%d:%d", i.Device, i.Port,
		i.GID.SubnetPrefix, i.GID.InterfaceID, i.LID, i.PSN, i.RKey, i.VAddr)
}

// ParseInfo parses the endpoint protocol info.
func ParseInfo(s string) (Info, error) {
	bad := func() (Info, error) {
		return Info{}, fmt.Errorf("%w: bad OFED endpoint format %q", xfer.ErrInvalidEndpoint, s)
	}
	parts := strings.Split(s, ":")
	if len(parts) != 7 || parts[0] == "" {
		return bad()
	}
	gid := strings.Split(parts[2], ".")
	if len(gid) != 2 {
		return bad()
	}
	var info Info
	var err error
	info.Device = parts[0]
	port, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return bad()
	}
	info.Port = int(port)
	if info.GID.SubnetPrefix, err = strconv.ParseUint(gid[0], 10, 64); err != nil {
		return bad()
	}
	if info.GID.InterfaceID, err = strconv.ParseUint(gid[1], 10, 64); err != nil {
		return bad()
	}
	lid, err := strconv.ParseUint(parts[3], 10, 16)
	if err != nil {
		return bad()
	}
	info.LID = uint16(lid)
	psn, err := strconv.ParseUint(parts[4], 10, 32)
	if err != nil {
		return bad()
	}
	info.PSN = uint32(psn)
	rkey, err := strconv.ParseUint(parts[5], 10, 32)
	if err != nil {
		return bad()
	}
	info.RKey = uint32(rkey)
	if info.VAddr, err = strconv.ParseUint(parts[6], 10, 64); err != nil {
		return bad()
	}
	return info, nil
}

type localMem struct {
	mem  *xfer.HeapSmem
	mr   MemoryRegion
	refs int
}

// Driver is the RDMA driver.
type Driver struct {
	cfg     config.OFEDConfig
	backend VerbsBackend
	mu      sync.Mutex
	dev     Device
	attr    PortAttr
	locals  map[uint32]*localMem // by rkey
	logger  *logging.Logger
}

// New creates a driver. A nil backend selects the one named in cfg.
func New(cfg config.OFEDConfig, backend VerbsBackend) (*Driver, error) {
	if backend == nil {
		switch cfg.Backend {
		case "", "simulated":
			backend = NewSimulated()
		default:
			return nil, fmt.Errorf("OFED backend %q is not available", cfg.Backend)
		}
	}
	if cfg.MaxCQE <= 0 {
		cfg.MaxCQE = 2048
	}
	if cfg.MaxSendWR <= 0 {
		cfg.MaxSendWR = 1024
	}
	return &Driver{
		cfg:     cfg,
		backend: backend,
		locals:  make(map[uint32]*localMem),
		logger:  logging.NewLogger("ofed"),
	}, nil
}

func (d *Driver) Protocol() string { return config.ProtocolOFED }

func (d *Driver) deviceLocked() (Device, error) {
	if d.dev != nil {
		return d.dev, nil
	}
	dev, err := d.backend.OpenDevice(d.cfg.Device, d.cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("open %s port %d: %w", d.cfg.Device, d.cfg.Port, err)
	}
	attr, err := dev.QueryPort()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("query %s port %d: %w", d.cfg.Device, d.cfg.Port, err)
	}
	d.dev, d.attr = dev, attr
	d.logger.Info("Opened RDMA device", "device", dev.Name(), "port", dev.Port(), "lid", attr.LID)
	return dev, nil
}

// NewLocal allocates and registers the memory of a new local endpoint.
func (d *Driver) NewLocal(mailbox, maxMailboxes uint16, size uint64) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, err := d.deviceLocked()
	if err != nil {
		return "", err
	}
	mem := xfer.NewHeapSmem(size)
	mr, err := dev.RegisterMR(mem.Bytes())
	if err != nil {
		return "", fmt.Errorf("register %d bytes: %w", size, err)
	}
	d.locals[mr.RKey()] = &localMem{mem: mem, mr: mr}
	info := Info{
		Device: dev.Name(),
		Port:   dev.Port(),
		GID:    d.attr.GID,
		LID:    d.attr.LID,
		PSN:    uint32(mailbox),
		RKey:   mr.RKey(),
		VAddr:  mr.Addr(),
	}
	return info.String(), nil
}

// NewSmem returns the registered memory of local endpoints. Remote memory
// is reachable only through RDMA writes.
func (d *Driver) NewSmem(ep *xfer.EndPoint) (xfer.SmemServices, error) {
	info, err := ParseInfo(ep.Info)
	if err != nil {
		return nil, err
	}
	if !ep.Local {
		return xfer.NewRemoteSmem(ep.Size), nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locals[info.RKey]
	if !ok {
		return nil, fmt.Errorf("%w: no registered memory for rkey %d", xfer.ErrInvalidEndpoint, info.RKey)
	}
	l.refs++
	return &localSmem{HeapSmem: l.mem, d: d, rkey: info.RKey}, nil
}

func (d *Driver) releaseLocal(rkey uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locals[rkey]
	if !ok {
		return nil
	}
	l.refs--
	if l.refs > 0 {
		return nil
	}
	delete(d.locals, rkey)
	return l.mr.Close()
}

// NewServices connects a queue pair from a local endpoint to the target.
func (d *Driver) NewServices(from, to *xfer.EndPoint) (xfer.Services, error) {
	src, err := ParseInfo(from.Info)
	if err != nil {
		return nil, err
	}
	dst, err := ParseInfo(to.Info)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	dev, err := d.deviceLocked()
	l := d.locals[src.RKey]
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, fmt.Errorf("%w: %s is not registered here", xfer.ErrInvalidEndpoint, from.Name())
	}

	cq, err := dev.CreateCQ(d.cfg.MaxCQE)
	if err != nil {
		return nil, fmt.Errorf("create cq: %w", err)
	}
	qp, err := dev.CreateQP(cq, d.cfg.MaxSendWR)
	if err != nil {
		cq.Close()
		return nil, fmt.Errorf("create qp: %w", err)
	}
	steps := []struct {
		state  QPState
		remote RemoteAttr
	}{
		{QPInit, RemoteAttr{}},
		{QPReadyToReceive, RemoteAttr{GID: dst.GID, LID: dst.LID, PSN: dst.PSN}},
		{QPReadyToSend, RemoteAttr{PSN: src.PSN}},
	}
	for _, s := range steps {
		if err := qp.Modify(s.state, s.remote); err != nil {
			qp.Close()
			cq.Close()
			return nil, fmt.Errorf("%w: queue pair to %s: %v", xfer.ErrConnectionFailed, to.Name(), err)
		}
	}

	d.logger.Debug("Connected queue pair", "from", from.Mailbox, "to", to.Mailbox, "lid", dst.LID)
	return &services{
		d:       d,
		from:    from,
		to:      to,
		src:     src,
		dst:     dst,
		lkey:    l.mr.LKey(),
		cq:      cq,
		qp:      qp,
		pending: make(map[uint64]*request),
		logger:  d.logger.With("from", from.Mailbox, "to", to.Mailbox),
	}, nil
}

// Close deregisters any remaining memory and closes the device.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for key, l := range d.locals {
		if err := l.mr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.locals, key)
	}
	if d.dev != nil {
		if err := d.dev.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		d.dev = nil
	}
	return firstErr
}

type localSmem struct {
	*xfer.HeapSmem
	d      *Driver
	rkey   uint32
	closed bool
}

func (s *localSmem) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.d.releaseLocal(s.rkey)
}

type services struct {
	d        *Driver
	from, to *xfer.EndPoint
	src, dst Info
	lkey     uint32
	cq       CompletionQueue
	qp       QueuePair

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*request
	failed  bool
	closed  bool
	logger  *logging.Logger
}

func (s *services) From() *xfer.EndPoint { return s.from }
func (s *services) To() *xfer.EndPoint   { return s.to }

func (s *services) CreateRequest() xfer.Request {
	return &request{
		svc:    s,
		list:   xfer.NewTransferList(s.from, s.to, s.d.cfg.MaxSendWR),
		status: xfer.Pending,
	}
}

func (s *services) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	err := s.qp.Close()
	if cerr := s.cq.Close(); err == nil {
		err = cerr
	}
	return err
}

// Failed reports whether a completion error broke the connection.
func (s *services) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// pollLocked drains the completion queue.
func (s *services) pollLocked() {
	var wc [16]WorkCompletion
	m := metrics.Get()
	for {
		n, err := s.cq.Poll(wc[:])
		if err != nil {
			s.logger.Error("Polling completion queue failed", "error", err)
			s.failLocked()
			return
		}
		for _, c := range wc[:n] {
			r, ok := s.pending[c.ID]
			if !ok {
				continue
			}
			if c.Status != WCSuccess {
				s.logger.Error("RDMA write failed", "status", c.Status.String())
				r.status = xfer.CompleteFailure
				delete(s.pending, c.ID)
				m.RecordFailure(config.ProtocolOFED)
				s.failed = true
				continue
			}
			r.done++
			if r.done == r.expected {
				r.status = xfer.CompleteSuccess
				delete(s.pending, c.ID)
				m.RecordCompletion(config.ProtocolOFED, time.Since(r.posted))
			}
		}
		if n < len(wc) {
			return
		}
	}
}

func (s *services) failLocked() {
	s.failed = true
	for id, r := range s.pending {
		r.status = xfer.CompleteFailure
		delete(s.pending, id)
	}
}

type request struct {
	svc  *services
	list xfer.TransferList

	// guarded by svc.mu
	status   xfer.CompletionStatus
	expected int
	done     int
	posted   time.Time
}

func (r *request) Services() xfer.Services { return r.svc }

func (r *request) Copy(src, dst, n uint64, flags xfer.Flags) error {
	if n > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes exceed one work request", xfer.ErrOutOfRange, n)
	}
	r.svc.mu.Lock()
	defer r.svc.mu.Unlock()
	return r.list.Add(src, dst, n, flags)
}

func (r *request) Group(other xfer.Request) error {
	if o, ok := other.(*request); ok && o == r {
		return xfer.ErrIncompatibleGroup
	}
	if other.Services() != xfer.Services(r.svc) {
		return xfer.ErrIncompatibleGroup
	}
	transfers := other.Transfers()
	r.svc.mu.Lock()
	defer r.svc.mu.Unlock()
	for _, t := range transfers {
		if err := r.list.Add(t.Src, t.Dst, t.Len, t.Flags); err != nil {
			return err
		}
	}
	return nil
}

func (r *request) Modify(newOffsets, oldOffsets []uint64) error {
	r.svc.mu.Lock()
	defer r.svc.mu.Unlock()
	return r.list.Modify(newOffsets, oldOffsets)
}

func (r *request) Transfers() []xfer.Transfer {
	r.svc.mu.Lock()
	defer r.svc.mu.Unlock()
	return r.list.Ordered()
}

func (r *request) Post() error {
	s := r.svc
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		r.status = xfer.CompleteFailure
		return xfer.ErrEndpointClosed
	}
	if s.failed {
		r.status = xfer.CompleteFailure
		return fmt.Errorf("%w: %s", xfer.ErrConnectionFailed, s.to.Name())
	}

	transfers := r.list.Ordered()
	if len(transfers) == 0 {
		r.status = xfer.CompleteSuccess
		return nil
	}
	s.nextID++
	id := s.nextID
	wrs := make([]WorkRequest, len(transfers))
	for i, t := range transfers {
		wrs[i] = WorkRequest{
			ID:         id,
			LocalAddr:  s.src.VAddr + t.Src,
			LKey:       s.lkey,
			Length:     uint32(t.Len),
			RemoteAddr: s.dst.VAddr + t.Dst,
			RKey:       s.dst.RKey,
			Fence:      t.Flags&xfer.FlagTransfer != 0,
		}
	}

	r.status = xfer.Pending
	r.expected = len(wrs)
	r.done = 0
	r.posted = time.Now()
	s.pending[id] = r
	metrics.Get().RecordPost(config.ProtocolOFED, int(r.list.Bytes()))

	if err := s.qp.PostSend(wrs); err != nil {
		delete(s.pending, id)
		r.status = xfer.CompleteFailure
		s.failed = true
		metrics.Get().RecordFailure(config.ProtocolOFED)
		return fmt.Errorf("%w: post send: %v", xfer.ErrRequestFailed, err)
	}
	return nil
}

func (r *request) Status() xfer.CompletionStatus {
	s := r.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.status == xfer.Pending {
		s.pollLocked()
	}
	return r.status
}
