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
Package datagram implements the UDP transfer driver ("ocpi-udp-rdma").

ENDPOINT INFO:
==============

	<ip>:<port>

Every local endpoint owns a UDP socket and heap memory. Remote memory is
only reachable through frames sent to the peer's socket.

DELIVERY:
=========
A posted request becomes one transaction: its transfers are cut into
messages, the messages packed into frames (see package protocol). Each peer
has a 256-frame send window. Frames are acknowledged either piggybacked on
traffic going the other way or by standalone ack frames after the ack
interval. Unacknowledged frames are resent after the retransmit timeout;
once a frame has been resent MaxResends times the connection is failed and
every pending request on it completes with a failure.

A request completes when every frame of its transaction is acknowledged.
The receiver applies the flag only after every message of the transaction
has arrived.
*/
package datagram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"

	"dataplane/internal/config"
	"dataplane/internal/logging"
	"dataplane/internal/metrics"
	"dataplane/internal/protocol"
	"dataplane/internal/xfer"
)

// readBatch is the number of datagrams read per system call.
const readBatch = 8

// Info is the parsed protocol info of a datagram endpoint.
type Info struct {
	IP   net.IP
	Port int
}

func (i Info) String() string {
	return net.JoinHostPort(i.IP.String(), strconv.Itoa(i.Port))
}

// Addr returns the UDP address of the endpoint's socket.
func (i Info) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: i.IP, Port: i.Port}
}

// ParseInfo parses the endpoint protocol info.
func ParseInfo(s string) (Info, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Info{}, fmt.Errorf("%w: bad datagram endpoint format %q", xfer.ErrInvalidEndpoint, s)
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return Info{}, fmt.Errorf("%w: %q is not an IPv4 address", xfer.ErrInvalidEndpoint, host)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil || p == 0 {
		return Info{}, fmt.Errorf("%w: bad port in %q", xfer.ErrInvalidEndpoint, s)
	}
	return Info{IP: ip, Port: int(p)}, nil
}

// Driver is the UDP driver.
type Driver struct {
	cfg     config.DatagramConfig
	maxData int
	nextTID atomic.Uint32

	mu      sync.Mutex
	pending map[string]*net.UDPConn // sockets of endpoints without memory yet
	nodes   map[string]*node        // by info
	logger  *logging.Logger

	// drop, when set, discards outgoing datagrams for which it returns true.
	drop func(b []byte) bool
}

// New creates a driver.
func New(cfg config.DatagramConfig) *Driver {
	if cfg.MaxPayload <= protocol.FrameHeaderSize+protocol.MsgHeaderSize+protocol.MsgAlignment {
		cfg.MaxPayload = 1472
	}
	if cfg.MaxPayload > protocol.MaxFrameSize {
		cfg.MaxPayload = protocol.MaxFrameSize
	}
	if cfg.MaxResends <= 0 {
		cfg.MaxResends = 10
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1"
	}
	return &Driver{
		cfg:     cfg,
		maxData: protocol.MaxDataPerMsg(cfg.MaxPayload),
		pending: make(map[string]*net.UDPConn),
		nodes:   make(map[string]*node),
		logger:  logging.NewLogger("datagram"),
	}
}

func (d *Driver) Protocol() string { return config.ProtocolDatagram }

// NewLocal binds the socket of a new local endpoint. With a configured
// port, mailbox n listens on port+n; otherwise the port is ephemeral.
func (d *Driver) NewLocal(mailbox, maxMailboxes uint16, size uint64) (string, error) {
	if size > 1<<32 {
		return "", fmt.Errorf("%w: datagram endpoints address at most 4 GiB", xfer.ErrNoResources)
	}
	ip := net.ParseIP(d.cfg.BindAddr).To4()
	if ip == nil {
		return "", fmt.Errorf("datagram bind address %q is not IPv4", d.cfg.BindAddr)
	}
	port := 0
	if d.cfg.Port != 0 {
		port = d.cfg.Port + int(mailbox)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: port})
	if err != nil {
		return "", fmt.Errorf("bind datagram socket: %w", err)
	}
	local := conn.LocalAddr().(*net.UDPAddr)
	info := Info{IP: ip, Port: local.Port}.String()

	d.mu.Lock()
	d.pending[info] = conn
	d.mu.Unlock()
	d.logger.Debug("Bound datagram socket", "mailbox", mailbox, "addr", info)
	return info, nil
}

// NewSmem starts the local node behind a local endpoint. Remote memory is
// not mappable.
func (d *Driver) NewSmem(ep *xfer.EndPoint) (xfer.SmemServices, error) {
	if _, err := ParseInfo(ep.Info); err != nil {
		return nil, err
	}
	if !ep.Local {
		return xfer.NewRemoteSmem(ep.Size), nil
	}
	d.mu.Lock()
	conn, ok := d.pending[ep.Info]
	if ok {
		delete(d.pending, ep.Info)
	}
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no socket bound for %s", xfer.ErrInvalidEndpoint, ep.Info)
	}

	n := newNode(d, ep.Mailbox, xfer.NewHeapSmem(ep.Size))
	n.start(conn)

	d.mu.Lock()
	d.nodes[ep.Info] = n
	d.mu.Unlock()
	return &nodeSmem{HeapSmem: n.mem, n: n}, nil
}

func (d *Driver) nodeFor(info string) *node {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nodes[info]
}

func (d *Driver) removeNode(n *node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for info, v := range d.nodes {
		if v == n {
			delete(d.nodes, info)
		}
	}
}

// NewServices connects a local endpoint to a peer.
func (d *Driver) NewServices(from, to *xfer.EndPoint) (xfer.Services, error) {
	dst, err := ParseInfo(to.Info)
	if err != nil {
		return nil, err
	}
	n := d.nodeFor(from.Info)
	if n == nil {
		return nil, fmt.Errorf("%w: %s has no socket here", xfer.ErrInvalidEndpoint, from.Name())
	}
	if to.Size > 1<<32 {
		return nil, fmt.Errorf("%w: %s is too large to address", xfer.ErrInvalidEndpoint, to.Name())
	}
	n.mu.Lock()
	p := n.peerLocked(to.Mailbox, dst.Addr())
	// A new template reconnects a failed peer.
	p.addr = dst.Addr()
	p.failed = false
	n.mu.Unlock()
	return &services{d: d, n: n, p: p, from: from, to: to}, nil
}

// Close stops every node and closes unused sockets.
func (d *Driver) Close() error {
	d.mu.Lock()
	nodes := make([]*node, 0, len(d.nodes))
	for _, n := range d.nodes {
		nodes = append(nodes, n)
	}
	var firstErr error
	for info, conn := range d.pending {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.pending, info)
	}
	d.mu.Unlock()
	for _, n := range nodes {
		if err := n.stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// nodeSmem is the memory of a local endpoint. Closing it stops the node.
type nodeSmem struct {
	*xfer.HeapSmem
	n *node
}

func (s *nodeSmem) Close() error { return s.n.stop() }

// node is the socket side of one local endpoint.
type node struct {
	d       *Driver
	mailbox uint16
	mem     *xfer.HeapSmem
	logger  *logging.Logger

	conn   *net.UDPConn
	pc     *ipv4.PacketConn
	cancel context.CancelFunc
	g      *errgroup.Group

	mu      sync.Mutex
	peers   map[uint16]*peer
	closed  bool
	stopped sync.Once
	stopErr error
}

func newNode(d *Driver, mailbox uint16, mem *xfer.HeapSmem) *node {
	return &node{
		d:       d,
		mailbox: mailbox,
		mem:     mem,
		peers:   make(map[uint16]*peer),
		logger:  d.logger.With("mailbox", mailbox),
	}
}

// start runs the receiver and the frame monitor on conn.
func (n *node) start(conn *net.UDPConn) {
	n.conn = conn
	n.pc = ipv4.NewPacketConn(conn)
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	n.g = g
	g.Go(func() error { return n.receive(ctx) })
	g.Go(func() error { return n.monitor(ctx) })
	n.logger.Info("Datagram endpoint started", "addr", conn.LocalAddr().String())
}

func (n *node) stop() error {
	n.stopped.Do(func() {
		n.mu.Lock()
		n.closed = true
		for _, p := range n.peers {
			n.failPeerLocked(p, "endpoint closed")
		}
		n.mu.Unlock()
		n.d.removeNode(n)
		if n.conn == nil {
			return
		}
		n.cancel()
		n.stopErr = n.conn.Close()
		if err := n.g.Wait(); err != nil && n.stopErr == nil {
			n.stopErr = err
		}
		n.logger.Info("Datagram endpoint stopped")
	})
	return n.stopErr
}

func (n *node) receive(ctx context.Context) error {
	msgs := make([]ipv4.Message, readBatch)
	for i := range msgs {
		msgs[i].Buffers = [][]byte{make([]byte, protocol.MaxFrameSize)}
	}
	for {
		k, err := n.pc.ReadBatch(msgs, 0)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read datagrams: %w", err)
		}
		for i := 0; i < k; i++ {
			addr, _ := msgs[i].Addr.(*net.UDPAddr)
			n.handle(msgs[i].Buffers[0][:msgs[i].N], addr)
		}
	}
}

// monitor sends overdue acks and retransmits overdue frames.
func (n *node) monitor(ctx context.Context) error {
	tick := n.d.cfg.AckInterval()
	if rt := n.d.cfg.RetransmitTimeout() / 4; rt < tick || tick <= 0 {
		tick = rt
	}
	if tick <= 0 {
		tick = time.Millisecond
	}
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			n.send(n.tick(now))
		}
	}
}

// handle processes one received datagram.
func (n *node) handle(b []byte, from *net.UDPAddr) {
	f, err := protocol.DecodeFrame(b)
	if err != nil {
		n.logger.Debug("Dropping malformed datagram", "from", from, "error", err)
		return
	}
	if f.Header.DestID != n.mailbox {
		n.logger.Debug("Dropping datagram for another mailbox", "dest", f.Header.DestID)
		return
	}
	metrics.Get().FramesReceived.Add(1)
	n.mu.Lock()
	out := n.handleFrameLocked(f, from, time.Now())
	n.mu.Unlock()
	n.send(out)
}

// send writes encoded datagrams, honoring the drop hook.
func (n *node) send(out []ipv4.Message) {
	if len(out) == 0 || n.pc == nil {
		return
	}
	m := metrics.Get()
	kept := out[:0]
	for _, msg := range out {
		b := msg.Buffers[0]
		if b[11]&protocol.FlagAckOnly != 0 {
			m.AcksSent.Add(1)
		}
		m.FramesSent.Add(1)
		if n.d.dropped(b) {
			continue
		}
		kept = append(kept, msg)
	}
	for len(kept) > 0 {
		k, err := n.pc.WriteBatch(kept, 0)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				n.logger.Warn("Datagram send failed", "error", err)
			}
			return
		}
		kept = kept[k:]
	}
}

func (d *Driver) setDrop(fn func(b []byte) bool) {
	d.mu.Lock()
	d.drop = fn
	d.mu.Unlock()
}

func (d *Driver) dropped(b []byte) bool {
	d.mu.Lock()
	fn := d.drop
	d.mu.Unlock()
	return fn != nil && fn(b)
}

type services struct {
	d        *Driver
	n        *node
	p        *peer
	from, to *xfer.EndPoint
	closed   atomic.Bool
}

func (s *services) From() *xfer.EndPoint { return s.from }
func (s *services) To() *xfer.EndPoint   { return s.to }

func (s *services) CreateRequest() xfer.Request {
	return &request{
		svc:    s,
		list:   xfer.NewTransferList(s.from, s.to, maxTransactionMsgs+1),
		status: xfer.Pending,
	}
}

func (s *services) Close() error {
	s.closed.Store(true)
	return nil
}

// Failed reports whether retransmission gave up on the peer.
func (s *services) Failed() bool {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	return s.p.failed
}

type request struct {
	svc *services

	mu     sync.Mutex
	list   xfer.TransferList
	msgs   int  // messages the transfers will need
	folded bool // a flag already rides in the message headers

	// guarded by svc.n.mu
	status xfer.CompletionStatus
	gen    uint64
}

func (r *request) Services() xfer.Services { return r.svc }

func (r *request) Copy(src, dst, n uint64, flags xfer.Flags) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(src, dst, n, flags)
}

// addLocked appends a transfer if the transaction stays within the
// message count a header can describe.
func (r *request) addLocked(src, dst, n uint64, flags xfer.Flags) error {
	cost, fold := messageCost(dst, n, flags, r.folded, uint64(r.svc.d.maxData))
	if r.msgs+cost > maxTransactionMsgs {
		return fmt.Errorf("%w: %d messages in one transaction", xfer.ErrNoDescriptor, r.msgs+cost)
	}
	if err := r.list.Add(src, dst, n, flags); err != nil {
		return err
	}
	r.msgs += cost
	r.folded = r.folded || fold
	return nil
}

func (r *request) Group(other xfer.Request) error {
	if o, ok := other.(*request); ok && o == r {
		return xfer.ErrIncompatibleGroup
	}
	if other.Services() != xfer.Services(r.svc) {
		return xfer.ErrIncompatibleGroup
	}
	transfers := other.Transfers()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range transfers {
		if err := r.addLocked(t.Src, t.Dst, t.Len, t.Flags); err != nil {
			return err
		}
	}
	return nil
}

func (r *request) Modify(newOffsets, oldOffsets []uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list.Modify(newOffsets, oldOffsets)
}

func (r *request) Transfers() []xfer.Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list.Ordered()
}

func (r *request) Post() error {
	s := r.svc
	n := s.n
	if s.closed.Load() {
		n.mu.Lock()
		r.status = xfer.CompleteFailure
		n.mu.Unlock()
		return xfer.ErrEndpointClosed
	}

	r.mu.Lock()
	transfers := r.list.Ordered()
	total := r.list.Bytes()
	r.mu.Unlock()

	// Source bytes are copied now; the frames own them until acknowledged.
	msgs, flagAddr, flagValue, err := n.buildMessages(transfers)
	if err != nil {
		n.mu.Lock()
		r.status = xfer.CompleteFailure
		n.mu.Unlock()
		return fmt.Errorf("%w: %v", xfer.ErrRequestFailed, err)
	}

	n.mu.Lock()
	if n.closed {
		r.status = xfer.CompleteFailure
		n.mu.Unlock()
		return xfer.ErrEndpointClosed
	}
	if s.p.failed {
		r.status = xfer.CompleteFailure
		n.mu.Unlock()
		return fmt.Errorf("%w: %s", xfer.ErrConnectionFailed, s.to.Name())
	}
	if len(transfers) == 0 {
		r.status = xfer.CompleteSuccess
		n.mu.Unlock()
		return nil
	}
	tid := n.d.nextTID.Add(1)
	for i := range msgs {
		h := &msgs[i].Header
		h.TransactionID = tid
		h.FlagAddr = flagAddr
		h.FlagValue = flagValue
		h.NumMsgs = uint16(len(msgs))
		h.MsgSeq = uint16(i)
	}
	r.gen++
	r.status = xfer.Pending
	tx := &txTransaction{id: tid, req: r, gen: r.gen, posted: time.Now()}
	for _, fm := range n.pack(msgs) {
		s.p.backlog = append(s.p.backlog, &txFrame{msgs: fm, tx: tx})
		tx.frames++
	}
	metrics.Get().RecordPost(config.ProtocolDatagram, int(total))
	out := n.pumpLocked(s.p, time.Now())
	n.mu.Unlock()

	n.send(out)
	return nil
}

func (r *request) Status() xfer.CompletionStatus {
	n := r.svc.n
	n.mu.Lock()
	defer n.mu.Unlock()
	return r.status
}
