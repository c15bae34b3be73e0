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
	"sync/atomic"
	"time"

	"dataplane/internal/logging"
	"dataplane/internal/metrics"
)

// Transfer is one sub-transfer of a request.
type Transfer struct {
	Src   uint64
	Dst   uint64
	Len   uint64
	Flags Flags
}

// TransferList is the driver independent part of a request: bounds checks,
// grouping and the data-before-flag posting order.
type TransferList struct {
	from, to *EndPoint
	limit    int // max transfers, 0 for unlimited
	items    []Transfer
}

// NewTransferList creates an empty list for a connection.
func NewTransferList(from, to *EndPoint, limit int) TransferList {
	return TransferList{from: from, to: to, limit: limit}
}

// Add validates and appends a transfer.
func (l *TransferList) Add(src, dst, n uint64, flags Flags) error {
	if n == 0 {
		return fmt.Errorf("%w: zero length %s transfer", ErrOutOfRange, flags)
	}
	if err := CheckRange(src, n, l.from.Size); err != nil {
		return fmt.Errorf("source %s: %w", l.from.Name(), err)
	}
	if err := CheckRange(dst, n, l.to.Size); err != nil {
		return fmt.Errorf("destination %s: %w", l.to.Name(), err)
	}
	if l.limit > 0 && len(l.items) >= l.limit {
		return fmt.Errorf("%w: limit of %d transfers", ErrNoDescriptor, l.limit)
	}
	l.items = append(l.items, Transfer{Src: src, Dst: dst, Len: n, Flags: flags})
	return nil
}

// Merge appends the transfers of another request on the same connection.
func (l *TransferList) Merge(other Request) error {
	svc := other.Services()
	if svc.From() != l.from || svc.To() != l.to {
		return ErrIncompatibleGroup
	}
	for _, t := range other.Transfers() {
		if err := l.Add(t.Src, t.Dst, t.Len, t.Flags); err != nil {
			return err
		}
	}
	return nil
}

// Ordered returns every non-flag transfer in insertion order followed by
// the flag transfers.
func (l *TransferList) Ordered() []Transfer {
	out := make([]Transfer, 0, len(l.items))
	for _, t := range l.items {
		if t.Flags&FlagTransfer == 0 {
			out = append(out, t)
		}
	}
	for _, t := range l.items {
		if t.Flags&FlagTransfer != 0 {
			out = append(out, t)
		}
	}
	return out
}

// Modify replaces source offsets in insertion order.
func (l *TransferList) Modify(newOffsets, oldOffsets []uint64) error {
	if len(newOffsets) > len(l.items) {
		return fmt.Errorf("%w: %d offsets for %d transfers", ErrOutOfRange, len(newOffsets), len(l.items))
	}
	for i, off := range newOffsets {
		if err := CheckRange(off, l.items[i].Len, l.from.Size); err != nil {
			return err
		}
	}
	for i, off := range newOffsets {
		if i < len(oldOffsets) {
			oldOffsets[i] = l.items[i].Src
		}
		l.items[i].Src = off
	}
	return nil
}

// Len returns the number of transfers.
func (l *TransferList) Len() int { return len(l.items) }

// Bytes returns the total length of all transfers.
func (l *TransferList) Bytes() uint64 {
	var n uint64
	for _, t := range l.items {
		n += t.Len
	}
	return n
}

// CopyServices is the template of drivers that reach both endpoints through
// mapped memory and copy synchronously.
type CopyServices struct {
	protocol string
	from, to *EndPoint
	logger   *logging.Logger
	closed   atomic.Bool
}

// NewCopyServices creates a synchronous copy template.
func NewCopyServices(protocol string, from, to *EndPoint) *CopyServices {
	return &CopyServices{
		protocol: protocol,
		from:     from,
		to:       to,
		logger:   logging.NewLogger(protocol).With("from", from.Mailbox, "to", to.Mailbox),
	}
}

func (s *CopyServices) From() *EndPoint { return s.from }
func (s *CopyServices) To() *EndPoint   { return s.to }

func (s *CopyServices) CreateRequest() Request {
	r := &CopyRequest{svc: s, list: NewTransferList(s.from, s.to, 0)}
	r.status.Store(int32(Pending))
	return r
}

func (s *CopyServices) Close() error {
	s.closed.Store(true)
	return nil
}

// CopyRequest performs its transfers with memory copies during Post; flag
// transfers are atomic word stores issued last.
type CopyRequest struct {
	mu     sync.Mutex
	svc    *CopyServices
	list   TransferList
	status atomic.Int32
}

func (r *CopyRequest) Services() Services { return r.svc }

func (r *CopyRequest) Copy(src, dst, n uint64, flags Flags) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list.Add(src, dst, n, flags)
}

func (r *CopyRequest) Group(other Request) error {
	if o, ok := other.(*CopyRequest); ok && o == r {
		return ErrIncompatibleGroup
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list.Merge(other)
}

func (r *CopyRequest) Modify(newOffsets, oldOffsets []uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list.Modify(newOffsets, oldOffsets)
}

func (r *CopyRequest) Transfers() []Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list.Ordered()
}

func (r *CopyRequest) Status() CompletionStatus {
	return CompletionStatus(r.status.Load())
}

func (r *CopyRequest) Post() error {
	if r.svc.closed.Load() {
		r.status.Store(int32(CompleteFailure))
		return ErrEndpointClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	m := metrics.Get()
	m.RecordPost(r.svc.protocol, int(r.list.Bytes()))

	for _, t := range r.list.Ordered() {
		if err := r.svc.copyOne(t); err != nil {
			r.status.Store(int32(CompleteFailure))
			m.RecordFailure(r.svc.protocol)
			r.svc.logger.Error("Copy failed", "src", logging.Hex(t.Src), "dst", logging.Hex(t.Dst),
				"len", t.Len, "kind", t.Flags.String(), "error", err)
			return fmt.Errorf("%w: %v", ErrRequestFailed, err)
		}
	}
	r.status.Store(int32(CompleteSuccess))
	m.RecordCompletion(r.svc.protocol, time.Since(start))
	return nil
}

func (s *CopyServices) copyOne(t Transfer) error {
	src, err := s.from.Smem().MapTx(t.Src, t.Len)
	if err != nil {
		return err
	}
	dst, err := s.to.Smem().MapRx(t.Dst, t.Len)
	if err != nil {
		return err
	}
	if t.Flags&FlagTransfer != 0 && t.Len == 4 {
		StoreWord(dst, LoadWord(src))
		return nil
	}
	copy(dst, src)
	return nil
}
