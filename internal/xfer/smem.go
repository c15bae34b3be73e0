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
	"sync/atomic"
	"unsafe"
)

// SmemServices maps an endpoint's address space into local memory.
// MapTx returns the view used when the endpoint is the source of a transfer
// and MapRx the view used when it is the destination; they differ only for
// drivers with address holes. Memory the local CPU cannot address returns
// ErrNotMappable.
type SmemServices interface {
	Map(offset, size uint64) ([]byte, error)
	MapTx(offset, size uint64) ([]byte, error)
	MapRx(offset, size uint64) ([]byte, error)
	Size() uint64
	Close() error
}

// CheckRange validates [offset, offset+size) against an address space.
func CheckRange(offset, size, limit uint64) error {
	if offset > limit || size > limit-offset {
		return fmt.Errorf("%w: [%#x, +%d) beyond %#x", ErrOutOfRange, offset, size, limit)
	}
	return nil
}

// LoadWord atomically reads the 32-bit flag at the start of b.
func LoadWord(b []byte) uint32 {
	_ = b[3]
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[0])))
}

// StoreWord atomically writes a 32-bit flag at the start of b. Stores made
// before it are visible to a reader that observes the new value.
func StoreWord(b []byte, v uint32) {
	_ = b[3]
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b[0])), v)
}

// SwapWord atomically replaces the flag at the start of b and returns the
// previous value.
func SwapWord(b []byte, v uint32) uint32 {
	_ = b[3]
	return atomic.SwapUint32((*uint32)(unsafe.Pointer(&b[0])), v)
}

// HeapSmem is process-private memory. Drivers whose local endpoints are
// not shared with other processes back them with it.
type HeapSmem struct {
	buf []byte
}

// NewHeapSmem allocates size bytes. The buffer is 8-byte aligned.
func NewHeapSmem(size uint64) *HeapSmem {
	words := make([]uint64, (size+7)/8)
	if len(words) == 0 {
		return &HeapSmem{}
	}
	return &HeapSmem{buf: unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)}
}

// NewHeapSmemFrom wraps existing memory.
func NewHeapSmemFrom(buf []byte) *HeapSmem {
	return &HeapSmem{buf: buf}
}

func (h *HeapSmem) Map(offset, size uint64) ([]byte, error) {
	if err := CheckRange(offset, size, uint64(len(h.buf))); err != nil {
		return nil, err
	}
	return h.buf[offset : offset+size : offset+size], nil
}

func (h *HeapSmem) MapTx(offset, size uint64) ([]byte, error) { return h.Map(offset, size) }
func (h *HeapSmem) MapRx(offset, size uint64) ([]byte, error) { return h.Map(offset, size) }

func (h *HeapSmem) Size() uint64 { return uint64(len(h.buf)) }

// Bytes returns the whole region.
func (h *HeapSmem) Bytes() []byte { return h.buf }

func (h *HeapSmem) Close() error { return nil }

// RemoteSmem stands for memory that is only reachable through a transfer
// driver.
type RemoteSmem struct {
	size uint64
}

// NewRemoteSmem creates services for an unmappable address space.
func NewRemoteSmem(size uint64) *RemoteSmem {
	return &RemoteSmem{size: size}
}

func (r *RemoteSmem) Map(offset, size uint64) ([]byte, error) {
	if err := CheckRange(offset, size, r.size); err != nil {
		return nil, err
	}
	return nil, ErrNotMappable
}

func (r *RemoteSmem) MapTx(offset, size uint64) ([]byte, error) { return r.Map(offset, size) }
func (r *RemoteSmem) MapRx(offset, size uint64) ([]byte, error) { return r.Map(offset, size) }
func (r *RemoteSmem) Size() uint64                              { return r.size }
func (r *RemoteSmem) Close() error                              { return nil }
