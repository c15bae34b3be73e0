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
	"sort"
	"sync"
)

type span struct {
	off, size uint64
}

// ResourceServices hands out regions of a local endpoint's address space.
// Allocation is first fit over a sorted free list; Free coalesces.
type ResourceServices struct {
	mu    sync.Mutex
	limit uint64
	free  []span
}

// NewResourceServices manages [0, size).
func NewResourceServices(size uint64) *ResourceServices {
	r := &ResourceServices{limit: size}
	if size > 0 {
		r.free = []span{{0, size}}
	}
	return r
}

// Alloc returns the offset of size bytes aligned to align (a power of two,
// 0 or 1 for none).
func (r *ResourceServices) Alloc(size, align uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: zero sized allocation", ErrNoResources)
	}
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return 0, fmt.Errorf("alignment %d is not a power of two", align)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.free {
		start := (s.off + align - 1) &^ (align - 1)
		end := s.off + s.size
		if start < s.off || start+size > end || start+size < start {
			continue
		}
		var repl []span
		if start > s.off {
			repl = append(repl, span{s.off, start - s.off})
		}
		if start+size < end {
			repl = append(repl, span{start + size, end - start - size})
		}
		r.free = append(r.free[:i], append(repl, r.free[i+1:]...)...)
		return start, nil
	}
	return 0, fmt.Errorf("%w: %d bytes (align %d) in %d byte space", ErrNoResources, size, align, r.limit)
}

// Free returns a region obtained from Alloc.
func (r *ResourceServices) Free(offset, size uint64) error {
	if err := CheckRange(offset, size, r.limit); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	i := sort.Search(len(r.free), func(i int) bool { return r.free[i].off >= offset })
	if i < len(r.free) && offset+size > r.free[i].off {
		return fmt.Errorf("%w: free of [%#x, +%d) overlaps free space", ErrOutOfRange, offset, size)
	}
	if i > 0 && r.free[i-1].off+r.free[i-1].size > offset {
		return fmt.Errorf("%w: free of [%#x, +%d) overlaps free space", ErrOutOfRange, offset, size)
	}

	r.free = append(r.free, span{})
	copy(r.free[i+1:], r.free[i:])
	r.free[i] = span{offset, size}

	if i+1 < len(r.free) && r.free[i].off+r.free[i].size == r.free[i+1].off {
		r.free[i].size += r.free[i+1].size
		r.free = append(r.free[:i+1], r.free[i+2:]...)
	}
	if i > 0 && r.free[i-1].off+r.free[i-1].size == r.free[i].off {
		r.free[i-1].size += r.free[i].size
		r.free = append(r.free[:i], r.free[i+1:]...)
	}
	return nil
}

// Available returns the number of free bytes.
func (r *ResourceServices) Available() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n uint64
	for _, s := range r.free {
		n += s.size
	}
	return n
}

// Size returns the managed address space size.
func (r *ResourceServices) Size() uint64 {
	return r.limit
}
