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
	"errors"
	"testing"
)

func TestResourceAlignment(t *testing.T) {
	r := NewResourceServices(1024)

	a, err := r.Alloc(3, 1)
	if err != nil || a != 0 {
		t.Fatalf("Expected offset 0, got %d (%v)", a, err)
	}
	b, err := r.Alloc(16, 8)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if b != 8 {
		t.Errorf("Expected aligned offset 8, got %d", b)
	}
	// The gap [3, 8) is still usable.
	c, err := r.Alloc(4, 1)
	if err != nil || c != 3 {
		t.Errorf("Expected first fit at 3, got %d (%v)", c, err)
	}
	if got := r.Available(); got != 1024-3-16-4 {
		t.Errorf("Expected %d bytes available, got %d", 1024-3-16-4, got)
	}
}

func TestResourceExhaustion(t *testing.T) {
	r := NewResourceServices(64)
	if _, err := r.Alloc(64, 8); err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if _, err := r.Alloc(1, 1); !errors.Is(err, ErrNoResources) {
		t.Errorf("Expected ErrNoResources, got %v", err)
	}
	if _, err := r.Alloc(0, 1); !errors.Is(err, ErrNoResources) {
		t.Errorf("Expected ErrNoResources for zero size, got %v", err)
	}
	if _, err := r.Alloc(8, 3); err == nil {
		t.Error("Expected error for non power of two alignment")
	}
}

func TestResourceFreeCoalesces(t *testing.T) {
	r := NewResourceServices(256)
	offs := make([]uint64, 4)
	for i := range offs {
		off, err := r.Alloc(64, 8)
		if err != nil {
			t.Fatalf("Alloc %d failed: %v", i, err)
		}
		offs[i] = off
	}

	for _, i := range []int{1, 3, 0, 2} {
		if err := r.Free(offs[i], 64); err != nil {
			t.Fatalf("Free %d failed: %v", i, err)
		}
	}
	if got := r.Available(); got != 256 {
		t.Errorf("Expected all 256 bytes free, got %d", got)
	}
	off, err := r.Alloc(256, 8)
	if err != nil || off != 0 {
		t.Errorf("Expected whole space at 0 after coalescing, got %d (%v)", off, err)
	}
}

func TestResourceDoubleFree(t *testing.T) {
	r := NewResourceServices(128)
	off, _ := r.Alloc(32, 8)
	if err := r.Free(off, 32); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	if err := r.Free(off, 32); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Expected ErrOutOfRange on double free, got %v", err)
	}
	if err := r.Free(120, 16); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Expected ErrOutOfRange beyond the space, got %v", err)
	}
}
