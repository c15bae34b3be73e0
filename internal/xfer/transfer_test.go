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
	"bytes"
	"errors"
	"testing"
)

func connect(t *testing.T, m *Manager, from, to *EndPoint) *Template {
	t.Helper()
	tpl, err := m.GetTemplate(from, to)
	if err != nil {
		t.Fatalf("GetTemplate failed: %v", err)
	}
	t.Cleanup(tpl.Release)
	return tpl
}

func mapped(t *testing.T, ep *EndPoint, off, n uint64) []byte {
	t.Helper()
	b, err := ep.Smem().Map(off, n)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	return b
}

func TestCopyRequestPost(t *testing.T) {
	m, _ := newTestManager(t)
	a := allocate(t, m)
	b := allocate(t, m)
	tpl := connect(t, m, a, b)

	copy(mapped(t, a, 0x2000, 5), "hello")
	StoreWord(mapped(t, a, 0x3000, 4), 0x80000000)

	r := tpl.CreateRequest()
	if r.Status() != Pending {
		t.Errorf("Expected Pending before Post, got %v", r.Status())
	}
	if err := r.Copy(0x3000, 0x5000, 4, FlagTransfer); err != nil {
		t.Fatalf("Copy flag failed: %v", err)
	}
	if err := r.Copy(0x2000, 0x4000, 5, DataTransfer); err != nil {
		t.Fatalf("Copy data failed: %v", err)
	}

	got := r.Transfers()
	if len(got) != 2 || got[0].Flags != DataTransfer || got[1].Flags != FlagTransfer {
		t.Fatalf("Expected data before flag, got %+v", got)
	}

	if err := r.Post(); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if r.Status() != CompleteSuccess {
		t.Errorf("Expected CompleteSuccess, got %v", r.Status())
	}
	if !bytes.Equal(mapped(t, b, 0x4000, 5), []byte("hello")) {
		t.Errorf("Expected data at destination, got %q", mapped(t, b, 0x4000, 5))
	}
	if w := LoadWord(mapped(t, b, 0x5000, 4)); w != 0x80000000 {
		t.Errorf("Expected flag 0x80000000, got %#x", w)
	}

	// Posting again repeats the copies with the current source contents.
	copy(mapped(t, a, 0x2000, 5), "world")
	if err := r.Post(); err != nil {
		t.Fatalf("Second post failed: %v", err)
	}
	if !bytes.Equal(mapped(t, b, 0x4000, 5), []byte("world")) {
		t.Errorf("Expected reposted data, got %q", mapped(t, b, 0x4000, 5))
	}
}

func TestCopyRequestGroup(t *testing.T) {
	m, _ := newTestManager(t)
	a := allocate(t, m)
	b := allocate(t, m)
	c := allocate(t, m)
	tpl := connect(t, m, a, b)
	other := connect(t, m, a, c)

	flag := tpl.CreateRequest()
	if err := flag.Copy(0x3000, 0x3000, 4, FlagTransfer); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	data := tpl.CreateRequest()
	if err := data.Copy(0x2000, 0x2000, 64, DataTransfer); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	meta := tpl.CreateRequest()
	if err := meta.Copy(0x2800, 0x2800, 64, MetaDataTransfer); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}

	if err := flag.Group(data); err != nil {
		t.Fatalf("Group failed: %v", err)
	}
	if err := flag.Group(meta); err != nil {
		t.Fatalf("Group failed: %v", err)
	}
	got := flag.Transfers()
	want := []Flags{DataTransfer, MetaDataTransfer, FlagTransfer}
	if len(got) != len(want) {
		t.Fatalf("Expected %d transfers, got %d", len(want), len(got))
	}
	for i, f := range want {
		if got[i].Flags != f {
			t.Errorf("Transfer %d: expected %v, got %v", i, f, got[i].Flags)
		}
	}

	foreign := other.CreateRequest()
	if err := foreign.Copy(0x2000, 0x2000, 8, DataTransfer); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if err := flag.Group(foreign); !errors.Is(err, ErrIncompatibleGroup) {
		t.Errorf("Expected ErrIncompatibleGroup, got %v", err)
	}
	if err := flag.Group(flag); !errors.Is(err, ErrIncompatibleGroup) {
		t.Errorf("Expected ErrIncompatibleGroup for self grouping, got %v", err)
	}
}

func TestTransferBounds(t *testing.T) {
	m, _ := newTestManager(t)
	a := allocate(t, m)
	b := allocate(t, m)
	r := connect(t, m, a, b).CreateRequest()

	tests := []struct {
		name          string
		src, dst, len uint64
	}{
		{"zero length", 0, 0, 0},
		{"source overflow", a.Size - 4, 0, 8},
		{"destination overflow", 0, b.Size, 1},
		{"wraparound", ^uint64(0) - 2, 0, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Copy(tt.src, tt.dst, tt.len, DataTransfer); !errors.Is(err, ErrOutOfRange) {
				t.Errorf("Expected ErrOutOfRange, got %v", err)
			}
		})
	}
	if len(r.Transfers()) != 0 {
		t.Error("Expected rejected transfers not to be recorded")
	}
}

func TestTransferListLimit(t *testing.T) {
	m, _ := newTestManager(t)
	a := allocate(t, m)
	b := allocate(t, m)

	l := NewTransferList(a, b, 2)
	for i := 0; i < 2; i++ {
		if err := l.Add(uint64(i)*8, 0, 8, DataTransfer); err != nil {
			t.Fatalf("Add %d failed: %v", i, err)
		}
	}
	if err := l.Add(16, 0, 8, DataTransfer); !errors.Is(err, ErrNoDescriptor) {
		t.Errorf("Expected ErrNoDescriptor, got %v", err)
	}
	if l.Len() != 2 || l.Bytes() != 16 {
		t.Errorf("Expected 2 transfers of 16 bytes, got %d of %d", l.Len(), l.Bytes())
	}
}

func TestModify(t *testing.T) {
	m, _ := newTestManager(t)
	a := allocate(t, m)
	b := allocate(t, m)
	tpl := connect(t, m, a, b)

	copy(mapped(t, a, 0x2000, 4), "aaaa")
	copy(mapped(t, a, 0x2100, 4), "bbbb")

	r := tpl.CreateRequest()
	if err := r.Copy(0x2000, 0x6000, 4, DataTransfer); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	old := make([]uint64, 1)
	if err := r.Modify([]uint64{0x2100}, old); err != nil {
		t.Fatalf("Modify failed: %v", err)
	}
	if old[0] != 0x2000 {
		t.Errorf("Expected old offset 0x2000, got %#x", old[0])
	}
	if err := r.Post(); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if got := mapped(t, b, 0x6000, 4); !bytes.Equal(got, []byte("bbbb")) {
		t.Errorf("Expected modified source to be copied, got %q", got)
	}

	if err := r.Modify([]uint64{a.Size}, nil); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Expected ErrOutOfRange, got %v", err)
	}
	if err := r.Modify([]uint64{0, 8}, nil); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Expected ErrOutOfRange for too many offsets, got %v", err)
	}
}

func TestPostOnClosedServices(t *testing.T) {
	m, _ := newTestManager(t)
	a := allocate(t, m)
	b := allocate(t, m)
	tpl := connect(t, m, a, b)

	r := tpl.CreateRequest()
	if err := r.Copy(0x2000, 0x2000, 8, DataTransfer); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	tpl.Services().Close()
	if err := r.Post(); !errors.Is(err, ErrEndpointClosed) {
		t.Errorf("Expected ErrEndpointClosed, got %v", err)
	}
	if r.Status() != CompleteFailure {
		t.Errorf("Expected CompleteFailure, got %v", r.Status())
	}
}

func TestCopyToUnmappableFails(t *testing.T) {
	m, _ := newTestManager(t)
	a := allocate(t, m)
	remote := EndPointSpec{Protocol: memProtocol, Info: "far", Size: 4096, Mailbox: 7, MaxMailboxes: 10}
	remote.UUID = a.UUID
	remote.UUID[0] ^= 0xff
	r, err := m.GetEndPoint(remote.String(), false, false, 0)
	if err != nil {
		t.Fatalf("GetEndPoint failed: %v", err)
	}
	req := connect(t, m, a, r).CreateRequest()
	if err := req.Copy(0x2000, 0, 8, DataTransfer); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if err := req.Post(); !errors.Is(err, ErrRequestFailed) {
		t.Errorf("Expected ErrRequestFailed, got %v", err)
	}
}
