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

package transport

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"dataplane/internal/config"
	"dataplane/internal/drivers/pio"
	"dataplane/internal/metrics"
	"dataplane/internal/xfer"
)

func pioManager(t *testing.T, dir string, first uint16, retries int) *xfer.Manager {
	t.Helper()
	return pioManagerSized(t, dir, first, retries, 1<<20)
}

func pioManagerSized(t *testing.T, dir string, first uint16, retries int, smb uint64) *xfer.Manager {
	t.Helper()
	cfg := xfer.DefaultManagerConfig()
	cfg.SMBSize = smb
	cfg.FirstMailbox = first
	cfg.RetryCount = retries
	cfg.DefaultProtocol = config.ProtocolPIO
	m := xfer.NewManager(cfg)
	if err := m.Register(pio.New(config.PIOConfig{ShmDir: dir})); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func newTransport(t *testing.T, m *xfer.Manager, opts Options) *Transport {
	t.Helper()
	tr := New(m, opts)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func localEndPoint(t *testing.T, tr *Transport) *xfer.EndPoint {
	t.Helper()
	ep, err := tr.AddLocalEndPoint(config.ProtocolPIO)
	if err != nil {
		t.Fatalf("AddLocalEndPoint failed: %v", err)
	}
	return ep
}

func copyOptions() Options {
	o := DefaultOptions()
	o.ZeroCopy = false
	return o
}

// loopback builds a circuit between two endpoints of one transport.
func loopback(t *testing.T, tr *Transport, nOut, nIn, length int) (*Circuit, *Port, *Port) {
	t.Helper()
	src, dst := localEndPoint(t, tr), localEndPoint(t, tr)
	c, err := tr.CreateCircuit(CircuitSpec{
		Output: &PortSpec{EndPoint: src, BufferCount: nOut, BufferLength: length},
		Inputs: []PortSpec{{EndPoint: dst, BufferCount: nIn, BufferLength: length}},
	})
	if err != nil {
		t.Fatalf("CreateCircuit failed: %v", err)
	}
	return c, c.Output(), c.Input(0)
}

func send(t *testing.T, p *Port, payload []byte, opcode uint8) {
	t.Helper()
	b := p.GetNextEmptyOutputBuffer()
	if b == nil {
		t.Fatal("Expected an empty output buffer")
	}
	copy(b.Data(), payload)
	if err := p.SendOutputBuffer(b, len(payload), opcode, false); err != nil {
		t.Fatalf("SendOutputBuffer failed: %v", err)
	}
}

func receive(t *testing.T, p *Port) (*InputBuffer, []byte, uint8) {
	t.Helper()
	b, data, opcode, _ := p.GetNextFullInputBuffer()
	if b == nil {
		t.Fatal("Expected a full input buffer")
	}
	return b, data, opcode
}

func pattern(b []byte, seed int) {
	for i := range b {
		b[i] = byte(seed + i)
	}
}

func checkPattern(b []byte, seed int) bool {
	for i := range b {
		if b[i] != byte(seed+i) {
			return false
		}
	}
	return true
}

func TestLoopbackMessage(t *testing.T) {
	tr := newTransport(t, pioManager(t, t.TempDir(), 1, 100), copyOptions())
	c, out, in := loopback(t, tr, 2, 2, 256)

	if out.Role() != ActiveMessage || in.Role() != ActiveFlowControl {
		t.Fatalf("Expected push roles, got %s/%s", out.Role(), in.Role())
	}
	if c.State() != Active {
		t.Errorf("Expected Active circuit, got %s", c.State())
	}
	if in.HasFullInputBuffer() {
		t.Error("Expected no message before sending")
	}

	payload := bytes.Repeat([]byte{0xa5}, 64)
	send(t, out, payload, 7)
	b, data, opcode := receive(t, in)
	if !bytes.Equal(data, payload) {
		t.Errorf("Expected payload, got %x", data)
	}
	if opcode != 7 {
		t.Errorf("Expected opcode 7, got %d", opcode)
	}
	md := b.MetaData()
	if md.Length != 64 || md.Sequence != 0 || md.SrcRank != 0 || !md.Consistent() {
		t.Errorf("Unexpected metadata %+v", md)
	}
	if err := in.ReleaseInputBuffer(b); err != nil {
		t.Fatalf("ReleaseInputBuffer failed: %v", err)
	}
	if err := in.ReleaseInputBuffer(b); !errors.Is(err, ErrBufferNotAvailable) {
		t.Errorf("Expected a second release to fail, got %v", err)
	}

	send(t, out, []byte("second"), 1)
	b, data, _ = receive(t, in)
	if string(data) != "second" || b.MetaData().Sequence != 1 {
		t.Errorf("Expected second message with sequence 1, got %q seq %d", data, b.MetaData().Sequence)
	}
}

func TestOrderingWithRandomSizes(t *testing.T) {
	const length = 4096
	tr := newTransport(t, pioManager(t, t.TempDir(), 1, 100), copyOptions())
	_, out, in := loopback(t, tr, 3, 2, length)
	rng := rand.New(rand.NewSource(1))
	checkOrdering(t, out, in, 10000, func(int) int { return rng.Intn(length + 1) }, false)
}

func TestOrderingAtFullLength(t *testing.T) {
	for _, meta := range []bool{false, true} {
		t.Run(fmt.Sprintf("flag-is-meta=%v", meta), func(t *testing.T) {
			opts := copyOptions()
			opts.FlagIsMeta = meta
			tr := newTransport(t, pioManagerSized(t, t.TempDir(), 1, 100, 5<<20), opts)
			_, out, in := loopback(t, tr, 2, 2, MaxMetaLength)
			if out.BufferLength() != MaxMetaLength || in.BufferLength() != MaxMetaLength {
				t.Fatalf("Expected %d byte buffers, got %d/%d", MaxMetaLength, out.BufferLength(), in.BufferLength())
			}
			edges := []int{0, 1, MaxMetaLength, MaxMetaLength - 1}
			rng := rand.New(rand.NewSource(2))
			checkOrdering(t, out, in, 300, func(i int) int {
				if i < len(edges) {
					return edges[i]
				}
				return rng.Intn(MaxMetaLength + 1)
			}, meta)
		})
	}
}

// checkOrdering interleaves sends and receives at random and verifies
// every message arrives in order with its length, opcode and payload.
// With packed flags the full flag must carry the metadata word.
func checkOrdering(t *testing.T, out, in *Port, cycles int, size func(i int) int, packed bool) {
	t.Helper()
	rng := rand.New(rand.NewSource(int64(cycles)))
	var sizes []int
	sent, got := 0, 0
	for got < cycles {
		if sent < cycles && rng.Intn(2) == 0 {
			if b := out.GetNextEmptyOutputBuffer(); b != nil {
				n := size(sent)
				pattern(b.Data()[:n], sent)
				if err := out.SendOutputBuffer(b, n, uint8(sent), false); err != nil {
					t.Fatalf("SendOutputBuffer %d failed: %v", sent, err)
				}
				sizes = append(sizes, n)
				sent++
			}
			continue
		}
		b, data, opcode, _ := in.GetNextFullInputBuffer()
		if b == nil {
			continue
		}
		if len(data) != sizes[got] || opcode != uint8(got) || b.MetaData().Sequence != uint32(got) {
			t.Fatalf("Message %d: expected %d bytes opcode %d, got %d bytes opcode %d seq %d",
				got, sizes[got], uint8(got), len(data), opcode, b.MetaData().Sequence)
		}
		if md := b.MetaData(); md.Length != uint32(sizes[got]) || md.Truncate != 0 || !md.Consistent() {
			t.Fatalf("Message %d: unexpected metadata %+v", got, md)
		}
		if packed {
			if want := FullFlag(PackXferMetaData(uint32(sizes[got]), uint8(got), false)); b.GetState() != want {
				t.Fatalf("Message %d: expected flag %#08x, got %#08x", got, uint32(want), uint32(b.GetState()))
			}
		} else if !b.GetState().IsFull() {
			t.Fatalf("Message %d: expected a full flag, got %#08x", got, uint32(b.GetState()))
		}
		if !checkPattern(data, got) {
			t.Fatalf("Message %d: corrupted payload", got)
		}
		if err := in.ReleaseInputBuffer(b); err != nil {
			t.Fatalf("ReleaseInputBuffer %d failed: %v", got, err)
		}
		got++
	}
}

func TestCycleRestoresState(t *testing.T) {
	tr := newTransport(t, pioManager(t, t.TempDir(), 1, 100), copyOptions())
	_, out, in := loopback(t, tr, 2, 2, 64)

	snapshot := func() []byte {
		var s []byte
		for _, b := range out.outputs {
			s = append(s, b.state...)
		}
		for _, b := range in.inputs {
			s = append(s, b.state...)
		}
		for _, b := range out.targets[0].shadow.inputs {
			s = append(s, b.shadow[out.mailbox]...)
		}
		return s
	}
	initial := snapshot()

	for round := 0; round < 3; round++ {
		for i := 0; i < 2; i++ {
			send(t, out, []byte{byte(i)}, 0)
			b, _, _ := receive(t, in)
			if err := in.ReleaseInputBuffer(b); err != nil {
				t.Fatalf("ReleaseInputBuffer failed: %v", err)
			}
		}
		if !out.HasEmptyOutputBuffer() {
			t.Fatal("Expected the output buffers to be free")
		}
		if got := snapshot(); !bytes.Equal(got, initial) {
			t.Fatalf("Round %d: state words differ from the initial state", round)
		}
	}
	for _, b := range in.inputs {
		if b.GetState() != FFEmpty {
			t.Errorf("Expected input %d empty, got %#08x", b.tid, uint32(b.GetState()))
		}
	}
	for _, b := range out.outputs {
		if b.GetState() != EFEmpty {
			t.Errorf("Expected output %d empty, got %#08x", b.tid, uint32(b.GetState()))
		}
	}
}

func TestZeroCopy(t *testing.T) {
	opts := DefaultOptions()
	opts.ZeroCopy = true
	tr := newTransport(t, pioManager(t, t.TempDir(), 1, 100), opts)
	ep := localEndPoint(t, tr)
	c, err := tr.CreateCircuit(CircuitSpec{
		Output: &PortSpec{EndPoint: ep, BufferCount: 1, BufferLength: 128},
		Inputs: []PortSpec{{EndPoint: ep, BufferCount: 1, BufferLength: 128}},
	})
	if err != nil {
		t.Fatalf("CreateCircuit failed: %v", err)
	}
	out, in := c.Output(), c.Input(0)
	before := metrics.Get().BuffersZeroCopy.Load()

	ob := out.GetNextEmptyOutputBuffer()
	copy(ob.Data(), "zero copy")
	if err := out.SendOutputBuffer(ob, 9, 1, false); err != nil {
		t.Fatalf("SendOutputBuffer failed: %v", err)
	}
	ib, data, _ := receive(t, in)
	if ib.ZeroCopy() != ob {
		t.Fatal("Expected the input buffer to borrow the output buffer")
	}
	if &data[0] != &ob.Data()[0] || string(data) != "zero copy" {
		t.Errorf("Expected the upstream data region, got %q", data)
	}
	if metrics.Get().BuffersZeroCopy.Load() <= before {
		t.Error("Expected the zero copy counter to advance")
	}
	if out.HasEmptyOutputBuffer() {
		t.Error("Expected a borrowed output buffer to stay unavailable")
	}

	if err := in.ReleaseInputBuffer(ib); err != nil {
		t.Fatalf("ReleaseInputBuffer failed: %v", err)
	}
	if ib.ZeroCopy() != nil {
		t.Error("Expected release to detach the buffer")
	}
	if !out.HasEmptyOutputBuffer() {
		t.Error("Expected the output buffer back after release")
	}
}

func TestPullMode(t *testing.T) {
	opts := copyOptions()
	opts.RolePreference = RolePreference{ActiveOnly, Passive, ActiveMessage, ActiveFlowControl}
	tr := newTransport(t, pioManager(t, t.TempDir(), 1, 100), opts)
	_, out, in := loopback(t, tr, 1, 2, 128)

	if out.Role() != Passive || in.Role() != ActiveOnly {
		t.Fatalf("Expected pull roles, got %s/%s", out.Role(), in.Role())
	}
	send(t, out, []byte("pulled"), 2)
	if out.HasEmptyOutputBuffer() {
		t.Error("Expected the output buffer to stay full until pulled")
	}
	b, data, opcode := receive(t, in)
	if string(data) != "pulled" || opcode != 2 {
		t.Errorf("Expected pulled message, got %q opcode %d", data, opcode)
	}
	if !out.HasEmptyOutputBuffer() {
		t.Error("Expected the pull to free the output buffer")
	}
	if err := in.ReleaseInputBuffer(b); err != nil {
		t.Fatalf("ReleaseInputBuffer failed: %v", err)
	}
}

func TestFanOutRoundRobin(t *testing.T) {
	tr := newTransport(t, pioManager(t, t.TempDir(), 1, 100), copyOptions())
	src, a, b := localEndPoint(t, tr), localEndPoint(t, tr), localEndPoint(t, tr)
	c, err := tr.CreateCircuit(CircuitSpec{
		Output: &PortSpec{EndPoint: src, BufferCount: 4, BufferLength: 32},
		Inputs: []PortSpec{
			{EndPoint: a, BufferCount: 2, BufferLength: 32},
			{EndPoint: b, BufferCount: 2, BufferLength: 32},
		},
	})
	if err != nil {
		t.Fatalf("CreateCircuit failed: %v", err)
	}
	out := c.Output()
	for i := 0; i < 4; i++ {
		send(t, out, []byte{'m', byte('0' + i)}, 0)
	}
	want := [][]string{{"m0", "m2"}, {"m1", "m3"}}
	for i, in := range c.Inputs() {
		if in.Role() != ActiveFlowControl {
			t.Errorf("Input %d: expected ActiveFlowControl, got %s", i, in.Role())
		}
		for _, w := range want[i] {
			buf, data, _ := receive(t, in)
			if string(data) != w {
				t.Errorf("Input %d: expected %s, got %s", i, w, data)
			}
			in.ReleaseInputBuffer(buf)
		}
	}
}

func TestFlagIsMeta(t *testing.T) {
	opts := copyOptions()
	opts.FlagIsMeta = true
	tr := newTransport(t, pioManager(t, t.TempDir(), 1, 100), opts)
	_, out, in := loopback(t, tr, 2, 2, 256)

	ob := out.GetNextEmptyOutputBuffer()
	pattern(ob.Data()[:100], 3)
	if err := out.SendOutputBuffer(ob, 100, 5, true); err != nil {
		t.Fatalf("SendOutputBuffer failed: %v", err)
	}
	ib, data, opcode, end := in.GetNextFullInputBuffer()
	if ib == nil {
		t.Fatal("Expected a full input buffer")
	}
	if want := FullFlag(PackXferMetaData(100, 5, true)); ib.GetState() != want {
		t.Errorf("Expected the flag to carry %#08x, got %#08x", uint32(want), uint32(ib.GetState()))
	}
	if len(data) != 100 || opcode != 5 || !end || !checkPattern(data, 3) {
		t.Errorf("Unexpected message: %d bytes opcode %d end %v", len(data), opcode, end)
	}
}

func TestQueuedTransfer(t *testing.T) {
	tr := newTransport(t, pioManager(t, t.TempDir(), 1, 100), copyOptions())
	_, out, in := loopback(t, tr, 3, 1, 64)
	before := metrics.Get().TransfersQueued.Load()

	send(t, out, []byte("first"), 0)
	send(t, out, []byte("second"), 0)
	if got := metrics.Get().TransfersQueued.Load() - before; got != 1 {
		t.Errorf("Expected one queued transfer, got %d", got)
	}

	b, data, _ := receive(t, in)
	if string(data) != "first" {
		t.Fatalf("Expected first, got %q", data)
	}
	if in.HasFullInputBuffer() {
		t.Error("Expected the queued message to wait for the release")
	}
	if err := in.ReleaseInputBuffer(b); err != nil {
		t.Fatalf("ReleaseInputBuffer failed: %v", err)
	}
	_, data, _ = receive(t, in)
	if string(data) != "second" {
		t.Errorf("Expected second, got %q", data)
	}
}

func TestEndOfStream(t *testing.T) {
	tr := newTransport(t, pioManager(t, t.TempDir(), 1, 100), copyOptions())
	c, out, in := loopback(t, tr, 2, 2, 64)

	if err := out.SendEndOfStream(); err != nil {
		t.Fatalf("SendEndOfStream failed: %v", err)
	}
	if !out.EOS() {
		t.Error("Expected the output to report end of stream")
	}
	b, data, _, end := in.GetNextFullInputBuffer()
	if b == nil || len(data) != 0 || !end {
		t.Fatalf("Expected an empty final message, got %v %d %v", b, len(data), end)
	}
	if !in.EOS() {
		t.Error("Expected the input to report end of stream")
	}
	if c.State() != Disconnecting {
		t.Errorf("Expected Disconnecting, got %s", c.State())
	}
}

func TestBridgePorts(t *testing.T) {
	tr := newTransport(t, pioManager(t, t.TempDir(), 1, 100), copyOptions())
	ep := localEndPoint(t, tr)

	oc, err := tr.CreateCircuit(CircuitSpec{Output: &PortSpec{EndPoint: ep, BufferCount: 1, BufferLength: 64}})
	if err != nil {
		t.Fatalf("CreateCircuit failed: %v", err)
	}
	out := oc.Output()
	send(t, out, []byte("bridge"), 4)
	if out.GetNextEmptyOutputBuffer() != nil {
		t.Error("Expected no empty buffer before the bridge drains")
	}
	ob, data, opcode, _ := out.GetNextFullOutputBuffer()
	if ob == nil || string(data) != "bridge" || opcode != 4 {
		t.Fatalf("Expected bridged message, got %v %q %d", ob, data, opcode)
	}
	if err := out.ReleaseOutputBuffer(ob); err != nil {
		t.Fatalf("ReleaseOutputBuffer failed: %v", err)
	}
	if !out.HasEmptyOutputBuffer() {
		t.Error("Expected the buffer back after the bridge released it")
	}

	ic, err := tr.CreateCircuit(CircuitSpec{Inputs: []PortSpec{{EndPoint: ep, BufferCount: 1, BufferLength: 64}}})
	if err != nil {
		t.Fatalf("CreateCircuit failed: %v", err)
	}
	in := ic.Input(0)
	ib := in.GetNextEmptyInputBuffer()
	if ib == nil {
		t.Fatal("Expected an empty input buffer")
	}
	copy(ib.Data(), "inject")
	if err := in.SendInputBuffer(ib, 6, 2, true); err != nil {
		t.Fatalf("SendInputBuffer failed: %v", err)
	}
	if in.GetNextEmptyInputBuffer() != nil {
		t.Error("Expected no empty input buffer while the message waits")
	}
	got, data, opcode, end := in.GetNextFullInputBuffer()
	if got != ib || string(data) != "inject" || opcode != 2 || !end {
		t.Fatalf("Unexpected injected message %q %d %v", data, opcode, end)
	}
	if err := in.ReleaseInputBuffer(got); err != nil {
		t.Fatalf("ReleaseInputBuffer failed: %v", err)
	}
	if in.GetNextEmptyInputBuffer() == nil {
		t.Error("Expected the input buffer back after release")
	}
}

func TestSendZcopyInputBuffer(t *testing.T) {
	tr := newTransport(t, pioManager(t, t.TempDir(), 1, 100), copyOptions())
	near, far := localEndPoint(t, tr), localEndPoint(t, tr)

	ac, err := tr.CreateCircuit(CircuitSpec{Inputs: []PortSpec{{EndPoint: near, BufferCount: 1, BufferLength: 64}}})
	if err != nil {
		t.Fatalf("CreateCircuit failed: %v", err)
	}
	bc, err := tr.CreateCircuit(CircuitSpec{
		Output: &PortSpec{EndPoint: near, BufferCount: 1, BufferLength: 64},
		Inputs: []PortSpec{{EndPoint: far, BufferCount: 1, BufferLength: 64}},
	})
	if err != nil {
		t.Fatalf("CreateCircuit failed: %v", err)
	}
	src, out, dst := ac.Input(0), bc.Output(), bc.Input(0)

	ib := src.GetNextEmptyInputBuffer()
	copy(ib.Data(), "forward me")
	src.SendInputBuffer(ib, 10, 3, false)
	held, data, _ := receive(t, src)
	before := metrics.Get().BuffersZeroCopy.Load()

	if err := out.SendZcopyInputBuffer(held, len(data), 3, false); err != nil {
		t.Fatalf("SendZcopyInputBuffer failed: %v", err)
	}
	if metrics.Get().BuffersZeroCopy.Load() != before+1 {
		t.Error("Expected the buffer to be forwarded without a copy")
	}
	_, got, opcode := receive(t, dst)
	if string(got) != "forward me" || opcode != 3 {
		t.Errorf("Expected forwarded message, got %q opcode %d", got, opcode)
	}
	if held.InUse() {
		t.Error("Expected the forwarded input buffer to be released after delivery")
	}
	if src.GetNextEmptyInputBuffer() == nil {
		t.Error("Expected the source port to get its buffer back")
	}
}

func TestInvariantViolationsPanic(t *testing.T) {
	tr := newTransport(t, pioManager(t, t.TempDir(), 1, 100), copyOptions())
	_, out, in := loopback(t, tr, 1, 1, 64)

	expectPanic := func(name string, f func()) {
		t.Helper()
		defer func() {
			r := recover()
			if _, ok := r.(*InvariantError); !ok {
				t.Errorf("%s: expected an InvariantError panic, got %v", name, r)
			}
		}()
		f()
	}

	ob := out.outputs[0]
	ob.MarkBufferFull()
	expectPanic("double full", ob.MarkBufferFull)
	ob.MarkBufferEmpty()

	ib := in.inputs[0]
	ib.MarkBufferFull()
	expectPanic("double input full", ib.MarkBufferFull)
	ib.MarkBufferEmpty()

	xfer.StoreWord(ib.word(2), 5)
	expectPanic("corrupt slot", func() { ib.GetState() })
	xfer.StoreWord(ib.word(2), uint32(FFEmpty))
}

func TestFirstFullContributorWins(t *testing.T) {
	tr := newTransport(t, pioManager(t, t.TempDir(), 1, 100), copyOptions())
	c, err := tr.CreateCircuit(CircuitSpec{Inputs: []PortSpec{{BufferCount: 1, BufferLength: 64}}})
	if err != nil {
		t.Fatalf("CreateCircuit failed: %v", err)
	}
	ib := c.Input(0).inputs[0]
	for _, slot := range []int{2, 1} {
		var md BufferMetaData
		md.Set(uint32(slot), uint8(slot), false)
		md.Encode(ib.record(slot))
		xfer.StoreWord(ib.word(slot), uint32(FFFull))
	}
	if got := ib.GetMetaData().OpCode; got != 1 {
		t.Errorf("Expected contributor 1 to win, got opcode %d", got)
	}
	ib.MarkBufferEmpty()
	if ib.GetState() != FFEmpty {
		t.Error("Expected every slot empty after MarkBufferEmpty")
	}
}

func TestCreateCircuitFailures(t *testing.T) {
	tr := newTransport(t, pioManager(t, t.TempDir(), 1, 100), copyOptions())
	src, dst := localEndPoint(t, tr), localEndPoint(t, tr)
	availSrc, availDst := src.Resources().Available(), dst.Resources().Available()

	_, err := tr.CreateCircuit(CircuitSpec{
		Output: &PortSpec{EndPoint: src, BufferCount: 2, BufferLength: 1 << 20},
		Inputs: []PortSpec{{EndPoint: dst}},
	})
	if !errors.Is(err, xfer.ErrNoResources) {
		t.Errorf("Expected ErrNoResources, got %v", err)
	}

	_, err = tr.CreateCircuit(CircuitSpec{
		Output: &PortSpec{EndPoint: src, BufferCount: 1, BufferLength: MaxMetaLength + 1},
		Inputs: []PortSpec{{EndPoint: dst, BufferCount: 1}},
	})
	if !errors.Is(err, ErrBufferTooLarge) {
		t.Errorf("Expected ErrBufferTooLarge for buffers past the packed length, got %v", err)
	}

	_, err = tr.CreateCircuit(CircuitSpec{
		Output: &PortSpec{EndPoint: src, Offer: RoleOffer{Preferred: ActiveMessage, Options: MandatedRole}},
		Inputs: []PortSpec{{EndPoint: dst, Offer: RoleOffer{Preferred: ActiveOnly, Options: MandatedRole}}},
	})
	if !errors.Is(err, ErrNoCompatibleRole) {
		t.Errorf("Expected ErrNoCompatibleRole, got %v", err)
	}

	if src.Resources().Available() != availSrc || dst.Resources().Available() != availDst {
		t.Error("Expected failed circuits to return their memory")
	}
}

func TestCircuitClose(t *testing.T) {
	m := pioManager(t, t.TempDir(), 1, 100)
	tr := newTransport(t, m, copyOptions())
	src, dst := localEndPoint(t, tr), localEndPoint(t, tr)
	availSrc, availDst := src.Resources().Available(), dst.Resources().Available()
	templates := m.TemplateCount()

	c, err := tr.CreateCircuit(CircuitSpec{
		Output: &PortSpec{EndPoint: src},
		Inputs: []PortSpec{{EndPoint: dst}},
	})
	if err != nil {
		t.Fatalf("CreateCircuit failed: %v", err)
	}
	out, in := c.Output(), c.Input(0)
	send(t, out, []byte("bye"), 0)
	b, _, _ := receive(t, in)
	in.ReleaseInputBuffer(b)

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if c.State() != Closed {
		t.Errorf("Expected Closed, got %s", c.State())
	}
	if out.GetNextEmptyOutputBuffer() != nil {
		t.Error("Expected no buffers from a closed circuit")
	}
	if _, err := tr.Circuit(c.ID()); !errors.Is(err, ErrUnknownCircuit) {
		t.Errorf("Expected ErrUnknownCircuit, got %v", err)
	}
	if src.Resources().Available() != availSrc || dst.Resources().Available() != availDst {
		t.Error("Expected the circuit memory to be returned")
	}
	if got := m.TemplateCount(); got != templates {
		t.Errorf("Expected %d templates after close, got %d", templates, got)
	}
}
