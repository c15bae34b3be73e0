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

package main

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"golang.org/x/sync/errgroup"

	"dataplane/internal/metrics"
	"dataplane/internal/transport"
	"dataplane/pkg/cli"
)

// summary is the outcome of one loopback run.
type summary struct {
	protocol string
	messages int
	bytes    int64
	elapsed  time.Duration
	outRole  transport.Role
	inRole   transport.Role
	zeroCopy uint64
	queued   uint64
}

func (s *summary) print() {
	fmt.Println()
	cli.Success("Delivered %d messages over %s", s.messages, s.protocol)
	cli.KeyValue("Roles", fmt.Sprintf("%s -> %s", s.outRole, s.inRole))
	cli.KeyValue("Bytes", bytefmt.ByteSize(uint64(s.bytes)))
	cli.KeyValue("Elapsed", s.elapsed.Round(time.Microsecond))
	if secs := s.elapsed.Seconds(); secs > 0 {
		cli.KeyValue("Rate", fmt.Sprintf("%.0f msg/s, %.2f MB/s", float64(s.messages)/secs, float64(s.bytes)/secs/1e6))
	}
	cli.KeyValue("Zero copy", s.zeroCopy)
	cli.KeyValue("Queued", s.queued)
	fmt.Println()
}

// messageSize varies payloads over the whole buffer, empty ones included.
func messageSize(i, capacity int) int {
	return (i * 131) % (capacity + 1)
}

func fill(b []byte, seq int) {
	for i := range b {
		b[i] = byte(seq*7 + i)
	}
}

func verify(b []byte, seq int) error {
	for i := range b {
		if b[i] != byte(seq*7+i) {
			return fmt.Errorf("message %d: byte %d is %#x", seq, i, b[i])
		}
	}
	return nil
}

// runLoopback streams count messages between two new endpoints of
// protocol. onReady sees the endpoint names once the circuit exists and
// returns a function run when streaming ends.
func runLoopback(ctx context.Context, tr *transport.Transport, protocol string, count int, onReady func([]string) func()) (*summary, error) {
	src, err := tr.AddLocalEndPoint(protocol)
	if err != nil {
		return nil, err
	}
	dst, err := tr.AddLocalEndPoint(protocol)
	if err != nil {
		return nil, err
	}
	c, err := tr.CreateCircuit(transport.CircuitSpec{
		Output: &transport.PortSpec{EndPoint: src},
		Inputs: []transport.PortSpec{{EndPoint: dst}},
	})
	if err != nil {
		return nil, err
	}
	defer c.Close()
	if onReady != nil {
		defer onReady([]string{src.Name(), dst.Name()})()
	}

	out, in := c.Output(), c.Input(0)
	m := metrics.Get()
	zc, queued := m.BuffersZeroCopy.Load(), m.TransfersQueued.Load()
	var delivered atomic.Int64
	var received atomic.Int64

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return produce(gctx, out, count) })
	g.Go(func() error { return consume(gctx, in, count, &received, &delivered) })
	err = g.Wait()

	return &summary{
		protocol: protocol,
		messages: int(received.Load()),
		bytes:    delivered.Load(),
		elapsed:  time.Since(start),
		outRole:  out.Role(),
		inRole:   in.Role(),
		zeroCopy: m.BuffersZeroCopy.Load() - zc,
		queued:   m.TransfersQueued.Load() - queued,
	}, err
}

func produce(ctx context.Context, out *transport.Port, count int) error {
	for i := 0; i < count; {
		if err := ctx.Err(); err != nil {
			return err
		}
		b := out.GetNextEmptyOutputBuffer()
		if b == nil {
			if err := out.Err(); err != nil {
				return err
			}
			runtime.Gosched()
			continue
		}
		n := messageSize(i, b.Length())
		fill(b.Data()[:n], i)
		if err := out.SendOutputBuffer(b, n, uint8(i), i == count-1); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		i++
	}
	return nil
}

func consume(ctx context.Context, in *transport.Port, count int, received, delivered *atomic.Int64) error {
	for i := 0; i < count; {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, data, opcode, end := in.GetNextFullInputBuffer()
		if b == nil {
			if err := in.Err(); err != nil {
				return err
			}
			runtime.Gosched()
			continue
		}
		if want := messageSize(i, b.Length()); len(data) != want {
			return fmt.Errorf("message %d: expected %d bytes, got %d", i, want, len(data))
		}
		if opcode != uint8(i) || end != (i == count-1) {
			return fmt.Errorf("message %d: unexpected opcode %d end %v", i, opcode, end)
		}
		if err := verify(data, i); err != nil {
			return err
		}
		delivered.Add(int64(len(data)))
		if err := in.ReleaseInputBuffer(b); err != nil {
			return err
		}
		received.Add(1)
		i++
	}
	return nil
}
