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
	"errors"
	"fmt"

	"dataplane/internal/xfer"
)

const controlSize = 16 // OutputPortSetControl: endOfStream, endOfWhole, numberOfBuffers

type span struct{ off, size uint64 }

// portOffsets locates the regions of one port inside its endpoint. Every
// allocation is recorded so the port can return it on close.
type portOffsets struct {
	ep        *xfer.EndPoint
	n         int
	bufLen    uint64
	dataBase  uint64
	dataPitch uint64
	stateBase uint64
	metaBase  uint64
	control   uint64
	spans     []span
}

func alignUp(n, a uint64) uint64 {
	return (n + a - 1) &^ (a - 1)
}

func (o *portOffsets) alloc(size uint64) (uint64, error) {
	off, err := o.ep.Resources().Alloc(size, BufAlignment)
	if err != nil {
		return 0, err
	}
	o.spans = append(o.spans, span{off, size})
	return off, nil
}

func (o *portOffsets) free() {
	for _, s := range o.spans {
		o.ep.Resources().Free(s.off, s.size)
	}
	o.spans = nil
}

// createPortOffsets allocates data, state and metadata regions for n
// buffers of bufLen bytes, plus the control block of an output port.
func createPortOffsets(ep *xfer.EndPoint, n int, bufLen uint64, output bool) (*portOffsets, error) {
	if ep.Resources() == nil {
		return nil, fmt.Errorf("%w: endpoint %s is not local", xfer.ErrInvalidEndpoint, ep.Name())
	}
	// A message length must fit the packed metadata word.
	if bufLen > MaxMetaLength {
		return nil, fmt.Errorf("%w: %d byte buffers, at most %d", ErrBufferTooLarge, bufLen, MaxMetaLength)
	}
	o := &portOffsets{ep: ep, n: n, bufLen: bufLen, dataPitch: alignUp(bufLen, BufAlignment)}
	var err error
	if o.dataBase, err = o.alloc(o.dataPitch * uint64(n)); err == nil {
		if o.stateBase, err = o.alloc(statePitch * uint64(n)); err == nil {
			if o.metaBase, err = o.alloc(metaDataPitch * uint64(n)); err == nil && output {
				o.control, err = o.alloc(controlSize)
			}
		}
	}
	if err != nil {
		o.free()
		if errors.Is(err, xfer.ErrNoResources) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", xfer.ErrNoResources, err)
	}
	return o, nil
}

func (o *portOffsets) dataOffset(i int) uint64  { return o.dataBase + uint64(i)*o.dataPitch }
func (o *portOffsets) stateOffset(i int) uint64 { return o.stateBase + uint64(i)*statePitch }
func (o *portOffsets) metaOffset(i int) uint64  { return o.metaBase + uint64(i)*metaDataPitch }

// slotOffset is the offset of state word w of buffer i.
func (o *portOffsets) slotOffset(i, w int) uint64 {
	return o.stateOffset(i) + uint64(w)*BufferStateSize
}

// recordOffset is the offset of contributor c's metadata record of buffer i.
func (o *portOffsets) recordOffset(i, c int) uint64 {
	return o.metaOffset(i) + uint64(c)*MetaDataSize
}

func (o *portOffsets) mapBuffer(i int) (data, state, meta []byte, err error) {
	smem := o.ep.Smem()
	if data, err = smem.Map(o.dataOffset(i), o.bufLen); err != nil {
		return
	}
	if state, err = smem.Map(o.stateOffset(i), statePitch); err != nil {
		return
	}
	meta, err = smem.Map(o.metaOffset(i), metaDataPitch)
	return
}
