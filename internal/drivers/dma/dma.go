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
Package dma implements the DMA memory driver ("ocpi-dma-pio").

MEMORY:
=======
A reserved window of physical memory is described by OCPI_DMA_MEMORY as
"<size>M$0x<base>". The window is split into equal page aligned regions,
one per mailbox, and mapped through the memory device (/dev/mem).

	base + perMBox*mailbox    bus address of a local endpoint
	perMBox                   (size / maxMailboxes) rounded down to a page

ENDPOINT INFO:
==============

	<busAddrHex>.<holeOffsetHex>.<holeEndHex>

A nonzero hole offset means [holeOffset, holeEnd) of the endpoint is not
backed by memory; offsets at or beyond holeEnd sit at busAddr+offset.
Ranges that touch the hole cannot be mapped.
*/
package dma

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"dataplane/internal/config"
	"dataplane/internal/logging"
	"dataplane/internal/xfer"
)

// Info is the parsed protocol info of a DMA endpoint.
type Info struct {
	BusAddr    uint64
	HoleOffset uint64
	HoleEnd    uint64
}

func (i Info) String() string {
	return fmt.Sprintf("%x.%x.%x", i.BusAddr, i.HoleOffset, i.HoleEnd)
}

// ParseInfo parses "<busAddrHex>.<holeOffsetHex>.<holeEndHex>".
func ParseInfo(s string) (Info, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Info{}, fmt.Errorf("%w: dma info %q", xfer.ErrInvalidEndpoint, s)
	}
	var vals [3]uint64
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 64)
		if err != nil {
			return Info{}, fmt.Errorf("%w: dma info %q", xfer.ErrInvalidEndpoint, s)
		}
		vals[i] = v
	}
	info := Info{BusAddr: vals[0], HoleOffset: vals[1], HoleEnd: vals[2]}
	if info.HoleOffset != 0 && info.HoleEnd < info.HoleOffset {
		return Info{}, fmt.Errorf("%w: dma hole ends before it starts in %q", xfer.ErrInvalidEndpoint, s)
	}
	return info, nil
}

// Driver is the DMA memory driver. The device is opened on first use.
type Driver struct {
	cfg    config.DMAConfig
	mu     sync.Mutex
	file   *os.File
	base   uint64
	size   uint64
	page   uint64
	per    uint64
	maxMB  uint16
	logger *logging.Logger
}

// New creates a driver for the configured device and memory window.
func New(cfg config.DMAConfig) *Driver {
	return &Driver{
		cfg:    cfg,
		page:   uint64(unix.Getpagesize()),
		logger: logging.NewLogger("dma"),
	}
}

func (d *Driver) Protocol() string { return config.ProtocolDMA }

func (d *Driver) initLocked(maxMailboxes uint16) error {
	if d.file != nil {
		if maxMailboxes != d.maxMB {
			return fmt.Errorf("dma memory split for %d mailboxes, endpoint wants %d", d.maxMB, maxMailboxes)
		}
		return nil
	}
	if d.cfg.Memory == "" {
		return fmt.Errorf("%s is not set", config.EnvDMAMemory)
	}
	size, base, err := config.ParseDMAMemory(d.cfg.Memory)
	if err != nil {
		return err
	}
	top := base + size
	if base&(d.page-1) != 0 {
		base = (base + d.page - 1) &^ (d.page - 1)
		top &^= d.page - 1
		size = top - base
		d.logger.Warn("DMA memory is not page aligned", "base", logging.Hex(base), "size", size)
	}
	f, err := os.OpenFile(d.cfg.Device, os.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return fmt.Errorf("cannot open %s for DMA: %w", d.cfg.Device, err)
	}
	d.file = f
	d.base = base
	d.size = size
	d.maxMB = maxMailboxes
	d.per = (size / uint64(maxMailboxes)) &^ (d.page - 1)
	d.logger.Info("DMA memory ready", "device", d.cfg.Device, "base", logging.Hex(base),
		"size", size, "per_mailbox", d.per)
	return nil
}

// NewLocal assigns the mailbox's region of the DMA window.
func (d *Driver) NewLocal(mailbox, maxMailboxes uint16, size uint64) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.initLocked(maxMailboxes); err != nil {
		return "", err
	}
	if size > d.per {
		return "", fmt.Errorf("%w: not enough memory to accommodate all endpoints (%d > %d)",
			xfer.ErrNoResources, size, d.per)
	}
	return Info{BusAddr: d.base + d.per*uint64(mailbox)}.String(), nil
}

// NewSmem maps the endpoint's memory. Endpoints outside the DMA window are
// reachable by no local CPU mapping.
func (d *Driver) NewSmem(ep *xfer.EndPoint) (xfer.SmemServices, error) {
	info, err := ParseInfo(ep.Info)
	if err != nil {
		return nil, err
	}
	if info.HoleOffset != 0 && info.HoleEnd > ep.Size {
		return nil, fmt.Errorf("%w: dma hole beyond endpoint size", xfer.ErrInvalidEndpoint)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.initLocked(ep.MaxMailboxes); err != nil {
		return nil, err
	}
	if info.BusAddr < d.base || info.BusAddr+ep.Size > d.base+d.size {
		d.logger.Debug("Endpoint outside the DMA window", "endpoint", ep.Name())
		return xfer.NewRemoteSmem(ep.Size), nil
	}

	s := &smem{info: info, size: ep.Size}
	if info.HoleOffset == 0 {
		if s.low, err = d.mapRegion(info.BusAddr, ep.Size); err != nil {
			return nil, err
		}
		return s, nil
	}
	if s.low, err = d.mapRegion(info.BusAddr, info.HoleOffset); err != nil {
		return nil, err
	}
	if ep.Size > info.HoleEnd {
		if s.high, err = d.mapRegion(info.BusAddr+info.HoleEnd, ep.Size-info.HoleEnd); err != nil {
			s.low.unmap()
			return nil, err
		}
	}
	return s, nil
}

type region struct {
	raw  []byte
	view []byte
}

func (r *region) unmap() error {
	if r == nil || r.raw == nil {
		return nil
	}
	err := unix.Munmap(r.raw)
	r.raw, r.view = nil, nil
	return err
}

// mapRegion maps n bytes at a bus address that need not be page aligned.
func (d *Driver) mapRegion(bus, n uint64) (*region, error) {
	start := bus &^ (d.page - 1)
	pad := bus - start
	length := (pad + n + d.page - 1) &^ (d.page - 1)
	raw, err := unix.Mmap(int(d.file.Fd()), int64(start), int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed on DMA region %d at %#x: %w", n, bus, err)
	}
	return &region{raw: raw, view: raw[pad : pad+n : pad+n]}, nil
}

// NewServices creates a synchronous copy template.
func (d *Driver) NewServices(from, to *xfer.EndPoint) (xfer.Services, error) {
	return xfer.NewCopyServices(config.ProtocolDMA, from, to), nil
}

// Close closes the memory device. Regions stay mapped until their
// endpoints close them.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

// smem is an endpoint's view of DMA memory, with an optional hole.
type smem struct {
	mu   sync.Mutex
	info Info
	size uint64
	low  *region
	high *region
}

func (s *smem) Map(offset, size uint64) ([]byte, error) {
	if err := xfer.CheckRange(offset, size, s.size); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.low == nil {
		return nil, xfer.ErrEndpointClosed
	}
	top := offset + size
	switch {
	case s.info.HoleOffset == 0 || top <= s.info.HoleOffset:
		return s.low.view[offset:top:top], nil
	case offset >= s.info.HoleEnd && s.high != nil:
		lo, hi := offset-s.info.HoleEnd, top-s.info.HoleEnd
		return s.high.view[lo:hi:hi], nil
	default:
		return nil, fmt.Errorf("%w: [%#x, +%d) touches the hole [%#x, %#x)",
			xfer.ErrOutOfRange, offset, size, s.info.HoleOffset, s.info.HoleEnd)
	}
}

func (s *smem) MapTx(offset, size uint64) ([]byte, error) { return s.Map(offset, size) }
func (s *smem) MapRx(offset, size uint64) ([]byte, error) { return s.Map(offset, size) }

func (s *smem) Size() uint64 { return s.size }

func (s *smem) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.low.unmap()
	if herr := s.high.unmap(); err == nil {
		err = herr
	}
	s.low, s.high = nil, nil
	return err
}
