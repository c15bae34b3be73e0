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
Package pio implements the shared memory transfer driver ("ocpi-smb-pio").

SEGMENTS:
=========
Every local endpoint owns a backing file in the shm directory, named by the
endpoint's protocol info. The file is memory-mapped MAP_SHARED, so any
process on the host that knows the endpoint string maps the same bytes.

	/dev/shm/ocpi-smb-<pid>-<seq>    one per local endpoint
	[0, CommsSize)                    mailbox block
	[CommsSize, size)                 buffers, flags and metadata

CREATION:
=========
The owner creates the file with O_EXCL and holds an exclusive flock while
sizing it, then downgrades to a shared lock. Openers take a shared lock
before mapping, so they never see a file that is still being sized.

TRANSFERS:
==========
Transfers are plain memory copies performed during Post, in posting order.
Flag words are stored atomically after every data copy of the request.
*/
package pio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/tysonmote/gommap"
	"golang.org/x/sys/unix"

	"dataplane/internal/config"
	"dataplane/internal/logging"
	"dataplane/internal/xfer"
)

// segment is one mapped backing file, shared by every endpoint of this
// driver that names it.
type segment struct {
	name  string
	path  string
	file  *os.File
	mmap  gommap.MMap
	owner bool
	refs  int // guarded by Driver.mu
}

// Driver is the shared memory driver.
type Driver struct {
	dir    string
	seq    atomic.Uint32
	mu     sync.Mutex
	segs   map[string]*segment
	logger *logging.Logger
}

// New creates a driver whose segments live in cfg.ShmDir.
func New(cfg config.PIOConfig) *Driver {
	dir := cfg.ShmDir
	if dir == "" {
		dir = os.TempDir()
	}
	return &Driver{
		dir:    dir,
		segs:   make(map[string]*segment),
		logger: logging.NewLogger("pio"),
	}
}

func (d *Driver) Protocol() string { return config.ProtocolPIO }

// Dir returns the directory holding the backing files.
func (d *Driver) Dir() string { return d.dir }

// NewLocal creates and maps the backing file of a new local endpoint.
func (d *Driver) NewLocal(mailbox, maxMailboxes uint16, size uint64) (string, error) {
	name := fmt.Sprintf("ocpi-smb-%d-%d-%d", os.Getpid(), mailbox, d.seq.Add(1))
	path := filepath.Join(d.dir, name)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("create segment: %w", err)
	}
	fail := func(err error) (string, error) {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return fail(fmt.Errorf("lock segment %s: %w", name, err))
	}
	if err := f.Truncate(int64(size)); err != nil {
		return fail(fmt.Errorf("size segment %s: %w", name, err))
	}
	mm, err := gommap.Map(f.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		return fail(fmt.Errorf("map segment %s: %w", name, err))
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		mm.UnsafeUnmap()
		return fail(fmt.Errorf("downgrade lock on %s: %w", name, err))
	}

	d.mu.Lock()
	d.segs[name] = &segment{name: name, path: path, file: f, mmap: mm, owner: true}
	d.mu.Unlock()

	d.logger.Debug("Created segment", "segment", name, "size", size, "mailbox", mailbox)
	return name, nil
}

// NewSmem maps the endpoint's segment. Segments of other processes on the
// host are opened from the shm directory.
func (d *Driver) NewSmem(ep *xfer.EndPoint) (xfer.SmemServices, error) {
	name := ep.Info
	if name == "" || filepath.Base(name) != name {
		return nil, fmt.Errorf("%w: bad segment name %q", xfer.ErrInvalidEndpoint, name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	seg, ok := d.segs[name]
	if !ok {
		if ep.Local {
			return nil, fmt.Errorf("%w: no local segment %s", xfer.ErrInvalidEndpoint, name)
		}
		var err error
		if seg, err = d.openLocked(name, ep.Size); err != nil {
			return nil, err
		}
		d.segs[name] = seg
	}
	if uint64(len(seg.mmap)) < ep.Size {
		if seg.refs == 0 && !seg.owner {
			d.closeSegmentLocked(seg)
		}
		return nil, fmt.Errorf("%w: segment %s holds %d bytes, endpoint needs %d",
			xfer.ErrInvalidEndpoint, name, len(seg.mmap), ep.Size)
	}
	seg.refs++
	return &smem{d: d, seg: seg, size: ep.Size}, nil
}

func (d *Driver) openLocked(name string, size uint64) (*segment, error) {
	path := filepath.Join(d.dir, name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: segment %s is not on this host", xfer.ErrNotMappable, name)
		}
		return nil, fmt.Errorf("open segment: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock segment %s: %w", name, err)
	}
	mm, err := gommap.Map(f.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("map segment %s: %w", name, err)
	}
	d.logger.Debug("Mapped remote segment", "segment", name, "size", size)
	return &segment{name: name, path: path, file: f, mmap: mm}, nil
}

func (seg *segment) sync() error {
	if err := seg.mmap.Sync(gommap.MS_SYNC); err != nil {
		return fmt.Errorf("sync segment %s: %w", seg.name, err)
	}
	return nil
}

func (d *Driver) release(seg *segment) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	seg.refs--
	if seg.refs > 0 {
		return nil
	}
	return d.closeSegmentLocked(seg)
}

func (d *Driver) closeSegmentLocked(seg *segment) error {
	if d.segs[seg.name] == seg {
		delete(d.segs, seg.name)
	}
	var firstErr error
	if seg.mmap != nil {
		// Peers keep the file mapped after the owner's view goes away.
		if !seg.owner {
			firstErr = seg.sync()
		}
		if err := seg.mmap.UnsafeUnmap(); err != nil && firstErr == nil {
			firstErr = err
		}
		seg.mmap = nil
	}
	if err := seg.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if seg.owner {
		if err := os.Remove(seg.path); err != nil && !errors.Is(err, os.ErrNotExist) && firstErr == nil {
			firstErr = err
		}
		d.logger.Debug("Removed segment", "segment", seg.name)
	}
	return firstErr
}

// NewServices creates a synchronous copy template.
func (d *Driver) NewServices(from, to *xfer.EndPoint) (xfer.Services, error) {
	return xfer.NewCopyServices(config.ProtocolPIO, from, to), nil
}

// Close unmaps every remaining segment and removes the owned files.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, seg := range d.segs {
		if err := d.closeSegmentLocked(seg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// smem is one endpoint's view of a segment.
type smem struct {
	d      *Driver
	seg    *segment
	size   uint64
	closed atomic.Bool
}

func (s *smem) Map(offset, size uint64) ([]byte, error) {
	if err := xfer.CheckRange(offset, size, s.size); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, xfer.ErrEndpointClosed
	}
	return s.seg.mmap[offset : offset+size : offset+size], nil
}

func (s *smem) MapTx(offset, size uint64) ([]byte, error) { return s.Map(offset, size) }
func (s *smem) MapRx(offset, size uint64) ([]byte, error) { return s.Map(offset, size) }

func (s *smem) Size() uint64 { return s.size }

// Sync flushes the segment to its backing file.
func (s *smem) Sync() error {
	if s.closed.Load() {
		return xfer.ErrEndpointClosed
	}
	return s.seg.sync()
}

func (s *smem) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.d.release(s.seg)
}
