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
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// EndPointSpec is the parsed form of an endpoint string:
//
//	<protocol>:<info>;<uuid>.<size>.<mailbox>.<maxMailboxes>
type EndPointSpec struct {
	Protocol     string
	Info         string
	UUID         uuid.UUID
	Size         uint64
	Mailbox      uint16
	MaxMailboxes uint16
}

// UUIDString returns the hyphenless 32 character form used on the wire.
func UUIDString(u uuid.UUID) string {
	return hex.EncodeToString(u[:])
}

// String returns the canonical endpoint string.
func (s EndPointSpec) String() string {
	return fmt.Sprintf("%s:%s;%s.%d.%d.%d",
		s.Protocol, s.Info, UUIDString(s.UUID), s.Size, s.Mailbox, s.MaxMailboxes)
}

// ParseEndPoint parses an endpoint string. The protocol ends at the first
// ':' and the address suffix starts after the last ';', so protocol info may
// itself contain either character.
func ParseEndPoint(name string) (EndPointSpec, error) {
	var s EndPointSpec

	colon := strings.IndexByte(name, ':')
	if colon <= 0 {
		return s, fmt.Errorf("%w: %q has no protocol", ErrInvalidEndpoint, name)
	}
	semi := strings.LastIndexByte(name, ';')
	if semi < colon {
		return s, fmt.Errorf("%w: %q has no address suffix", ErrInvalidEndpoint, name)
	}
	s.Protocol = name[:colon]
	s.Info = name[colon+1 : semi]

	parts := strings.Split(name[semi+1:], ".")
	if len(parts) != 4 {
		return s, fmt.Errorf("%w: %q needs <uuid>.<size>.<mailbox>.<max>", ErrInvalidEndpoint, name)
	}
	if len(parts[0]) != 32 {
		return s, fmt.Errorf("%w: uuid %q is not 32 hex digits", ErrInvalidEndpoint, parts[0])
	}
	u, err := uuid.Parse(parts[0])
	if err != nil {
		return s, fmt.Errorf("%w: uuid %q: %v", ErrInvalidEndpoint, parts[0], err)
	}
	s.UUID = u

	if s.Size, err = strconv.ParseUint(parts[1], 10, 64); err != nil || s.Size == 0 {
		return s, fmt.Errorf("%w: bad size %q", ErrInvalidEndpoint, parts[1])
	}
	mb, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return s, fmt.Errorf("%w: bad mailbox %q", ErrInvalidEndpoint, parts[2])
	}
	max, err := strconv.ParseUint(parts[3], 10, 16)
	if err != nil || max == 0 {
		return s, fmt.Errorf("%w: bad max mailboxes %q", ErrInvalidEndpoint, parts[3])
	}
	if mb >= max {
		return s, fmt.Errorf("%w: mailbox %d not below %d", ErrInvalidEndpoint, mb, max)
	}
	s.Mailbox = uint16(mb)
	s.MaxMailboxes = uint16(max)
	return s, nil
}

// SupportsProtocol reports whether name is an endpoint string of protocol.
func SupportsProtocol(protocol, name string) bool {
	return strings.HasPrefix(name, protocol+":")
}

// EndPoint is one side of a transport connection. Endpoints are created and
// reference counted by a Manager; the last Release closes the memory
// services.
type EndPoint struct {
	EndPointSpec
	Local bool

	name      string
	mgr       *Manager
	driver    Driver
	smem      SmemServices
	resources *ResourceServices
	comms     *Comms
	refs      int // guarded by mgr.mu
	closed    bool
}

// Name returns the canonical endpoint string.
func (ep *EndPoint) Name() string {
	return ep.name
}

func (ep *EndPoint) String() string {
	return ep.name
}

// Smem returns the memory services of the endpoint.
func (ep *EndPoint) Smem() SmemServices {
	return ep.smem
}

// Resources returns the allocator of a local endpoint, nil for remote ones.
func (ep *EndPoint) Resources() *ResourceServices {
	return ep.resources
}

// Comms returns the mailbox block of a local endpoint, nil for remote ones.
func (ep *EndPoint) Comms() *Comms {
	return ep.comms
}

// Driver returns the driver that created the endpoint.
func (ep *EndPoint) Driver() Driver {
	return ep.driver
}

// Manager returns the owning manager.
func (ep *EndPoint) Manager() *Manager {
	return ep.mgr
}

// AddRef takes another reference.
func (ep *EndPoint) AddRef() {
	ep.mgr.mu.Lock()
	ep.refs++
	ep.mgr.mu.Unlock()
}

// Release drops a reference; the last one destroys the endpoint.
func (ep *EndPoint) Release() {
	ep.mgr.releaseEndPoint(ep)
}

// Refs returns the current reference count.
func (ep *EndPoint) Refs() int {
	ep.mgr.mu.Lock()
	defer ep.mgr.mu.Unlock()
	return ep.refs
}
