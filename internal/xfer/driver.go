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
Package xfer moves bytes between endpoints.

DRIVERS:
========
A Driver implements one transport protocol (shared memory, DMA, RDMA,
datagrams). It creates endpoint memory services and connection templates
(Services) between a local source endpoint and any target endpoint. A
template creates Requests: ordered lists of sub-transfers that are posted
together and polled for completion.

ORDERING:
=========
Every driver posts the non-flag transfers of a request before its flag
transfers, and a flag write never becomes visible before the data it
guards. Consumers only ever look at data after observing its flag.

MANAGER:
========
The Manager is the process-wide registry of drivers, endpoints and cached
templates. It is built once from configuration and passed to whoever needs
it.
*/
package xfer

import "fmt"

// Flags classify the sub-transfers of a request.
type Flags uint32

const (
	FlagNone         Flags = 0
	DataTransfer     Flags = 1 << 0 // Leading data transfer
	MetaDataTransfer Flags = 1 << 1 // Metadata (length, opcode) transfer
	FlagTransfer     Flags = 1 << 2 // Trailing flag transfer, fenced after everything else
)

func (f Flags) String() string {
	switch {
	case f&FlagTransfer != 0:
		return "flag"
	case f&MetaDataTransfer != 0:
		return "metadata"
	case f&DataTransfer != 0:
		return "data"
	default:
		return "none"
	}
}

// CompletionStatus is the result of polling a request.
type CompletionStatus int

const (
	CompleteSuccess CompletionStatus = iota
	CompleteFailure
	Pending
)

func (s CompletionStatus) String() string {
	switch s {
	case CompleteSuccess:
		return "success"
	case CompleteFailure:
		return "failure"
	case Pending:
		return "pending"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Driver is one transport implementation.
type Driver interface {
	// Protocol returns the endpoint protocol prefix, e.g. "ocpi-smb-pio".
	Protocol() string

	// NewLocal returns protocol info for a new local endpoint.
	NewLocal(mailbox, maxMailboxes uint16, size uint64) (string, error)

	// NewSmem creates the memory services of an endpoint.
	NewSmem(ep *EndPoint) (SmemServices, error)

	// NewServices creates a connection template from a local endpoint.
	NewServices(from, to *EndPoint) (Services, error)

	Close() error
}

// EndPointReleaser is implemented by drivers that keep per-endpoint state
// beyond the memory services.
type EndPointReleaser interface {
	ReleaseEndPoint(ep *EndPoint)
}

// Services is a reusable connection template between two endpoints.
type Services interface {
	From() *EndPoint
	To() *EndPoint
	CreateRequest() Request
	Close() error
}

// Request is a list of sub-transfers posted as one unit.
type Request interface {
	// Copy appends a sub-transfer. It fails with ErrNoDescriptor when the
	// driver cannot describe another one.
	Copy(srcOffset, dstOffset, n uint64, flags Flags) error

	// Group appends the transfers of another request on the same
	// connection.
	Group(other Request) error

	// Post starts the transfers without blocking.
	Post() error

	// Status polls for completion without blocking.
	Status() CompletionStatus

	// Modify replaces the source offsets of the first len(newOffsets)
	// transfers, storing the previous ones in oldOffsets.
	Modify(newOffsets, oldOffsets []uint64) error

	// Transfers returns the sub-transfers in posting order.
	Transfers() []Transfer

	Services() Services
}
