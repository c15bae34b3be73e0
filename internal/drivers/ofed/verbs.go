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

package ofed

import "fmt"

// GID is a 128-bit port global identifier.
type GID struct {
	SubnetPrefix uint64
	InterfaceID  uint64
}

// PortAttr describes an active device port.
type PortAttr struct {
	LID uint16
	GID GID
}

// QPState is a queue pair state.
type QPState int

const (
	QPReset QPState = iota
	QPInit
	QPReadyToReceive
	QPReadyToSend
	QPError
)

func (s QPState) String() string {
	switch s {
	case QPReset:
		return "RESET"
	case QPInit:
		return "INIT"
	case QPReadyToReceive:
		return "RTR"
	case QPReadyToSend:
		return "RTS"
	case QPError:
		return "ERR"
	default:
		return fmt.Sprintf("QPState(%d)", int(s))
	}
}

// RemoteAttr addresses the peer of a connected queue pair.
type RemoteAttr struct {
	GID GID
	LID uint16
	PSN uint32
}

// WCStatus is the status of a work completion.
type WCStatus int

const (
	WCSuccess WCStatus = iota
	WCRemoteAccessError
	WCFlushError
	WCFatal
)

func (s WCStatus) String() string {
	switch s {
	case WCSuccess:
		return "success"
	case WCRemoteAccessError:
		return "remote access error"
	case WCFlushError:
		return "flushed"
	case WCFatal:
		return "fatal"
	default:
		return fmt.Sprintf("WCStatus(%d)", int(s))
	}
}

// WorkRequest is one signaled RDMA write.
type WorkRequest struct {
	ID         uint64
	LocalAddr  uint64
	LKey       uint32
	Length     uint32
	RemoteAddr uint64
	RKey       uint32
	Fence      bool // wait for every earlier request on the queue pair
}

// WorkCompletion reports the outcome of one work request.
type WorkCompletion struct {
	ID     uint64
	Status WCStatus
}

// MemoryRegion is registered memory.
type MemoryRegion interface {
	Addr() uint64
	LKey() uint32
	RKey() uint32
	Close() error
}

// CompletionQueue collects work completions.
type CompletionQueue interface {
	// Poll fills wc and returns the number of completions, never blocking.
	Poll(wc []WorkCompletion) (int, error)
	Close() error
}

// QueuePair is a reliable connected queue pair.
type QueuePair interface {
	State() QPState
	// Modify moves the queue pair to the next state. RTR needs the peer's
	// address; RTS needs the local send PSN in remote.PSN.
	Modify(state QPState, remote RemoteAttr) error
	PostSend(wrs []WorkRequest) error
	Close() error
}

// Device is an opened RDMA device port with one protection domain.
type Device interface {
	Name() string
	Port() int
	QueryPort() (PortAttr, error)
	RegisterMR(buf []byte) (MemoryRegion, error)
	CreateCQ(cqe int) (CompletionQueue, error)
	CreateQP(cq CompletionQueue, maxSendWR int) (QueuePair, error)
	Close() error
}

// VerbsBackend opens devices. Real hardware needs a cgo verbs binding; the
// in-tree backend is Simulated.
type VerbsBackend interface {
	OpenDevice(name string, port int) (Device, error)
}
