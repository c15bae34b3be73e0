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
	"fmt"
)

// Setup errors are returned to the caller. Steady-state transfer failures
// are reported through Request.Status instead.
var (
	ErrInvalidEndpoint     = errors.New("invalid endpoint")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrMailboxesExhausted  = errors.New("mailboxes exhausted")
	ErrEndpointClosed      = errors.New("endpoint closed")
	ErrOutOfRange          = errors.New("offset out of range")
	ErrNotMappable         = errors.New("memory not mappable")
	ErrNoResources         = errors.New("no resources")
	ErrNoDescriptor        = errors.New("no transfer descriptor available")
	ErrIncompatibleGroup   = errors.New("requests belong to different connections")
	ErrRequestBusy         = errors.New("request still pending")
	ErrRequestFailed       = errors.New("transfer request failed")
	ErrConnectionFailed    = errors.New("connection failed")
	ErrMailboxTimeout      = errors.New("mailbox request timed out")
	ErrCircuitMismatch     = errors.New("mailbox response for another circuit")
	ErrPayloadTooLarge     = errors.New("mailbox payload too large")
)

// RemoteError is a nonzero error code returned by the peer that served a
// mailbox request.
type RemoteError struct {
	Type RequestType
	Code uint32
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("mailbox %s request failed remotely with code %d", e.Type, e.Code)
}

// Error codes written into mailbox responses.
const (
	CodeOK uint32 = iota
	CodeBadRequest
	CodeUnknownPort
	CodeNoResources
	CodeInternal
)
