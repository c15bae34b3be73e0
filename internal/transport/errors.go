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

import "errors"

var (
	ErrPortNotReady       = errors.New("port definition not complete")
	ErrPortFailed         = errors.New("port failed")
	ErrBufferTooLarge     = errors.New("message larger than buffer")
	ErrNoCompatibleRole   = errors.New("no compatible role pair")
	ErrUnknownCircuit     = errors.New("unknown circuit")
	ErrUnknownPort        = errors.New("unknown port")
	ErrCircuitClosed      = errors.New("circuit closed")
	ErrNotZeroCopy        = errors.New("buffer not eligible for zero copy")
	ErrInvalidDescriptor  = errors.New("invalid port descriptor")
	ErrBufferNotAvailable = errors.New("buffer not available")
)
