// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package control

import (
	"errors"

	"hubgate/internal/device"
	"hubgate/internal/pending"
)

// JSON-RPC error codes returned to clients
const (
	CodeInternal             = -32603
	CodeInvalidParams        = -32602
	CodeMethodNotFound       = -32601
	CodeInvalidRequest       = -32600
	CodeParseError           = -32700
	CodeDeviceNotFound       = -32001
	CodeDeviceOffline        = -32002
	CodeDeviceDisconnected   = -32003
	CodeUnsupportedOperation = -32004
	CodeTimeout              = -32005
	CodeCancelled            = -32006
	CodeDeviceReported       = -32007
)

// ErrorCode maps an invocation error to its JSON-RPC code
func ErrorCode(err error) int {
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		return CodeDeviceNotFound
	case errors.Is(err, ErrDeviceOffline):
		return CodeDeviceOffline
	case errors.Is(err, pending.ErrDeviceDisconnected), errors.Is(err, pending.ErrShuttingDown):
		return CodeDeviceDisconnected
	case errors.Is(err, ErrUnsupportedOperation):
		return CodeUnsupportedOperation
	case errors.Is(err, pending.ErrTimeout):
		return CodeTimeout
	case errors.Is(err, pending.ErrCancelled):
		return CodeCancelled
	case errors.Is(err, pending.ErrDeviceReported):
		return CodeDeviceReported
	case errors.Is(err, pending.ErrInvalidTimeout), errors.Is(err, device.ErrInvalidRegistration):
		return CodeInvalidParams
	default:
		return CodeInternal
	}
}

// Outcome names an invocation result for metrics and logs
func Outcome(err error) string {
	switch ErrorCode(err) {
	case CodeInternal:
		if err == nil {
			return "ok"
		}
		return "error"
	case CodeDeviceNotFound:
		return "not_found"
	case CodeDeviceOffline:
		return "offline"
	case CodeDeviceDisconnected:
		return "disconnected"
	case CodeUnsupportedOperation:
		return "unsupported"
	case CodeTimeout:
		return "timeout"
	case CodeCancelled:
		return "cancelled"
	case CodeDeviceReported:
		return "device_error"
	default:
		return "invalid"
	}
}
