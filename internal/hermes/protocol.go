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

package hermes

import (
	"encoding/json"
	"errors"

	"hubgate/internal/device"
)

// Hermes device protocol constants
const (
	// Protocol version carried by every frame
	HERMES_DEVICE = "HERMESD01"

	// Device to gateway
	FRAME_REGISTER   = "register"
	FRAME_EVENT      = "event"
	FRAME_REPLY      = "reply"
	FRAME_HEARTBEAT  = "heartbeat"
	FRAME_DISCONNECT = "disconnect"

	// Gateway to device
	FRAME_REGISTERED = "registered"
	FRAME_COMMAND    = "command"
)

var (
	// ErrMalformedFrame is returned when a frame cannot be decoded
	ErrMalformedFrame = errors.New("hermes: malformed frame")

	// ErrInvalidFrame is returned when a decoded frame violates the protocol
	ErrInvalidFrame = errors.New("hermes: invalid frame")
)

// Frame is the single envelope for every hub protocol message.
// Which fields are set depends on Kind.
type Frame struct {
	Protocol string `json:"protocol"`
	Kind     string `json:"kind"`

	// register
	UniqueID string           `json:"unique_id,omitempty"`
	Metadata *device.Metadata `json:"metadata,omitempty"`

	// registered, event, command
	DeviceID device.ID `json:"device_id,omitempty"`

	// register (initial), event (delta)
	State map[string]any `json:"state,omitempty"`

	// command, reply
	CorrelationID string          `json:"correlation_id,omitempty"`
	Operation     string          `json:"operation,omitempty"`
	Args          json.RawMessage `json:"args,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// IsInbound reports whether devices are allowed to send this kind
func (f *Frame) IsInbound() bool {
	switch f.Kind {
	case FRAME_REGISTER, FRAME_EVENT, FRAME_REPLY, FRAME_HEARTBEAT, FRAME_DISCONNECT:
		return true
	default:
		return false
	}
}
