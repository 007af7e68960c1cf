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
	"fmt"

	"hubgate/internal/device"
)

// BuildRegister creates the REGISTER frame a device sends after connecting
func BuildRegister(uniqueID string, meta device.Metadata, state map[string]any) *Frame {
	return &Frame{
		Protocol: HERMES_DEVICE,
		Kind:     FRAME_REGISTER,
		UniqueID: uniqueID,
		Metadata: &meta,
		State:    state,
	}
}

// BuildRegistered acknowledges a registration with the assigned device id
func BuildRegistered(id device.ID) *Frame {
	return &Frame{
		Protocol: HERMES_DEVICE,
		Kind:     FRAME_REGISTERED,
		DeviceID: id,
	}
}

// BuildEvent creates an unsolicited state report
func BuildEvent(id device.ID, delta map[string]any) *Frame {
	return &Frame{
		Protocol: HERMES_DEVICE,
		Kind:     FRAME_EVENT,
		DeviceID: id,
		State:    delta,
	}
}

// BuildCommand creates a COMMAND frame tagged with its correlation id
func BuildCommand(correlationID string, id device.ID, operation string, args json.RawMessage) *Frame {
	return &Frame{
		Protocol:      HERMES_DEVICE,
		Kind:          FRAME_COMMAND,
		CorrelationID: correlationID,
		DeviceID:      id,
		Operation:     operation,
		Args:          args,
	}
}

// BuildReply creates a successful command reply
func BuildReply(correlationID string, payload json.RawMessage) *Frame {
	return &Frame{
		Protocol:      HERMES_DEVICE,
		Kind:          FRAME_REPLY,
		CorrelationID: correlationID,
		Payload:       payload,
	}
}

// BuildReplyError creates a command reply carrying a device-side error
func BuildReplyError(correlationID string, message string) *Frame {
	return &Frame{
		Protocol:      HERMES_DEVICE,
		Kind:          FRAME_REPLY,
		CorrelationID: correlationID,
		Error:         message,
	}
}

// BuildHeartbeat creates a liveness frame
func BuildHeartbeat() *Frame {
	return &Frame{Protocol: HERMES_DEVICE, Kind: FRAME_HEARTBEAT}
}

// BuildDisconnect creates a graceful disconnect frame
func BuildDisconnect() *Frame {
	return &Frame{Protocol: HERMES_DEVICE, Kind: FRAME_DISCONNECT}
}

// SerializeFrame serializes a frame to JSON bytes
func SerializeFrame(frame *Frame) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize frame: %w", err)
	}
	return data, nil
}

// DeserializeFrame decodes and validates a frame
func DeserializeFrame(data []byte) (*Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := ValidateFrame(&frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

// ValidateFrame checks the fields required by each frame kind
func ValidateFrame(frame *Frame) error {
	if frame.Protocol != HERMES_DEVICE {
		return fmt.Errorf("%w: invalid protocol: %q", ErrInvalidFrame, frame.Protocol)
	}

	switch frame.Kind {
	case FRAME_REGISTER:
		if frame.UniqueID == "" {
			return fmt.Errorf("%w: unique_id required for REGISTER", ErrInvalidFrame)
		}
		if frame.Metadata == nil {
			return fmt.Errorf("%w: metadata required for REGISTER", ErrInvalidFrame)
		}
	case FRAME_REGISTERED:
		if frame.DeviceID == 0 {
			return fmt.Errorf("%w: device_id required for REGISTERED", ErrInvalidFrame)
		}
	case FRAME_EVENT:
		if frame.State == nil {
			return fmt.Errorf("%w: state required for EVENT", ErrInvalidFrame)
		}
	case FRAME_COMMAND:
		if frame.CorrelationID == "" {
			return fmt.Errorf("%w: correlation_id required for COMMAND", ErrInvalidFrame)
		}
		if frame.DeviceID == 0 {
			return fmt.Errorf("%w: device_id required for COMMAND", ErrInvalidFrame)
		}
		if frame.Operation == "" {
			return fmt.Errorf("%w: operation required for COMMAND", ErrInvalidFrame)
		}
	case FRAME_REPLY:
		if frame.CorrelationID == "" {
			return fmt.Errorf("%w: correlation_id required for REPLY", ErrInvalidFrame)
		}
		if frame.Error != "" && len(frame.Payload) > 0 {
			return fmt.Errorf("%w: REPLY carries both payload and error", ErrInvalidFrame)
		}
	case FRAME_HEARTBEAT, FRAME_DISCONNECT:
		// No additional validation required
	default:
		return fmt.Errorf("%w: unknown frame kind: %q", ErrInvalidFrame, frame.Kind)
	}

	return nil
}
