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

// Package push forwards device state changes to a push notification service.
// Delivery is best effort: callers log failures and carry on.
package push

import (
	"context"
	"errors"
	"time"

	"hubgate/internal/device"
)

var (
	ErrQueueFull      = errors.New("push: queue full")
	ErrStopped        = errors.New("push: dispatcher stopped")
	ErrTargetNotFound = errors.New("push: target not found")
	ErrInvalidTarget  = errors.New("push: invalid target")
)

// Notifier delivers a state change for one device
type Notifier interface {
	Notify(ctx context.Context, deviceID device.ID, delta map[string]any) error
}

// Notification is the body sent to the push service
type Notification struct {
	DeviceID  device.ID      `json:"device_id"`
	Delta     map[string]any `json:"delta"`
	Targets   []Target       `json:"targets,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// TargetLister provides the clients a notification should wake
type TargetLister interface {
	List() ([]Target, error)
}
