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

package device

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

var (
	// ErrDeviceNotFound is returned for ids the registry does not know.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidRegistration is returned when a registration lacks its durable identity or connection.
	ErrInvalidRegistration = errors.New("device: invalid registration")
)

// ID is the gateway-assigned device identifier, stable for the process lifetime
type ID uint64

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseID parses a decimal device id as used in API paths
func ParseID(s string) (ID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid device id %q", s)
	}
	return ID(v), nil
}

// Metadata is what a device reports about itself when it registers
type Metadata struct {
	Name       string   `json:"name"`
	Position   string   `json:"position"`
	Vendor     string   `json:"vendor"`
	HWVersion  string   `json:"hw_version"`
	SWVersion  string   `json:"sw_version"`
	Type       string   `json:"type"`
	Operations []string `json:"operations"`
}

// Device is a snapshot of a registry entry
type Device struct {
	ID           ID             `json:"id"`
	UniqueID     string         `json:"unique_id"`
	Name         string         `json:"name"`
	Position     string         `json:"position"`
	Vendor       string         `json:"vendor"`
	HWVersion    string         `json:"hw_version"`
	SWVersion    string         `json:"sw_version"`
	Type         string         `json:"type"`
	Operations   []string       `json:"operations"`
	State        map[string]any `json:"state"`
	Online       bool           `json:"online"`
	Connection   string         `json:"-"`
	LastSeen     time.Time      `json:"last_seen"`
	RegisteredAt time.Time      `json:"registered_at"`
}

// Supports reports whether op is one of the device's operations
func (d Device) Supports(op string) bool {
	i := sort.SearchStrings(d.Operations, op)
	return i < len(d.Operations) && d.Operations[i] == op
}

// Change describes the effect of one applied event
type Change struct {
	DeviceID ID
	Delta    map[string]any
	At       time.Time
}

// Empty reports whether the event changed nothing
func (c Change) Empty() bool {
	return len(c.Delta) == 0
}

// ChangeFunc is invoked after every successful ApplyEvent
type ChangeFunc func(Change)
