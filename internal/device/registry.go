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
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"hubgate/internal/logger"
)

// record is the mutable registry entry behind a Device snapshot
type record struct {
	id           ID
	uniqueID     string
	meta         Metadata
	operations   map[string]struct{}
	state        map[string]any
	connection   string
	lastSeen     time.Time
	registeredAt time.Time
}

// Registry is the in-memory source of truth for device existence and last-known state
type Registry struct {
	devices  map[ID]*record
	byUnique map[string]ID
	order    []ID
	nextID   ID
	hooks    []ChangeFunc
	logger   zerolog.Logger
	mutex    sync.RWMutex
	now      func() time.Time
}

// NewRegistry creates an empty device registry
func NewRegistry() *Registry {
	return &Registry{
		devices:  make(map[ID]*record),
		byUnique: make(map[string]ID),
		nextID:   1,
		logger:   logger.GetLogger("device.registry"),
		now:      time.Now,
	}
}

// OnChange subscribes fn to every successful ApplyEvent.
// Hooks run on the caller's goroutine after the registry lock is released.
func (r *Registry) OnChange(fn ChangeFunc) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Register binds a connection to the device identified by uniqueID, reusing the
// id of a previously seen device with the same uniqueID.
func (r *Registry) Register(uniqueID string, meta Metadata, connection string) (ID, error) {
	uniqueID = strings.TrimSpace(uniqueID)
	if uniqueID == "" {
		return 0, fmt.Errorf("%w: unique id is required", ErrInvalidRegistration)
	}
	if connection == "" {
		return 0, fmt.Errorf("%w: connection is required", ErrInvalidRegistration)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	now := r.now()
	id, known := r.byUnique[uniqueID]
	rec := r.devices[id]
	if !known {
		id = r.nextID
		r.nextID++
		rec = &record{
			id:           id,
			uniqueID:     uniqueID,
			state:        make(map[string]any),
			registeredAt: now,
		}
		r.devices[id] = rec
		r.byUnique[uniqueID] = id
		r.order = append(r.order, id)
	}

	previous := rec.connection
	rec.meta = mergeMetadata(rec.meta, meta)
	rec.operations = make(map[string]struct{}, len(meta.Operations))
	for _, op := range meta.Operations {
		if op = strings.TrimSpace(op); op != "" {
			rec.operations[op] = struct{}{}
		}
	}
	rec.connection = connection
	rec.lastSeen = now

	r.logger.Info().
		Str("device_id", id.String()).
		Str("unique_id", uniqueID).
		Str("connection", connection).
		Bool("reconnect", known).
		Str("replaced_connection", previous).
		Int("operations", len(rec.operations)).
		Msg("Device registered")

	return id, nil
}

// mergeMetadata keeps names a client set earlier when the device reports none
func mergeMetadata(prev, next Metadata) Metadata {
	if next.Name == "" {
		next.Name = prev.Name
	}
	if next.Position == "" {
		next.Position = prev.Position
	}
	return next
}

// Unregister clears the device's connection and keeps its metadata and state
func (r *Registry) Unregister(id ID) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	rec, exists := r.devices[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	r.disconnect(rec)
	return nil
}

// Release clears the connection only if it is still the given one, so a late
// close of an old channel cannot take a newer connection away. It reports
// whether the connection was cleared.
func (r *Registry) Release(id ID, connection string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	rec, exists := r.devices[id]
	if !exists || rec.connection == "" || rec.connection != connection {
		return false
	}
	r.disconnect(rec)
	return true
}

func (r *Registry) disconnect(rec *record) {
	rec.connection = ""
	rec.lastSeen = r.now()

	r.logger.Info().
		Str("device_id", rec.id.String()).
		Str("unique_id", rec.uniqueID).
		Msg("Device disconnected")
}

// Remove purges a device; its uniqueID gets a fresh id on next registration
func (r *Registry) Remove(id ID) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	rec, exists := r.devices[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}

	delete(r.devices, id)
	delete(r.byUnique, rec.uniqueID)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	r.logger.Info().
		Str("device_id", id.String()).
		Str("unique_id", rec.uniqueID).
		Msg("Device removed")
	return nil
}

// Rename updates the client-facing name and position of a device.
// Empty values leave the current value untouched.
func (r *Registry) Rename(id ID, name, position string) (Device, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	rec, exists := r.devices[id]
	if !exists {
		return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	if name != "" {
		rec.meta.Name = name
	}
	if position != "" {
		rec.meta.Position = position
	}
	return rec.snapshot(), nil
}

// Get returns a snapshot of one device
func (r *Registry) Get(id ID) (Device, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	rec, exists := r.devices[id]
	if !exists {
		return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return rec.snapshot(), nil
}

// Lookup returns the device registered under a durable unique id
func (r *Registry) Lookup(uniqueID string) (Device, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	id, exists := r.byUnique[strings.TrimSpace(uniqueID)]
	if !exists {
		return Device{}, fmt.Errorf("%w: unique id %s", ErrDeviceNotFound, uniqueID)
	}
	return r.devices[id].snapshot(), nil
}

// List returns snapshots of all devices in registration order
func (r *Registry) List() []Device {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	devices := make([]Device, 0, len(r.order))
	for _, id := range r.order {
		devices = append(devices, r.devices[id].snapshot())
	}
	return devices
}

// Count returns the total and currently connected number of devices
func (r *Registry) Count() (total, online int) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, rec := range r.devices {
		if rec.connection != "" {
			online++
		}
	}
	return len(r.devices), online
}

// ApplyEvent merges delta into the device state, last writer wins per key.
// The returned change only holds keys whose value actually changed.
func (r *Registry) ApplyEvent(id ID, delta map[string]any) (Change, error) {
	r.mutex.Lock()

	rec, exists := r.devices[id]
	if !exists {
		r.mutex.Unlock()
		return Change{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}

	change := Change{
		DeviceID: id,
		Delta:    make(map[string]any),
		At:       r.now(),
	}
	for key, value := range delta {
		if old, ok := rec.state[key]; ok && reflect.DeepEqual(old, value) {
			continue
		}
		rec.state[key] = cloneValue(value)
		change.Delta[key] = cloneValue(value)
	}
	rec.lastSeen = change.At

	hooks := make([]ChangeFunc, len(r.hooks))
	copy(hooks, r.hooks)
	r.mutex.Unlock()

	r.logger.Debug().
		Str("device_id", id.String()).
		Int("keys", len(delta)).
		Int("changed", len(change.Delta)).
		Msg("Applied device event")

	for _, hook := range hooks {
		hook(change)
	}

	return change, nil
}

func (rec *record) snapshot() Device {
	operations := make([]string, 0, len(rec.operations))
	for op := range rec.operations {
		operations = append(operations, op)
	}
	sort.Strings(operations)

	state := make(map[string]any, len(rec.state))
	for k, v := range rec.state {
		state[k] = cloneValue(v)
	}

	return Device{
		ID:           rec.id,
		UniqueID:     rec.uniqueID,
		Name:         rec.meta.Name,
		Position:     rec.meta.Position,
		Vendor:       rec.meta.Vendor,
		HWVersion:    rec.meta.HWVersion,
		SWVersion:    rec.meta.SWVersion,
		Type:         rec.meta.Type,
		Operations:   operations,
		State:        state,
		Online:       rec.connection != "",
		Connection:   rec.connection,
		LastSeen:     rec.lastSeen,
		RegisteredAt: rec.registeredAt,
	}
}

// cloneValue deep-copies the containers JSON decoding produces, so state held
// by the registry never shares nested maps or slices with callers
func cloneValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, nested := range value {
			out[k] = cloneValue(nested)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, nested := range value {
			out[i] = cloneValue(nested)
		}
		return out
	default:
		return v
	}
}
