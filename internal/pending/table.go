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

package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"hubgate/internal/device"
	"hubgate/internal/logger"
)

var (
	ErrTimeout            = errors.New("pending: call timed out")
	ErrCancelled          = errors.New("pending: call cancelled")
	ErrDeviceDisconnected = errors.New("pending: device disconnected")
	ErrDeviceReported     = errors.New("pending: device reported an error")
	ErrInvalidTimeout     = errors.New("pending: timeout must be greater than zero")
	ErrShuttingDown       = errors.New("pending: table shutting down")
)

// Outcome names how a call was completed
type Outcome string

const (
	OutcomeReply        Outcome = "reply"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeCancelled    Outcome = "cancelled"
	OutcomeDisconnected Outcome = "disconnected"
	OutcomeShutdown     Outcome = "shutdown"
)

// Result is the single value a call is fulfilled with
type Result struct {
	Payload json.RawMessage
	Err     error
}

// Call is one in-flight command awaiting a device reply
type Call struct {
	CorrelationID string
	DeviceID      device.ID
	Operation     string
	Args          json.RawMessage
	CreatedAt     time.Time
	Deadline      time.Time

	result chan Result
	timer  *time.Timer
	table  *Table
}

// Wait suspends the caller until the call is fulfilled. If ctx ends first the
// call is cancelled; whichever completion won is what Wait returns.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case r := <-c.result:
		return r.Payload, r.Err
	case <-ctx.Done():
		c.table.complete(c.CorrelationID, 0, Result{
			Err: fmt.Errorf("%w: %v", ErrCancelled, ctx.Err()),
		}, OutcomeCancelled)
		r := <-c.result
		return r.Payload, r.Err
	}
}

// Stats represents pending table statistics
type Stats struct {
	Pending      int       `json:"pending"`
	Created      int       `json:"created"`
	Replied      int       `json:"replied"`
	Expired      int       `json:"expired"`
	Cancelled    int       `json:"cancelled"`
	Disconnected int       `json:"disconnected"`
	StaleReplies int       `json:"stale_replies"`
	StartTime    time.Time `json:"start_time"`
}

// Table tracks in-flight commands keyed by correlation id.
// Completion is exactly-once: the first of reply, timeout, cancellation or
// disconnect removes the entry and every later attempt is a no-op.
type Table struct {
	calls    map[string]*Call
	byDevice map[device.ID]map[string]*Call
	recent   *lru.Cache[string, Outcome]
	stats    Stats
	logger   zerolog.Logger
	mutex    sync.Mutex
	newID    func() string
}

// NewTable creates a pending call table remembering up to recentSize completed ids
func NewTable(recentSize int) *Table {
	if recentSize <= 0 {
		recentSize = 1024
	}
	recent, _ := lru.New[string, Outcome](recentSize)

	return &Table{
		calls:    make(map[string]*Call),
		byDevice: make(map[device.ID]map[string]*Call),
		recent:   recent,
		stats:    Stats{StartTime: time.Now()},
		logger:   logger.GetLogger("pending"),
		newID:    uuid.NewString,
	}
}

// Create registers a new call and arms its deadline
func (t *Table) Create(deviceID device.ID, operation string, args json.RawMessage, timeout time.Duration) (*Call, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidTimeout, timeout)
	}

	now := time.Now()
	call := &Call{
		CorrelationID: t.newID(),
		DeviceID:      deviceID,
		Operation:     operation,
		Args:          args,
		CreatedAt:     now,
		Deadline:      now.Add(timeout),
		result:        make(chan Result, 1),
		table:         t,
	}

	t.mutex.Lock()
	if _, exists := t.calls[call.CorrelationID]; exists {
		t.mutex.Unlock()
		return nil, fmt.Errorf("pending: duplicate correlation id %s", call.CorrelationID)
	}
	t.calls[call.CorrelationID] = call
	calls, exists := t.byDevice[deviceID]
	if !exists {
		calls = make(map[string]*Call)
		t.byDevice[deviceID] = calls
	}
	calls[call.CorrelationID] = call
	t.stats.Created++

	id := call.CorrelationID
	call.timer = time.AfterFunc(timeout, func() { t.Expire(id) })
	t.mutex.Unlock()

	t.logger.Debug().
		Str("correlation_id", call.CorrelationID).
		Str("device_id", deviceID.String()).
		Str("operation", operation).
		Dur("timeout", timeout).
		Msg("Pending call created")

	return call, nil
}

// Resolve fulfills a call with a device reply. It returns false when no pending
// entry exists, e.g. the call already timed out.
func (t *Table) Resolve(correlationID string, result Result) bool {
	return t.complete(correlationID, 0, result, OutcomeReply)
}

// ResolveFor is Resolve restricted to calls addressed to deviceID. A reply
// naming another device's call leaves that call pending and returns false.
func (t *Table) ResolveFor(deviceID device.ID, correlationID string, result Result) bool {
	return t.complete(correlationID, deviceID, result, OutcomeReply)
}

// Owner returns the device a pending call is addressed to
func (t *Table) Owner(correlationID string) (device.ID, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	call, exists := t.calls[correlationID]
	if !exists {
		return 0, false
	}
	return call.DeviceID, true
}

// Expire fulfills a call with ErrTimeout if it is still pending
func (t *Table) Expire(correlationID string) bool {
	return t.complete(correlationID, 0, Result{Err: ErrTimeout}, OutcomeTimeout)
}

// Cancel fulfills a call with ErrCancelled if it is still pending
func (t *Table) Cancel(correlationID string) bool {
	return t.complete(correlationID, 0, Result{Err: ErrCancelled}, OutcomeCancelled)
}

// Fail fulfills one call with a transport error, e.g. the command could not be sent
func (t *Table) Fail(correlationID string, err error) bool {
	return t.complete(correlationID, 0, Result{Err: err}, OutcomeDisconnected)
}

// FailDevice fulfills every pending call addressed to deviceID with err and
// returns how many calls it failed.
func (t *Table) FailDevice(deviceID device.ID, err error) int {
	t.mutex.Lock()
	ids := make([]string, 0, len(t.byDevice[deviceID]))
	for id := range t.byDevice[deviceID] {
		ids = append(ids, id)
	}
	t.mutex.Unlock()

	failed := 0
	for _, id := range ids {
		if t.complete(id, 0, Result{Err: err}, OutcomeDisconnected) {
			failed++
		}
	}

	if failed > 0 {
		t.logger.Info().
			Str("device_id", deviceID.String()).
			Int("failed", failed).
			Err(err).
			Msg("Failed pending calls for device")
	}
	return failed
}

// Close fails every pending call, used on gateway shutdown
func (t *Table) Close() {
	t.mutex.Lock()
	ids := make([]string, 0, len(t.calls))
	for id := range t.calls {
		ids = append(ids, id)
	}
	t.mutex.Unlock()

	for _, id := range ids {
		t.complete(id, 0, Result{Err: ErrShuttingDown}, OutcomeShutdown)
	}
}

// complete removes the entry and delivers result. Only the caller that finds
// the entry delivers, so the buffered slot is written at most once. A non-zero
// owner restricts completion to calls addressed to that device.
func (t *Table) complete(correlationID string, owner device.ID, result Result, outcome Outcome) bool {
	t.mutex.Lock()
	call, exists := t.calls[correlationID]
	if !exists || (owner != 0 && call.DeviceID != owner) {
		if outcome == OutcomeReply {
			t.stats.StaleReplies++
		}
		t.mutex.Unlock()
		return false
	}

	delete(t.calls, correlationID)
	if calls, ok := t.byDevice[call.DeviceID]; ok {
		delete(calls, correlationID)
		if len(calls) == 0 {
			delete(t.byDevice, call.DeviceID)
		}
	}
	t.recent.Add(correlationID, outcome)

	switch outcome {
	case OutcomeReply:
		t.stats.Replied++
	case OutcomeTimeout:
		t.stats.Expired++
	case OutcomeCancelled:
		t.stats.Cancelled++
	case OutcomeDisconnected, OutcomeShutdown:
		t.stats.Disconnected++
	}
	t.mutex.Unlock()

	call.timer.Stop()
	call.result <- result

	t.logger.Debug().
		Str("correlation_id", correlationID).
		Str("device_id", call.DeviceID.String()).
		Str("outcome", string(outcome)).
		Dur("latency", time.Since(call.CreatedAt)).
		Msg("Pending call completed")

	return true
}

// RecentlyCompleted reports how a recently completed call ended, letting
// callers tell a late reply apart from one that was never ours.
func (t *Table) RecentlyCompleted(correlationID string) (Outcome, bool) {
	return t.recent.Get(correlationID)
}

// Len returns the number of pending calls
func (t *Table) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.calls)
}

// PendingFor returns the number of pending calls addressed to a device
func (t *Table) PendingFor(deviceID device.ID) int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.byDevice[deviceID])
}

// GetStats returns pending table statistics
func (t *Table) GetStats() Stats {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	stats := t.stats
	stats.Pending = len(t.calls)
	return stats
}
