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

package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"hubgate/internal/device"
	"hubgate/internal/hermes"
	"hubgate/internal/hub"
	"hubgate/internal/logger"
	"hubgate/internal/metrics"
	"hubgate/internal/pending"
	"hubgate/internal/push"
)

var (
	// ErrStaleReply is returned for a reply that matches no pending call
	ErrStaleReply = errors.New("router: stale reply")

	// ErrForeignReply is returned for a reply naming a call addressed to another device
	ErrForeignReply = fmt.Errorf("%w: call addressed to another device", ErrStaleReply)
)

const notifyTimeout = 5 * time.Second

// Router is the single entry point for inbound hub frames. It updates the
// registry, completes pending calls and forwards state changes to push.
type Router struct {
	registry *device.Registry
	pending  *pending.Table
	notifier push.Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// New creates a router. notifier may be nil when push is disabled.
func New(registry *device.Registry, table *pending.Table, notifier push.Notifier, m *metrics.Metrics) *Router {
	return &Router{
		registry: registry,
		pending:  table,
		notifier: notifier,
		metrics:  m,
		logger:   logger.GetLogger("router"),
	}
}

// HandleRegister records the device, binds it to the channel and acknowledges.
// A session the device still holds on another connection is closed first, so
// its calls fail as disconnected and its frames are no longer accepted.
func (r *Router) HandleRegister(ch *hub.Channel, frame *hermes.Frame) error {
	if prev, err := r.registry.Lookup(frame.UniqueID); err == nil && prev.Online && prev.Connection != ch.Identity() {
		if ch.Supersede(prev.Connection) {
			r.logger.Info().
				Str("device_id", prev.ID.String()).
				Str("previous", prev.Connection).
				Str("identity", ch.Identity()).
				Msg("Device reconnected - previous channel closed")
		}
	}

	id, err := r.registry.Register(frame.UniqueID, *frame.Metadata, ch.Identity())
	if err != nil {
		return err
	}

	if err := ch.MarkRegistered(id); err != nil {
		r.registry.Release(id, ch.Identity())
		return err
	}

	r.logger.Info().
		Str("device_id", id.String()).
		Str("unique_id", frame.UniqueID).
		Str("identity", ch.Identity()).
		Msg("Device registered")

	if len(frame.State) > 0 {
		r.applyState(id, frame.State)
	}

	return ch.Send(hermes.BuildRegistered(id))
}

// HandleEvent merges an unsolicited state report
func (r *Router) HandleEvent(ch *hub.Channel, frame *hermes.Frame) error {
	_, err := r.applyEvent(frame.DeviceID, frame.State)
	return err
}

// HandleReply completes the pending call named by the reply. Only calls
// addressed to the replying device can be completed by it.
func (r *Router) HandleReply(ch *hub.Channel, frame *hermes.Frame) error {
	id := ch.DeviceID()
	if owner, ok := r.pending.Owner(frame.CorrelationID); ok && owner != id {
		r.metrics.IncStaleReplies()
		r.logger.Warn().
			Str("correlation_id", frame.CorrelationID).
			Str("device_id", id.String()).
			Str("owner", owner.String()).
			Msg("Reply for another device's call discarded")
		return ErrForeignReply
	}

	result := pending.Result{Payload: frame.Payload}
	if frame.Error != "" {
		result = pending.Result{Err: fmt.Errorf("%w: %s", pending.ErrDeviceReported, frame.Error)}
	} else if state := embeddedState(frame.Payload); len(state) > 0 {
		r.applyState(id, state)
	}

	if r.pending.ResolveFor(id, frame.CorrelationID, result) {
		return nil
	}

	r.metrics.IncStaleReplies()
	if outcome, late := r.pending.RecentlyCompleted(frame.CorrelationID); late {
		r.logger.Info().
			Str("correlation_id", frame.CorrelationID).
			Str("device_id", id.String()).
			Str("outcome", string(outcome)).
			Msg("Late reply discarded")
	} else {
		r.logger.Warn().
			Str("correlation_id", frame.CorrelationID).
			Str("device_id", id.String()).
			Msg("Reply for unknown call discarded")
	}
	return ErrStaleReply
}

// HandleClose clears the device connection and fails its pending calls.
// A close for a connection the device no longer uses changes nothing.
func (r *Router) HandleClose(ch *hub.Channel, reason error) {
	id := ch.DeviceID()
	if id == 0 {
		return
	}

	if !r.registry.Release(id, ch.Identity()) {
		r.logger.Debug().
			Str("device_id", id.String()).
			Str("identity", ch.Identity()).
			Msg("Ignoring close of superseded channel")
		return
	}

	failed := r.pending.FailDevice(id, fmt.Errorf("%w: %v", pending.ErrDeviceDisconnected, reason))

	r.logger.Info().
		Str("device_id", id.String()).
		Int("failed_calls", failed).
		AnErr("reason", reason).
		Msg("Device disconnected")
}

func (r *Router) applyEvent(id device.ID, delta map[string]any) (device.Change, error) {
	change, err := r.registry.ApplyEvent(id, delta)
	if err != nil {
		return change, err
	}
	if !change.Empty() {
		r.notify(change)
	}
	return change, nil
}

func (r *Router) applyState(id device.ID, state map[string]any) {
	if _, err := r.applyEvent(id, state); err != nil {
		r.logger.Warn().Str("device_id", id.String()).Err(err).Msg("State not applied")
	}
}

// notify forwards a change to push. Failures are logged and never surfaced.
func (r *Router) notify(change device.Change) {
	if r.notifier == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	if err := r.notifier.Notify(ctx, change.DeviceID, change.Delta); err != nil {
		r.metrics.IncPushFailures()
		r.logger.Warn().
			Str("device_id", change.DeviceID.String()).
			Err(err).
			Msg("Push notification failed")
	}
}

// embeddedState extracts the "state" object devices may include in a reply
func embeddedState(payload json.RawMessage) map[string]any {
	if len(payload) == 0 {
		return nil
	}

	var body struct {
		State map[string]any `json:"state"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil
	}
	return body.State
}
