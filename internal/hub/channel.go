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

package hub

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"hubgate/internal/device"
	"hubgate/internal/hermes"
)

var (
	ErrChannelClosed     = errors.New("hub: channel closed")
	ErrNotRegistered     = errors.New("hub: channel not registered")
	ErrAlreadyRegistered = errors.New("hub: channel already registered")
	ErrSendQueueFull     = errors.New("hub: send queue full")
	ErrProtocolViolation = errors.New("hub: protocol violation")
	ErrLivenessExpired   = errors.New("hub: liveness expired")
	ErrPeerDisconnected  = errors.New("hub: peer disconnected")
	ErrTransportFailure  = errors.New("hub: transport failure")
	ErrServerStopped     = errors.New("hub: server stopped")
	ErrChannelReplaced   = errors.New("hub: channel replaced by a new registration")
)

// State is the lifecycle state of a channel
type State int

const (
	StateConnecting State = iota
	StateRegistered
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// outbound is a frame waiting for the socket owner to write it
type outbound struct {
	channel *Channel
	payload []byte
	kind    string
}

// Channel is the gateway side of one device connection.
// Connecting -> Registered -> Active -> Closed; Closed is terminal.
type Channel struct {
	identity  string
	server    *Server
	state     State
	deviceID  device.ID
	openedAt  time.Time
	lastSeen  time.Time
	closeErr  error
	closeOnce sync.Once
	mutex     sync.RWMutex
}

func newChannel(identity string, server *Server, now time.Time) *Channel {
	return &Channel{
		identity: identity,
		server:   server,
		state:    StateConnecting,
		openedAt: now,
		lastSeen: now,
	}
}

// Identity returns the transport identity, also stored as the registry connection
func (c *Channel) Identity() string {
	return c.identity
}

// DeviceID returns the registered device id, 0 before registration
func (c *Channel) DeviceID() device.ID {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.deviceID
}

// State returns the current state
func (c *Channel) State() State {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.state
}

// CloseErr returns why the channel closed, nil while open
func (c *Channel) CloseErr() error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.closeErr
}

// MarkRegistered binds the channel to id. Only valid from Connecting.
func (c *Channel) MarkRegistered(id device.ID) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	switch c.state {
	case StateConnecting:
		c.state = StateRegistered
		c.deviceID = id
		return nil
	case StateClosed:
		return ErrChannelClosed
	default:
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, c.state)
	}
}

// Send queues a frame for the device. It fails with ErrChannelClosed unless
// the channel is Registered or Active.
func (c *Channel) Send(frame *hermes.Frame) error {
	c.mutex.RLock()
	state := c.state
	c.mutex.RUnlock()

	if state != StateRegistered && state != StateActive {
		return fmt.Errorf("%w: state %s", ErrChannelClosed, state)
	}

	payload, err := hermes.SerializeFrame(frame)
	if err != nil {
		return err
	}
	return c.server.enqueue(outbound{channel: c, payload: payload, kind: frame.Kind})
}

// Close closes the channel with reason. Only the first call has any effect.
func (c *Channel) Close(reason error) {
	c.server.closeChannel(c, reason)
}

// Supersede closes the open channel bound to identity with ErrChannelReplaced,
// used when its device registers again over this channel. It reports whether a
// channel was closed.
func (c *Channel) Supersede(identity string) bool {
	if identity == c.identity {
		return false
	}
	previous, ok := c.server.Lookup(identity)
	if !ok || previous.State() == StateClosed {
		return false
	}
	c.server.closeChannel(previous, ErrChannelReplaced)
	return true
}

// touch records inbound traffic and promotes Registered to Active
func (c *Channel) touch(now time.Time) {
	c.mutex.Lock()
	c.lastSeen = now
	if c.state == StateRegistered {
		c.state = StateActive
	}
	c.mutex.Unlock()
}

// sent promotes Registered to Active after a successful write
func (c *Channel) sent() {
	c.mutex.Lock()
	if c.state == StateRegistered {
		c.state = StateActive
	}
	c.mutex.Unlock()
}

// markClosed moves the channel to Closed and reports whether this call did it
func (c *Channel) markClosed(reason error) bool {
	closed := false
	c.closeOnce.Do(func() {
		c.mutex.Lock()
		c.state = StateClosed
		c.closeErr = reason
		c.mutex.Unlock()
		closed = true
	})
	return closed
}

// expired reports whether nothing was heard from the peer for longer than ttl
func (c *Channel) expired(now time.Time, ttl time.Duration) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.state != StateClosed && now.Sub(c.lastSeen) > ttl
}

// ChannelInfo is a snapshot of a channel for status reporting
type ChannelInfo struct {
	Identity string    `json:"identity"`
	DeviceID device.ID `json:"device_id,omitempty"`
	State    string    `json:"state"`
	OpenedAt time.Time `json:"opened_at"`
	LastSeen time.Time `json:"last_seen"`
}

// Info returns a snapshot of the channel
func (c *Channel) Info() ChannelInfo {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return ChannelInfo{
		Identity: c.identity,
		DeviceID: c.deviceID,
		State:    c.state.String(),
		OpenedAt: c.openedAt,
		LastSeen: c.lastSeen,
	}
}
