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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"hubgate/internal/device"
	"hubgate/internal/hermes"
)

const wait = time.Second

// recordingHandler registers every device with a sequential id and records calls
type recordingHandler struct {
	nextID  device.ID
	events  []*hermes.Frame
	replies []*hermes.Frame
	closed  chan error
	mutex   sync.Mutex
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{closed: make(chan error, 16)}
}

func (h *recordingHandler) HandleRegister(ch *Channel, frame *hermes.Frame) error {
	h.mutex.Lock()
	h.nextID++
	id := h.nextID
	h.mutex.Unlock()

	if err := ch.MarkRegistered(id); err != nil {
		return err
	}
	return ch.Send(hermes.BuildRegistered(id))
}

func (h *recordingHandler) HandleEvent(ch *Channel, frame *hermes.Frame) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.events = append(h.events, frame)
	return nil
}

func (h *recordingHandler) HandleReply(ch *Channel, frame *hermes.Frame) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.replies = append(h.replies, frame)
	return nil
}

func (h *recordingHandler) HandleClose(ch *Channel, reason error) {
	h.closed <- reason
}

func (h *recordingHandler) eventCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.events)
}

func startServer(t *testing.T, opts Options) (*Server, *PipeTransport, *recordingHandler) {
	t.Helper()

	pipe := NewPipeTransport()
	handler := newRecordingHandler()
	server := NewServer(opts, pipe, handler, nil)
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })
	return server, pipe, handler
}

func register(t *testing.T, pipe *PipeTransport, identity string) device.ID {
	t.Helper()

	meta := device.Metadata{Name: identity, Operations: []string{"power_on"}}
	require.NoError(t, pipe.Deliver(identity, hermes.BuildRegister(identity, meta, nil)))

	ack, err := pipe.Expect(identity, wait)
	require.NoError(t, err)
	require.Equal(t, hermes.FRAME_REGISTERED, ack.Kind)
	return ack.DeviceID
}

func TestServerRegistration(t *testing.T) {
	server, pipe, _ := startServer(t, Options{Heartbeat: time.Minute})

	id := register(t, pipe, "lamp")
	assert.Equal(t, device.ID(1), id)

	ch, ok := server.Lookup("lamp")
	require.True(t, ok)
	assert.Equal(t, id, ch.DeviceID())

	// The ack was written, so the channel is past Registered
	require.Eventually(t, func() bool { return ch.State() == StateActive }, wait, 5*time.Millisecond)

	infos := server.Channels()
	require.Len(t, infos, 1)
	assert.Equal(t, "active", infos[0].State)
}

func TestServerDispatchesInOrder(t *testing.T) {
	_, pipe, handler := startServer(t, Options{Heartbeat: time.Minute})
	id := register(t, pipe, "lamp")

	for i := 0; i < 20; i++ {
		require.NoError(t, pipe.Deliver("lamp", hermes.BuildEvent(id, map[string]any{"seq": float64(i)})))
	}

	require.Eventually(t, func() bool { return handler.eventCount() == 20 }, wait, 5*time.Millisecond)

	handler.mutex.Lock()
	defer handler.mutex.Unlock()
	for i, frame := range handler.events {
		assert.Equal(t, float64(i), frame.State["seq"])
		assert.Equal(t, id, frame.DeviceID)
	}
}

func TestServerProtocolViolations(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, pipe *PipeTransport)
		send    func(pipe *PipeTransport)
	}{
		{
			name: "malformed frame",
			send: func(pipe *PipeTransport) { pipe.DeliverRaw("dev", []byte("garbage")) },
		},
		{
			name: "event before register",
			send: func(pipe *PipeTransport) {
				_ = pipe.Deliver("dev", hermes.BuildEvent(1, map[string]any{"power": "on"}))
			},
		},
		{
			name:    "event for a foreign device",
			prepare: func(t *testing.T, pipe *PipeTransport) { register(t, pipe, "dev") },
			send: func(pipe *PipeTransport) {
				_ = pipe.Deliver("dev", hermes.BuildEvent(99, map[string]any{"power": "on"}))
			},
		},
		{
			name:    "message without delimiter",
			prepare: func(t *testing.T, pipe *PipeTransport) { register(t, pipe, "dev") },
			send:    func(pipe *PipeTransport) { pipe.DeliverMalformed("dev", "missing empty delimiter") },
		},
		{
			name:    "gateway-only frame from device",
			prepare: func(t *testing.T, pipe *PipeTransport) { register(t, pipe, "dev") },
			send: func(pipe *PipeTransport) {
				_ = pipe.Deliver("dev", hermes.BuildCommand("c", 1, "power_on", nil))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, pipe, handler := startServer(t, Options{Heartbeat: time.Minute})
			if tt.prepare != nil {
				tt.prepare(t, pipe)
			}
			tt.send(pipe)

			select {
			case reason := <-handler.closed:
				assert.ErrorIs(t, reason, ErrProtocolViolation)
			case <-time.After(wait):
				t.Fatal("channel was not closed")
			}

			frame, err := pipe.Expect("dev", wait)
			require.NoError(t, err)
			assert.Equal(t, hermes.FRAME_DISCONNECT, frame.Kind)

			_, ok := server.Lookup("dev")
			assert.False(t, ok)
			assert.Equal(t, 1, server.GetStats().Violations)
		})
	}
}

func TestServerPeerDisconnect(t *testing.T) {
	server, pipe, handler := startServer(t, Options{Heartbeat: time.Minute})
	register(t, pipe, "lamp")
	ch, _ := server.Lookup("lamp")

	require.NoError(t, pipe.Deliver("lamp", hermes.BuildDisconnect()))

	select {
	case reason := <-handler.closed:
		assert.ErrorIs(t, reason, ErrPeerDisconnected)
	case <-time.After(wait):
		t.Fatal("channel was not closed")
	}

	assert.Equal(t, StateClosed, ch.State())
	assert.ErrorIs(t, ch.Send(hermes.BuildHeartbeat()), ErrChannelClosed)

	// Closing again does not notify twice
	ch.Close(errors.New("again"))
	select {
	case reason := <-handler.closed:
		t.Fatalf("unexpected second close: %v", reason)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServerReRegisterReplacesChannel(t *testing.T) {
	server, pipe, handler := startServer(t, Options{Heartbeat: time.Minute})
	register(t, pipe, "lamp")
	old, _ := server.Lookup("lamp")

	register(t, pipe, "lamp")

	select {
	case reason := <-handler.closed:
		assert.ErrorIs(t, reason, ErrChannelReplaced)
	case <-time.After(wait):
		t.Fatal("old channel was not closed")
	}

	current, ok := server.Lookup("lamp")
	require.True(t, ok)
	assert.NotSame(t, old, current)
	assert.Equal(t, StateClosed, old.State())
}

func TestServerLivenessExpiry(t *testing.T) {
	_, pipe, handler := startServer(t, Options{Heartbeat: 20 * time.Millisecond, Liveness: 2})
	register(t, pipe, "lamp")

	select {
	case reason := <-handler.closed:
		assert.ErrorIs(t, reason, ErrLivenessExpired)
	case <-time.After(wait):
		t.Fatal("silent channel was not expired")
	}
}

func TestServerSendFailureClosesChannel(t *testing.T) {
	server, pipe, handler := startServer(t, Options{Heartbeat: time.Minute})
	register(t, pipe, "lamp")
	ch, _ := server.Lookup("lamp")

	pipe.FailSends("lamp", errors.New("host unreachable"))
	require.NoError(t, ch.Send(hermes.BuildCommand("c-1", ch.DeviceID(), "power_on", nil)))

	select {
	case reason := <-handler.closed:
		assert.ErrorIs(t, reason, ErrTransportFailure)
	case <-time.After(wait):
		t.Fatal("channel was not closed after send failure")
	}
}

func TestChannelSendBeforeRegistration(t *testing.T) {
	server := NewServer(Options{}, NewPipeTransport(), newRecordingHandler(), nil)
	ch := newChannel("lamp", server, time.Now())

	assert.ErrorIs(t, ch.Send(hermes.BuildHeartbeat()), ErrChannelClosed)
	require.NoError(t, ch.MarkRegistered(3))
	assert.ErrorIs(t, ch.MarkRegistered(4), ErrAlreadyRegistered)
	assert.NoError(t, ch.Send(hermes.BuildHeartbeat()))
}

func TestServerStopClosesChannels(t *testing.T) {
	pipe := NewPipeTransport()
	handler := newRecordingHandler()
	server := NewServer(Options{Heartbeat: time.Minute}, pipe, handler, nil)
	require.NoError(t, server.Start())

	register(t, pipe, "lamp")
	require.NoError(t, server.Stop())

	select {
	case reason := <-handler.closed:
		assert.ErrorIs(t, reason, ErrServerStopped)
	case <-time.After(wait):
		t.Fatal("channel was not closed on stop")
	}

	frame, err := pipe.Expect("lamp", wait)
	require.NoError(t, err)
	assert.Equal(t, hermes.FRAME_DISCONNECT, frame.Kind)
	assert.NoError(t, server.Stop())
}
