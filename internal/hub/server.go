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
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"hubgate/internal/hermes"
	"hubgate/internal/logger"
	"hubgate/internal/metrics"
)

const pollInterval = 10 * time.Millisecond

// Handler receives inbound frames and channel closure, in per-channel order
type Handler interface {
	HandleRegister(ch *Channel, frame *hermes.Frame) error
	HandleEvent(ch *Channel, frame *hermes.Frame) error
	HandleReply(ch *Channel, frame *hermes.Frame) error
	HandleClose(ch *Channel, reason error)
}

// Options configures the hub server
type Options struct {
	Address   string
	Heartbeat time.Duration
	Liveness  int
	SendQueue int
}

// Stats represents hub server statistics
type Stats struct {
	Channels       int       `json:"channels"`
	FramesIn       int       `json:"frames_in"`
	FramesOut      int       `json:"frames_out"`
	Violations     int       `json:"violations"`
	ChannelsClosed int       `json:"channels_closed"`
	StartTime      time.Time `json:"start_time"`
}

// Server accepts device channels over a Transport. One goroutine owns the
// transport: it reads inbound frames in arrival order, writes queued outbound
// frames and expires silent channels.
type Server struct {
	options   Options
	transport Transport
	handler   Handler
	metrics   *metrics.Metrics

	channels map[string]*Channel
	outbox   chan outbound
	stats    Stats

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	logger  zerolog.Logger
	mutex   sync.RWMutex
	now     func() time.Time
}

// NewServer creates a hub server. The handler is usually the event router.
func NewServer(options Options, transport Transport, handler Handler, m *metrics.Metrics) *Server {
	if options.Heartbeat <= 0 {
		options.Heartbeat = 10 * time.Second
	}
	if options.Liveness <= 0 {
		options.Liveness = 3
	}
	if options.SendQueue <= 0 {
		options.SendQueue = 256
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		options:   options,
		transport: transport,
		handler:   handler,
		metrics:   m,
		channels:  make(map[string]*Channel),
		outbox:    make(chan outbound, options.SendQueue),
		stats:     Stats{StartTime: time.Now()},
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		logger:    logger.GetLogger("hub"),
		now:       time.Now,
	}
}

// SetHandler replaces the frame handler. Call before Start.
func (s *Server) SetHandler(handler Handler) {
	s.handler = handler
}

// Start binds the transport and launches the server loop
func (s *Server) Start() error {
	s.logger.Info().
		Str("address", s.options.Address).
		Str("transport", s.transport.Name()).
		Dur("heartbeat", s.options.Heartbeat).
		Int("liveness", s.options.Liveness).
		Msg("Starting hub server")

	if err := s.transport.Bind(s.options.Address); err != nil {
		return fmt.Errorf("failed to bind hub transport: %w", err)
	}

	s.mutex.Lock()
	s.running = true
	s.mutex.Unlock()

	go s.loop()

	s.logger.Info().Msg("Hub server started successfully")
	return nil
}

// Stop closes every channel and the transport
func (s *Server) Stop() error {
	s.mutex.Lock()
	running := s.running
	s.running = false
	s.mutex.Unlock()

	if !running {
		return nil
	}

	s.logger.Info().Msg("Stopping hub server")

	s.cancel()
	<-s.done

	for _, ch := range s.snapshot() {
		if st := ch.State(); st == StateRegistered || st == StateActive {
			s.writeDirect(ch, hermes.BuildDisconnect())
		}
		s.closeChannel(ch, ErrServerStopped)
	}

	if err := s.transport.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Error closing hub transport")
		return err
	}

	s.logger.Info().Msg("Hub server stopped")
	return nil
}

func (s *Server) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.options.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkLiveness()
		default:
		}

		s.flush()

		identity, payload, ok, err := s.transport.Recv(pollInterval)
		if err != nil {
			var malformed *MalformedError
			if errors.As(err, &malformed) && malformed.Identity != "" {
				s.violation(s.channel(malformed.Identity, s.now()), malformed)
				continue
			}
			s.logger.Error().Err(err).Msg("Failed to receive frame")
			continue
		}
		if ok {
			s.handleMessage(identity, payload)
		}
	}
}

// flush writes every queued outbound frame
func (s *Server) flush() {
	for {
		select {
		case out := <-s.outbox:
			if out.channel.State() == StateClosed {
				s.logger.Debug().
					Str("identity", out.channel.identity).
					Str("kind", out.kind).
					Msg("Dropping frame for closed channel")
				continue
			}
			if err := s.transport.Send(out.channel.identity, out.payload); err != nil {
				s.logger.Warn().
					Str("identity", out.channel.identity).
					Str("kind", out.kind).
					Err(err).
					Msg("Send failed - closing channel")
				s.closeChannel(out.channel, fmt.Errorf("%w: %v", ErrTransportFailure, err))
				continue
			}
			out.channel.sent()

			s.mutex.Lock()
			s.stats.FramesOut++
			s.mutex.Unlock()
		default:
			return
		}
	}
}

func (s *Server) enqueue(out outbound) error {
	if s.ctx.Err() != nil {
		return ErrServerStopped
	}

	select {
	case s.outbox <- out:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// handleMessage processes one inbound frame from identity
func (s *Server) handleMessage(identity string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("identity", identity).
				Interface("panic", r).
				Msg("Recovered from panic while handling frame")
		}
	}()

	now := s.now()
	ch := s.channel(identity, now)

	frame, err := hermes.DeserializeFrame(payload)
	if err != nil {
		s.violation(ch, err)
		return
	}

	s.metrics.ObserveFrame(frame.Kind)
	s.mutex.Lock()
	s.stats.FramesIn++
	s.mutex.Unlock()

	if !frame.IsInbound() {
		s.violation(ch, fmt.Errorf("unexpected %s frame from device", frame.Kind))
		return
	}

	if frame.Kind == hermes.FRAME_REGISTER {
		if ch.State() != StateConnecting {
			// Same identity registering again means the previous session is gone
			s.closeChannel(ch, ErrChannelReplaced)
			ch = s.channel(identity, now)
		}
		if err := s.handler.HandleRegister(ch, frame); err != nil {
			s.violation(ch, err)
		}
		return
	}

	if ch.State() == StateConnecting {
		s.violation(ch, fmt.Errorf("%w: %s before register", ErrNotRegistered, frame.Kind))
		return
	}
	ch.touch(now)

	switch frame.Kind {
	case hermes.FRAME_EVENT:
		id := ch.DeviceID()
		if frame.DeviceID != 0 && frame.DeviceID != id {
			s.violation(ch, fmt.Errorf("event for device %s on channel of device %s", frame.DeviceID, id))
			return
		}
		frame.DeviceID = id
		if err := s.handler.HandleEvent(ch, frame); err != nil {
			s.logger.Warn().Str("device_id", id.String()).Err(err).Msg("Event not applied")
		}

	case hermes.FRAME_REPLY:
		if err := s.handler.HandleReply(ch, frame); err != nil {
			s.logger.Debug().
				Str("correlation_id", frame.CorrelationID).
				Err(err).
				Msg("Reply not delivered")
		}

	case hermes.FRAME_HEARTBEAT:
		s.logger.Debug().Str("identity", identity).Msg("Heartbeat received")

	case hermes.FRAME_DISCONNECT:
		s.closeChannel(ch, ErrPeerDisconnected)
	}
}

// channel returns the open channel for identity, creating one in Connecting
func (s *Server) channel(identity string, now time.Time) *Channel {
	s.mutex.Lock()
	ch, exists := s.channels[identity]
	if !exists {
		ch = newChannel(identity, s, now)
		s.channels[identity] = ch
		s.stats.Channels = len(s.channels)
	}
	count := len(s.channels)
	s.mutex.Unlock()

	if !exists {
		s.metrics.SetChannelsActive(count)
		s.logger.Debug().Str("identity", identity).Msg("Channel opened")
	}
	return ch
}

// violation tells the peer to go away and closes its channel
func (s *Server) violation(ch *Channel, err error) {
	s.mutex.Lock()
	s.stats.Violations++
	s.mutex.Unlock()

	s.logger.Warn().
		Str("identity", ch.identity).
		Str("device_id", ch.DeviceID().String()).
		Err(err).
		Msg("Protocol violation - closing channel")

	s.writeDirect(ch, hermes.BuildDisconnect())
	s.closeChannel(ch, fmt.Errorf("%w: %v", ErrProtocolViolation, err))
}

// writeDirect sends a frame immediately. Only the socket owner may call it.
func (s *Server) writeDirect(ch *Channel, frame *hermes.Frame) {
	payload, err := hermes.SerializeFrame(frame)
	if err != nil {
		return
	}
	if err := s.transport.Send(ch.identity, payload); err != nil {
		s.logger.Debug().Str("identity", ch.identity).Err(err).Msg("Best-effort send failed")
	}
}

// closeChannel transitions ch to Closed exactly once and notifies the handler
func (s *Server) closeChannel(ch *Channel, reason error) {
	if !ch.markClosed(reason) {
		return
	}

	s.mutex.Lock()
	if s.channels[ch.identity] == ch {
		delete(s.channels, ch.identity)
	}
	s.stats.Channels = len(s.channels)
	s.stats.ChannelsClosed++
	count := len(s.channels)
	s.mutex.Unlock()

	s.metrics.SetChannelsActive(count)

	s.logger.Info().
		Str("identity", ch.identity).
		Str("device_id", ch.DeviceID().String()).
		AnErr("reason", reason).
		Msg("Channel closed")

	if s.handler != nil {
		s.handler.HandleClose(ch, reason)
	}
}

// checkLiveness closes channels silent for liveness heartbeat intervals
func (s *Server) checkLiveness() {
	ttl := s.options.Heartbeat * time.Duration(s.options.Liveness)
	now := s.now()

	for _, ch := range s.snapshot() {
		if ch.expired(now, ttl) {
			s.logger.Warn().
				Str("identity", ch.identity).
				Str("device_id", ch.DeviceID().String()).
				Dur("ttl", ttl).
				Msg("Channel expired")
			s.closeChannel(ch, ErrLivenessExpired)
		}
	}
}

func (s *Server) snapshot() []*Channel {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	channels := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	return channels
}

// Lookup returns the open channel bound to identity
func (s *Server) Lookup(identity string) (*Channel, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	ch, ok := s.channels[identity]
	return ch, ok
}

// Channels returns a snapshot of every open channel ordered by identity
func (s *Server) Channels() []ChannelInfo {
	channels := s.snapshot()
	infos := make([]ChannelInfo, 0, len(channels))
	for _, ch := range channels {
		infos = append(infos, ch.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Identity < infos[j].Identity })
	return infos
}

// GetStats returns hub server statistics
func (s *Server) GetStats() Stats {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.stats
}

// GetAddress returns the server's bind address
func (s *Server) GetAddress() string {
	return s.options.Address
}
