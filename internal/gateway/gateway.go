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

// Package gateway wires the hub server, router, control service, push
// pipeline and API server together and runs them as one process.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"hubgate/internal/config"
	"hubgate/internal/control"
	"hubgate/internal/device"
	"hubgate/internal/hub"
	"hubgate/internal/logger"
	"hubgate/internal/metrics"
	"hubgate/internal/pending"
	"hubgate/internal/push"
	"hubgate/internal/router"
	"hubgate/internal/rpc"
)

var ErrAlreadyStarted = errors.New("gateway: already started")

const shutdownTimeout = 5 * time.Second

// Option customizes a Gateway
type Option func(*Gateway)

// WithTransport replaces the ZMQ hub transport
func WithTransport(transport hub.Transport) Option {
	return func(g *Gateway) {
		g.transport = transport
	}
}

// Gateway owns every component and their start/stop order
type Gateway struct {
	config    *config.Config
	transport hub.Transport

	metrics    *metrics.Metrics
	registry   *device.Registry
	pending    *pending.Table
	targets    *push.TargetStore
	mqtt       *push.MQTTNotifier
	dispatcher *push.Dispatcher
	hub        *hub.Server
	control    *control.Service
	api        *rpc.Server

	running bool
	logger  zerolog.Logger
	mutex   sync.Mutex
}

// New creates a gateway for cfg. Nothing is bound until Start.
func New(cfg *config.Config, options ...Option) *Gateway {
	g := &Gateway{
		config: cfg,
		logger: logger.GetLogger("gateway"),
	}
	for _, option := range options {
		option(g)
	}
	return g
}

// Start builds the components and opens the hub and API listeners
func (g *Gateway) Start() error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.running {
		return ErrAlreadyStarted
	}
	if err := g.config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	g.logger.Info().
		Str("hub_address", g.config.Hub.Address).
		Str("api_address", g.config.Server.API.Address).
		Bool("push", g.config.Push.Enabled).
		Msg("Starting gateway")

	g.metrics = metrics.New()
	g.registry = device.NewRegistry()
	g.pending = pending.NewTable(g.config.Control.StaleCacheSize)
	g.metrics.RegisterPendingGauge(func() float64 { return float64(g.pending.Len()) })

	// Clients may register push targets whether or not delivery is enabled
	targets, err := push.NewTargetStore(g.config.Push.Store.Path)
	if err != nil {
		g.cleanup()
		return fmt.Errorf("failed to open push target store: %w", err)
	}
	g.targets = targets

	var notifier push.Notifier
	if g.config.Push.Enabled {
		dispatcher, err := g.startPush()
		if err != nil {
			g.cleanup()
			return err
		}
		notifier = dispatcher
	}

	transport := g.transport
	if transport == nil {
		transport = hub.NewZMQTransport(g.config.Hub.SendQueue)
	}

	g.hub = hub.NewServer(hub.Options{
		Address:   g.config.Hub.Address,
		Heartbeat: g.config.HubHeartbeat(),
		Liveness:  g.config.Hub.Liveness,
		SendQueue: g.config.Hub.SendQueue,
	}, transport, router.New(g.registry, g.pending, notifier, g.metrics), g.metrics)

	if err := g.hub.Start(); err != nil {
		g.hub = nil
		_ = transport.Close()
		g.cleanup()
		return fmt.Errorf("failed to start hub server: %w", err)
	}

	g.control = control.NewService(g.registry, g.pending, g.hub, g.metrics, control.Options{
		DefaultTimeout: g.config.ControlDefaultTimeout(),
		MaxTimeout:     g.config.ControlMaxTimeout(),
	})

	g.api = rpc.NewServer(g.control, g.targets, g.metrics)
	if err := g.api.Start(rpc.Options{
		Address:      g.config.Server.API.Address,
		ReadTimeout:  g.config.APITimeout(),
		WriteTimeout: g.config.APITimeout() + g.config.ControlMaxTimeout(),
	}); err != nil {
		g.api = nil
		g.cleanup()
		return fmt.Errorf("failed to start API server: %w", err)
	}

	g.running = true
	g.logger.Info().Msg("Gateway started")
	return nil
}

// startPush starts the configured push backend over the open target store
func (g *Gateway) startPush() (*push.Dispatcher, error) {
	var notifier push.Notifier
	switch g.config.Push.Backend {
	case config.PushBackendMQTT:
		mqtt, err := push.NewMQTTNotifier(push.MQTTOptions{
			Broker:      g.config.Push.MQTT.Broker,
			ClientID:    g.config.Push.MQTT.ClientID,
			TopicPrefix: g.config.Push.MQTT.TopicPrefix,
			Username:    g.config.Push.MQTT.Username,
			Password:    g.config.Push.MQTT.Password,
			Timeout:     g.config.PushTimeout(),
		})
		if err != nil {
			return nil, err
		}
		g.mqtt = mqtt
		notifier = mqtt
	default:
		notifier = push.NewWebhookNotifier(g.config.Push.Server, g.config.PushTimeout(), g.targets)
	}

	g.dispatcher = push.NewDispatcher(notifier, g.config.Push.QueueSize, g.config.PushTimeout(), g.metrics)
	g.dispatcher.Start()

	g.logger.Info().
		Str("backend", g.config.Push.Backend).
		Str("store", g.config.Push.Store.Path).
		Msg("Push notifications enabled")
	return g.dispatcher, nil
}

// Stop shuts components down in reverse start order
func (g *Gateway) Stop() error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if !g.running {
		return nil
	}
	g.running = false

	g.logger.Info().Msg("Stopping gateway")
	err := g.cleanup()
	g.logger.Info().Msg("Gateway stopped")
	return err
}

// cleanup releases whatever Start managed to create
func (g *Gateway) cleanup() error {
	var errs []error

	if g.api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := g.api.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("API server: %w", err))
		}
		cancel()
		g.api = nil
	}

	// Closing the channels fails every pending call of the connected devices
	if g.hub != nil {
		if err := g.hub.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("hub server: %w", err))
		}
		g.hub = nil
	}

	if g.pending != nil {
		g.pending.Close()
	}

	if g.dispatcher != nil {
		g.dispatcher.Stop()
		g.dispatcher = nil
	}
	if g.mqtt != nil {
		g.mqtt.Close()
		g.mqtt = nil
	}
	if g.targets != nil {
		if err := g.targets.Close(); err != nil {
			errs = append(errs, fmt.Errorf("push target store: %w", err))
		}
		g.targets = nil
	}

	return errors.Join(errs...)
}

// APIAddr returns the bound API address
func (g *Gateway) APIAddr() string {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.api == nil {
		return ""
	}
	return g.api.Addr()
}

// Control returns the control service, nil before Start
func (g *Gateway) Control() *control.Service {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.control
}
