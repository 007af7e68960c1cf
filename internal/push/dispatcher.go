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

package push

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"hubgate/internal/device"
	"hubgate/internal/logger"
	"hubgate/internal/metrics"
)

type job struct {
	deviceID device.ID
	delta    map[string]any
}

// DispatcherStats represents dispatcher statistics
type DispatcherStats struct {
	Queued    int `json:"queued"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`
}

// Dispatcher puts a bounded queue in front of a Notifier so a slow push
// service never stalls the caller. Notify only enqueues.
type Dispatcher struct {
	notifier Notifier
	queue    chan job
	timeout  time.Duration
	metrics  *metrics.Metrics

	stats   DispatcherStats
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
	logger  zerolog.Logger
	mutex   sync.Mutex
}

// NewDispatcher creates a dispatcher with room for size queued notifications
func NewDispatcher(notifier Notifier, size int, timeout time.Duration, m *metrics.Metrics) *Dispatcher {
	if size <= 0 {
		size = 128
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		notifier: notifier,
		queue:    make(chan job, size),
		timeout:  timeout,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.GetLogger("push"),
	}
}

// Start launches the delivery worker
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.worker()
}

// Stop delivers what is already queued and stops the worker
func (d *Dispatcher) Stop() {
	d.mutex.Lock()
	if d.stopped {
		d.mutex.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mutex.Unlock()

	d.wg.Wait()
	d.cancel()
}

// Notify queues a notification. It fails with ErrQueueFull instead of blocking.
func (d *Dispatcher) Notify(ctx context.Context, deviceID device.ID, delta map[string]any) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.stopped {
		return ErrStopped
	}

	select {
	case d.queue <- job{deviceID: deviceID, delta: delta}:
		d.stats.Queued++
		return nil
	default:
		d.stats.Dropped++
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for j := range d.queue {
		ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
		err := d.notifier.Notify(ctx, j.deviceID, j.delta)
		cancel()

		d.mutex.Lock()
		if err != nil {
			d.stats.Failed++
		} else {
			d.stats.Delivered++
		}
		d.mutex.Unlock()

		if err != nil {
			d.metrics.IncPushFailures()
			d.logger.Warn().
				Str("device_id", j.deviceID.String()).
				Err(err).
				Msg("Push delivery failed")
		}
	}
}

// GetStats returns dispatcher statistics
func (d *Dispatcher) GetStats() DispatcherStats {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.stats
}
