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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"hubgate/internal/device"
	"hubgate/internal/logger"
)

// WebhookNotifier POSTs notifications to the push server
type WebhookNotifier struct {
	server  string
	client  *http.Client
	targets TargetLister
	logger  zerolog.Logger
}

// NewWebhookNotifier creates a notifier for server. targets may be nil.
func NewWebhookNotifier(server string, timeout time.Duration, targets TargetLister) *WebhookNotifier {
	return &WebhookNotifier{
		server:  server,
		client:  &http.Client{Timeout: timeout},
		targets: targets,
		logger:  logger.GetLogger("push.webhook"),
	}
}

// Notify sends one notification
func (w *WebhookNotifier) Notify(ctx context.Context, deviceID device.ID, delta map[string]any) error {
	notification := Notification{
		DeviceID:  deviceID,
		Delta:     delta,
		Timestamp: time.Now().UTC(),
	}

	if w.targets != nil {
		targets, err := w.targets.List()
		if err != nil {
			return fmt.Errorf("failed to load push targets: %w", err)
		}
		if len(targets) == 0 {
			w.logger.Debug().Str("device_id", deviceID.String()).Msg("No push targets registered")
			return nil
		}
		notification.Targets = targets
	}

	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.server, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("push server request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("push server returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	w.logger.Debug().
		Str("device_id", deviceID.String()).
		Int("targets", len(notification.Targets)).
		Msg("Push notification delivered")
	return nil
}
