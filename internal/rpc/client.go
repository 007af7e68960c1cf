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

package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"hubgate/internal/device"
)

// Client calls the gateway JSON-RPC endpoints
type Client struct {
	baseURL string
	http    *http.Client
	nextID  atomic.Int64
}

// NewClient creates a client for the gateway at baseURL, e.g. http://localhost:8080
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Call posts method to path and decodes the result into result, which may be nil.
// A JSON-RPC error is returned as *Error.
func (c *Client) Call(ctx context.Context, path, method string, params, result interface{}) error {
	req := map[string]interface{}{
		"method": method,
		"id":     c.nextID.Add(1),
	}
	if params != nil {
		req["params"] = params
	}
	return c.do(ctx, path, req, result)
}

func (c *Client) do(ctx context.Context, path string, envelope interface{}, result interface{}) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	var envelopeResp struct {
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelopeResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if envelopeResp.Error != nil {
		return envelopeResp.Error
	}
	if result == nil || len(envelopeResp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(envelopeResp.Result, result)
}

// ListDevices returns every device the gateway knows
func (c *Client) ListDevices(ctx context.Context) ([]device.Device, error) {
	var devices []device.Device
	if err := c.Call(ctx, JSONRPCPrefix+"/device", "list", nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// Invoke runs operation on a device with an explicit timeout
func (c *Client) Invoke(ctx context.Context, id device.ID, operation string, args interface{}, timeout time.Duration) (json.RawMessage, error) {
	req := map[string]interface{}{
		"method":     operation,
		"id":         c.nextID.Add(1),
		"timeout_ms": timeout.Milliseconds(),
	}
	if args != nil {
		req["params"] = args
	}

	var payload json.RawMessage
	if err := c.do(ctx, JSONRPCPrefix+"/control/"+id.String(), req, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
