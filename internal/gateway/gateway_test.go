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

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"hubgate/internal/config"
	"hubgate/internal/device"
	"hubgate/internal/hermes"
	"hubgate/internal/hub"
	"hubgate/internal/push"
	"hubgate/internal/rpc"
)

const wait = 2 * time.Second

type pushServer struct {
	*httptest.Server
	mutex sync.Mutex
	got   []push.Notification
}

func newPushServer(t *testing.T) *pushServer {
	p := &pushServer{}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n push.Notification
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		p.mutex.Lock()
		p.got = append(p.got, n)
		p.mutex.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(p.Close)
	return p
}

func (p *pushServer) notifications() []push.Notification {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return append([]push.Notification(nil), p.got...)
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.NewDefault()
	cfg.Server.API.Address = "127.0.0.1:0"
	cfg.Hub.Address = "pipe://test"
	cfg.Control.DefaultTimeout = "500ms"
	cfg.Push.Store.Path = filepath.Join(t.TempDir(), "push.db")
	return cfg
}

func TestGatewayEndToEnd(t *testing.T) {
	pushSrv := newPushServer(t)

	cfg := testConfig(t)
	cfg.Push.Enabled = true
	cfg.Push.Server = pushSrv.URL

	pipe := hub.NewPipeTransport()
	gw := New(cfg, WithTransport(pipe))
	require.NoError(t, gw.Start())
	t.Cleanup(func() { _ = gw.Stop() })

	client := rpc.NewClient("http://"+gw.APIAddr(), wait)
	ctx := context.Background()

	require.NoError(t, client.Call(ctx, rpc.JSONRPCPrefix+"/push", "register",
		map[string]string{"client_id": "phone", "platform": "ios", "token": "apns-token"}, nil))

	meta := device.Metadata{Name: "Lamp", Operations: []string{"power_on"}}
	require.NoError(t, pipe.Deliver("lamp", hermes.BuildRegister("aa:bb:cc", meta, nil)))
	ack, err := pipe.Expect("lamp", wait)
	require.NoError(t, err)
	id := ack.DeviceID

	t.Run("events reach the push server", func(t *testing.T) {
		require.NoError(t, pipe.Deliver("lamp", hermes.BuildEvent(id, map[string]any{"power": "on"})))

		require.Eventually(t, func() bool { return len(pushSrv.notifications()) == 1 }, wait, 10*time.Millisecond)
		n := pushSrv.notifications()[0]
		assert.Equal(t, id, n.DeviceID)
		assert.Equal(t, map[string]any{"power": "on"}, n.Delta)
		require.Len(t, n.Targets, 1)
		assert.Equal(t, "phone", n.Targets[0].ClientID)
	})

	t.Run("commands round trip", func(t *testing.T) {
		go func() {
			cmd, err := pipe.Expect("lamp", wait)
			if err != nil {
				return
			}
			_ = pipe.Deliver("lamp", hermes.BuildReply(cmd.CorrelationID, json.RawMessage(`{"ok":true}`)))
		}()

		payload, err := client.Invoke(ctx, id, "power_on", nil, time.Second)
		require.NoError(t, err)
		assert.JSONEq(t, `{"ok":true}`, string(payload))
	})

	t.Run("status", func(t *testing.T) {
		status := gw.Control().Status()
		assert.Equal(t, 1, status.Devices)
		assert.Equal(t, 1, status.Online)
		assert.Equal(t, 0, status.Pending)
	})
}

func TestGatewayStopFailsPendingCalls(t *testing.T) {
	pipe := hub.NewPipeTransport()
	gw := New(testConfig(t), WithTransport(pipe))
	require.NoError(t, gw.Start())

	meta := device.Metadata{Name: "Lamp", Operations: []string{"power_on"}}
	require.NoError(t, pipe.Deliver("lamp", hermes.BuildRegister("aa:bb:cc", meta, nil)))
	ack, err := pipe.Expect("lamp", wait)
	require.NoError(t, err)

	service := gw.Control()
	done := make(chan error, 1)
	go func() {
		_, err := service.Invoke(context.Background(), ack.DeviceID, "power_on", nil, 10*time.Second)
		done <- err
	}()

	_, err = pipe.Expect("lamp", wait)
	require.NoError(t, err)

	require.NoError(t, gw.Stop())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(wait):
		t.Fatal("pending call was not completed on stop")
	}

	assert.NoError(t, gw.Stop(), "stop is idempotent")
	assert.Empty(t, gw.APIAddr())
}

func TestGatewayPushTargetsWithDeliveryDisabled(t *testing.T) {
	cfg := testConfig(t)
	require.False(t, cfg.Push.Enabled)

	gw := New(cfg, WithTransport(hub.NewPipeTransport()))
	require.NoError(t, gw.Start())
	t.Cleanup(func() { _ = gw.Stop() })

	client := rpc.NewClient("http://"+gw.APIAddr(), wait)
	ctx := context.Background()

	require.NoError(t, client.Call(ctx, rpc.JSONRPCPrefix+"/push", "register",
		map[string]string{"client_id": "phone", "platform": "android", "token": "fcm-token"}, nil))

	var targets []push.Target
	require.NoError(t, client.Call(ctx, rpc.JSONRPCPrefix+"/push", "list", nil, &targets))
	require.Len(t, targets, 1)
	assert.Equal(t, "phone", targets[0].ClientID)
}

func TestGatewayRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Control.DefaultTimeout = "0s"

	gw := New(cfg, WithTransport(hub.NewPipeTransport()))
	assert.Error(t, gw.Start())
	assert.Empty(t, gw.APIAddr())
}

func TestGatewayStartTwice(t *testing.T) {
	gw := New(testConfig(t), WithTransport(hub.NewPipeTransport()))
	require.NoError(t, gw.Start())
	t.Cleanup(func() { _ = gw.Stop() })

	assert.ErrorIs(t, gw.Start(), ErrAlreadyStarted)
}
