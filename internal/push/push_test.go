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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"hubgate/internal/device"
)

func newStore(t *testing.T) *TargetStore {
	t.Helper()
	store, err := NewTargetStore(filepath.Join(t.TempDir(), "push.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTargetStore(t *testing.T) {
	store := newStore(t)

	t.Run("register and list", func(t *testing.T) {
		_, err := store.Register(Target{ClientID: "phone", Platform: "android", Token: "tok-1"})
		require.NoError(t, err)
		_, err = store.Register(Target{ClientID: "browser", Platform: "web", Token: "tok-2"})
		require.NoError(t, err)

		targets, err := store.List()
		require.NoError(t, err)
		require.Len(t, targets, 2)
		assert.Equal(t, "browser", targets[0].ClientID)
		assert.Equal(t, "phone", targets[1].ClientID)
	})

	t.Run("re-register replaces the token", func(t *testing.T) {
		target, err := store.Register(Target{ClientID: "phone", Platform: "android", Token: "tok-3"})
		require.NoError(t, err)
		assert.Equal(t, "tok-3", target.Token)

		targets, err := store.List()
		require.NoError(t, err)
		assert.Len(t, targets, 2)
	})

	t.Run("rejects invalid targets", func(t *testing.T) {
		_, err := store.Register(Target{ClientID: "", Platform: "android", Token: "x"})
		assert.ErrorIs(t, err, ErrInvalidTarget)
		_, err = store.Register(Target{ClientID: "a", Platform: "pager", Token: "x"})
		assert.ErrorIs(t, err, ErrInvalidTarget)
		_, err = store.Register(Target{ClientID: "a", Platform: "ios", Token: " "})
		assert.ErrorIs(t, err, ErrInvalidTarget)
	})

	t.Run("unregister", func(t *testing.T) {
		require.NoError(t, store.Unregister("phone"))
		assert.ErrorIs(t, store.Unregister("phone"), ErrTargetNotFound)

		_, err := store.Get("phone")
		assert.ErrorIs(t, err, ErrTargetNotFound)
	})
}

func TestWebhookNotifier(t *testing.T) {
	store := newStore(t)
	_, err := store.Register(Target{ClientID: "phone", Platform: "ios", Token: "tok"})
	require.NoError(t, err)

	received := make(chan Notification, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var n Notification
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&n))
		received <- n
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL, time.Second, store)
	require.NoError(t, notifier.Notify(context.Background(), 7, map[string]any{"power": "on"}))

	n := <-received
	assert.Equal(t, device.ID(7), n.DeviceID)
	assert.Equal(t, "on", n.Delta["power"])
	require.Len(t, n.Targets, 1)
	assert.Equal(t, "phone", n.Targets[0].ClientID)
}

func TestWebhookNotifierErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL, time.Second, nil)
	err := notifier.Notify(context.Background(), 1, map[string]any{"power": "on"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	t.Run("no targets skips the request", func(t *testing.T) {
		notifier := NewWebhookNotifier("http://127.0.0.1:1", time.Second, newStore(t))
		assert.NoError(t, notifier.Notify(context.Background(), 1, map[string]any{"power": "on"}))
	})
}

// recordingNotifier records notifications and can be made slow or failing
type recordingNotifier struct {
	delay time.Duration
	err   error
	got   []device.ID
	mutex sync.Mutex
}

func (r *recordingNotifier) Notify(ctx context.Context, deviceID device.ID, delta map[string]any) error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.got = append(r.got, deviceID)
	return r.err
}

func TestDispatcher(t *testing.T) {
	t.Run("delivers in order", func(t *testing.T) {
		notifier := &recordingNotifier{}
		d := NewDispatcher(notifier, 16, time.Second, nil)
		d.Start()

		for i := 1; i <= 5; i++ {
			require.NoError(t, d.Notify(context.Background(), device.ID(i), map[string]any{"n": i}))
		}
		d.Stop()

		assert.Equal(t, []device.ID{1, 2, 3, 4, 5}, notifier.got)
		assert.Equal(t, 5, d.GetStats().Delivered)
		assert.ErrorIs(t, d.Notify(context.Background(), 1, nil), ErrStopped)
	})

	t.Run("drops when the queue is full", func(t *testing.T) {
		notifier := &recordingNotifier{delay: 50 * time.Millisecond}
		d := NewDispatcher(notifier, 1, time.Second, nil)
		d.Start()
		defer d.Stop()

		var dropped int
		start := time.Now()
		for i := 0; i < 10; i++ {
			if errors.Is(d.Notify(context.Background(), 1, nil), ErrQueueFull) {
				dropped++
			}
		}
		assert.Less(t, time.Since(start), 50*time.Millisecond, "Notify must not block")
		assert.Greater(t, dropped, 0)
		assert.Equal(t, dropped, d.GetStats().Dropped)
	})

	t.Run("counts failures", func(t *testing.T) {
		notifier := &recordingNotifier{err: errors.New("push server down")}
		d := NewDispatcher(notifier, 4, time.Second, nil)
		d.Start()
		require.NoError(t, d.Notify(context.Background(), 1, nil))
		d.Stop()
		assert.Equal(t, 1, d.GetStats().Failed)
	})
}

// fakeToken completes immediately with err
type fakeToken struct {
	err error
}

func (f *fakeToken) Wait() bool                     { return true }
func (f *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (f *fakeToken) Done() <-chan struct{} {
	done := make(chan struct{})
	close(done)
	return done
}
func (f *fakeToken) Error() error { return f.err }

// fakeClient records publishes; other mqtt.Client methods are not used
type fakeClient struct {
	mqtt.Client
	topics   []string
	payloads [][]byte
	err      error
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload.([]byte))
	return &fakeToken{err: f.err}
}

func TestMQTTNotifier(t *testing.T) {
	client := &fakeClient{}
	notifier := newMQTTNotifier(client, "hubgate/push/", time.Second)

	require.NoError(t, notifier.Notify(context.Background(), 12, map[string]any{"color": "red"}))
	require.Len(t, client.topics, 1)
	assert.Equal(t, "hubgate/push/12", client.topics[0])

	var n Notification
	require.NoError(t, json.Unmarshal(client.payloads[0], &n))
	assert.Equal(t, device.ID(12), n.DeviceID)
	assert.Equal(t, "red", n.Delta["color"])

	client.err = errors.New("not connected")
	assert.Error(t, notifier.Notify(context.Background(), 12, map[string]any{"color": "blue"}))
}
