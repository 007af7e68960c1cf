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

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveInvocation("ok", time.Second)
		m.ObserveFrame("event")
		m.IncStaleReplies()
		m.SetChannelsActive(3)
		m.IncPushFailures()
		m.RegisterPendingGauge(func() float64 { return 1 })
	})
}

func TestMetricsExposition(t *testing.T) {
	m := New()
	m.RegisterPendingGauge(func() float64 { return 2 })
	m.ObserveInvocation("ok", 20*time.Millisecond)
	m.ObserveInvocation("timeout", 5*time.Second)
	m.ObserveFrame("event")
	m.IncStaleReplies()
	m.SetChannelsActive(4)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, family := range families {
		names[family.GetName()] = true
	}
	for _, name := range []string{
		"hubgate_pending_calls",
		"hubgate_invocations_total",
		"hubgate_invoke_duration_seconds",
		"hubgate_hub_frames_total",
		"hubgate_stale_replies_total",
		"hubgate_channels_active",
	} {
		assert.True(t, names[name], "missing %s", name)
	}

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `hubgate_invocations_total{outcome="timeout"} 1`)
	assert.Contains(t, string(body), "hubgate_pending_calls 2")
	assert.Contains(t, string(body), "hubgate_channels_active 4")
}
