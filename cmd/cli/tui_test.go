package cli

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"hubgate/internal/device"
)

type staticLister struct {
	devices []device.Device
	err     error
}

func (s staticLister) ListDevices(ctx context.Context) ([]device.Device, error) {
	return s.devices, s.err
}

func testDevices(now time.Time) []device.Device {
	return []device.Device{
		{ID: 1, UniqueID: "aa:01", Name: "Hall lamp", Position: "hall", Type: "lighting",
			Operations: []string{"power_on", "power_off"}, State: map[string]any{"power": "on"},
			Online: true, LastSeen: now.Add(-5 * time.Second)},
		{ID: 2, UniqueID: "aa:02", Name: "Thermostat", Position: "living", Type: "climate",
			State: map[string]any{"target": 21.5}, LastSeen: now.Add(-2 * time.Hour)},
	}
}

func update(t *testing.T, m model, msg tea.Msg) model {
	t.Helper()
	next, _ := m.Update(msg)
	out, ok := next.(model)
	require.True(t, ok)
	return out
}

func TestMonitorFetch(t *testing.T) {
	now := time.Now()
	m := newModel(staticLister{devices: testDevices(now)}, "http://gw", time.Second)

	msg := m.fetch()()
	got, ok := msg.(devicesMsg)
	require.True(t, ok)
	require.NoError(t, got.err)
	assert.Len(t, got.devices, 2)
}

func TestMonitorView(t *testing.T) {
	now := time.Now()
	m := newModel(staticLister{}, "http://gw", time.Second)
	m.now = func() time.Time { return now }

	assert.Contains(t, m.View(), "No devices registered")

	m = update(t, m, devicesMsg{devices: testDevices(now), at: now})
	view := m.View()
	assert.Contains(t, view, "2 devices, 1 online")
	assert.Contains(t, view, "Hall lamp")
	assert.Contains(t, view, "Thermostat")
	assert.Contains(t, view, `power="on"`)
	assert.Contains(t, view, "power_on, power_off")

	t.Run("cursor moves to the second device", func(t *testing.T) {
		moved := update(t, m, tea.KeyMsg{Type: tea.KeyDown})
		assert.Equal(t, 1, moved.cursor)
		assert.Contains(t, moved.View(), "target=21.5")

		moved = update(t, moved, tea.KeyMsg{Type: tea.KeyDown})
		assert.Equal(t, 1, moved.cursor)
	})

	t.Run("fetch errors keep the last devices", func(t *testing.T) {
		failed := update(t, m, devicesMsg{err: errors.New("connection refused")})
		assert.Len(t, failed.devices, 2)
		assert.Contains(t, failed.View(), "connection refused")
	})

	t.Run("cursor is clamped when devices disappear", func(t *testing.T) {
		moved := update(t, m, tea.KeyMsg{Type: tea.KeyDown})
		shrunk := update(t, moved, devicesMsg{devices: testDevices(now)[:1], at: now})
		assert.Equal(t, 0, shrunk.cursor)
	})
}

func TestMonitorQuit(t *testing.T) {
	m := newModel(staticLister{}, "http://gw", time.Second)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.True(t, next.(model).quitting)
}

func TestFormatHelpers(t *testing.T) {
	now := time.Now()

	assert.Equal(t, "-", formatState(nil))
	assert.Equal(t, `a=1 b="x"`, formatState(map[string]any{"b": "x", "a": 1}))
	assert.Equal(t, "never", formatAgo(now, time.Time{}))
	assert.Equal(t, "3m ago", formatAgo(now, now.Add(-3*time.Minute)))
	assert.Equal(t, "abc…", truncate("abcdef", 4))
	assert.Equal(t, "ab  ", pad("ab", 4))
}
