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

package device

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lampMetadata() Metadata {
	return Metadata{
		Name:       "Desk lamp",
		Vendor:     "acme",
		Type:       "lighting",
		Operations: []string{"power_on", "power_off", "set_color"},
	}
}

func TestRegistryRegister(t *testing.T) {
	t.Run("assigns sequential ids in insertion order", func(t *testing.T) {
		r := NewRegistry()

		id1, err := r.Register("aa:bb:cc:00:00:01", lampMetadata(), "conn-1")
		require.NoError(t, err)
		id2, err := r.Register("aa:bb:cc:00:00:02", lampMetadata(), "conn-2")
		require.NoError(t, err)

		assert.Equal(t, ID(1), id1)
		assert.Equal(t, ID(2), id2)

		devices := r.List()
		require.Len(t, devices, 2)
		assert.Equal(t, id1, devices[0].ID)
		assert.Equal(t, id2, devices[1].ID)
	})

	t.Run("reuses id for a reconnecting unique id", func(t *testing.T) {
		r := NewRegistry()

		id, err := r.Register("aa:bb:cc:00:00:01", lampMetadata(), "conn-1")
		require.NoError(t, err)
		_, err = r.ApplyEvent(id, map[string]any{"power": "on"})
		require.NoError(t, err)
		require.NoError(t, r.Unregister(id))

		again, err := r.Register("aa:bb:cc:00:00:01", lampMetadata(), "conn-9")
		require.NoError(t, err)
		assert.Equal(t, id, again)

		dev, err := r.Get(id)
		require.NoError(t, err)
		assert.True(t, dev.Online)
		assert.Equal(t, "conn-9", dev.Connection)
		assert.Equal(t, "on", dev.State["power"])
		assert.Len(t, r.List(), 1)
	})

	t.Run("rejects missing identity", func(t *testing.T) {
		r := NewRegistry()

		_, err := r.Register("  ", lampMetadata(), "conn-1")
		assert.ErrorIs(t, err, ErrInvalidRegistration)

		_, err = r.Register("aa:bb", lampMetadata(), "")
		assert.ErrorIs(t, err, ErrInvalidRegistration)
	})

	t.Run("keeps operations as a sorted set", func(t *testing.T) {
		r := NewRegistry()
		meta := lampMetadata()
		meta.Operations = []string{"power_on", "power_on", "", "power_off"}

		id, err := r.Register("aa:bb", meta, "conn-1")
		require.NoError(t, err)

		dev, err := r.Get(id)
		require.NoError(t, err)
		assert.Equal(t, []string{"power_off", "power_on"}, dev.Operations)
		assert.True(t, dev.Supports("power_on"))
		assert.False(t, dev.Supports("set_color"))
	})
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	id, err := r.Register("aa:bb", lampMetadata(), "conn-1")
	require.NoError(t, err)

	t.Run("release ignores a foreign connection", func(t *testing.T) {
		assert.False(t, r.Release(id, "conn-other"))
		dev, err := r.Get(id)
		require.NoError(t, err)
		assert.True(t, dev.Online)
	})

	t.Run("release clears the matching connection and keeps metadata", func(t *testing.T) {
		assert.True(t, r.Release(id, "conn-1"))
		dev, err := r.Get(id)
		require.NoError(t, err)
		assert.False(t, dev.Online)
		assert.Empty(t, dev.Connection)
		assert.Equal(t, "Desk lamp", dev.Name)
		assert.False(t, dev.LastSeen.IsZero())
	})

	t.Run("release is idempotent", func(t *testing.T) {
		assert.False(t, r.Release(id, "conn-1"))
	})

	t.Run("unknown id", func(t *testing.T) {
		assert.ErrorIs(t, r.Unregister(ID(99)), ErrDeviceNotFound)
	})
}

func TestRegistryLookupAndCount(t *testing.T) {
	r := NewRegistry()
	id, err := r.Register("aa:01", lampMetadata(), "conn-1")
	require.NoError(t, err)
	other, err := r.Register("aa:02", lampMetadata(), "conn-2")
	require.NoError(t, err)
	require.True(t, r.Release(other, "conn-2"))

	dev, err := r.Lookup("aa:01")
	require.NoError(t, err)
	assert.Equal(t, id, dev.ID)

	_, err = r.Lookup("ff:ff")
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	total, online := r.Count()
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, online)
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get(ID(42))
	assert.True(t, errors.Is(err, ErrDeviceNotFound))

	_, err = r.ApplyEvent(ID(42), map[string]any{"power": "on"})
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestRegistryApplyEvent(t *testing.T) {
	t.Run("later event wins on overlapping keys", func(t *testing.T) {
		r := NewRegistry()
		id, err := r.Register("aa:bb", lampMetadata(), "conn-1")
		require.NoError(t, err)

		_, err = r.ApplyEvent(id, map[string]any{"power": "on", "color": "red", "level": 10.0})
		require.NoError(t, err)
		_, err = r.ApplyEvent(id, map[string]any{"color": "blue", "level": 80.0})
		require.NoError(t, err)

		dev, err := r.Get(id)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"power": "on", "color": "blue", "level": 80.0}, dev.State)
	})

	t.Run("change holds only the keys that moved", func(t *testing.T) {
		r := NewRegistry()
		id, err := r.Register("aa:bb", lampMetadata(), "conn-1")
		require.NoError(t, err)

		_, err = r.ApplyEvent(id, map[string]any{"power": "on"})
		require.NoError(t, err)

		change, err := r.ApplyEvent(id, map[string]any{"power": "on", "color": "red"})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"color": "red"}, change.Delta)

		change, err = r.ApplyEvent(id, map[string]any{"power": "on"})
		require.NoError(t, err)
		assert.True(t, change.Empty())
	})

	t.Run("notifies change hooks", func(t *testing.T) {
		r := NewRegistry()
		id, err := r.Register("aa:bb", lampMetadata(), "conn-1")
		require.NoError(t, err)

		var got []Change
		r.OnChange(func(c Change) { got = append(got, c) })

		_, err = r.ApplyEvent(id, map[string]any{"power": "off"})
		require.NoError(t, err)
		_, err = r.ApplyEvent(id, map[string]any{"power": "off"})
		require.NoError(t, err)

		require.Len(t, got, 2)
		assert.Equal(t, id, got[0].DeviceID)
		assert.Equal(t, "off", got[0].Delta["power"])
		assert.True(t, got[1].Empty())
	})

	t.Run("nested values are not shared with callers", func(t *testing.T) {
		r := NewRegistry()
		id, err := r.Register("aa:bb", lampMetadata(), "conn-1")
		require.NoError(t, err)

		input := map[string]any{"color": map[string]any{"r": 255.0}, "scenes": []any{"day"}}
		change, err := r.ApplyEvent(id, input)
		require.NoError(t, err)

		input["color"].(map[string]any)["r"] = 0.0
		change.Delta["color"].(map[string]any)["r"] = 1.0
		change.Delta["scenes"].([]any)[0] = "night"

		dev, err := r.Get(id)
		require.NoError(t, err)
		dev.State["color"].(map[string]any)["r"] = 2.0

		again, err := r.Get(id)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"r": 255.0}, again.State["color"])
		assert.Equal(t, []any{"day"}, again.State["scenes"])
	})

	t.Run("snapshots are isolated from later events", func(t *testing.T) {
		r := NewRegistry()
		id, err := r.Register("aa:bb", lampMetadata(), "conn-1")
		require.NoError(t, err)

		_, err = r.ApplyEvent(id, map[string]any{"power": "on"})
		require.NoError(t, err)
		before, err := r.Get(id)
		require.NoError(t, err)

		_, err = r.ApplyEvent(id, map[string]any{"power": "off"})
		require.NoError(t, err)
		assert.Equal(t, "on", before.State["power"])
	})
}

func TestRegistryRenameAndRemove(t *testing.T) {
	r := NewRegistry()
	id, err := r.Register("aa:bb", lampMetadata(), "conn-1")
	require.NoError(t, err)

	dev, err := r.Rename(id, "Reading lamp", "study")
	require.NoError(t, err)
	assert.Equal(t, "Reading lamp", dev.Name)
	assert.Equal(t, "study", dev.Position)

	t.Run("client names survive a reconnect without a name", func(t *testing.T) {
		meta := lampMetadata()
		meta.Name = ""
		_, err := r.Register("aa:bb", meta, "conn-2")
		require.NoError(t, err)

		dev, err := r.Get(id)
		require.NoError(t, err)
		assert.Equal(t, "Reading lamp", dev.Name)
		assert.Equal(t, "study", dev.Position)
	})

	t.Run("remove purges the record", func(t *testing.T) {
		require.NoError(t, r.Remove(id))
		_, err := r.Get(id)
		assert.ErrorIs(t, err, ErrDeviceNotFound)
		assert.Empty(t, r.List())

		fresh, err := r.Register("aa:bb", lampMetadata(), "conn-3")
		require.NoError(t, err)
		assert.NotEqual(t, id, fresh)
	})
}

func TestRegistryConcurrentEvents(t *testing.T) {
	r := NewRegistry()
	id, err := r.Register("aa:bb", lampMetadata(), "conn-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = r.ApplyEvent(id, map[string]any{"level": float64(i)})
			_ = r.List()
		}(i)
	}
	wg.Wait()

	dev, err := r.Get(id)
	require.NoError(t, err)
	assert.Contains(t, dev.State, "level")
}

func TestParseID(t *testing.T) {
	id, err := ParseID("17")
	require.NoError(t, err)
	assert.Equal(t, ID(17), id)
	assert.Equal(t, "17", id.String())

	_, err = ParseID("0")
	assert.Error(t, err)
	_, err = ParseID("lamp")
	assert.Error(t, err)
}
