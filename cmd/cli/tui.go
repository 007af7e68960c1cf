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

package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"hubgate/internal/device"
)

// DeviceLister fetches the device list from a gateway
type DeviceLister interface {
	ListDevices(ctx context.Context) ([]device.Device, error)
}

type devicesMsg struct {
	devices []device.Device
	err     error
	at      time.Time
}

type tickMsg time.Time

// Monitor model: a live device table polled from the gateway
type model struct {
	lister   DeviceLister
	source   string
	interval time.Duration

	devices    []device.Device
	err        error
	lastUpdate time.Time
	cursor     int
	width      int
	height     int
	quitting   bool
	now        func() time.Time
}

func newModel(lister DeviceLister, source string, interval time.Duration) model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return model{
		lister:   lister,
		source:   source,
		interval: interval,
		now:      time.Now,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

func (m model) fetch() tea.Cmd {
	lister := m.lister
	timeout := m.interval
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		devices, err := lister.ListDevices(ctx)
		return devicesMsg{devices: devices, err: err, at: time.Now()}
	}
}

func (m model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())

	case devicesMsg:
		m.err = msg.err
		if msg.err == nil {
			m.devices = msg.devices
			m.lastUpdate = msg.at
			if m.cursor >= len(m.devices) {
				m.cursor = len(m.devices) - 1
			}
			if m.cursor < 0 {
				m.cursor = 0
			}
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.devices)-1 {
				m.cursor++
			}
		case "r":
			return m, m.fetch()
		}
	}

	return m, nil
}

func (m model) View() string {
	if m.quitting {
		return successStyle.Render("Bye!") + "\n"
	}

	var b strings.Builder
	now := m.now()

	b.WriteString(titleStyle.Render("Hubgate Monitor"))
	b.WriteString(" ")
	b.WriteString(helpStyle.Render(m.source))
	b.WriteString("\n\n")

	online := 0
	for _, dev := range m.devices {
		if dev.Online {
			online++
		}
	}
	b.WriteString(subtitleStyle.Render(fmt.Sprintf("%d devices, %d online", len(m.devices), online)))
	if !m.lastUpdate.IsZero() {
		b.WriteString(helpStyle.Render("  updated " + formatAgo(now, m.lastUpdate)))
	}
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render(m.row("ID", "NAME", "POSITION", "TYPE", "STATUS", "LAST SEEN")))
	b.WriteString("\n")

	if len(m.devices) == 0 {
		b.WriteString(helpStyle.Render("No devices registered"))
		b.WriteString("\n")
	}
	for i, dev := range m.devices {
		status := "○ offline"
		if dev.Online {
			status = "● online"
		}
		line := m.row(dev.ID.String(), dev.Name, dev.Position, dev.Type, status, formatAgo(now, dev.LastSeen))
		if i == m.cursor {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if m.cursor < len(m.devices) {
		dev := m.devices[m.cursor]
		detail := fmt.Sprintf("%s (%s)\nunique id:  %s\nvendor:     %s %s/%s\noperations: %s\nstate:      %s",
			dev.Name, dev.ID, dev.UniqueID, dev.Vendor, dev.HWVersion, dev.SWVersion,
			strings.Join(dev.Operations, ", "), formatState(dev.State))
		b.WriteString("\n")
		b.WriteString(panelStyle.Render(detail))
		b.WriteString("\n")
	}

	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("Error: " + m.err.Error()))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("↑/↓ select • r refresh • q quit"))
	b.WriteString("\n")
	return b.String()
}

func (m model) row(id, name, position, kind, status, seen string) string {
	nameWidth := 20
	if m.width > 0 {
		nameWidth = min(40, 20+(m.width-80)/2)
		if nameWidth < 12 {
			nameWidth = 12
		}
	}
	return pad(id, 6) + " " + pad(name, nameWidth) + " " + pad(position, 14) + " " +
		pad(kind, 12) + " " + pad(status, 10) + " " + pad(seen, 10)
}

// StartMonitor runs the monitor until the user quits
func StartMonitor(lister DeviceLister, source string, interval time.Duration) error {
	p := tea.NewProgram(
		newModel(lister, source, interval),
		tea.WithAltScreen(),
	)

	// Ensure proper cleanup on panic or interrupt
	defer func() {
		if r := recover(); r != nil {
			p.Kill()
		}
	}()

	_, err := p.Run()
	return err
}
