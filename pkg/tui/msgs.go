// Package tui renders the terminal dashboard: a live table of catalog models
// with start/stop actions, fed by snapshots over the in-memory event bus.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/modelctl/modelctl/pkg/status"
	"github.com/modelctl/modelctl/pkg/sysinfo"
)

// StatusSnapshot is the periodic per-model state published by the watcher.
type StatusSnapshot struct {
	At     time.Time            `json:"at"`
	Models []status.ModelStatus `json:"models"`
}

// MemorySnapshot is the periodic GPU/host memory report.
type MemorySnapshot struct {
	At     time.Time        `json:"at"`
	Memory sysinfo.Snapshot `json:"memory"`
}

// EventLogEntry is one line of the dashboard's activity feed.
type EventLogEntry struct {
	At      time.Time `json:"at"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// ActionRequest is an operator command issued from the dashboard.
type ActionRequest struct {
	Action string `json:"action"`
	Model  string `json:"model"`
}

// Bubbletea messages delivered by the bus forwarder.
type (
	StatusSnapshotMsg struct{ Snapshot StatusSnapshot }
	MemorySnapshotMsg struct{ Snapshot MemorySnapshot }
	EventAppendMsg    struct{ Entry EventLogEntry }
)

var _ tea.Msg = StatusSnapshotMsg{}
