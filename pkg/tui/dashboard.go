package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/modelctl/modelctl/pkg/events"
	"github.com/modelctl/modelctl/pkg/status"
)

const maxEventLines = 50

// Dashboard is the root bubbletea model: a model table, a memory line, and
// an activity feed.
type Dashboard struct {
	bus   *events.Bus
	theme Theme

	table  table.Model
	models []status.ModelStatus
	memory *MemorySnapshot
	feed   []EventLogEntry

	width  int
	height int
	lastAt time.Time
}

func NewDashboard(bus *events.Bus) Dashboard {
	columns := []table.Column{
		{Title: "Model", Width: 24},
		{Title: "Engine", Width: 10},
		{Title: "Port", Width: 7},
		{Title: "Status", Width: 10},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.Bold(true)
	t.SetStyles(s)

	return Dashboard{
		bus:   bus,
		theme: DefaultTheme(),
		table: t,
	}
}

func (d Dashboard) Init() tea.Cmd { return nil }

func (d Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch v := msg.(type) {
	case tea.WindowSizeMsg:
		d.width, d.height = v.Width, v.Height
		h := v.Height - 12
		if h < 4 {
			h = 4
		}
		d.table.SetHeight(h)
		return d, nil

	case tea.KeyMsg:
		switch v.String() {
		case "q", "ctrl+c":
			return d, tea.Quit
		case "s", "enter":
			if id := d.selectedModel(); id != "" {
				_ = RequestAction(d.bus, events.ActionStart, id)
			}
			return d, nil
		case "x":
			if id := d.selectedModel(); id != "" {
				_ = RequestAction(d.bus, events.ActionStop, id)
			}
			return d, nil
		}

	case StatusSnapshotMsg:
		d.models = v.Snapshot.Models
		d.lastAt = v.Snapshot.At
		d.table.SetRows(d.rows())
		return d, nil

	case MemorySnapshotMsg:
		snap := v.Snapshot
		d.memory = &snap
		return d, nil

	case EventAppendMsg:
		d.feed = append(d.feed, v.Entry)
		if len(d.feed) > maxEventLines {
			d.feed = d.feed[len(d.feed)-maxEventLines:]
		}
		return d, nil
	}

	var cmd tea.Cmd
	d.table, cmd = d.table.Update(msg)
	return d, cmd
}

func (d Dashboard) View() string {
	var b strings.Builder

	title := d.theme.Title.Render("modelctl")
	if !d.lastAt.IsZero() {
		title += " " + d.theme.Keybind.Render("updated "+d.lastAt.Format("15:04:05"))
	}
	b.WriteString(title + "\n\n")
	b.WriteString(d.table.View() + "\n")
	b.WriteString(d.memoryLine() + "\n")

	for _, e := range d.tailFeed(5) {
		style := d.theme.EventInfo
		if e.Level == "error" {
			style = d.theme.EventError
		}
		b.WriteString(style.Render(e.At.Format("15:04:05")+" "+e.Message) + "\n")
	}

	b.WriteString("\n" + d.keybinds())
	return b.String()
}

func (d Dashboard) rows() []table.Row {
	rows := make([]table.Row, 0, len(d.models))
	for _, m := range d.models {
		st := m.Status
		if st == status.StatusRunning {
			st = d.theme.StatusRunning.Render(st)
		} else {
			st = d.theme.StatusStopped.Render(st)
		}
		rows = append(rows, table.Row{m.ID, m.Engine, strconv.Itoa(m.Port), st})
	}
	return rows
}

func (d Dashboard) selectedModel() string {
	row := d.table.SelectedRow()
	if len(row) == 0 {
		return ""
	}
	return row[0]
}

func (d Dashboard) memoryLine() string {
	if d.memory == nil {
		return d.theme.Keybind.Render("gpu: n/a")
	}
	gpu := d.memory.Memory.GPU
	host := d.memory.Memory.Host
	return d.theme.Keybind.Render(fmt.Sprintf(
		"gpu %d/%d MiB   host %d/%d MiB",
		gpu.UsedMB, gpu.TotalMB, host.UsedMB, host.TotalMB,
	))
}

func (d Dashboard) tailFeed(n int) []EventLogEntry {
	if len(d.feed) <= n {
		return d.feed
	}
	return d.feed[len(d.feed)-n:]
}

func (d Dashboard) keybinds() string {
	pairs := [][2]string{
		{"↑/↓", "select"},
		{"s", "start"},
		{"x", "stop"},
		{"q", "quit"},
	}
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, d.theme.KeybindKey.Render(p[0])+" "+d.theme.Keybind.Render(p[1]))
	}
	return strings.Join(parts, "   ")
}
