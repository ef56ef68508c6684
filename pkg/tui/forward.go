package tui

import (
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"

	"github.com/modelctl/modelctl/pkg/events"
)

// RegisterUIForwarder delivers UI-topic envelopes into the running bubbletea
// program.
func RegisterUIForwarder(bus *events.Bus, p *tea.Program) {
	bus.AddHandler("modelctl-ui-forward", events.TopicUIMessages, func(msg *message.Message) error {
		defer msg.Ack()

		var env events.Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			return errors.Wrap(err, "unmarshal ui envelope")
		}

		switch env.Type {
		case events.UITypeStatusSnapshot:
			var snap StatusSnapshot
			if err := json.Unmarshal(env.Payload, &snap); err != nil {
				return errors.Wrap(err, "unmarshal status payload")
			}
			p.Send(StatusSnapshotMsg{Snapshot: snap})
		case events.UITypeMemorySnapshot:
			var snap MemorySnapshot
			if err := json.Unmarshal(env.Payload, &snap); err != nil {
				return errors.Wrap(err, "unmarshal memory payload")
			}
			p.Send(MemorySnapshotMsg{Snapshot: snap})
		case events.UITypeEventAppend:
			var entry EventLogEntry
			if err := json.Unmarshal(env.Payload, &entry); err != nil {
				return errors.Wrap(err, "unmarshal event payload")
			}
			p.Send(EventAppendMsg{Entry: entry})
		}
		return nil
	})
}
