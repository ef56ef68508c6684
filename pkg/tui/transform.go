package tui

import (
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/modelctl/modelctl/pkg/events"
)

// RegisterDomainTransform re-frames domain events as render-ready UI
// messages. Keeping the hop explicit means UI consumers never parse domain
// payloads directly.
func RegisterDomainTransform(bus *events.Bus) {
	bus.AddHandler("modelctl-domain-transform", events.TopicModelEvents, func(msg *message.Message) error {
		defer msg.Ack()

		var env events.Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			return errors.Wrap(err, "unmarshal domain envelope")
		}

		out, ok := transformEnvelope(env)
		if !ok {
			return nil
		}
		raw, err := out.MarshalJSONBytes()
		if err != nil {
			return err
		}
		return bus.Publisher.Publish(events.TopicUIMessages, message.NewMessage(uuid.NewString(), raw))
	})
}

func transformEnvelope(env events.Envelope) (events.Envelope, bool) {
	switch env.Type {
	case events.DomainTypeStatusSnapshot:
		return events.Envelope{Type: events.UITypeStatusSnapshot, Payload: env.Payload}, true
	case events.DomainTypeMemorySnapshot:
		return events.Envelope{Type: events.UITypeMemorySnapshot, Payload: env.Payload}, true
	case events.DomainTypeLaunchStarted, events.DomainTypeLaunchFinished, events.DomainTypeStopFinished:
		return events.Envelope{Type: events.UITypeEventAppend, Payload: env.Payload}, true
	default:
		return events.Envelope{}, false
	}
}
