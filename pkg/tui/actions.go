package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/modelctl/modelctl/pkg/control"
	"github.com/modelctl/modelctl/pkg/events"
	"github.com/modelctl/modelctl/pkg/launcher"
	"github.com/modelctl/modelctl/pkg/registry"
)

// Lifecycle is the start/stop surface the action handler drives.
type Lifecycle interface {
	Start(ctx context.Context, m *registry.Model, opts control.StartOptions) (*launcher.Result, error)
	Stop(ctx context.Context, m *registry.Model) error
}

// RegisterActionHandler executes start/stop requests issued from the
// dashboard. Launches can take tens of seconds, so each request runs in its
// own goroutine; completion lands on the event feed.
func RegisterActionHandler(ctx context.Context, bus *events.Bus, catalog *registry.File, ctrl Lifecycle) {
	bus.AddHandler("modelctl-ui-actions", events.TopicUIActions, func(msg *message.Message) error {
		defer msg.Ack()

		var env events.Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			return errors.Wrap(err, "unmarshal action envelope")
		}
		if env.Type != events.UITypeActionRequest {
			return nil
		}
		var req ActionRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return errors.Wrap(err, "unmarshal action request")
		}

		m := catalog.Find(req.Model)
		if m == nil {
			publishEvent(bus, "error", fmt.Sprintf("unknown model %q", req.Model))
			return nil
		}

		go runAction(ctx, bus, ctrl, m, req.Action)
		return nil
	})
}

func runAction(ctx context.Context, bus *events.Bus, ctrl Lifecycle, m *registry.Model, action string) {
	switch action {
	case events.ActionStart:
		publishEvent(bus, "info", fmt.Sprintf("starting %s on port %d", m.ID, m.Port))
		res, err := ctrl.Start(ctx, m, control.StartOptions{})
		if err != nil {
			publishEvent(bus, "error", fmt.Sprintf("start %s: %v", m.ID, err))
			return
		}
		publishEvent(bus, "info", fmt.Sprintf("%s: %s", m.ID, res.Outcome))
	case events.ActionStop:
		publishEvent(bus, "info", "stopping "+m.ID)
		if err := ctrl.Stop(ctx, m); err != nil {
			publishEvent(bus, "error", fmt.Sprintf("stop %s: %v", m.ID, err))
			return
		}
		publishEvent(bus, "info", m.ID+": stopped")
	default:
		publishEvent(bus, "error", "unknown action "+action)
	}
}

func publishEvent(bus *events.Bus, level, msg string) {
	err := bus.Publish(events.TopicModelEvents, events.DomainTypeLaunchFinished, EventLogEntry{
		At:      time.Now(),
		Level:   level,
		Message: msg,
	})
	if err != nil {
		log.Warn().Err(err).Msg("publish action event")
	}
}

// RequestAction publishes a start/stop request on the actions topic, used by
// the dashboard's key handlers.
func RequestAction(bus *events.Bus, action, model string) error {
	return bus.Publish(events.TopicUIActions, events.UITypeActionRequest, ActionRequest{
		Action: action,
		Model:  model,
	})
}
