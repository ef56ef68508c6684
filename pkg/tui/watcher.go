package tui

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/modelctl/modelctl/pkg/events"
	"github.com/modelctl/modelctl/pkg/status"
	"github.com/modelctl/modelctl/pkg/sysinfo"
)

// StatusWatcher polls the status collector and publishes snapshots on the
// domain topic. Memory snapshots run on a slower cadence since nvidia-smi is
// comparatively expensive.
type StatusWatcher struct {
	Collector *status.Collector
	Sys       *sysinfo.Collector
	Bus       *events.Bus

	Interval       time.Duration
	MemoryInterval time.Duration
}

func (w *StatusWatcher) Run(ctx context.Context) error {
	if w.Collector == nil || w.Bus == nil {
		return errors.New("watcher missing collector or bus")
	}
	if w.Interval <= 0 {
		w.Interval = time.Second
	}
	if w.MemoryInterval <= 0 {
		w.MemoryInterval = 5 * time.Second
	}

	statusTicker := time.NewTicker(w.Interval)
	defer statusTicker.Stop()
	memTicker := time.NewTicker(w.MemoryInterval)
	defer memTicker.Stop()

	w.emitStatus(ctx)
	w.emitMemory(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-statusTicker.C:
			w.emitStatus(ctx)
		case <-memTicker.C:
			w.emitMemory(ctx)
		}
	}
}

func (w *StatusWatcher) emitStatus(ctx context.Context) {
	snap, err := w.Collector.Snapshot(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("status snapshot failed")
		return
	}
	err = w.Bus.Publish(events.TopicModelEvents, events.DomainTypeStatusSnapshot, StatusSnapshot{
		At:     time.Now(),
		Models: snap,
	})
	if err != nil {
		log.Warn().Err(err).Msg("publish status snapshot")
	}
}

func (w *StatusWatcher) emitMemory(ctx context.Context) {
	if w.Sys == nil {
		return
	}
	snap, err := w.Sys.Collect(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("memory snapshot failed")
		return
	}
	err = w.Bus.Publish(events.TopicModelEvents, events.DomainTypeMemorySnapshot, MemorySnapshot{
		At:     time.Now(),
		Memory: *snap,
	})
	if err != nil {
		log.Warn().Err(err).Msg("publish memory snapshot")
	}
}
