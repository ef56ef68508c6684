// Package status computes the running/stopped state of every model in the
// catalog. Container states come from one batched runtime query instead of
// one inspect per model; host-engine models are checked by port. Snapshots
// are cached briefly because the dashboard polls faster than the runtime
// answers.
package status

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/modelctl/modelctl/pkg/registry"
	"github.com/modelctl/modelctl/pkg/runtime"
)

const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// ModelStatus is one model's row in a snapshot.
type ModelStatus struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Engine        string `json:"engine"`
	Port          int    `json:"port"`
	Status        string `json:"status"`
	ContainerName string `json:"container_name,omitempty"`
}

const defaultTTL = 3 * time.Second

// Collector produces snapshots for a catalog.
type Collector struct {
	Catalog *registry.File
	Runtime runtime.Runtime
	// TTL bounds how stale a served snapshot may be (default 3s).
	TTL time.Duration

	mu        sync.Mutex
	cached    []ModelStatus
	fetchedAt time.Time
}

// Snapshot returns the current per-model statuses, serving a cached result
// when it is fresh enough. Concurrent callers share one refresh.
func (c *Collector) Snapshot(ctx context.Context) ([]ModelStatus, error) {
	ttl := c.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached != nil && time.Since(c.fetchedAt) < ttl {
		return append([]ModelStatus{}, c.cached...), nil
	}

	fresh, err := c.refresh(ctx)
	if err != nil {
		return nil, err
	}
	c.cached = fresh
	c.fetchedAt = time.Now()
	return append([]ModelStatus{}, fresh...), nil
}

// Invalidate drops the cache so the next snapshot reflects a launch or stop
// that just happened.
func (c *Collector) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

func (c *Collector) refresh(ctx context.Context) ([]ModelStatus, error) {
	running := map[string]bool{}
	needContainers := false
	for i := range c.Catalog.Models {
		if c.Catalog.Models[i].IsContainer() {
			needContainers = true
			break
		}
	}
	if needContainers {
		containers, err := c.Runtime.List(ctx, true)
		if err != nil {
			return nil, errors.Wrap(err, "list containers")
		}
		for _, info := range containers {
			running[info.Name] = info.Running
		}
	}

	out := make([]ModelStatus, 0, len(c.Catalog.Models))
	for i := range c.Catalog.Models {
		m := &c.Catalog.Models[i]
		ms := ModelStatus{
			ID:     m.ID,
			Name:   m.DisplayName(),
			Engine: m.Engine,
			Port:   m.Port,
			Status: StatusStopped,
		}
		if m.IsContainer() {
			ms.ContainerName = m.ResolvedContainerName()
			if running[ms.ContainerName] {
				ms.Status = StatusRunning
			}
		} else if portBound(ctx, m.Port) {
			ms.Status = StatusRunning
		}
		out = append(out, ms)
	}
	return out, nil
}

func portBound(ctx context.Context, port int) bool {
	d := net.Dialer{Timeout: 300 * time.Millisecond}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
