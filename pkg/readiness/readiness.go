// Package readiness provides the predicates the launcher uses to decide
// whether a service is already active, and the bounded wait loop used after a
// detached launch.
package readiness

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Probe reports whether the service it identifies is currently active. The
// detection strategy (port probe, HTTP check, container query, process check)
// is whatever the constructor baked in.
type Probe func(ctx context.Context) (bool, error)

const dialTimeout = 500 * time.Millisecond

// PortBound probes whether a local TCP port accepts connections.
func PortBound(port int) Probe {
	address := fmt.Sprintf("127.0.0.1:%d", port)
	return func(ctx context.Context) (bool, error) {
		d := net.Dialer{Timeout: dialTimeout}
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return false, nil
		}
		_ = conn.Close()
		return true, nil
	}
}

// HTTPOK probes an HTTP endpoint; any response below 500 counts as active.
func HTTPOK(url string) Probe {
	return func(ctx context.Context) (bool, error) {
		client := &http.Client{Timeout: dialTimeout}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, errors.Wrap(err, "build readiness request")
		}
		resp, err := client.Do(req)
		if err != nil {
			return false, nil
		}
		_ = resp.Body.Close()
		return resp.StatusCode >= 200 && resp.StatusCode < 500, nil
	}
}

// ContainerLister is the subset of the container runtime the container probe
// needs.
type ContainerLister interface {
	IsRunning(ctx context.Context, name string) (bool, error)
}

// ContainerRunning probes the container runtime for a running container with
// the given name.
func ContainerRunning(lister ContainerLister, name string) Probe {
	return func(ctx context.Context) (bool, error) {
		running, err := lister.IsRunning(ctx, name)
		if err != nil {
			return false, errors.Wrapf(err, "query container %q", name)
		}
		return running, nil
	}
}

// Wait polls the probe until it reports active or ctx expires. The poll
// interval mirrors the launch settle cadence; the caller bounds the total wait
// through ctx.
func Wait(ctx context.Context, probe Probe, interval time.Duration) error {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		active, err := probe(ctx)
		if err != nil {
			return err
		}
		if active {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "readiness timeout")
		case <-t.C:
		}
	}
}
