// Package sysinfo reports GPU and host memory for the dashboard. GPU figures
// come from nvidia-smi's CSV query output; host figures from the kernel via
// gopsutil.
package sysinfo

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/errgroup"
)

// GPUMemory is the card-level memory summary, in MiB.
type GPUMemory struct {
	TotalMB int `json:"total_mb"`
	UsedMB  int `json:"used_mb"`
	FreeMB  int `json:"free_mb"`
}

// GPUProcess is one compute process holding GPU memory.
type GPUProcess struct {
	PID      string `json:"pid"`
	Name     string `json:"name"`
	MemoryMB int    `json:"memory_mb"`
}

// HostMemory is the host RAM summary, in MiB.
type HostMemory struct {
	TotalMB int `json:"total_mb"`
	UsedMB  int `json:"used_mb"`
	FreeMB  int `json:"free_mb"`
}

// Snapshot combines GPU and host memory for one report.
type Snapshot struct {
	GPU       GPUMemory    `json:"gpu"`
	Processes []GPUProcess `json:"processes"`
	Host      HostMemory   `json:"host"`
}

// runner executes nvidia-smi; swapped out in tests.
type runner func(ctx context.Context, args ...string) (string, error)

func nvidiaSMI(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "nvidia-smi", args...).Output()
	if err != nil {
		return "", errors.Wrap(err, "nvidia-smi")
	}
	return string(out), nil
}

// Collector gathers memory snapshots.
type Collector struct {
	run runner
}

func NewCollector() *Collector {
	return &Collector{run: nvidiaSMI}
}

// Collect runs the two nvidia-smi queries concurrently and folds in host
// memory. A missing nvidia-smi leaves the GPU section zeroed rather than
// failing the whole snapshot.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out, err := c.run(gctx,
			"--query-gpu=memory.total,memory.used,memory.free",
			"--format=csv,noheader,nounits")
		if err != nil {
			return nil
		}
		snap.GPU = parseGPUMemory(out)
		return nil
	})
	g.Go(func() error {
		out, err := c.run(gctx,
			"--query-compute-apps=pid,name,used_memory",
			"--format=csv,noheader,nounits")
		if err != nil {
			return nil
		}
		snap.Processes = parseGPUProcesses(out)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "host memory")
	}
	snap.Host = HostMemory{
		TotalMB: int(vm.Total / (1024 * 1024)),
		UsedMB:  int(vm.Used / (1024 * 1024)),
		FreeMB:  int(vm.Available / (1024 * 1024)),
	}
	return snap, nil
}

func parseGPUMemory(out string) GPUMemory {
	// first GPU only; the appliance has one card
	line := strings.TrimSpace(out)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	parts := strings.Split(line, ",")
	if len(parts) < 3 {
		return GPUMemory{}
	}
	return GPUMemory{
		TotalMB: atoiSafe(parts[0]),
		UsedMB:  atoiSafe(parts[1]),
		FreeMB:  atoiSafe(parts[2]),
	}
}

func parseGPUProcesses(out string) []GPUProcess {
	var procs []GPUProcess
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.Split(line, ",")
		if len(parts) < 3 {
			continue
		}
		procs = append(procs, GPUProcess{
			PID:      strings.TrimSpace(parts[0]),
			Name:     strings.TrimSpace(parts[1]),
			MemoryMB: atoiSafe(parts[2]),
		})
	}
	return procs
}

// atoiSafe tolerates the "N/A" and "[Insufficient Permissions]" values
// nvidia-smi emits in place of numbers.
func atoiSafe(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
