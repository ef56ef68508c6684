package registry

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"github.com/modelctl/modelctl/pkg/runtime"
)

// Container-internal listen ports for the supported engines. The catalog's
// port is the host side of the mapping.
const (
	vllmContainerPort   = 8000
	ollamaContainerPort = 11434
)

// vLLM serve defaults, applied when the catalog leaves a setting zero.
const (
	defaultMaxModelLen   = 32768
	defaultMaxNumSeqs    = 8
	defaultGPUMemoryUtil = 0.3
	defaultDtype         = "auto"
	defaultToolParser    = "hermes"
)

// ResolvedContainerName returns the container name for this model, defaulting
// to modelctl-<id>.
func (m *Model) ResolvedContainerName() string {
	if m.ContainerName != "" {
		return m.ContainerName
	}
	return runtime.ContainerName(m.ID)
}

// RunSpec translates a container-engine model into the runtime's create
// parameters. home is the host home directory used for cache mounts.
func (m *Model) RunSpec(home string) (runtime.RunSpec, error) {
	switch m.Engine {
	case EngineVLLM:
		return m.vllmRunSpec(home), nil
	case EngineOllama:
		return m.ollamaRunSpec(home), nil
	default:
		return runtime.RunSpec{}, errors.Errorf("engine %q does not run in a container", m.Engine)
	}
}

func (m *Model) vllmRunSpec(home string) runtime.RunSpec {
	return runtime.RunSpec{
		Image: m.Image,
		Name:  m.ResolvedContainerName(),
		Cmd:   m.vllmServeArgs(),
		Env:   m.Env,
		Ports: []runtime.PortMapping{{HostPort: m.Port, ContainerPort: vllmContainerPort}},
		Volumes: []runtime.VolumeMount{{
			Source: filepath.Join(home, ".cache", "huggingface"),
			Target: "/root/.cache/huggingface",
		}},
		Labels: m.labels(),
		Ulimits: []runtime.Ulimit{
			{Name: "memlock", Soft: -1, Hard: -1},
			{Name: "stack", Soft: 67108864, Hard: 67108864},
		},
		GPUs:                 true,
		IPCHost:              true,
		RestartUnlessStopped: true,
	}
}

func (m *Model) vllmServeArgs() []string {
	s := m.Settings
	maxLen := s.MaxModelLen
	if maxLen == 0 {
		maxLen = defaultMaxModelLen
	}
	maxSeqs := s.MaxNumSeqs
	if maxSeqs == 0 {
		maxSeqs = defaultMaxNumSeqs
	}
	gpuUtil := s.GPUMemoryUtilization
	if gpuUtil == 0 {
		gpuUtil = defaultGPUMemoryUtil
	}
	dtype := s.Dtype
	if dtype == "" {
		dtype = defaultDtype
	}

	args := []string{
		"vllm", "serve", m.ModelRef,
		"--max-model-len", strconv.Itoa(maxLen),
		"--max-num-seqs", strconv.Itoa(maxSeqs),
		"--gpu-memory-utilization", strconv.FormatFloat(gpuUtil, 'g', -1, 64),
		"--dtype", dtype,
	}
	if s.EnablePrefixCaching {
		args = append(args, "--enable-prefix-caching")
	}
	if s.EnableChunkedPrefill {
		args = append(args, "--enable-chunked-prefill")
	}
	if s.EnableAutoToolChoice {
		parser := s.ToolCallParser
		if parser == "" {
			parser = defaultToolParser
		}
		args = append(args, "--enable-auto-tool-choice", "--tool-call-parser", parser)
	}
	return args
}

func (m *Model) ollamaRunSpec(home string) runtime.RunSpec {
	return runtime.RunSpec{
		Image: m.Image,
		Name:  m.ResolvedContainerName(),
		Env:   m.Env,
		Ports: []runtime.PortMapping{{HostPort: m.Port, ContainerPort: ollamaContainerPort}},
		Volumes: []runtime.VolumeMount{{
			Source: filepath.Join(home, ".ollama"),
			Target: "/root/.ollama",
		}},
		Labels:               m.labels(),
		GPUs:                 true,
		RestartUnlessStopped: true,
	}
}

// PostStart returns commands to exec inside the container once it is up.
// Ollama needs the model pulled into its store before it can serve it.
func (m *Model) PostStart() [][]string {
	if m.Engine == EngineOllama && m.ModelRef != "" {
		return [][]string{{"ollama", "pull", m.ModelRef}}
	}
	return nil
}

// ScriptCommand returns the host command for the script engine. serve.sh and
// stop.sh live in the model's script dir and run from there.
func (m *Model) ScriptCommand(baseDir, script string) (cmd []string, cwd string) {
	dir := m.ScriptDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(baseDir, dir)
	}
	return []string{"bash", filepath.Join(dir, script)}, dir
}

func (m *Model) labels() map[string]string {
	return map[string]string{
		"modelctl.model":  m.ID,
		"modelctl.engine": m.Engine,
		"modelctl.port":   fmt.Sprintf("%d", m.Port),
	}
}
