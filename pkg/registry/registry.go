// Package registry loads the model catalog: which inference services exist,
// which engine runs each one, and the engine-specific launch parameters.
package registry

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const DefaultConfigFilename = "models.yaml"

// Engine names. Container engines run under the container runtime; the script
// and process engines run on the host and are tracked by port.
const (
	EngineVLLM    = "vllm"
	EngineOllama  = "ollama"
	EngineScript  = "script"
	EngineProcess = "process"
)

type File struct {
	Models []Model `yaml:"models"`
}

// Model is one entry in the catalog.
type Model struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name,omitempty"`
	Engine string `yaml:"engine"`
	Port   int    `yaml:"port"`

	// Container engines.
	Image         string `yaml:"image,omitempty"`
	ModelRef      string `yaml:"model,omitempty"`
	ContainerName string `yaml:"container_name,omitempty"`

	// Script engine: directory holding serve.sh / stop.sh, relative to the
	// catalog's base dir unless absolute.
	ScriptDir string `yaml:"script_dir,omitempty"`

	// Process engine: the command to supervise directly.
	Command []string `yaml:"command,omitempty"`
	Cwd     string   `yaml:"cwd,omitempty"`

	Env                 map[string]string `yaml:"env,omitempty"`
	RequiredCredentials []string          `yaml:"required_credentials,omitempty"`

	// HealthPath turns readiness from a raw port probe into an HTTP check
	// against http://127.0.0.1:<port><health_path>.
	HealthPath string `yaml:"health_path,omitempty"`

	// Build describes how to produce the image when it is absent.
	Build *Build `yaml:"build,omitempty"`

	// Venv describes a Python virtualenv to ensure before launching a host
	// engine. Ignored for container engines.
	Venv *Venv `yaml:"venv,omitempty"`

	Settings Settings `yaml:"settings,omitempty"`
}

// Build is an optional local image build context.
type Build struct {
	Context    string `yaml:"context"`
	Dockerfile string `yaml:"dockerfile,omitempty"`
}

// Venv is an optional Python virtualenv for script and process engines,
// created with its requirements installed when the directory is absent.
type Venv struct {
	Dir          string `yaml:"dir"`
	Requirements string `yaml:"requirements,omitempty"`
	Python       string `yaml:"python,omitempty"`
}

// Settings carries the vLLM tuning knobs. Zero values fall back to the
// defaults in effect below.
type Settings struct {
	MaxModelLen          int     `yaml:"max_model_len,omitempty"`
	MaxNumSeqs           int     `yaml:"max_num_seqs,omitempty"`
	GPUMemoryUtilization float64 `yaml:"gpu_memory_utilization,omitempty"`
	Dtype                string  `yaml:"dtype,omitempty"`
	EnablePrefixCaching  bool    `yaml:"enable_prefix_caching,omitempty"`
	EnableChunkedPrefill bool    `yaml:"enable_chunked_prefill,omitempty"`
	EnableAutoToolChoice bool    `yaml:"enable_auto_tool_choice,omitempty"`
	ToolCallParser       string  `yaml:"tool_call_parser,omitempty"`
}

func DefaultPath(baseDir string) string {
	return filepath.Join(baseDir, DefaultConfigFilename)
}

func LoadFromFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read model catalog")
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrap(err, "parse model catalog yaml")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func LoadOptional(path string) (*File, error) {
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, errors.Wrap(err, "stat model catalog")
	}
	return LoadFromFile(path)
}

// Validate rejects catalogs a launch could not act on: duplicate IDs,
// duplicate ports, unknown engines, or engines missing their parameters.
func (f *File) Validate() error {
	ids := map[string]bool{}
	ports := map[int]string{}
	for i := range f.Models {
		m := &f.Models[i]
		if m.ID == "" {
			return errors.Errorf("model #%d has no id", i)
		}
		if ids[m.ID] {
			return errors.Errorf("duplicate model id %q", m.ID)
		}
		ids[m.ID] = true

		if m.Port <= 0 || m.Port > 65535 {
			return errors.Errorf("model %q has invalid port %d", m.ID, m.Port)
		}
		if owner, taken := ports[m.Port]; taken {
			return errors.Errorf("models %q and %q share port %d", owner, m.ID, m.Port)
		}
		ports[m.Port] = m.ID

		if m.Venv != nil && m.Venv.Dir == "" {
			return errors.Errorf("model %q declares a venv without a dir", m.ID)
		}

		switch m.Engine {
		case EngineVLLM:
			if m.Image == "" || m.ModelRef == "" {
				return errors.Errorf("vllm model %q needs both image and model", m.ID)
			}
		case EngineOllama:
			if m.Image == "" {
				return errors.Errorf("ollama model %q needs an image", m.ID)
			}
		case EngineScript:
			if m.ScriptDir == "" {
				return errors.Errorf("script model %q needs script_dir", m.ID)
			}
		case EngineProcess:
			if len(m.Command) == 0 {
				return errors.Errorf("process model %q needs a command", m.ID)
			}
		default:
			return errors.Errorf("model %q has unknown engine %q", m.ID, m.Engine)
		}
	}
	return nil
}

// Find returns the model with the given ID, or nil.
func (f *File) Find(id string) *Model {
	for i := range f.Models {
		if f.Models[i].ID == id {
			return &f.Models[i]
		}
	}
	return nil
}

// DisplayName returns the human name, falling back to the ID.
func (m *Model) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}

// IsContainer reports whether the model runs under the container runtime.
func (m *Model) IsContainer() bool {
	return m.Engine == EngineVLLM || m.Engine == EngineOllama
}
