// Package toolspec loads declarative sandboxed-tool manifests. Each tool
// lives in its own directory as a TOOL.md file: YAML frontmatter holding the
// schema and sandbox limits, followed by free-form markdown instructions. The
// manifests are metadata for an external tool-calling host; nothing here
// executes them.
package toolspec

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const ManifestFilename = "TOOL.md"

// Parameter is one entry of a tool's parameter schema.
type Parameter struct {
	Name        string   `yaml:"name" json:"name"`
	Type        string   `yaml:"type" json:"type"`
	Required    bool     `yaml:"required,omitempty" json:"required"`
	Description string   `yaml:"description,omitempty" json:"description"`
	Default     any      `yaml:"default,omitempty" json:"default,omitempty"`
	Enum        []string `yaml:"enum,omitempty" json:"enum,omitempty"`
}

// Sandbox holds the resource limits the executing host must enforce.
type Sandbox struct {
	Image          string `yaml:"image" json:"image"`
	TimeoutSeconds int    `yaml:"timeout" json:"timeout"`
	Memory         string `yaml:"memory" json:"memory"`
	CPUPercent     int    `yaml:"cpu_percent" json:"cpu_percent"`
	Network        bool   `yaml:"network" json:"network"`
	ReadOnly       bool   `yaml:"read_only" json:"read_only"`
	MountWorkspace bool   `yaml:"mount_workspace" json:"mount_workspace"`
}

func defaultSandbox() Sandbox {
	return Sandbox{
		Image:          "sandbox-executor:latest",
		TimeoutSeconds: 30,
		Memory:         "256m",
		CPUPercent:     50,
		ReadOnly:       true,
	}
}

// Definition is one complete tool manifest.
type Definition struct {
	Name        string           `yaml:"name" json:"name"`
	Description string           `yaml:"description" json:"description"`
	Version     string           `yaml:"version" json:"version"`
	Enabled     *bool            `yaml:"enabled" json:"-"`
	Parameters  []Parameter      `yaml:"parameters" json:"parameters"`
	Sandbox     Sandbox          `yaml:"sandbox" json:"sandbox"`
	Examples    []map[string]any `yaml:"examples" json:"examples,omitempty"`

	// Instructions is the markdown body after the frontmatter.
	Instructions string `yaml:"-" json:"instructions,omitempty"`
	// Path is where the manifest was loaded from.
	Path string `yaml:"-" json:"path"`
}

// IsEnabled defaults to true when the manifest omits the flag.
func (d *Definition) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// OpenAITool renders the definition in the OpenAI function-calling shape.
func (d *Definition) OpenAITool() map[string]any {
	properties := map[string]any{}
	required := []string{}
	for _, p := range d.Parameters {
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        d.Name,
			"description": d.Description,
			"parameters": map[string]any{
				"type":       "object",
				"properties": properties,
				"required":   required,
			},
		},
	}
}

var frontmatterDelim = []byte("---\n")

// Parse splits a manifest into frontmatter and instructions and decodes the
// frontmatter.
func Parse(content []byte, path string) (*Definition, error) {
	if !bytes.HasPrefix(content, frontmatterDelim) {
		return nil, errors.Errorf("%s: no yaml frontmatter", path)
	}
	rest := content[len(frontmatterDelim):]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, errors.Errorf("%s: unterminated frontmatter", path)
	}
	frontmatter := rest[:end]
	body := rest[end+len("\n---"):]
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	}

	def := &Definition{Sandbox: defaultSandbox(), Version: "1.0.0"}
	if err := yaml.Unmarshal(frontmatter, def); err != nil {
		return nil, errors.Wrapf(err, "%s: parse frontmatter", path)
	}
	if def.Name == "" {
		return nil, errors.Errorf("%s: tool has no name", path)
	}
	def.Instructions = string(bytes.TrimSpace(body))
	def.Path = path
	return def, nil
}

// Loader discovers manifests under a tools directory, one subdirectory per
// tool.
type Loader struct {
	ToolsDir string
}

// Discover lists the manifest paths without parsing them. A missing tools
// directory yields an empty list.
func (l *Loader) Discover() ([]string, error) {
	entries, err := os.ReadDir(l.ToolsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read tools dir")
	}

	var paths []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p := filepath.Join(l.ToolsDir, e.Name(), ManifestFilename)
		if _, err := os.Stat(p); err == nil {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// LoadAll parses every discovered manifest, skipping disabled tools and
// logging manifests that fail to parse instead of aborting the load.
func (l *Loader) LoadAll() (map[string]*Definition, error) {
	paths, err := l.Discover()
	if err != nil {
		return nil, err
	}

	tools := map[string]*Definition{}
	for _, p := range paths {
		content, err := os.ReadFile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", p)
		}
		def, err := Parse(content, p)
		if err != nil {
			log.Warn().Err(err).Str("path", p).Msg("skipping unparseable tool manifest")
			continue
		}
		if !def.IsEnabled() {
			continue
		}
		tools[def.Name] = def
	}
	return tools, nil
}
