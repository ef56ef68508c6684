package toolspec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleManifest = `---
name: run_python
description: Execute Python code in a sandbox
version: 1.2.0
parameters:
  - name: code
    type: string
    required: true
    description: The Python source to run
  - name: timeout_profile
    type: string
    enum: [fast, slow]
    default: fast
sandbox:
  image: sandbox-executor:latest
  timeout: 10
  memory: 512m
  network: false
  read_only: true
---

# Run Python

Executes the provided code inside the sandbox container.
`

func TestParseManifest(t *testing.T) {
	def, err := Parse([]byte(sampleManifest), "tools/run_python/TOOL.md")
	require.NoError(t, err)

	assert.Equal(t, "run_python", def.Name)
	assert.Equal(t, "1.2.0", def.Version)
	assert.True(t, def.IsEnabled())
	require.Len(t, def.Parameters, 2)
	assert.True(t, def.Parameters[0].Required)
	assert.Equal(t, []string{"fast", "slow"}, def.Parameters[1].Enum)
	assert.Equal(t, 10, def.Sandbox.TimeoutSeconds)
	assert.Equal(t, "512m", def.Sandbox.Memory)
	assert.True(t, def.Sandbox.ReadOnly)
	assert.Contains(t, def.Instructions, "# Run Python")
}

func TestParseDefaultsWhenFrontmatterIsMinimal(t *testing.T) {
	def, err := Parse([]byte("---\nname: echo\ndescription: Echo\n---\nbody"), "TOOL.md")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", def.Version)
	assert.Equal(t, "sandbox-executor:latest", def.Sandbox.Image)
	assert.Equal(t, 30, def.Sandbox.TimeoutSeconds)
	assert.Equal(t, 50, def.Sandbox.CPUPercent)
}

func TestParseRejectsMissingFrontmatter(t *testing.T) {
	_, err := Parse([]byte("# just markdown\n"), "TOOL.md")
	require.Error(t, err)

	_, err = Parse([]byte("---\nname: x\n"), "TOOL.md")
	require.Error(t, err)

	_, err = Parse([]byte("---\ndescription: no name\n---\n"), "TOOL.md")
	require.Error(t, err)
}

func TestOpenAITool(t *testing.T) {
	def, err := Parse([]byte(sampleManifest), "TOOL.md")
	require.NoError(t, err)

	tool := def.OpenAITool()
	assert.Equal(t, "function", tool["type"])

	fn := tool["function"].(map[string]any)
	assert.Equal(t, "run_python", fn["name"])

	params := fn["parameters"].(map[string]any)
	assert.Equal(t, []string{"code"}, params["required"])
	props := params["properties"].(map[string]any)
	assert.Contains(t, props, "code")
	assert.Contains(t, props, "timeout_profile")
}

func writeTool(t *testing.T, root, name, content string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFilename), []byte(content), 0o644))
}

func TestLoaderDiscoversAndSkips(t *testing.T) {
	root := t.TempDir()
	writeTool(t, root, "run_python", sampleManifest)
	writeTool(t, root, "disabled", "---\nname: disabled\nenabled: false\n---\n")
	writeTool(t, root, "broken", "no frontmatter at all")
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("not a tool"), 0o644))

	l := &Loader{ToolsDir: root}

	paths, err := l.Discover()
	require.NoError(t, err)
	assert.Len(t, paths, 3)

	tools, err := l.LoadAll()
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Contains(t, tools, "run_python")
}

func TestLoaderMissingDir(t *testing.T) {
	l := &Loader{ToolsDir: filepath.Join(t.TempDir(), "absent")}
	tools, err := l.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, tools)
}
