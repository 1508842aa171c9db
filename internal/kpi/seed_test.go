package kpi

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadSeedDir_RegistersDefinitions(t *testing.T) {
	dir := t.TempDir()
	doc := `
definitions:
  - domain: trust
    kpi: uptime
    semantic_type: ratio01
    direction: higher_is_better
  - domain: trust
    kpi: latency_ms
    semantic_type: duration_ms
    direction: lower_is_better
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "trust.yaml"), []byte(doc), 0o644))

	reg := NewRegistry()
	require.NoError(t, LoadSeedDir(dir, reg, nil))

	def, ok := reg.Lookup("trust", "uptime")
	require.True(t, ok)
	require.Equal(t, SemanticRatio01, def.SemanticType)
	require.Equal(t, HigherIsBetter, def.Direction)

	_, ok = reg.Lookup("trust", "latency_ms")
	require.True(t, ok)
}

func TestLoadSeedDir_IgnoresNonYAMLFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("not yaml"), 0o644))

	reg := NewRegistry()
	require.NoError(t, LoadSeedDir(dir, reg, nil))
	require.Empty(t, reg.Domains())
}

func TestLoadSeedDir_MissingDirIsNotAnError(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, LoadSeedDir(filepath.Join(t.TempDir(), "missing"), reg, nil))
}

func TestLoadSeedDir_EmptyDirArgIsNoop(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, LoadSeedDir("", reg, nil))
	require.Empty(t, reg.Domains())
}

func TestLoadSeedDir_MalformedYAMLReturnsError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("not: [valid"), 0o644))

	reg := NewRegistry()
	require.Error(t, LoadSeedDir(dir, reg, nil))
}
