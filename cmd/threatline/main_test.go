package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threatline/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	// PersistentPreRun may export the config path; restore it afterwards.
	t.Setenv(config.EnvConfigPath, "")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "threatline dev (none)\n", out)
}

func TestRulesValidate_ShippedRules(t *testing.T) {
	out, err := execute(t, "rules", "validate", "../../configs/rules")
	require.NoError(t, err)
	assert.Contains(t, out, "brute_force")
	assert.Contains(t, out, "large_data_transfer")
	assert.Contains(t, out, "single event")
	assert.Contains(t, out, "5 rules OK")
}

func TestRulesValidate_InvalidRule(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- id: broken
  conditions:
    - field: type
      type: equals
      value: auth
  severity: extreme
`), 0o600))

	_, err := execute(t, "rules", "validate", path)
	assert.Error(t, err)
}

func TestRulesValidate_ConfiguredPaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.yaml"), []byte(`
- id: probe
  conditions:
    - field: action
      type: equals
      value: probe
  severity: low
`), 0o600))

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("rules:\n  paths: ["+dir+"]\n"), 0o600))

	out, err := execute(t, "--config", cfgPath, "rules", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "probe")
	assert.Contains(t, out, "1 rules OK")
}
