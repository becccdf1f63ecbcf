package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func resetFlags(t *testing.T) {
	t.Cleanup(func() {
		configFile, modeFlag, backendFlag, debug = "", "", "", false
	})
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	resetFlags(t)
	dir := t.TempDir()
	configFile = writeFile(t, dir, "cumulus.yaml", `
cumulus:
  mode: serverless
  bucket: jobs
serverless:
  backend: gateway
  endpoint: http://localhost:9000
log:
  level: info
`)
	backendFlag = "knative"
	debug = true

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "jobs", cfg.Cumulus.Bucket)
	assert.Equal(t, "knative", cfg.Serverless.Backend)
	assert.Equal(t, "debug", cfg.Log.Level)

	modeFlag = "mainframe"
	_, err = loadConfig()
	assert.Error(t, err)
}

func TestFindSpec(t *testing.T) {
	dir := t.TempDir()
	multi := writeFile(t, dir, "runtimes.yaml", `
name: team/small:1
build:
  base: golang:1.24
---
name: team/big:1
memory: 2048
build:
  base: golang:1.24
  context: ./ctx
`)
	rs, err := findSpec(multi, "team/big:1")
	require.NoError(t, err)
	assert.Equal(t, 2048, rs.Memory)
	assert.Equal(t, filepath.Join(dir, "ctx"), rs.Build.ContextDir)

	_, err = findSpec(multi, "team/other:1")
	assert.ErrorContains(t, err, "no runtime named")

	single := writeFile(t, dir, "one.yaml", "build:\n  base: golang:1.24\n")
	rs, err = findSpec(single, "team/anon:1")
	require.NoError(t, err)
	assert.Equal(t, "team/anon:1", rs.Name)
}
