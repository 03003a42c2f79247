package main

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = &out, &errOut
	t.Cleanup(func() { stdOut, stdErr = prevOut, prevErr })
	return &out, &errOut
}

func TestParseCLIFlags(t *testing.T) {
	captureOutput(t)
	t.Setenv(configEnv, "")

	opts, err := parseCLIFlags([]string{"-config", "/etc/pixelcache.yaml", "-check-config"})
	require.NoError(t, err)
	assert.Equal(t, "/etc/pixelcache.yaml", opts.configPath)
	assert.True(t, opts.checkOnly)
	assert.False(t, opts.showVersion)

	_, err = parseCLIFlags([]string{"extra"})
	assert.Error(t, err)

	_, err = parseCLIFlags([]string{"-h"})
	assert.ErrorIs(t, err, flag.ErrHelp)
}

func TestParseCLIFlags_EnvFallback(t *testing.T) {
	captureOutput(t)
	t.Setenv(configEnv, "/from/env.yaml")

	opts, err := parseCLIFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, "/from/env.yaml", opts.configPath)

	opts, err = parseCLIFlags([]string{"-config", "flag.yaml"})
	require.NoError(t, err)
	assert.Equal(t, "flag.yaml", opts.configPath)
}

func TestRun_Version(t *testing.T) {
	out, _ := captureOutput(t)

	assert.Equal(t, 0, run(cliOptions{showVersion: true}))
	assert.Contains(t, out.String(), "pixelcache")
}

func TestRun_CheckConfig(t *testing.T) {
	out, errOut := captureOutput(t)

	path := filepath.Join(t.TempDir(), "pixelcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  address: \":9090\"\n"), 0o644))

	assert.Equal(t, 0, run(cliOptions{configPath: path, checkOnly: true}))
	assert.Contains(t, out.String(), "configuration ok")
	assert.Empty(t, errOut.String())
}

func TestRun_BadConfig(t *testing.T) {
	_, errOut := captureOutput(t)

	path := filepath.Join(t.TempDir(), "pixelcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  persistent:\n    backend: tape\n"), 0o644))

	assert.Equal(t, 1, run(cliOptions{configPath: path, checkOnly: true}))
	assert.Contains(t, errOut.String(), "load config")

	assert.Equal(t, 1, run(cliOptions{configPath: filepath.Join(t.TempDir(), "missing.yaml"), checkOnly: true}))
}
