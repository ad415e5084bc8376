// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "webgrid.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileValidates(t *testing.T) {
	dir := t.TempDir()

	path := writeConfig(t, dir, `
logLevel: debug
images:
  - image: img-chrome
    browser: chrome::99.0
`)
	f, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", f.LogLevel)
	require.Len(t, f.Images, 1)
	assert.Equal(t, "img-chrome", f.Images[0].Name)

	bad := writeConfig(t, dir, `
images:
  - image: img-chrome
    browser: chrome-99
`)
	_, err = LoadFile(bad)
	require.Error(t, err)

	unknown := writeConfig(t, dir, "bogusField: true\n")
	_, err = LoadFile(unknown)
	require.Error(t, err)
}

func TestHolderReloadKeepsOldOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "logLevel: info\n")

	initial, err := LoadFile(path)
	require.NoError(t, err)

	h := NewHolder(initial, path)
	assert.Equal(t, "info", h.Get().LogLevel)

	require.NoError(t, os.WriteFile(path, []byte(":::not yaml"), 0o600))
	require.Error(t, h.Reload(t.Context()))
	assert.Equal(t, "info", h.Get().LogLevel, "failed reload must keep previous config")

	require.NoError(t, os.WriteFile(path, []byte("logLevel: warn\n"), 0o600))
	require.NoError(t, h.Reload(t.Context()))
	assert.Equal(t, "warn", h.Get().LogLevel)
}

func TestHolderNotifiesListeners(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "logLevel: info\n")

	initial, err := LoadFile(path)
	require.NoError(t, err)

	h := NewHolder(initial, path)
	ch := make(chan File, 1)
	h.RegisterListener(ch)

	require.NoError(t, os.WriteFile(path, []byte("logLevel: debug\n"), 0o600))
	require.NoError(t, h.Reload(t.Context()))

	select {
	case next := <-ch:
		assert.Equal(t, "debug", next.LogLevel)
	default:
		t.Fatal("listener did not receive reloaded config")
	}
}
