package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoadSeedFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "echo.js"), "console.log('hi')\n")
	writeFile(t, filepath.Join(dir, "bots.yaml"), `
bots:
  - id: 1
    code_file: echo.js
    secret_env: BOT_ONE_TOKEN
    autostart: true
  - id: 2
    name: inline
    code: "client.login(process.env.DISCORD_TOKEN)"
    secret: tok-2
`)
	t.Setenv("BOT_ONE_TOKEN", "tok-1")

	seeds, err := LoadSeedFile(filepath.Join(dir, "bots.yaml"))
	require.NoError(t, err)
	require.Len(t, seeds.Bots, 2)

	first := seeds.Bots[0]
	assert.Equal(t, "bot-1", first.Name)
	assert.Equal(t, "console.log('hi')\n", first.Code)
	assert.Equal(t, "tok-1", first.Secret)
	assert.True(t, first.AutoStart)

	second := seeds.Bots[1]
	assert.Equal(t, "inline", second.Name)
	assert.Equal(t, "tok-2", second.Secret)
	assert.False(t, second.AutoStart)
}

func TestLoadSeedFileRejectsBadIDs(t *testing.T) {
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "zero.yaml"), "bots:\n  - id: 0\n")
	_, err := LoadSeedFile(filepath.Join(dir, "zero.yaml"))
	assert.Error(t, err)

	writeFile(t, filepath.Join(dir, "dup.yaml"), "bots:\n  - id: 4\n  - id: 4\n")
	_, err = LoadSeedFile(filepath.Join(dir, "dup.yaml"))
	assert.Error(t, err)
}

func TestLoadSeedFileMissingCode(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "bots.yaml"), "bots:\n  - id: 1\n    code_file: missing.js\n")
	_, err := LoadSeedFile(filepath.Join(dir, "bots.yaml"))
	assert.Error(t, err)
}
