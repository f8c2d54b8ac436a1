package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	return New(Config{
		Root:              filepath.Join(t.TempDir(), "running"),
		DependencyName:    "discord.js",
		DependencyVersion: "^14.14.1",
		HeartbeatURL:      "http://127.0.0.1:8080/api/bot-heartbeat",
		HeartbeatInterval: 25 * time.Second,
	})
}

func TestMaterializeLayout(t *testing.T) {
	w := newTestWorkspace(t)

	dir, err := w.Materialize(7, "client.login(process.env.DISCORD_TOKEN);", "tok-ABC")
	require.NoError(t, err)
	assert.Equal(t, w.Dir(7), dir)
	assert.Equal(t, "7", filepath.Base(dir))

	raw, err := os.ReadFile(filepath.Join(dir, "package.json"))
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "bot-7", m["name"])
	assert.Equal(t, true, m["private"])
	assert.Equal(t, map[string]any{"discord.js": "^14.14.1"}, m["dependencies"])

	entry, err := os.ReadFile(filepath.Join(dir, "index.js"))
	require.NoError(t, err)
	src := string(entry)
	assert.Contains(t, src, `"http://127.0.0.1:8080/api/bot-heartbeat"`)
	assert.Contains(t, src, "id: 7, status: 'online'")
	assert.Contains(t, src, "}, 25000);")
	assert.True(t, strings.HasSuffix(src, `client.login("tok-ABC");`))
}

func TestSecretAppearsOnlyOnceAndOnlyInEntry(t *testing.T) {
	w := newTestWorkspace(t)

	code := "a(process.env.DISCORD_TOKEN); b(process.env.DISCORD_TOKEN);"
	dir, err := w.Materialize(3, code, "tok-ABC")
	require.NoError(t, err)

	entry, err := os.ReadFile(filepath.Join(dir, "index.js"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(entry), "tok-ABC"))
	assert.Contains(t, string(entry), `b(process.env.DISCORD_TOKEN);`, "only the first placeholder is replaced")

	manifest, err := os.ReadFile(filepath.Join(dir, "package.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(manifest), "tok-ABC")
}

func TestSecretIsQuotedAsLiteral(t *testing.T) {
	assert.Equal(t, `login("a\"b")`, InjectSecret("login(process.env.DISCORD_TOKEN)", `"a\"b"`))

	w := newTestWorkspace(t)
	dir, err := w.Materialize(1, "login(process.env.DISCORD_TOKEN)", `we"ird\tok`)
	require.NoError(t, err)
	entry, err := os.ReadFile(filepath.Join(dir, "index.js"))
	require.NoError(t, err)
	assert.Contains(t, string(entry), `login("we\"ird\\tok")`)
}

func TestMaterializeDefaultsCode(t *testing.T) {
	w := newTestWorkspace(t)

	dir, err := w.Materialize(2, "   ", "tok")
	require.NoError(t, err)
	entry, err := os.ReadFile(filepath.Join(dir, "index.js"))
	require.NoError(t, err)
	assert.Contains(t, string(entry), `client.login("tok");`)
}

func TestMaterializeRequiresSecret(t *testing.T) {
	w := newTestWorkspace(t)

	_, err := w.Materialize(2, "x()", "")
	require.ErrorIs(t, err, ErrMissingSecret)
	assert.NoDirExists(t, w.Dir(2))
}

func TestMaterializeReplacesStaleFiles(t *testing.T) {
	w := newTestWorkspace(t)

	dir, err := w.Materialize(5, "x()", "tok")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "leftover"), []byte("x"), 0o600))

	_, err = w.Materialize(5, "y()", "tok")
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "leftover"))
}

func TestRemove(t *testing.T) {
	w := newTestWorkspace(t)

	_, err := w.Materialize(9, "x()", "tok")
	require.NoError(t, err)
	require.NoError(t, w.Remove(9))
	assert.NoDirExists(t, w.Dir(9))
	require.NoError(t, w.Remove(9))
}
