package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSite(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := t.TempDir()
	for name, data := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	}
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.Execute()
	return out.String(), err
}

var testSite = map[string]string{
	"templates/base.html": `<nav>menu</nav>`,
	"content/a.html":      "---\ntitle: A\n---\n<quire-include src=\"base.html\"></quire-include>\n<p>a</p>",
	"content/b.html":      "---\ntitle: B\n---\n<p>b</p>",
}

func TestBuildCommandWritesPages(t *testing.T) {
	dir := writeSite(t, testSite)

	out, err := execute(t, "build", "--root", dir, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "Built 2 pages into public")

	data, err := os.ReadFile(filepath.Join(dir, "public", "a", "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "menu")
	assert.FileExists(t, filepath.Join(dir, "public", "b", "index.html"))
	assert.FileExists(t, filepath.Join(dir, ".quire", "state.db"))
}

func TestBuildCommandFailsOnBrokenPage(t *testing.T) {
	files := map[string]string{
		"content/c.html": "<quire-include src=\"missing.html\"></quire-include>",
	}
	for k, v := range testSite {
		files[k] = v
	}
	dir := writeSite(t, files)

	out, err := execute(t, "build", "--root", dir, "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 pages failed")
	assert.Contains(t, out, "error: content/c.html")
	assert.FileExists(t, filepath.Join(dir, "public", "a", "index.html"))
}

func TestDepsCommand(t *testing.T) {
	dir := writeSite(t, testSite)

	out, err := execute(t, "deps", "--root", dir, "--format", "text", "--rescan=false", "templates/base.html")
	require.NoError(t, err)
	assert.Equal(t, "  content/a.html\n", out)

	out, err = execute(t, "deps", "--root", dir, "--format", "json", "--rescan=false",
		filepath.Join(dir, "templates", "base.html"), "content/b.html", "templates/none.html")
	require.NoError(t, err)

	var got map[string][]string
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, map[string][]string{
		"templates/base.html": {"content/a.html"},
		"content/b.html":      {"content/b.html"},
		"templates/none.html": {},
	}, got)
}

func TestDepsCommandReadsSavedGraph(t *testing.T) {
	dir := writeSite(t, testSite)
	_, err := execute(t, "build", "--root", dir, "--log-level", "error")
	require.NoError(t, err)

	// The saved graph answers even after the page stops including the
	// partial, until a rescan.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "content", "a.html"), []byte("<p>a</p>"), 0o644))

	out, err := execute(t, "deps", "--root", dir, "--format", "text", "--rescan=false", "templates/base.html")
	require.NoError(t, err)
	assert.Equal(t, "  content/a.html\n", out)

	out, err = execute(t, "deps", "--root", dir, "--format", "text", "--rescan", "templates/base.html")
	require.NoError(t, err)
	assert.Equal(t, "  (no pages)\n", out)
}

func TestDepsRejectsPathsOutsideRoot(t *testing.T) {
	dir := writeSite(t, testSite)

	_, err := execute(t, "deps", "--root", dir, "--format", "text", "--rescan=false", "../elsewhere.html")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not below the site root")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version", "--format", "json", "--short=false", "--detailed=false")
	require.NoError(t, err)

	var info map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Contains(t, info, "version")
	assert.Contains(t, info, "go_version")

	out, err = execute(t, "version", "--format", "text", "--short")
	require.NoError(t, err)
	assert.NotEmpty(t, out)

	_, err = execute(t, "version", "--format", "yaml", "--short=false")
	assert.Error(t, err)
}

func TestNewAppFromViper(t *testing.T) {
	dir := writeSite(t, testSite)

	v := viper.New()
	v.Set("build.root", dir)
	v.Set("build.state_file", "")
	v.Set("build.content_dir", "content")

	a, err := newApp(v, io.Discard)
	require.NoError(t, err)
	assert.Nil(t, a.store)
	assert.Equal(t, []string{".quire.yml"}, a.configFiles)
	assert.True(t, a.isConfig(filepath.Join(dir, ".quire.yml")))
	assert.False(t, a.isConfig(filepath.Join(dir, "content", "a.html")))

	rel, err := a.relative(filepath.Join(dir, "content", "a.html"))
	require.NoError(t, err)
	assert.Equal(t, "content/a.html", rel)
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	v := viper.New()
	v.Set("build.root", t.TempDir())
	v.Set("build.output_dir", "content/public")

	_, err := newApp(v, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not be inside content_dir")
}

func TestNewAppLoadsMetaSchema(t *testing.T) {
	dir := writeSite(t, map[string]string{
		"schema.json": `{"type": "object", "required": ["title"]}`,
	})

	v := viper.New()
	v.Set("build.root", dir)
	v.Set("build.state_file", "")
	v.Set("build.meta_schema", "schema.json")

	a, err := newApp(v, io.Discard)
	require.NoError(t, err)
	assert.Contains(t, a.configFiles, "schema.json")

	v.Set("build.meta_schema", "nope.json")
	_, err = newApp(v, io.Discard)
	assert.Error(t, err)
}

func TestStateIgnore(t *testing.T) {
	assert.Nil(t, stateIgnore("/site", ""))
	assert.Equal(t, []string{".quire/state.db", ".quire/state.db.lock"},
		stateIgnore("/site", "/site/.quire/state.db"))
}

func TestFlagNormalization(t *testing.T) {
	assert.Equal(t, "log-level", string(normalizeFlag(nil, "log_level")))
	assert.Equal(t, "root", string(normalizeFlag(nil, "root")))
}
