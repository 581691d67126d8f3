package loader

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/scriptd/internal/core"
)

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, src := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(src), 0644))
	}
	return dir
}

func newLoader(dir string) *Loader {
	return New(core.ScriptsConfig{Dir: dir, MaxScriptSizeKB: 64}, nil)
}

func TestDiscover_SortedEntryScriptsOnly(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"b.js":         "",
		"a.ts":         "",
		"c.mjs":        "",
		"types.d.ts":   "",
		"_helper.js":   "",
		".hidden.js":   "",
		"readme.md":    "",
		"lib/inner.js": "",
	})
	names, err := newLoader(dir).Discover()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.ts", "b.js", "c.mjs"}, names)
}

func TestDiscover_MissingDir(t *testing.T) {
	_, err := newLoader(filepath.Join(t.TempDir(), "nope")).Discover()
	var ce *core.ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "discover", ce.Phase)
}

func TestLoad_BundlesImportsAndTypeScript(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"main.ts": `import { greet } from "./lib/greet";
const n: number = 2;
addRoute("GET", "/hi", () => greet("x") + n);`,
		"lib/greet.ts": `export function greet(name: string): string { return "hi " + name; }`,
	})
	unit, err := newLoader(dir).Load()
	require.NoError(t, err)
	require.Len(t, unit.Files, 1)
	assert.Equal(t, "main.ts", unit.Files[0].Name)
	src := unit.Files[0].Source
	assert.NotContains(t, src, "import ")
	assert.NotContains(t, src, ": number")
	assert.True(t, strings.Contains(src, "hi "))
	assert.Len(t, unit.Hash, 64)
}

func TestLoad_HashIsStable(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a.js": `addRoute("GET", "/", () => "ok");`})
	u1, err := newLoader(dir).Load()
	require.NoError(t, err)
	u2, err := newLoader(dir).Load()
	require.NoError(t, err)
	assert.Equal(t, u1.Hash, u2.Hash)
}

func TestLoad_SyntaxErrorIsConfigurationError(t *testing.T) {
	dir := writeFiles(t, map[string]string{"bad.js": `addRoute("GET", "/", () => {;`})
	_, err := newLoader(dir).Load()
	var ce *core.ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "bundle", ce.Phase)
	assert.Equal(t, "bad.js", ce.File)
}

func TestLoad_SizeLimit(t *testing.T) {
	dir := writeFiles(t, map[string]string{"big.js": "// " + strings.Repeat("x", 70*1024)})
	_, err := newLoader(dir).Load()
	var ce *core.ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, ce.Error(), "limit")
}

func TestLoad_EmptyDirectory(t *testing.T) {
	unit, err := newLoader(t.TempDir()).Load()
	require.NoError(t, err)
	assert.Empty(t, unit.Files)
}
