// Package loader discovers the scripts in the configured directory and
// bundles each one with esbuild into a self-contained IIFE. The result is a
// compiled unit that every isolate of a generation evaluates identically.
package loader

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
	"go.uber.org/zap"

	"github.com/cryguy/scriptd/internal/core"
)

// scriptExtensions are the entry-point extensions picked up from the
// script directory. Other files are only reachable through imports.
var scriptExtensions = map[string]bool{
	".js":  true,
	".mjs": true,
	".ts":  true,
}

// CompiledFile is one bundled entry script.
type CompiledFile struct {
	Name   string // path relative to the script directory
	Source string // bundled IIFE
}

// CompiledUnit is the loader output shared by all isolates of a
// generation.
type CompiledUnit struct {
	Files []CompiledFile
	Hash  string // sha256 over names and bundled sources
}

// Loader compiles the scripts in Dir.
type Loader struct {
	Dir          string
	MaxFileBytes int
	log          *zap.Logger
}

// New creates a Loader for cfg.
func New(cfg core.ScriptsConfig, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{
		Dir:          cfg.Dir,
		MaxFileBytes: cfg.MaxScriptSizeKB * 1024,
		log:          log.Named("loader"),
	}
}

// Discover lists the entry scripts in lexical order.
func (l *Loader) Discover() ([]string, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		return nil, &core.ConfigurationError{Phase: "discover", File: l.Dir, Err: err}
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			continue
		}
		if strings.HasSuffix(name, ".d.ts") || !scriptExtensions[filepath.Ext(name)] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Load discovers and bundles every entry script.
func (l *Loader) Load() (*CompiledUnit, error) {
	names, err := l.Discover()
	if err != nil {
		return nil, err
	}

	absDir, err := filepath.Abs(l.Dir)
	if err != nil {
		return nil, &core.ConfigurationError{Phase: "discover", File: l.Dir, Err: err}
	}

	unit := &CompiledUnit{}
	h := sha256.New()
	for _, name := range names {
		src, err := l.bundle(absDir, name)
		if err != nil {
			return nil, err
		}
		unit.Files = append(unit.Files, CompiledFile{Name: name, Source: src})
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(src))
		h.Write([]byte{0})
	}
	unit.Hash = hex.EncodeToString(h.Sum(nil))

	l.log.Info("scripts compiled",
		zap.Int("files", len(unit.Files)),
		zap.String("hash", unit.Hash[:12]))
	return unit, nil
}

func (l *Loader) bundle(absDir, name string) (string, error) {
	entryPoint := filepath.Join(absDir, name)

	info, err := os.Stat(entryPoint)
	if err != nil {
		return "", &core.ConfigurationError{Phase: "discover", File: name, Err: err}
	}
	if l.MaxFileBytes > 0 && info.Size() > int64(l.MaxFileBytes) {
		return "", &core.ConfigurationError{
			Phase: "bundle",
			File:  name,
			Err:   fmt.Errorf("script is %d bytes, limit is %d", info.Size(), l.MaxFileBytes),
		}
	}

	result := esbuild.Build(esbuild.BuildOptions{
		EntryPoints:   []string{entryPoint},
		AbsWorkingDir: absDir,
		Bundle:        true,
		Format:        esbuild.FormatIIFE,
		Write:         false,
		Platform:      esbuild.PlatformBrowser,
		Target:        esbuild.ES2022,
		Charset:       esbuild.CharsetUTF8,
		LogLevel:      esbuild.LogLevelSilent,
	})

	if len(result.Errors) > 0 {
		var msgs []string
		for _, e := range result.Errors {
			if e.Location != nil {
				msgs = append(msgs, fmt.Sprintf("%s:%d:%d: %s", e.Location.File, e.Location.Line, e.Location.Column, e.Text))
			} else {
				msgs = append(msgs, e.Text)
			}
		}
		return "", &core.ConfigurationError{Phase: "bundle", File: name, Err: fmt.Errorf("%s", strings.Join(msgs, "; "))}
	}
	for _, w := range result.Warnings {
		l.log.Warn("bundle warning", zap.String("file", name), zap.String("warning", w.Text))
	}

	if len(result.OutputFiles) == 0 {
		return "", &core.ConfigurationError{Phase: "bundle", File: name, Err: fmt.Errorf("bundling produced no output")}
	}
	return string(result.OutputFiles[0].Contents), nil
}
