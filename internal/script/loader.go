package script

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"zigbee-tuya-bridge/internal/converter"
)

// validName checks that a script name is safe to use as a filename.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return false
	}
	return true
}

// Loader reads converter scripts from a directory.
type Loader struct {
	dir    string
	logger *slog.Logger
}

// NewLoader creates a loader rooted at dir.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{dir: dir, logger: logger}
}

// Load compiles the named script. The ".lua" suffix is optional.
func (l *Loader) Load(name string) (*Converter, error) {
	return l.load(name, l.logger)
}

func (l *Loader) load(name string, logger *slog.Logger) (*Converter, error) {
	if !validName(name) {
		return nil, fmt.Errorf("invalid script name: %q", name)
	}
	if !strings.HasSuffix(name, ".lua") {
		name += ".lua"
	}
	code, err := os.ReadFile(filepath.Join(l.dir, name))
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return New(name, string(code), logger)
}

// List returns the script file names in the directory.
func (l *Loader) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lua") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Factory adapts the loader to the converter registry; register it under
// the "lua" prefix so profiles can name "lua:<file>". Each device gets its
// own VM.
func (l *Loader) Factory() converter.Factory {
	return func(cfg converter.FactoryConfig) (converter.Converter, error) {
		logger := l.logger
		if cfg.Logger != nil {
			logger = cfg.Logger
		}
		return l.load(cfg.Arg, logger)
	}
}
