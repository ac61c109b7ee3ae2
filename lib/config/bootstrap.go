package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/keyforum/captcha/data"
)

// DefaultFile is the name of the embedded default config in data.Config.
const DefaultFile = "captcha.yaml"

// Bootstrap writes the embedded default config to path unless a file is
// already there. It reports whether it wrote one.
func Bootstrap(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("can't stat %s: %w", path, err)
	}

	body, err := fs.ReadFile(data.Config, DefaultFile)
	if err != nil {
		return false, fmt.Errorf("[unexpected] can't read builtin config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("can't create config directory for %s: %w", path, err)
	}

	if err := os.WriteFile(path, body, 0644); err != nil {
		return false, fmt.Errorf("can't write default config to %s: %w", path, err)
	}

	slog.Info("wrote default config", "path", path)

	return true, nil
}
