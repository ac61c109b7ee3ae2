package lib

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/keyforum/captcha/data"
	"github.com/keyforum/captcha/lib/config"
)

// LoadConfigOrDefault reads the config at fname, or the embedded default
// config when fname is empty.
func LoadConfigOrDefault(fname string) (*config.Config, error) {
	var fin io.ReadCloser
	var err error

	if fname != "" {
		fin, err = os.Open(fname)
		if err != nil {
			return nil, fmt.Errorf("can't parse config file %s: %w", fname, err)
		}
	} else {
		fname = "(data)/" + config.DefaultFile
		fin, err = data.Config.Open(config.DefaultFile)
		if err != nil {
			return nil, fmt.Errorf("[unexpected] can't parse builtin config file %s: %w", fname, err)
		}
	}

	defer func(fin io.ReadCloser) {
		err := fin.Close()
		if err != nil {
			slog.Error("failed to close config file", "file", fname, "err", err)
		}
	}(fin)

	result, err := config.Load(fin, fname)
	if err != nil {
		return nil, fmt.Errorf("can't parse config file %s: %w", fname, err)
	}

	return result, nil
}
