package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/keyforum/captcha/lib/store"
	_ "github.com/keyforum/captcha/lib/store/all"
)

var (
	ErrNoStoreBackend      = errors.New("config.Store: no backend defined")
	ErrUnknownStoreBackend = errors.New("config.Store: unknown backend")
)

type Store struct {
	Backend    string          `json:"backend"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

func (s *Store) Valid() error {
	var errs []error

	if len(s.Backend) == 0 {
		errs = append(errs, ErrNoStoreBackend)
	}

	fac, ok := store.Get(s.Backend)
	switch ok {
	case true:
		if err := fac.Valid(s.Parameters); err != nil {
			errs = append(errs, err)
		}
	case false:
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownStoreBackend, s.Backend))
	}

	if len(errs) != 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Open builds the configured backend. Callers should close the result if it
// implements io.Closer.
func (s *Store) Open(ctx context.Context) (store.Interface, error) {
	fac, ok := store.Get(s.Backend)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStoreBackend, s.Backend)
	}

	result, err := fac.Build(ctx, s.Parameters)
	if err != nil {
		return nil, fmt.Errorf("can't build %s store: %w", s.Backend, err)
	}

	return result, nil
}
