package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/keyforum/captcha/lib/challenge"
	"github.com/keyforum/captcha/lib/store"
)

type factory struct{}

func (factory) Build(_ context.Context, _ json.RawMessage) (store.Interface, error) {
	return New(), nil
}

func (factory) Valid(json.RawMessage) error { return nil }

func init() {
	store.Register("memory", factory{})
}

type impl struct {
	lock    sync.Mutex
	records map[string]challenge.Record
}

func (i *impl) Put(_ context.Context, rec challenge.Record) error {
	i.lock.Lock()
	defer i.lock.Unlock()

	if _, ok := i.records[rec.Token]; ok {
		return fmt.Errorf("%w: %q", store.ErrConflict, rec.Token)
	}

	i.records[rec.Token] = rec
	return nil
}

func (i *impl) Get(_ context.Context, token string) (challenge.Record, error) {
	i.lock.Lock()
	defer i.lock.Unlock()

	rec, ok := i.records[token]
	if !ok {
		return challenge.Record{}, fmt.Errorf("%w: %q", store.ErrNotFound, token)
	}

	return rec, nil
}

func (i *impl) Take(_ context.Context, token string) (challenge.Record, error) {
	i.lock.Lock()
	defer i.lock.Unlock()

	rec, ok := i.records[token]
	if !ok {
		return challenge.Record{}, fmt.Errorf("%w: %q", store.ErrNotFound, token)
	}

	delete(i.records, token)
	return rec, nil
}

func (i *impl) Delete(_ context.Context, token string) error {
	i.lock.Lock()
	defer i.lock.Unlock()

	delete(i.records, token)
	return nil
}

func (i *impl) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	i.lock.Lock()
	defer i.lock.Unlock()

	var n int
	for token, rec := range i.records {
		if rec.IssuedAt.Before(cutoff) {
			delete(i.records, token)
			n++
		}
	}

	return n, nil
}

func (i *impl) Count(_ context.Context) (int, error) {
	i.lock.Lock()
	defer i.lock.Unlock()

	return len(i.records), nil
}

func (i *impl) List(_ context.Context) ([]challenge.Record, error) {
	i.lock.Lock()
	result := make([]challenge.Record, 0, len(i.records))
	for _, rec := range i.records {
		result = append(result, rec)
	}
	i.lock.Unlock()

	slices.SortFunc(result, func(a, b challenge.Record) int {
		return b.IssuedAt.Compare(a.IssuedAt)
	})

	return result, nil
}

// New creates a simple in-memory store. This will not scale to multiple
// instances of the service.
func New() store.Interface {
	return &impl{
		records: map[string]challenge.Record{},
	}
}
