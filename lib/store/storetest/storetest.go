package storetest

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keyforum/captcha/lib/challenge"
	"github.com/keyforum/captcha/lib/challenge/challengetest"
	"github.com/keyforum/captcha/lib/store"
)

// Common runs the behavior every store backend must share. The subtests run
// in order against one store and each starts from an empty store.
func Common(t *testing.T, f store.Factory, config json.RawMessage) {
	if err := f.Valid(config); err != nil {
		t.Fatal(err)
	}

	s, err := f.Build(t.Context(), config)
	if err != nil {
		t.Fatal(err)
	}

	if c, ok := s.(io.Closer); ok {
		t.Cleanup(func() { c.Close() })
	}

	for _, tt := range []struct {
		name string
		doer func(t *testing.T, s store.Interface) error
		err  error
	}{
		{
			name: "basic put get delete",
			doer: func(t *testing.T, s store.Interface) error {
				rec := challengetest.New(t, time.Now())

				if _, err := s.Get(t.Context(), rec.Token); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("wanted %s to not exist in store but it exists anyways", rec.Token)
				}

				if err := s.Put(t.Context(), rec); err != nil {
					return err
				}

				got, err := s.Get(t.Context(), rec.Token)
				if errors.Is(err, store.ErrNotFound) {
					t.Errorf("wanted %s to exist in store but it does not: %v", rec.Token, err)
				} else if err != nil {
					t.Error(err)
				}

				assertRecord(t, got, rec)

				if err := s.Delete(t.Context(), rec.Token); err != nil {
					return err
				}

				if _, err := s.Get(t.Context(), rec.Token); !errors.Is(err, store.ErrNotFound) {
					t.Error("wanted record to not exist in store but it exists anyways")
				}

				if err := s.Delete(t.Context(), rec.Token); err != nil {
					t.Errorf("deleting missing token %q returned an error: %v", rec.Token, err)
				}

				return nil
			},
		},
		{
			name: "put does not overwrite",
			doer: func(t *testing.T, s store.Interface) error {
				rec := challengetest.New(t, time.Now())
				if err := s.Put(t.Context(), rec); err != nil {
					return err
				}

				dup := rec
				dup.Answer = "ZZZZZZ"
				if err := s.Put(t.Context(), dup); !errors.Is(err, store.ErrConflict) {
					t.Errorf("wanted ErrConflict, got: %v", err)
				}

				got, err := s.Get(t.Context(), rec.Token)
				if err != nil {
					return err
				}

				assertRecord(t, got, rec)
				return nil
			},
		},
		{
			name: "take removes",
			doer: func(t *testing.T, s store.Interface) error {
				rec := challengetest.New(t, time.Now())
				if err := s.Put(t.Context(), rec); err != nil {
					return err
				}

				got, err := s.Take(t.Context(), rec.Token)
				if err != nil {
					return err
				}
				assertRecord(t, got, rec)

				if _, err := s.Take(t.Context(), rec.Token); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("second take: wanted ErrNotFound, got: %v", err)
				}

				if n, err := s.Count(t.Context()); err != nil || n != 0 {
					t.Errorf("count after take = %d (err: %v), want 0", n, err)
				}

				return nil
			},
		},
		{
			name: "take happens once under contention",
			doer: func(t *testing.T, s store.Interface) error {
				rec := challengetest.New(t, time.Now())
				if err := s.Put(t.Context(), rec); err != nil {
					return err
				}

				var (
					wins atomic.Int32
					wg   sync.WaitGroup
				)

				for range 16 {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := s.Take(t.Context(), rec.Token)
						switch {
						case err == nil:
							wins.Add(1)
						case !errors.Is(err, store.ErrNotFound):
							t.Errorf("unexpected take error: %v", err)
						}
					}()
				}
				wg.Wait()

				if got := wins.Load(); got != 1 {
					t.Errorf("record was taken %d times, want exactly once", got)
				}

				return nil
			},
		},
		{
			name: "delete older than",
			doer: func(t *testing.T, s store.Interface) error {
				now := time.Now()
				ttl := 5 * time.Minute

				expired := []challenge.Record{
					challengetest.New(t, now.Add(-ttl-time.Millisecond)),
					challengetest.New(t, now.Add(-time.Hour)),
				}
				live := []challenge.Record{
					challengetest.New(t, now),
					challengetest.New(t, now.Add(-ttl)),
				}

				for _, rec := range append(expired, live...) {
					if err := s.Put(t.Context(), rec); err != nil {
						return err
					}
				}

				cutoff := challenge.Cutoff(time.UnixMilli(now.UnixMilli()), ttl)

				n, err := s.DeleteOlderThan(t.Context(), cutoff)
				if err != nil {
					return err
				}

				if n != len(expired) {
					t.Errorf("removed %d records, want %d", n, len(expired))
				}

				for _, rec := range expired {
					if _, err := s.Get(t.Context(), rec.Token); !errors.Is(err, store.ErrNotFound) {
						t.Errorf("expired record %s survived the sweep", rec.Token)
					}
				}

				for _, rec := range live {
					if _, err := s.Get(t.Context(), rec.Token); err != nil {
						t.Errorf("live record %s is gone: %v", rec.Token, err)
					}
				}

				n, err = s.DeleteOlderThan(t.Context(), cutoff)
				if err != nil {
					return err
				}

				if n != 0 {
					t.Errorf("second sweep removed %d records, want 0", n)
				}

				return nil
			},
		},
		{
			name: "count",
			doer: func(t *testing.T, s store.Interface) error {
				for i := range 10 {
					if err := s.Put(t.Context(), challengetest.New(t, time.Now())); err != nil {
						return err
					}

					n, err := s.Count(t.Context())
					if err != nil {
						return err
					}

					if n != i+1 {
						t.Errorf("count = %d, want %d", n, i+1)
					}
				}

				return nil
			},
		},
		{
			name: "list newest first",
			doer: func(t *testing.T, s store.Interface) error {
				lister, ok := s.(store.Lister)
				if !ok {
					t.Skip("backend does not implement store.Lister")
				}

				now := time.Now()
				var want []challenge.Record
				for i := range 3 {
					rec := challengetest.New(t, now.Add(-time.Duration(i)*time.Minute))
					if err := s.Put(t.Context(), rec); err != nil {
						return err
					}
					want = append(want, rec)
				}

				got, err := lister.List(t.Context())
				if err != nil {
					return err
				}

				if len(got) != len(want) {
					t.Fatalf("listed %d records, want %d", len(got), len(want))
				}

				for i := range want {
					assertRecord(t, got[i], want[i])
				}

				return nil
			},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := store.Clear(t.Context(), s); err != nil {
				t.Fatalf("can't clear store: %v", err)
			}

			if err := tt.doer(t, s); !errors.Is(err, tt.err) {
				t.Logf("want: %v", tt.err)
				t.Logf("got:  %v", err)
				t.Error("wrong error")
			}
		})
	}
}

func assertRecord(t *testing.T, got, want challenge.Record) {
	t.Helper()

	if got.Token != want.Token {
		t.Errorf("token: got %q, want %q", got.Token, want.Token)
	}

	if got.Answer != want.Answer {
		t.Errorf("answer: got %q, want %q", got.Answer, want.Answer)
	}

	if !got.IssuedAt.Equal(want.IssuedAt) {
		t.Errorf("issuedAt: got %v, want %v", got.IssuedAt, want.IssuedAt)
	}
}
