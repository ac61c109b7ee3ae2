package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keyforum/captcha/lib/challenge"
	"github.com/keyforum/captcha/lib/challenge/challengetest"
	"github.com/keyforum/captcha/lib/store"
	"github.com/keyforum/captcha/lib/store/memory"
)

type fakeClock struct {
	lock sync.Mutex
	now  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
}

func newService(t *testing.T, st store.Interface) (*Service, *fakeClock) {
	t.Helper()

	if st == nil {
		st = memory.New()
	}

	clock := newFakeClock()

	svc, err := New(Options{
		Store:         st,
		Config:        challengetest.RenderConfig(),
		Expiry:        5 * time.Minute,
		SweepInterval: 10 * time.Minute,
		Clock:         clock.Now,
	})
	if err != nil {
		t.Fatal(err)
	}

	return svc, clock
}

// answerFor reads the expected answer straight from the store.
func answerFor(t *testing.T, svc *Service, token string) string {
	t.Helper()

	rec, err := svc.store.Get(t.Context(), token)
	if err != nil {
		t.Fatalf("can't look up %s: %v", token, err)
	}

	return rec.Answer
}

func TestOptionsValid(t *testing.T) {
	good := Options{
		Store:         memory.New(),
		Config:        challengetest.RenderConfig(),
		Expiry:        time.Minute,
		SweepInterval: time.Minute,
	}

	for _, tt := range []struct {
		name string
		mut  func(o *Options)
		err  error
	}{
		{name: "good", mut: func(*Options) {}},
		{name: "no store", mut: func(o *Options) { o.Store = nil }, err: ErrNoStore},
		{name: "zero expiry", mut: func(o *Options) { o.Expiry = 0 }, err: ErrBadExpiry},
		{name: "negative interval", mut: func(o *Options) { o.SweepInterval = -time.Second }, err: ErrBadInterval},
		{name: "bad render config", mut: func(o *Options) { o.Config.Width = 0 }, err: challenge.ErrBadCanvas},
		{name: "unset background", mut: func(o *Options) { o.Config.Background = nil }, err: challenge.ErrNilColor},
	} {
		t.Run(tt.name, func(t *testing.T) {
			opts := good
			tt.mut(&opts)

			if _, err := New(opts); !errors.Is(err, tt.err) {
				t.Logf("want: %v", tt.err)
				t.Logf("got:  %v", err)
				t.Error("wrong error")
			}
		})
	}
}

func TestIssue(t *testing.T) {
	svc, clock := newService(t, nil)

	iss, err := svc.Issue(t.Context())
	if err != nil {
		t.Fatal(err)
	}

	if len(iss.Token) != challenge.TokenBytes*2 {
		t.Errorf("token %q has wrong length", iss.Token)
	}

	img, err := png.Decode(bytes.NewReader(iss.Image))
	if err != nil {
		t.Fatalf("image is not a PNG: %v", err)
	}

	if b := img.Bounds(); b.Dx() != challengetest.RenderConfig().Width {
		t.Errorf("image width = %d", b.Dx())
	}

	if want := clock.Now().Add(5 * time.Minute); !iss.ExpiresAt.Equal(want) {
		t.Errorf("expires at %v, want %v", iss.ExpiresAt, want)
	}

	if iss.ExpiryMinutes != 5 {
		t.Errorf("expiry minutes = %d, want 5", iss.ExpiryMinutes)
	}

	answer := answerFor(t, svc, iss.Token)
	if len(answer) != challengetest.RenderConfig().Characters {
		t.Errorf("answer %q has wrong length", answer)
	}

	deferred, err := svc.IssueDeferred(t.Context())
	if err != nil {
		t.Fatal(err)
	}

	if deferred.Image != nil {
		t.Error("deferred issue rendered an image")
	}

	if deferred.Token == iss.Token {
		t.Error("two issues returned the same token")
	}
}

func TestVerify(t *testing.T) {
	for _, tt := range []struct {
		name    string
		answer  func(correct string) string
		advance time.Duration
		want    bool
	}{
		{
			name:   "exact",
			answer: func(correct string) string { return correct },
			want:   true,
		},
		{
			name:   "lowercase with spaces",
			answer: func(correct string) string { return "  " + strings.ToLower(correct) + "\t" },
			want:   true,
		},
		{
			name:   "wrong",
			answer: func(correct string) string { return correct + "X" },
		},
		{
			name:    "at the expiry boundary",
			answer:  func(correct string) string { return correct },
			advance: 5 * time.Minute,
			want:    true,
		},
		{
			name:    "one millisecond past expiry",
			answer:  func(correct string) string { return correct },
			advance: 5*time.Minute + time.Millisecond,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			svc, clock := newService(t, nil)

			iss, err := svc.IssueDeferred(t.Context())
			if err != nil {
				t.Fatal(err)
			}

			correct := answerFor(t, svc, iss.Token)
			clock.Advance(tt.advance)

			ok, err := svc.Verify(t.Context(), iss.Token, tt.answer(correct))
			if err != nil {
				t.Fatal(err)
			}

			if ok != tt.want {
				t.Errorf("verify = %v, want %v", ok, tt.want)
			}

			// whatever happened, the challenge is spent
			ok, err = svc.Verify(t.Context(), iss.Token, correct)
			if err != nil {
				t.Fatal(err)
			}

			if ok {
				t.Error("challenge verified twice")
			}
		})
	}
}

func TestVerifyMalformed(t *testing.T) {
	svc, _ := newService(t, nil)

	iss, err := svc.IssueDeferred(t.Context())
	if err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		name          string
		token, answer string
	}{
		{name: "empty token", answer: "ABCDEF"},
		{name: "empty answer", token: iss.Token},
		{name: "blank answer", token: iss.Token, answer: "   "},
		{name: "unknown token", token: "deadbeef", answer: "ABCDEF"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := svc.Verify(t.Context(), tt.token, tt.answer)
			if err != nil {
				t.Fatal(err)
			}

			if ok {
				t.Error("malformed verification passed")
			}
		})
	}

	// malformed attempts never touch the store
	if _, err := svc.store.Get(t.Context(), iss.Token); err != nil {
		t.Errorf("challenge was consumed by a malformed attempt: %v", err)
	}
}

func TestVerifyConcurrent(t *testing.T) {
	svc, _ := newService(t, nil)

	iss, err := svc.IssueDeferred(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	answer := answerFor(t, svc, iss.Token)

	var (
		wins atomic.Int32
		wg   sync.WaitGroup
	)

	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := svc.Verify(context.Background(), iss.Token, answer)
			if err != nil {
				t.Error(err)
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("%d verifications passed, want exactly 1", got)
	}
}

func TestFetchImage(t *testing.T) {
	svc, clock := newService(t, nil)

	iss, err := svc.IssueDeferred(t.Context())
	if err != nil {
		t.Fatal(err)
	}

	img, err := svc.FetchImage(t.Context(), iss.Token)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := png.Decode(bytes.NewReader(img)); err != nil {
		t.Errorf("image is not a PNG: %v", err)
	}

	// fetching does not consume the challenge
	if _, err := svc.FetchImage(t.Context(), iss.Token); err != nil {
		t.Errorf("second fetch failed: %v", err)
	}

	if _, err := svc.FetchImage(t.Context(), "deadbeef"); !errors.Is(err, challenge.ErrNotFound) {
		t.Errorf("unknown token: wanted ErrNotFound, got: %v", err)
	}

	if _, err := svc.FetchImage(t.Context(), ""); !errors.Is(err, challenge.ErrNotFound) {
		t.Errorf("empty token: wanted ErrNotFound, got: %v", err)
	}

	clock.Advance(5*time.Minute + time.Millisecond)

	if _, err := svc.FetchImage(t.Context(), iss.Token); !errors.Is(err, challenge.ErrNotFound) {
		t.Errorf("expired token: wanted ErrNotFound, got: %v", err)
	}

	if n, _ := svc.store.Count(t.Context()); n != 0 {
		t.Errorf("expired challenge was not removed, %d left", n)
	}
}

func TestReclaimExpired(t *testing.T) {
	svc, clock := newService(t, nil)

	for range 3 {
		if _, err := svc.IssueDeferred(t.Context()); err != nil {
			t.Fatal(err)
		}
	}

	clock.Advance(4 * time.Minute)

	for range 2 {
		if _, err := svc.IssueDeferred(t.Context()); err != nil {
			t.Fatal(err)
		}
	}

	clock.Advance(time.Minute + time.Millisecond)

	n, err := svc.ReclaimExpired(t.Context())
	if err != nil {
		t.Fatal(err)
	}

	if n != 3 {
		t.Errorf("reclaimed %d, want 3", n)
	}

	n, err = svc.ReclaimExpired(t.Context())
	if err != nil {
		t.Fatal(err)
	}

	if n != 0 {
		t.Errorf("second sweep reclaimed %d, want 0", n)
	}

	st, err := svc.Stats(t.Context())
	if err != nil {
		t.Fatal(err)
	}

	if want := (Stats{TotalLive: 2, ExpiryMinutes: 5, SweepIntervalMinutes: 10}); st != want {
		t.Errorf("stats = %+v, want %+v", st, want)
	}
}

// flakyStore wraps a store and injects failures.
type flakyStore struct {
	store.Interface
	conflicts atomic.Int32
	takeErr   error
}

func (f *flakyStore) Put(ctx context.Context, rec challenge.Record) error {
	if f.conflicts.Add(-1) >= 0 {
		return store.ErrConflict
	}
	return f.Interface.Put(ctx, rec)
}

func (f *flakyStore) Take(ctx context.Context, token string) (challenge.Record, error) {
	if f.takeErr != nil {
		return challenge.Record{}, f.takeErr
	}
	return f.Interface.Take(ctx, token)
}

func TestIssueRetriesConflicts(t *testing.T) {
	for _, tt := range []struct {
		name      string
		conflicts int32
		err       error
	}{
		{name: "no conflict"},
		{name: "two conflicts", conflicts: 2},
		{name: "always conflicts", conflicts: putAttempts, err: challenge.ErrStore},
	} {
		t.Run(tt.name, func(t *testing.T) {
			fs := &flakyStore{Interface: memory.New()}
			fs.conflicts.Store(tt.conflicts)

			svc, _ := newService(t, fs)

			if _, err := svc.IssueDeferred(t.Context()); !errors.Is(err, tt.err) {
				t.Errorf("wanted %v, got: %v", tt.err, err)
			}
		})
	}
}

func TestVerifyStoreFailure(t *testing.T) {
	boom := errors.New("disk on fire")
	svc, _ := newService(t, &flakyStore{Interface: memory.New(), takeErr: boom})

	ok, err := svc.Verify(t.Context(), "deadbeef", "ABCDEF")
	if ok {
		t.Error("verification passed on store failure")
	}

	if !errors.Is(err, challenge.ErrStore) || !errors.Is(err, boom) {
		t.Errorf("wanted ErrStore wrapping the cause, got: %v", err)
	}
}

type brokenRenderer struct{}

func (brokenRenderer) Render(string) ([]byte, error) {
	return nil, errors.New("out of ink")
}

func TestIssueRenderFailure(t *testing.T) {
	st := memory.New()

	svc, err := New(Options{
		Store:         st,
		Renderer:      brokenRenderer{},
		Config:        challengetest.RenderConfig(),
		Expiry:        time.Minute,
		SweepInterval: time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Issue(t.Context()); !errors.Is(err, challenge.ErrRender) {
		t.Errorf("wanted ErrRender, got: %v", err)
	}

	if n, _ := st.Count(t.Context()); n != 0 {
		t.Errorf("failed issue left %d records behind", n)
	}
}
