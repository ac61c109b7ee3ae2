// Package lifecycle issues challenges, verifies answers and reclaims expired
// challenges from a store.
package lifecycle

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/keyforum/captcha/internal"
	"github.com/keyforum/captcha/lib/challenge"
	"github.com/keyforum/captcha/lib/store"
)

// putAttempts bounds how often Issue retries with a fresh token when the
// store reports a collision.
const putAttempts = 3

var (
	ErrNoStore      = errors.New("lifecycle.Options: no store")
	ErrBadExpiry    = errors.New("lifecycle.Options: expiry must be positive")
	ErrBadInterval  = errors.New("lifecycle.Options: sweep interval must be positive")
	ErrTokenCollide = errors.New("lifecycle: could not find a free token")
)

// Renderer turns challenge text into image bytes. *challenge.Renderer is the
// production implementation.
type Renderer interface {
	Render(text string) ([]byte, error)
}

type Options struct {
	Store store.Interface

	// Renderer is built from Config when nil.
	Renderer Renderer
	Config   challenge.RenderConfig

	Expiry        time.Duration
	SweepInterval time.Duration

	// Clock defaults to time.Now.
	Clock func() time.Time
}

func (o Options) Valid() error {
	var errs []error

	if o.Store == nil {
		errs = append(errs, ErrNoStore)
	}

	if err := o.Config.Valid(); err != nil {
		errs = append(errs, err)
	}

	if o.Expiry <= 0 {
		errs = append(errs, ErrBadExpiry)
	}

	if o.SweepInterval <= 0 {
		errs = append(errs, ErrBadInterval)
	}

	if len(errs) != 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Issued is what a client receives for a new challenge. It never carries the
// answer.
type Issued struct {
	Token         string
	Image         []byte // nil for deferred issues
	ExpiresAt     time.Time
	ExpiryMinutes int
}

// Stats describes the store and the configured timings.
type Stats struct {
	TotalLive            int `json:"total_live"`
	ExpiryMinutes        int `json:"expiry_minutes"`
	SweepIntervalMinutes int `json:"sweep_interval_minutes"`
}

// Service owns the challenge lifecycle. It is safe for concurrent use.
type Service struct {
	store    store.Interface
	renderer Renderer
	cfg      challenge.RenderConfig
	expiry   time.Duration
	interval time.Duration
	clock    func() time.Time
}

func New(opts Options) (*Service, error) {
	if err := opts.Valid(); err != nil {
		return nil, fmt.Errorf("lifecycle: can't create service: %w", err)
	}

	if opts.Renderer == nil {
		r, err := challenge.NewRenderer(opts.Config)
		if err != nil {
			return nil, err
		}
		opts.Renderer = r
	}

	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Service{
		store:    opts.Store,
		renderer: opts.Renderer,
		cfg:      opts.Config,
		expiry:   opts.Expiry,
		interval: opts.SweepInterval,
		clock:    opts.Clock,
	}, nil
}

// now is truncated to milliseconds, the precision stores keep.
func (s *Service) now() time.Time {
	return time.UnixMilli(s.clock().UnixMilli())
}

func (s *Service) Expiry() time.Duration { return s.expiry }
func (s *Service) SweepInterval() time.Duration { return s.interval }

// ExpiryMinutes is the expiry rounded down to whole minutes, for display.
func (s *Service) ExpiryMinutes() int {
	return int(s.expiry / time.Minute)
}

// Issue creates a challenge and returns it with its rendered image.
func (s *Service) Issue(ctx context.Context) (*Issued, error) {
	return s.issue(ctx, true)
}

// IssueDeferred creates a challenge without rendering it. The client fetches
// the image later with FetchImage.
func (s *Service) IssueDeferred(ctx context.Context) (*Issued, error) {
	return s.issue(ctx, false)
}

func (s *Service) issue(ctx context.Context, render bool) (*Issued, error) {
	method := "deferred"
	text := challenge.GenerateText(s.cfg.Characters)

	var img []byte
	if render {
		method = "inline"

		var err error
		img, err = s.render(text)
		if err != nil {
			return nil, err
		}
	}

	issuedAt := s.now()

	for range putAttempts {
		token, err := challenge.NewToken()
		if err != nil {
			return nil, fmt.Errorf("can't generate token: %w", err)
		}

		err = s.store.Put(ctx, challenge.Record{
			Token:    token,
			Answer:   text,
			IssuedAt: issuedAt,
		})

		switch {
		case err == nil:
			challengesIssued.WithLabelValues(method).Inc()
			slog.Debug("issued challenge", internal.TokenAttr(token), "method", method)

			return &Issued{
				Token:         token,
				Image:         img,
				ExpiresAt:     issuedAt.Add(s.expiry),
				ExpiryMinutes: s.ExpiryMinutes(),
			}, nil
		case errors.Is(err, store.ErrConflict):
			slog.Warn("token collision, retrying", internal.TokenAttr(token))
			continue
		default:
			return nil, fmt.Errorf("%w: %w", challenge.ErrStore, err)
		}
	}

	return nil, fmt.Errorf("%w: %w", challenge.ErrStore, ErrTokenCollide)
}

func (s *Service) render(text string) ([]byte, error) {
	img, err := s.renderer.Render(text)
	if err != nil {
		if errors.Is(err, challenge.ErrRender) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", challenge.ErrRender, err)
	}

	return img, nil
}

// FetchImage renders the image of a live challenge. Expired challenges are
// removed on the spot and reported as not found.
func (s *Service) FetchImage(ctx context.Context, token string) ([]byte, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: %w", challenge.ErrNotFound, challenge.ErrMissingField)
	}

	lg := slog.With(internal.TokenAttr(token))

	rec, err := s.store.Get(ctx, token)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, challenge.ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("%w: %w", challenge.ErrStore, err)
	}

	if challenge.Expired(rec.IssuedAt, s.now(), s.expiry) {
		lg.Debug("image requested for expired challenge")
		if err := s.store.Delete(ctx, token); err != nil {
			lg.Error("can't delete expired challenge", "err", err)
		}
		return nil, challenge.ErrNotFound
	}

	return s.render(rec.Answer)
}

func normalize(answer string) string {
	return strings.ToLower(strings.TrimSpace(answer))
}

// Verify checks answer against the challenge token names and consumes the
// challenge whatever the outcome. A wrong, missing or expired challenge is
// (false, nil); only store failures return an error.
func (s *Service) Verify(ctx context.Context, token, answer string) (bool, error) {
	if token == "" || normalize(answer) == "" {
		challengesValidated.WithLabelValues(resultMalformed).Inc()
		return false, nil
	}

	lg := slog.With(internal.TokenAttr(token))

	rec, err := s.store.Take(ctx, token)
	switch {
	case errors.Is(err, store.ErrNotFound):
		challengesValidated.WithLabelValues(resultMissing).Inc()
		lg.Debug("verification for unknown challenge")
		return false, nil
	case err != nil:
		return false, fmt.Errorf("%w: %w", challenge.ErrStore, err)
	}

	if challenge.Expired(rec.IssuedAt, s.now(), s.expiry) {
		challengesValidated.WithLabelValues(resultExpired).Inc()
		lg.Debug("verification for expired challenge")
		return false, nil
	}

	if subtle.ConstantTimeCompare([]byte(normalize(answer)), []byte(normalize(rec.Answer))) != 1 {
		challengesValidated.WithLabelValues(resultFail).Inc()
		lg.Debug("wrong answer")
		return false, nil
	}

	challengesValidated.WithLabelValues(resultPass).Inc()
	lg.Debug("challenge passed")

	return true, nil
}

// ReclaimExpired removes every expired challenge and returns how many were
// removed.
func (s *Service) ReclaimExpired(ctx context.Context) (int, error) {
	n, err := s.store.DeleteOlderThan(ctx, challenge.Cutoff(s.now(), s.expiry))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", challenge.ErrStore, err)
	}

	challengesReclaimed.Add(float64(n))
	if n > 0 {
		slog.Info("reclaimed expired challenges", "count", n)
	}

	if live, err := s.store.Count(ctx); err == nil {
		liveChallenges.Set(float64(live))
	} else {
		slog.Debug("can't count live challenges", "err", err)
	}

	return n, nil
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	n, err := s.store.Count(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %w", challenge.ErrStore, err)
	}

	liveChallenges.Set(float64(n))

	return Stats{
		TotalLive:            n,
		ExpiryMinutes:        s.ExpiryMinutes(),
		SweepIntervalMinutes: int(s.interval / time.Minute),
	}, nil
}
