package config

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/keyforum/captcha/lib/challenge"
	"k8s.io/apimachinery/pkg/util/yaml"
)

var (
	ErrInvalidColor         = errors.New("config.Captcha: invalid color, must be #rgb or #rrggbb")
	ErrNoColors             = errors.New("config.Captcha: must define at least one (1) color")
	ErrCharactersOutOfRange = errors.New("config.Captcha: characters must be between 1 and 32")
	ErrSizeNotPositive      = errors.New("config.Captcha: size must be positive")
	ErrCanvasNotPositive    = errors.New("config.Captcha: width and height must be positive")
	ErrNegativeValue        = errors.New("config.Captcha: value must not be negative")
	ErrExpiryTooShort       = errors.New("config.Captcha: expiry_ms must be at least 1000")
	ErrIntervalTooShort     = errors.New("config.Captcha: cleanup_interval_ms must be at least 1000")
)

// Captcha is the on-disk form of the challenge settings. Zero values are
// filled from the defaults before validation.
type Captcha struct {
	Characters        int      `json:"characters"`
	Size              float64  `json:"size"`
	Width             int      `json:"width"`
	Height            int      `json:"height"`
	Colors            []string `json:"colors"`
	ColorMode         *bool    `json:"color_mode,omitempty"`
	Background        string   `json:"background"`
	TraceColor        string   `json:"trace_color"`
	TraceSize         float64  `json:"trace_size"`
	Rotate            float64  `json:"rotate"`
	Skew              float64  `json:"skew"`
	NoiseLines        *int     `json:"noise_lines,omitempty"`
	NoiseDots         *int     `json:"noise_dots,omitempty"`
	DotSize           float64  `json:"dot_size"`
	ExpiryMS          int64    `json:"expiry_ms"`
	CleanupIntervalMS int64    `json:"cleanup_interval_ms"`
}

func (c *Captcha) Valid() error {
	var errs []error

	if c.Characters < 1 || c.Characters > 32 {
		errs = append(errs, fmt.Errorf("%w, got: %d", ErrCharactersOutOfRange, c.Characters))
	}

	if c.Size <= 0 {
		errs = append(errs, ErrSizeNotPositive)
	}

	if c.Width <= 0 || c.Height <= 0 {
		errs = append(errs, fmt.Errorf("%w, got: %dx%d", ErrCanvasNotPositive, c.Width, c.Height))
	}

	if len(c.Colors) == 0 {
		errs = append(errs, ErrNoColors)
	}

	for _, hex := range append(append([]string{}, c.Colors...), c.Background, c.TraceColor) {
		if _, err := ParseColor(hex); err != nil {
			errs = append(errs, err)
		}
	}

	for _, v := range []float64{c.TraceSize, c.Rotate, c.Skew, c.DotSize} {
		if v < 0 {
			errs = append(errs, ErrNegativeValue)
			break
		}
	}

	if (c.NoiseLines != nil && *c.NoiseLines < 0) || (c.NoiseDots != nil && *c.NoiseDots < 0) {
		errs = append(errs, ErrNegativeValue)
	}

	if c.ExpiryMS < 1000 {
		errs = append(errs, fmt.Errorf("%w, got: %d", ErrExpiryTooShort, c.ExpiryMS))
	}

	if c.CleanupIntervalMS < 1000 {
		errs = append(errs, fmt.Errorf("%w, got: %d", ErrIntervalTooShort, c.CleanupIntervalMS))
	}

	if len(errs) != 0 {
		return errors.Join(errs...)
	}

	return nil
}

type fileConfig struct {
	Captcha Captcha `json:"captcha"`
	Store   *Store  `json:"store"`
}

func (c *fileConfig) Valid() error {
	var errs []error

	if err := c.Captcha.Valid(); err != nil {
		errs = append(errs, err)
	}

	if c.Store != nil {
		if err := c.Store.Valid(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) != 0 {
		return fmt.Errorf("config is not valid:\n%w", errors.Join(errs...))
	}

	return nil
}

// Default returns the settings used when the config file leaves a field out.
func Default() Captcha {
	colorMode := true
	noiseLines, noiseDots := 5, 50

	return Captcha{
		Characters: 6,
		Size:       60,
		Width:      400,
		Height:     150,
		Colors: []string{
			"#ff6b6b", "#4ecdc4", "#45b7d1", "#96ceb4",
			"#ffeaa7", "#a29bfe", "#fd79a8", "#fdcb6e",
		},
		ColorMode:         &colorMode,
		Background:        "#f0f0f0",
		TraceColor:        "#2d3436",
		TraceSize:         3,
		Rotate:            25,
		Skew:              0.3,
		NoiseLines:        &noiseLines,
		NoiseDots:         &noiseDots,
		DotSize:           2,
		ExpiryMS:          300000,
		CleanupIntervalMS: 600000,
	}
}

// Load decodes and validates a YAML (or JSON) config. fname is only used in
// error messages.
func Load(fin io.Reader, fname string) (*Config, error) {
	c := &fileConfig{
		Captcha: Default(),
	}

	if err := yaml.NewYAMLToJSONDecoder(fin).Decode(c); err != nil {
		return nil, fmt.Errorf("can't parse captcha config YAML %s: %w", fname, err)
	}

	if err := c.Valid(); err != nil {
		return nil, err
	}

	return c.parse()
}

func (c *fileConfig) parse() (*Config, error) {
	palette := make([]color.Color, 0, len(c.Captcha.Colors))
	for _, hex := range c.Captcha.Colors {
		col, err := ParseColor(hex)
		if err != nil {
			return nil, err
		}
		palette = append(palette, col)
	}

	bg, err := ParseColor(c.Captcha.Background)
	if err != nil {
		return nil, err
	}

	trace, err := ParseColor(c.Captcha.TraceColor)
	if err != nil {
		return nil, err
	}

	result := &Config{
		Render: challenge.RenderConfig{
			Characters: c.Captcha.Characters,
			FontSize:   c.Captcha.Size,
			Width:      c.Captcha.Width,
			Height:     c.Captcha.Height,
			Palette:    palette,
			ColorMode:  c.Captcha.ColorMode == nil || *c.Captcha.ColorMode,
			Background: bg,
			TraceColor: trace,
			TraceSize:  c.Captcha.TraceSize,
			Rotate:     c.Captcha.Rotate,
			Skew:       c.Captcha.Skew,
			DotSize:    c.Captcha.DotSize,
		},
		Expiry:        time.Duration(c.Captcha.ExpiryMS) * time.Millisecond,
		SweepInterval: time.Duration(c.Captcha.CleanupIntervalMS) * time.Millisecond,
		Source:        c.Captcha,
	}

	if c.Captcha.NoiseLines != nil {
		result.Render.NoiseLines = *c.Captcha.NoiseLines
	}

	if c.Captcha.NoiseDots != nil {
		result.Render.NoiseDots = *c.Captcha.NoiseDots
	}

	if c.Store != nil {
		result.Store = *c.Store
	} else {
		result.Store = Store{Backend: "memory"}
	}

	return result, nil
}

// Config is the parsed, validated configuration. Nothing mutates it after
// Load returns.
type Config struct {
	Render        challenge.RenderConfig
	Expiry        time.Duration
	SweepInterval time.Duration
	Store         Store

	// Source is the decoded file form, defaults applied.
	Source Captcha
}

// ParseColor parses a CSS hex color of the form #rgb or #rrggbb.
func ParseColor(hex string) (color.Color, error) {
	s, ok := strings.CutPrefix(hex, "#")
	if !ok || (len(s) != 3 && len(s) != 6) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidColor, hex)
	}

	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}

	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidColor, hex)
	}

	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}
