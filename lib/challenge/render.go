package challenge

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"math/rand/v2"
	"time"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/gobold"
)

var (
	ErrBadCanvas  = errors.New("challenge.RenderConfig: canvas width and height must be positive")
	ErrNoPalette  = errors.New("challenge.RenderConfig: palette must have at least one color")
	ErrBadFontSz  = errors.New("challenge.RenderConfig: font size must be positive")
	ErrBadLength  = errors.New("challenge.RenderConfig: character count must be positive")
	ErrBadDotSize = errors.New("challenge.RenderConfig: dot size must be positive")
	ErrNilColor   = errors.New("challenge.RenderConfig: color must be set")
)

// RenderConfig controls how challenge images look. It is built once at
// startup and shared read-only by every render.
type RenderConfig struct {
	Characters int
	FontSize   float64
	Width      int
	Height     int

	// Palette holds the glyph and dot colors. With ColorMode off only the
	// first entry is used.
	Palette    []color.Color
	ColorMode  bool
	Background color.Color
	TraceColor color.Color
	TraceSize  float64

	// Rotate is the full rotation range in degrees. Each glyph is turned by
	// an angle in [-Rotate/2, Rotate/2].
	Rotate float64
	// Skew is the full shear range. Each axis is sheared by a factor in
	// [-Skew/2, Skew/2].
	Skew float64

	NoiseLines int
	NoiseDots  int
	DotSize    float64
}

func (c RenderConfig) Valid() error {
	var errs []error

	if c.Characters <= 0 {
		errs = append(errs, ErrBadLength)
	}

	if c.Width <= 0 || c.Height <= 0 {
		errs = append(errs, fmt.Errorf("%w, got: %dx%d", ErrBadCanvas, c.Width, c.Height))
	}

	if c.FontSize <= 0 {
		errs = append(errs, ErrBadFontSz)
	}

	if len(c.Palette) == 0 {
		errs = append(errs, ErrNoPalette)
	}

	for i, col := range c.Palette {
		if col == nil {
			errs = append(errs, fmt.Errorf("%w: palette entry %d", ErrNilColor, i))
		}
	}

	if c.Background == nil {
		errs = append(errs, fmt.Errorf("%w: background", ErrNilColor))
	}

	if c.TraceColor == nil {
		errs = append(errs, fmt.Errorf("%w: trace color", ErrNilColor))
	}

	if c.NoiseDots > 0 && c.DotSize <= 0 {
		errs = append(errs, ErrBadDotSize)
	}

	if len(errs) != 0 {
		return fmt.Errorf("challenge: render config is not valid:\n%w", errors.Join(errs...))
	}

	return nil
}

// Renderer rasterizes challenge text into distorted PNG images. It is safe
// for concurrent use.
type Renderer struct {
	cfg  RenderConfig
	font *truetype.Font
}

func NewRenderer(cfg RenderConfig) (*Renderer, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}

	f, err := truetype.Parse(gobold.TTF)
	if err != nil {
		return nil, fmt.Errorf("[unexpected] can't parse embedded font: %w", err)
	}

	return &Renderer{cfg: cfg, font: f}, nil
}

// Config returns the configuration the renderer was built with.
func (r *Renderer) Config() RenderConfig {
	return r.cfg
}

func (r *Renderer) color() color.Color {
	if r.cfg.ColorMode && len(r.cfg.Palette) > 1 {
		return r.cfg.Palette[rand.IntN(len(r.cfg.Palette))]
	}

	return r.cfg.Palette[0]
}

// spread returns a uniform value in [-width/2, width/2].
func spread(width float64) float64 {
	return (rand.Float64() - 0.5) * width
}

// Render draws text onto a fresh canvas. Every call picks new distortions, so
// the same text never produces the same bytes twice.
func (r *Renderer) Render(text string) ([]byte, error) {
	t0 := time.Now()
	defer func() {
		RenderDuration.Observe(time.Since(t0).Seconds())
	}()

	w, h := float64(r.cfg.Width), float64(r.cfg.Height)
	dc := gg.NewContext(r.cfg.Width, r.cfg.Height)

	dc.SetColor(r.cfg.Background)
	dc.Clear()

	dc.SetColor(r.cfg.TraceColor)
	dc.SetLineWidth(r.cfg.TraceSize)
	for range r.cfg.NoiseLines {
		dc.DrawLine(rand.Float64()*w, rand.Float64()*h, rand.Float64()*w, rand.Float64()*h)
		dc.Stroke()
	}

	face := truetype.NewFace(r.font, &truetype.Options{Size: r.cfg.FontSize})
	defer face.Close()
	dc.SetFontFace(face)

	runes := []rune(text)
	spacing := w / float64(len(runes)+1)

	for i, ch := range runes {
		dc.Push()
		dc.Translate(spacing*float64(i+1), h/2)

		if r.cfg.Rotate != 0 {
			dc.Rotate(spread(gg.Radians(r.cfg.Rotate)))
		}

		if r.cfg.Skew != 0 {
			dc.Shear(spread(r.cfg.Skew), spread(r.cfg.Skew))
		}

		dc.SetColor(r.color())
		dc.DrawStringAnchored(string(ch), 0, 0, 0.5, 0.5)
		dc.Pop()
	}

	for range r.cfg.NoiseDots {
		dc.SetColor(r.color())
		dc.DrawRectangle(rand.Float64()*w, rand.Float64()*h, r.cfg.DotSize, r.cfg.DotSize)
		dc.Fill()
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRender, err)
	}

	return buf.Bytes(), nil
}
