package config_test

import (
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/keyforum/captcha/data"
	"github.com/keyforum/captcha/lib/config"
)

func load(t *testing.T, fname string) (*config.Config, error) {
	t.Helper()

	fin, err := os.Open(fname)
	if err != nil {
		t.Fatal(err)
	}
	defer fin.Close()

	return config.Load(fin, fname)
}

func TestConfigLoadGood(t *testing.T) {
	finfos, err := os.ReadDir("testdata/good")
	if err != nil {
		t.Fatal(err)
	}

	for _, st := range finfos {
		t.Run(st.Name(), func(t *testing.T) {
			c, err := load(t, filepath.Join("testdata", "good", st.Name()))
			if err != nil {
				t.Fatal(err)
			}

			if err := c.Render.Valid(); err != nil {
				t.Errorf("render config is not valid: %v", err)
			}
		})
	}
}

func TestConfigLoadBad(t *testing.T) {
	finfos, err := os.ReadDir("testdata/bad")
	if err != nil {
		t.Fatal(err)
	}

	for _, st := range finfos {
		t.Run(st.Name(), func(t *testing.T) {
			if _, err := load(t, filepath.Join("testdata", "bad", st.Name())); err == nil {
				t.Fatal("config loaded but should have failed")
			} else {
				t.Log(err)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	c, err := config.Load(strings.NewReader("{}"), "(test)")
	if err != nil {
		t.Fatal(err)
	}

	if c.Expiry != 5*time.Minute {
		t.Errorf("expiry = %s, want 5m", c.Expiry)
	}

	if c.SweepInterval != 10*time.Minute {
		t.Errorf("sweep interval = %s, want 10m", c.SweepInterval)
	}

	r := c.Render
	if r.Characters != 6 || r.FontSize != 60 || r.Width != 400 || r.Height != 150 {
		t.Errorf("unexpected geometry: %+v", r)
	}

	if len(r.Palette) != 8 || !r.ColorMode {
		t.Errorf("palette: got %d colors (color mode %v), want 8 with color mode on", len(r.Palette), r.ColorMode)
	}

	if r.NoiseLines != 5 || r.NoiseDots != 50 || r.DotSize != 2 {
		t.Errorf("unexpected noise settings: %+v", r)
	}

	if c.Store.Backend != "memory" {
		t.Errorf("store backend = %q, want memory", c.Store.Backend)
	}
}

func TestEmbeddedMatchesDefaults(t *testing.T) {
	fin, err := data.Config.Open(config.DefaultFile)
	if err != nil {
		t.Fatal(err)
	}
	defer fin.Close()

	embedded, err := config.Load(fin, "(data)/"+config.DefaultFile)
	if err != nil {
		t.Fatal(err)
	}

	builtin, err := config.Load(strings.NewReader("{}"), "(test)")
	if err != nil {
		t.Fatal(err)
	}

	if embedded.Expiry != builtin.Expiry || embedded.SweepInterval != builtin.SweepInterval {
		t.Errorf("timings differ: embedded %s/%s, builtin %s/%s", embedded.Expiry, embedded.SweepInterval, builtin.Expiry, builtin.SweepInterval)
	}

	if len(embedded.Render.Palette) != len(builtin.Render.Palette) {
		t.Errorf("palettes differ in length: %d vs %d", len(embedded.Render.Palette), len(builtin.Render.Palette))
	}
}

func TestExplicitZeroNoise(t *testing.T) {
	c, err := load(t, "testdata/good/monochrome.yaml")
	if err != nil {
		t.Fatal(err)
	}

	if c.Render.NoiseLines != 0 || c.Render.NoiseDots != 0 {
		t.Errorf("noise should be disabled, got lines=%d dots=%d", c.Render.NoiseLines, c.Render.NoiseDots)
	}

	if c.Render.ColorMode {
		t.Error("color mode should be off")
	}

	if c.Render.Characters != 8 {
		t.Errorf("characters = %d, want 8", c.Render.Characters)
	}
}

func TestParseColor(t *testing.T) {
	for _, tt := range []struct {
		input string
		want  color.RGBA
		err   error
	}{
		{input: "#f0f0f0", want: color.RGBA{0xf0, 0xf0, 0xf0, 0xff}},
		{input: "#2D3436", want: color.RGBA{0x2d, 0x34, 0x36, 0xff}},
		{input: "#abc", want: color.RGBA{0xaa, 0xbb, 0xcc, 0xff}},
		{input: "f0f0f0", err: config.ErrInvalidColor},
		{input: "#f0f0f", err: config.ErrInvalidColor},
		{input: "#zzzzzz", err: config.ErrInvalidColor},
		{input: "", err: config.ErrInvalidColor},
	} {
		t.Run(tt.input, func(t *testing.T) {
			got, err := config.ParseColor(tt.input)
			if !errors.Is(err, tt.err) {
				t.Fatalf("want error %v, got: %v", tt.err, err)
			}

			if tt.err != nil {
				return
			}

			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCaptchaValid(t *testing.T) {
	for _, tt := range []struct {
		name string
		mut  func(c *config.Captcha)
		err  error
	}{
		{
			name: "defaults",
			mut:  func(*config.Captcha) {},
		},
		{
			name: "too many characters",
			mut:  func(c *config.Captcha) { c.Characters = 33 },
			err:  config.ErrCharactersOutOfRange,
		},
		{
			name: "zero size",
			mut:  func(c *config.Captcha) { c.Size = 0 },
			err:  config.ErrSizeNotPositive,
		},
		{
			name: "zero width",
			mut:  func(c *config.Captcha) { c.Width = 0 },
			err:  config.ErrCanvasNotPositive,
		},
		{
			name: "bad background",
			mut:  func(c *config.Captcha) { c.Background = "white" },
			err:  config.ErrInvalidColor,
		},
		{
			name: "negative rotate",
			mut:  func(c *config.Captcha) { c.Rotate = -1 },
			err:  config.ErrNegativeValue,
		},
		{
			name: "short cleanup interval",
			mut:  func(c *config.Captcha) { c.CleanupIntervalMS = 999 },
			err:  config.ErrIntervalTooShort,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			c := config.Default()
			tt.mut(&c)

			if err := c.Valid(); !errors.Is(err, tt.err) {
				t.Logf("want: %v", tt.err)
				t.Logf("got:  %v", err)
				t.Error("invalid error returned")
			}
		})
	}
}

func TestBootstrap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "captcha.yaml")

	wrote, err := config.Bootstrap(path)
	if err != nil {
		t.Fatal(err)
	}

	if !wrote {
		t.Fatal("wanted bootstrap to write a new file")
	}

	if _, err := load(t, path); err != nil {
		t.Fatalf("bootstrapped config does not load: %v", err)
	}

	if err := os.WriteFile(path, []byte("captcha:\n  characters: 4\n"), 0644); err != nil {
		t.Fatal(err)
	}

	wrote, err = config.Bootstrap(path)
	if err != nil {
		t.Fatal(err)
	}

	if wrote {
		t.Error("bootstrap overwrote an existing file")
	}

	c, err := load(t, path)
	if err != nil {
		t.Fatal(err)
	}

	if c.Render.Characters != 4 {
		t.Errorf("characters = %d, want 4", c.Render.Characters)
	}
}
