package challengetest

import (
	"image/color"
	"testing"
	"time"

	"github.com/keyforum/captcha/lib/challenge"
)

// New returns a record for token issued at the given time with a freshly
// generated answer.
func New(t *testing.T, issuedAt time.Time) challenge.Record {
	t.Helper()

	token, err := challenge.NewToken()
	if err != nil {
		t.Fatal(err)
	}

	return challenge.Record{
		Token:    token,
		Answer:   challenge.GenerateText(6),
		IssuedAt: time.UnixMilli(issuedAt.UnixMilli()),
	}
}

// RenderConfig is a small, fast configuration for tests.
func RenderConfig() challenge.RenderConfig {
	return challenge.RenderConfig{
		Characters: 6,
		FontSize:   24,
		Width:      160,
		Height:     60,
		Palette: []color.Color{
			color.RGBA{0xff, 0x6b, 0x6b, 0xff},
			color.RGBA{0x4e, 0xcd, 0xc4, 0xff},
		},
		ColorMode:  true,
		Background: color.RGBA{0xf0, 0xf0, 0xf0, 0xff},
		TraceColor: color.RGBA{0x2d, 0x34, 0x36, 0xff},
		TraceSize:  2,
		Rotate:     25,
		Skew:       0.3,
		NoiseLines: 5,
		NoiseDots:  20,
		DotSize:    2,
	}
}
