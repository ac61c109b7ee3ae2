package main

import (
	"bytes"
	"errors"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/keyforum/captcha/lib/challenge/challengetest"
	"github.com/keyforum/captcha/lib/store/sqlite"
)

// writeConfig points the CLI at a sqlite store in a temp dir.
func writeConfig(t *testing.T) (string, string) {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "captcha.db")
	cfgPath := filepath.Join(dir, "captcha.yaml")

	body := "captcha:\n  expiry_ms: 300000\nstore:\n  backend: sqlite\n  parameters:\n    path: " + dbPath + "\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	return cfgPath, dbPath
}

func seed(t *testing.T, dbPath string, ages ...time.Duration) {
	t.Helper()

	st, err := sqlite.Open(t.Context(), dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	for _, age := range ages {
		if err := st.Put(t.Context(), challengetest.New(t, time.Now().Add(-age))); err != nil {
			t.Fatal(err)
		}
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func TestStatsAndClean(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	seed(t, dbPath, 0, time.Minute, time.Hour, 2*time.Hour)

	out, err := run(t, "--config", cfgPath, "stats")
	if err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(out, "Live challenges:   4") || !strings.Contains(out, "Expiry:            5 minutes") {
		t.Errorf("unexpected stats output:\n%s", out)
	}

	out, err = run(t, "--config", cfgPath, "clean")
	if err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(out, "Removed 2 expired") {
		t.Errorf("unexpected clean output: %q", out)
	}

	out, err = run(t, "--config", cfgPath, "list")
	if err != nil {
		t.Fatal(err)
	}

	if lines := strings.Count(out, "VALID"); lines != 2 {
		t.Errorf("listed %d valid challenges, want 2:\n%s", lines, out)
	}
}

func TestClear(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	seed(t, dbPath, 0, time.Minute)

	if _, err := run(t, "--config", cfgPath, "clear"); !errors.Is(err, ErrNotConfirmed) {
		t.Errorf("wanted ErrNotConfirmed, got: %v", err)
	}

	out, err := run(t, "--config", cfgPath, "clear", "--yes")
	if err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(out, "2 removed") {
		t.Errorf("unexpected clear output: %q", out)
	}
}

func TestConfigCommand(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	out, err := run(t, "--config", cfgPath, "config")
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"expiry_ms: 300000", "backend: sqlite", "characters: 6"} {
		if !strings.Contains(out, want) {
			t.Errorf("config output is missing %q:\n%s", want, out)
		}
	}
}

func TestPreview(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "preview.png")

	out, err := run(t, "preview", "-o", dest, "--text", "abc234")
	if err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(out, "ABC234") {
		t.Errorf("unexpected preview output: %q", out)
	}

	fin, err := os.Open(dest)
	if err != nil {
		t.Fatal(err)
	}
	defer fin.Close()

	img, err := png.Decode(fin)
	if err != nil {
		t.Fatal(err)
	}

	if b := img.Bounds(); b.Dx() != 400 || b.Dy() != 150 {
		t.Errorf("preview is %dx%d, want 400x150", b.Dx(), b.Dy())
	}
}

func TestBadConfigFile(t *testing.T) {
	if _, err := run(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "stats"); err == nil {
		t.Fatal("wanted an error for a missing config file")
	}
}
