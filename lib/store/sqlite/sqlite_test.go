package sqlite

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/keyforum/captcha/lib/challenge/challengetest"
	"github.com/keyforum/captcha/lib/store/storetest"
)

func TestImpl(t *testing.T) {
	data, err := json.Marshal(Config{
		Path: filepath.Join(t.TempDir(), "captcha.db"),
	})
	if err != nil {
		t.Fatal(err)
	}

	storetest.Common(t, Factory{}, json.RawMessage(data))
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "captcha.db")

	st, err := Open(t.Context(), path)
	if err != nil {
		t.Fatal(err)
	}

	rec := challengetest.New(t, time.Now())
	if err := st.Put(t.Context(), rec); err != nil {
		t.Fatal(err)
	}

	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st, err = Open(t.Context(), path)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	got, err := st.Get(t.Context(), rec.Token)
	if err != nil {
		t.Fatal(err)
	}

	if got.Answer != rec.Answer || !got.IssuedAt.Equal(rec.IssuedAt) {
		t.Errorf("got %+v, want %+v", got, rec)
	}
}

func TestFactoryValid(t *testing.T) {
	f := Factory{}

	if err := f.Valid(json.RawMessage(`}`)); err == nil {
		t.Error("wanted parsing failure but got a successful result")
	}

	if err := f.Valid(json.RawMessage(`{}`)); !errors.Is(err, ErrMissingPath) {
		t.Errorf("wanted ErrMissingPath, got: %v", err)
	}
}
