package store_test

import (
	"errors"
	"testing"
	"time"

	"github.com/keyforum/captcha/lib/challenge/challengetest"
	"github.com/keyforum/captcha/lib/store"
	"github.com/keyforum/captcha/lib/store/memory"
)

func TestEncodeDecode(t *testing.T) {
	rec := challengetest.New(t, time.Now())

	data, err := store.Encode(rec)
	if err != nil {
		t.Fatal(err)
	}

	got, err := store.Decode(rec.Token, data)
	if err != nil {
		t.Fatal(err)
	}

	if got.Token != rec.Token || got.Answer != rec.Answer || !got.IssuedAt.Equal(rec.IssuedAt) {
		t.Errorf("got %+v, want %+v", got, rec)
	}

	if _, err := store.Decode(rec.Token, []byte("}")); !errors.Is(err, store.ErrCantDecode) {
		t.Errorf("wanted ErrCantDecode, got: %v", err)
	}
}

func TestClear(t *testing.T) {
	st := memory.New()

	for range 5 {
		if err := st.Put(t.Context(), challengetest.New(t, time.Now())); err != nil {
			t.Fatal(err)
		}
	}

	n, err := store.Clear(t.Context(), st)
	if err != nil {
		t.Fatal(err)
	}

	if n != 5 {
		t.Errorf("cleared %d records, want 5", n)
	}

	if count, _ := st.Count(t.Context()); count != 0 {
		t.Errorf("store has %d records after clear", count)
	}
}
