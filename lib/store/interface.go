package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/keyforum/captcha/lib/challenge"
)

var (
	// ErrNotFound is returned when the store implementation cannot find the
	// record for a given token.
	ErrNotFound = errors.New("store: token not found")

	// ErrConflict is returned by Put when a record already exists for the
	// token. Stores never overwrite live records.
	ErrConflict = errors.New("store: token already exists")

	// ErrCantDecode is returned when a store adaptor cannot decode the store format
	// to a value used by the code.
	ErrCantDecode = errors.New("store: can't decode value")

	// ErrCantEncode is returned when a store adaptor cannot encode the value into
	// the format that the store uses.
	ErrCantEncode = errors.New("store: can't encode value")

	// ErrBadConfig is returned when a store adaptor's configuration is invalid.
	ErrBadConfig = errors.New("store: configuration is invalid")
)

// Interface defines the calls the challenge service uses to persist
// challenge records. This can be implemented with an in-memory, on-disk, or
// in-database storage backend.
//
// Implementations must make Take, Delete and DeleteOlderThan linearizable
// with respect to each other: a record is handed out by Take at most once.
type Interface interface {
	// Put stores a new record. It returns ErrConflict if the token is taken.
	Put(ctx context.Context, rec challenge.Record) error

	// Get returns the record for token without removing it.
	Get(ctx context.Context, token string) (challenge.Record, error)

	// Take atomically returns and removes the record for token.
	Take(ctx context.Context, token string) (challenge.Record, error)

	// Delete removes the record for token. Deleting a missing token is not
	// an error.
	Delete(ctx context.Context, token string) error

	// DeleteOlderThan removes every record issued strictly before cutoff and
	// returns how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Count returns the number of live records.
	Count(ctx context.Context) (int, error)
}

// Lister is implemented by backends that can enumerate their records for
// operators. Records come newest first.
type Lister interface {
	List(ctx context.Context) ([]challenge.Record, error)
}

// Clear removes every record from s.
func Clear(ctx context.Context, s Interface) (int, error) {
	return s.DeleteOlderThan(ctx, time.UnixMilli(math.MaxInt64))
}

// wireRecord is the serialized form used by backends that store opaque bytes.
type wireRecord struct {
	Text     string `json:"text"`
	IssuedAt int64  `json:"issued_at"`
}

// Encode serializes a record for a byte-oriented backend. The token is the
// key and is not part of the value.
func Encode(rec challenge.Record) ([]byte, error) {
	data, err := json.Marshal(wireRecord{
		Text:     rec.Answer,
		IssuedAt: rec.IssuedAt.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCantEncode, err)
	}

	return data, nil
}

// Decode is the inverse of Encode.
func Decode(token string, data []byte) (challenge.Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return challenge.Record{}, fmt.Errorf("%w: %w", ErrCantDecode, err)
	}

	return challenge.Record{
		Token:    token,
		Answer:   w.Text,
		IssuedAt: time.UnixMilli(w.IssuedAt),
	}, nil
}
