package bbolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/keyforum/captcha/lib/challenge"
	"github.com/keyforum/captcha/lib/store"
	"go.etcd.io/bbolt"
)

// Sentinel error values used for testing and in admin-visible error messages.
var (
	ErrBucketDoesNotExist = errors.New("bbolt: bucket does not exist")
)

var (
	recordsBucket = []byte("challenges")
	issuedBucket  = []byte("issued")
)

// Store implements store.Interface backed by bbolt[1].
//
// Records live in two buckets:
//
// 1. challenges - token => encoded record (answer text and issue time)
// 2. issued - 8 byte big-endian issue time in milliseconds followed by the token => empty
//
// The issued bucket is an index sorted by issue time, so the sweep walks a
// cursor from the start and stops at the cutoff without decoding anything.
// Every mutation runs in a single read-write transaction and bbolt allows
// only one of those at a time, which is what makes Take happen at most once.
//
// bbolt is not suitable for environments where multiple instances need to
// read from and write to the same backend store. For that, use the valkey
// storage backend.
//
// [1]: https://github.com/etcd-io/bbolt
type Store struct {
	bdb *bbolt.DB
}

func indexKey(rec challenge.Record) []byte {
	key := make([]byte, 8, 8+len(rec.Token))
	binary.BigEndian.PutUint64(key, uint64(rec.IssuedAt.UnixMilli()))
	return append(key, rec.Token...)
}

func buckets(tx *bbolt.Tx) (*bbolt.Bucket, *bbolt.Bucket, error) {
	records := tx.Bucket(recordsBucket)
	issued := tx.Bucket(issuedBucket)
	if records == nil || issued == nil {
		return nil, nil, ErrBucketDoesNotExist
	}

	return records, issued, nil
}

func (s *Store) init() error {
	return s.bdb.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{recordsBucket, issuedBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("can't create bucket %q: %w", name, err)
			}
		}

		return nil
	})
}

// Put a record into the store. Fails with store.ErrConflict if the token is
// already present.
func (s *Store) Put(ctx context.Context, rec challenge.Record) error {
	data, err := store.Encode(rec)
	if err != nil {
		return err
	}

	return s.bdb.Update(func(tx *bbolt.Tx) error {
		records, issued, err := buckets(tx)
		if err != nil {
			return err
		}

		if records.Get([]byte(rec.Token)) != nil {
			return fmt.Errorf("%w: %q", store.ErrConflict, rec.Token)
		}

		if err := records.Put([]byte(rec.Token), data); err != nil {
			return fmt.Errorf("%w: %w: %q (data)", store.ErrCantEncode, err, rec.Token)
		}

		if err := issued.Put(indexKey(rec), nil); err != nil {
			return fmt.Errorf("%w: %w: %q (index)", store.ErrCantEncode, err, rec.Token)
		}

		return nil
	})
}

// Get a record from the datastore.
func (s *Store) Get(ctx context.Context, token string) (challenge.Record, error) {
	var result challenge.Record

	if err := s.bdb.View(func(tx *bbolt.Tx) error {
		records, _, err := buckets(tx)
		if err != nil {
			return err
		}

		data := records.Get([]byte(token))
		if data == nil {
			return fmt.Errorf("%w: %q", store.ErrNotFound, token)
		}

		// data is only valid for the life of the transaction, Decode copies it
		result, err = store.Decode(token, data)
		return err
	}); err != nil {
		return challenge.Record{}, err
	}

	return result, nil
}

// remove deletes token from both buckets and returns what was stored.
func remove(tx *bbolt.Tx, token string) (challenge.Record, error) {
	records, issued, err := buckets(tx)
	if err != nil {
		return challenge.Record{}, err
	}

	data := records.Get([]byte(token))
	if data == nil {
		return challenge.Record{}, fmt.Errorf("%w: %q", store.ErrNotFound, token)
	}

	rec, err := store.Decode(token, data)
	if err != nil {
		return challenge.Record{}, err
	}

	if err := records.Delete([]byte(token)); err != nil {
		return challenge.Record{}, err
	}

	if err := issued.Delete(indexKey(rec)); err != nil {
		return challenge.Record{}, err
	}

	return rec, nil
}

// Take reads and deletes a record in one transaction.
func (s *Store) Take(ctx context.Context, token string) (challenge.Record, error) {
	var result challenge.Record

	if err := s.bdb.Update(func(tx *bbolt.Tx) error {
		var err error
		result, err = remove(tx, token)
		return err
	}); err != nil {
		return challenge.Record{}, err
	}

	return result, nil
}

// Delete a record from the datastore. Missing tokens are ignored.
func (s *Store) Delete(ctx context.Context, token string) error {
	return s.bdb.Update(func(tx *bbolt.Tx) error {
		if _, err := remove(tx, token); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		return nil
	})
}

// DeleteOlderThan walks the issued index up to cutoff and removes every
// record it finds.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	limit := make([]byte, 8)
	binary.BigEndian.PutUint64(limit, uint64(cutoff.UnixMilli()))

	var removed int

	err := s.bdb.Update(func(tx *bbolt.Tx) error {
		records, issued, err := buckets(tx)
		if err != nil {
			return err
		}

		var stale [][]byte
		c := issued.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k[:8], limit) < 0; k, _ = c.Next() {
			// keys are only valid for the life of the transaction and
			// deleting under a live cursor skips entries, so copy first
			stale = append(stale, bytes.Clone(k))
		}

		for _, k := range stale {
			if err := issued.Delete(k); err != nil {
				return err
			}

			if err := records.Delete(k[8:]); err != nil {
				return err
			}
		}

		removed = len(stale)
		return nil
	})
	if err != nil {
		return 0, err
	}

	return removed, nil
}

// Count returns the number of records in the store.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int

	if err := s.bdb.View(func(tx *bbolt.Tx) error {
		records, _, err := buckets(tx)
		if err != nil {
			return err
		}

		n = records.Stats().KeyN
		return nil
	}); err != nil {
		return 0, err
	}

	return n, nil
}

// List walks the issued index backwards so the newest records come first.
func (s *Store) List(ctx context.Context) ([]challenge.Record, error) {
	var result []challenge.Record

	if err := s.bdb.View(func(tx *bbolt.Tx) error {
		records, issued, err := buckets(tx)
		if err != nil {
			return err
		}

		c := issued.Cursor()
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			token := string(k[8:])

			data := records.Get([]byte(token))
			if data == nil {
				continue
			}

			rec, err := store.Decode(token, data)
			if err != nil {
				return err
			}

			result = append(result, rec)
		}

		return nil
	}); err != nil {
		return nil, err
	}

	return result, nil
}

// Close releases the database file lock.
func (s *Store) Close() error {
	return s.bdb.Close()
}
