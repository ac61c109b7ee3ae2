package valkey

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/keyforum/captcha/lib/challenge"
	"github.com/keyforum/captcha/lib/store"
	valkey "github.com/redis/go-redis/v9"
)

// Each record is a string key holding the encoded record plus a member of a
// sorted set scored by issue time in milliseconds. Scripts keep the two in
// step and run atomically on the server. Every key a script touches is passed
// in KEYS; on a cluster the prefix needs a hash tag such as "{captcha}:" so
// they all land in one slot.
var (
	putScript = valkey.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX') then
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
	return 1
end
return 0
`)

	takeScript = valkey.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
	return false
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return v
`)

	// KEYS[1] is the index, KEYS[i+1] the record key of ARGV[i]. Members
	// already removed by a concurrent take are not counted.
	sweepScript = valkey.NewScript(`
local n = 0
for i, id in ipairs(ARGV) do
	if redis.call('ZREM', KEYS[1], id) == 1 then
		redis.call('DEL', KEYS[i + 1])
		n = n + 1
	end
end
return n
`)
)

type Store struct {
	rdb    *valkey.Client
	prefix string
}

func (s *Store) recordPrefix() string { return s.prefix + "challenge:" }
func (s *Store) recordKey(token string) string { return s.recordPrefix() + token }
func (s *Store) indexKey() string { return s.prefix + "issued" }

func (s *Store) Put(ctx context.Context, rec challenge.Record) error {
	data, err := store.Encode(rec)
	if err != nil {
		return err
	}

	ok, err := putScript.Run(ctx, s.rdb,
		[]string{s.recordKey(rec.Token), s.indexKey()},
		string(data), rec.IssuedAt.UnixMilli(), rec.Token,
	).Int()
	if err != nil {
		return fmt.Errorf("can't put %q in valkey: %w", rec.Token, err)
	}

	if ok == 0 {
		return fmt.Errorf("%w: %q", store.ErrConflict, rec.Token)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, token string) (challenge.Record, error) {
	result, err := s.rdb.Get(ctx, s.recordKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, valkey.Nil) {
			return challenge.Record{}, fmt.Errorf("%w: %w", store.ErrNotFound, err)
		}

		return challenge.Record{}, fmt.Errorf("can't fetch from valkey: %w", err)
	}

	return store.Decode(token, result)
}

func (s *Store) Take(ctx context.Context, token string) (challenge.Record, error) {
	result, err := takeScript.Run(ctx, s.rdb,
		[]string{s.recordKey(token), s.indexKey()},
		token,
	).Text()
	if err != nil {
		if errors.Is(err, valkey.Nil) {
			return challenge.Record{}, fmt.Errorf("%w: %w", store.ErrNotFound, err)
		}

		return challenge.Record{}, fmt.Errorf("can't take from valkey: %w", err)
	}

	return store.Decode(token, []byte(result))
}

func (s *Store) Delete(ctx context.Context, token string) error {
	if _, err := s.rdb.TxPipelined(ctx, func(pipe valkey.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(token))
		pipe.ZRem(ctx, s.indexKey(), token)
		return nil
	}); err != nil {
		return fmt.Errorf("can't delete from valkey: %w", err)
	}

	return nil
}

// sweepBatch bounds how many records one script call removes.
const sweepBatch = 256

func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.indexKey(), &valkey.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("can't sweep valkey: %w", err)
	}

	var total int
	for chunk := range slices.Chunk(ids, sweepBatch) {
		keys := make([]string, 0, len(chunk)+1)
		keys = append(keys, s.indexKey())
		args := make([]any, 0, len(chunk))

		for _, id := range chunk {
			keys = append(keys, s.recordKey(id))
			args = append(args, id)
		}

		n, err := sweepScript.Run(ctx, s.rdb, keys, args...).Int()
		if err != nil {
			return total, fmt.Errorf("can't sweep valkey: %w", err)
		}

		total += n
	}

	return total, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.rdb.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("can't count in valkey: %w", err)
	}

	return int(n), nil
}

// List reads the index newest first and fetches the records in one
// pipeline. Records that vanish in between are skipped.
func (s *Store) List(ctx context.Context) ([]challenge.Record, error) {
	tokens, err := s.rdb.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("can't read valkey index: %w", err)
	}

	cmds := make([]*valkey.StringCmd, len(tokens))
	if _, err := s.rdb.Pipelined(ctx, func(pipe valkey.Pipeliner) error {
		for i, token := range tokens {
			cmds[i] = pipe.Get(ctx, s.recordKey(token))
		}
		return nil
	}); err != nil && !errors.Is(err, valkey.Nil) {
		return nil, fmt.Errorf("can't fetch from valkey: %w", err)
	}

	result := make([]challenge.Record, 0, len(tokens))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, valkey.Nil) {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("can't fetch from valkey: %w", err)
		}

		rec, err := store.Decode(tokens[i], data)
		if err != nil {
			return nil, err
		}

		result = append(result, rec)
	}

	return result, nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
