package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/nomis52/phaseflow/approval"
	"github.com/nomis52/phaseflow/workflow"
)

// DefaultRedisPrefix is used when no key prefix is configured.
const DefaultRedisPrefix = "phaseflow:"

// Redis is a Store backed by Redis. Key layout:
//
//	<prefix>inst:<id>      => JSON instance
//	<prefix>run:<run id>   => SET of instance IDs
//	<prefix>ver:<phase>    => HASH version number -> JSON version
//	<prefix>book:<phase>   => JSON version book (see RedisBooks)
type Redis struct {
	client *redis.Client
	prefix string
}

var _ Store = (*Redis)(nil)

// DialRedis connects to addr and verifies the connection with PING.
func DialRedis(ctx context.Context, addr, prefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return NewRedis(client, prefix), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) keyInstance(id string) string {
	return r.prefix + "inst:" + id
}

func (r *Redis) keyRun(runID string) string {
	return r.prefix + "run:" + runID
}

func (r *Redis) keyVersions(phase string) string {
	return r.prefix + "ver:" + phase
}

func (r *Redis) PersistInstance(ctx context.Context, inst workflow.Instance) error {
	body, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("encoding instance %s: %w", inst.ID, err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.keyInstance(inst.ID), body, 0)
		pipe.SAdd(ctx, r.keyRun(inst.RunID), inst.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing instance %s: %w", inst.ID, err)
	}
	return nil
}

func (r *Redis) PersistVersion(ctx context.Context, v approval.PhaseVersion) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding version %s/%d: %w", v.Phase, v.Number, err)
	}
	if err := r.client.HSet(ctx, r.keyVersions(v.Phase), strconv.Itoa(v.Number), body).Err(); err != nil {
		return fmt.Errorf("writing version %s/%d: %w", v.Phase, v.Number, err)
	}
	return nil
}

func (r *Redis) Instance(ctx context.Context, id string) (workflow.Instance, error) {
	data, err := r.client.Get(ctx, r.keyInstance(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return workflow.Instance{}, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return workflow.Instance{}, fmt.Errorf("reading instance %s: %w", id, err)
	}
	var inst workflow.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return workflow.Instance{}, fmt.Errorf("decoding instance %s: %w", id, err)
	}
	return inst, nil
}

func (r *Redis) Instances(ctx context.Context, runID string) ([]workflow.Instance, error) {
	ids, err := r.client.SMembers(ctx, r.keyRun(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing instances of run %s: %w", runID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.keyInstance(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("reading instances of run %s: %w", runID, err)
	}

	out := make([]workflow.Instance, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var inst workflow.Instance
		if err := json.Unmarshal([]byte(s), &inst); err != nil {
			return nil, fmt.Errorf("decoding instance: %w", err)
		}
		out = append(out, inst)
	}
	sortInstances(out)
	return out, nil
}

func (r *Redis) Versions(ctx context.Context, phase string) ([]approval.PhaseVersion, error) {
	fields, err := r.client.HGetAll(ctx, r.keyVersions(phase)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing versions of %s: %w", phase, err)
	}
	out := make([]approval.PhaseVersion, 0, len(fields))
	for _, body := range fields {
		var v approval.PhaseVersion
		if err := json.Unmarshal([]byte(body), &v); err != nil {
			return nil, fmt.Errorf("decoding version: %w", err)
		}
		out = append(out, v)
	}
	sortVersions(out)
	return out, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// Books returns a version book store sharing this client and prefix.
func (r *Redis) Books() *RedisBooks {
	return &RedisBooks{client: r.client, prefix: r.prefix}
}

// RedisBooks is an approval.Store with optimistic locking through
// WATCH/MULTI/EXEC, so machines in different processes can share one book.
type RedisBooks struct {
	client *redis.Client
	prefix string
}

var _ approval.Store = (*RedisBooks)(nil)

func (b *RedisBooks) key(phase string) string {
	return b.prefix + "book:" + phase
}

func (b *RedisBooks) Load(ctx context.Context, phase string) (approval.Book, error) {
	return loadBook(ctx, b.client, b.key(phase), phase)
}

func (b *RedisBooks) CompareAndSwap(ctx context.Context, book approval.Book, expected uint64) error {
	body, err := json.Marshal(book)
	if err != nil {
		return fmt.Errorf("encoding book %s: %w", book.Phase, err)
	}
	key := b.key(book.Phase)

	err = b.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := loadBook(ctx, tx, key, book.Phase)
		if err != nil {
			return err
		}
		if current.Token != expected {
			return approval.ErrStale
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, body, 0)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return approval.ErrStale
	}
	return err
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func loadBook(ctx context.Context, c getter, key, phase string) (approval.Book, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return approval.Book{Phase: phase}, nil
	}
	if err != nil {
		return approval.Book{}, fmt.Errorf("reading book %s: %w", phase, err)
	}
	var book approval.Book
	if err := json.Unmarshal(data, &book); err != nil {
		return approval.Book{}, fmt.Errorf("decoding book %s: %w", phase, err)
	}
	return book, nil
}
