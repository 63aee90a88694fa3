// Package redisstore keeps challenges in Redis. Answers are stored only as
// salted digests.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shastrum/go-captchaguard"
)

const (
	defaultPrefix = "captchaguard"
	maxStaleSkips = 3
)

// redisNewClient is a package-level variable for redis.NewClient.
var redisNewClient = redis.NewClient

// Config holds the connection settings.
type Config struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

// Repository implements captchaguard.Repository on top of a Redis hash per
// challenge plus a set indexing every id.
type Repository struct {
	client *redis.Client
	prefix string
}

var _ captchaguard.Repository = (*Repository)(nil)

// New connects to Redis and returns the repository with a close function.
func New(ctx context.Context, cfg Config) (*Repository, func() error, error) {
	if cfg.Addr == "" {
		return nil, nil, fmt.Errorf("missing required config 'addr'")
	}

	client := redisNewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(client, cfg.Prefix), client.Close, nil
}

// NewWithClient wraps an existing client. An empty prefix uses "captchaguard".
func NewWithClient(client *redis.Client, prefix string) *Repository {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Repository{client: client, prefix: prefix}
}

func (r *Repository) indexKey() string {
	return r.prefix + ":challenges"
}

func (r *Repository) challengeKey(id string) string {
	return r.prefix + ":challenge:" + id
}

// Put hashes the answers of ch with a fresh salt and stores it.
func (r *Repository) Put(ctx context.Context, ch *captchaguard.TextChallenge) error {
	if ch.Key == "" {
		ch.Key = uuid.NewString()
	}
	return r.PutHashed(ctx, captchaguard.Hash(ch, uuid.NewString()))
}

// PutHashed stores an already hashed challenge, replacing any previous one.
func (r *Repository) PutHashed(ctx context.Context, ch *captchaguard.HashedChallenge) error {
	key := r.challengeKey(ch.Key)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"question", ch.Question,
			"salt", ch.Salt,
			"digests", strings.Join(ch.Digests, ","),
		)
		pipe.SAdd(ctx, r.indexKey(), ch.Key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put challenge %s: %w", ch.Key, err)
	}
	return nil
}

// Delete removes a challenge and its index entry.
func (r *Repository) Delete(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.challengeKey(id))
		pipe.SRem(ctx, r.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete challenge %s: %w", id, err)
	}
	return nil
}

func (r *Repository) ByID(ctx context.Context, id string) (captchaguard.Challenge, error) {
	fields, err := r.client.HGetAll(ctx, r.challengeKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get challenge %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", captchaguard.ErrChallengeNotFound, id)
	}

	ch := &captchaguard.HashedChallenge{
		Key:      id,
		Question: fields["question"],
		Salt:     fields["salt"],
	}
	if d := fields["digests"]; d != "" {
		ch.Digests = strings.Split(d, ",")
	}
	return ch, nil
}

// Random picks an id from the index. Ids whose hash has vanished are pruned.
func (r *Repository) Random(ctx context.Context) (captchaguard.Challenge, error) {
	for i := 0; i < maxStaleSkips; i++ {
		id, err := r.client.SRandMember(ctx, r.indexKey()).Result()
		if errors.Is(err, redis.Nil) {
			return nil, captchaguard.ErrNoChallenges
		} else if err != nil {
			return nil, fmt.Errorf("redis pick challenge: %w", err)
		}

		ch, err := r.ByID(ctx, id)
		if err == nil {
			return ch, nil
		}
		if !errors.Is(err, captchaguard.ErrChallengeNotFound) {
			return nil, err
		}
		if err := r.client.SRem(ctx, r.indexKey(), id).Err(); err != nil {
			return nil, fmt.Errorf("redis prune challenge %s: %w", id, err)
		}
	}
	return nil, captchaguard.ErrNoChallenges
}
