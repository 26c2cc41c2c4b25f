package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis store backend.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps blobs in Redis hashes, one per path. Meant for local
// runs and integration tests where a real remote repository is overkill.
// Revisions are content-addressed (sha256 of the blob), so the
// read-with-revision / conditional-write contract matches the remote
// backend.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a Redis-backed blob store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "threatdelta:store"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis store: %w", err)
	}

	return &RedisStore{client: client, prefix: strings.TrimSpace(cfg.KeyPrefix)}, nil
}

// Read returns the blob and its revision for path.
func (s *RedisStore) Read(ctx context.Context, path string) ([]byte, string, error) {
	hash, err := s.client.HGetAll(ctx, s.blobKey(path)).Result()
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}
	if len(hash) == 0 {
		return nil, "", fmt.Errorf("read %s: %w", path, ErrNotFound)
	}
	return []byte(hash["content"]), hash["revision"], nil
}

// Write creates or updates the blob at path under an optimistic
// transaction: the stored revision is checked inside WATCH so a
// concurrent writer triggers a retryable conflict instead of a lost
// update.
func (s *RedisStore) Write(ctx context.Context, path string, content []byte, revision string) (string, error) {
	key := s.blobKey(path)
	newRev := contentRevision(content)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "revision").Result()
		if err == redis.Nil {
			current = ""
		} else if err != nil {
			return fmt.Errorf("read current revision: %w", err)
		}

		if current != revision {
			return &ConflictError{Path: path, Revision: revision}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"content", string(content),
				"revision", newRev,
				"updated_at", time.Now().UTC().Format(time.RFC3339),
			)
			return nil
		})
		return err
	}, key)
	if err != nil {
		if _, ok := err.(*ConflictError); ok {
			return "", err
		}
		if err == redis.TxFailedErr {
			return "", &ConflictError{Path: path, Revision: revision}
		}
		return "", fmt.Errorf("write %s: %w", path, err)
	}

	return newRev, nil
}

// Close closes Redis resources.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) blobKey(path string) string {
	return s.prefix + ":blob:" + path
}

func contentRevision(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
