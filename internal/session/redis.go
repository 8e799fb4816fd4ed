package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"sharedrive/pkg/domain"
	"sharedrive/pkg/errors"
	"sharedrive/pkg/logger"
)

const keyPrefix = "upload:session:"

// RedisRegistry stores sessions in Redis so any instance can accept a chunk.
// Expiry is native, so SweepExpired has nothing to do.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
	logger logger.Logger
}

func NewRedisRegistry(client *redis.Client, ttl time.Duration, log logger.Logger) *RedisRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisRegistry{client: client, ttl: ttl, now: time.Now, logger: log}
}

func sessionKey(id string) string {
	return keyPrefix + id
}

func (r *RedisRegistry) Create(ctx context.Context, s *domain.UploadSession) (string, error) {
	s.ID = uuid.New().String()
	s.CreatedAt = r.now()

	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	if err := r.client.Set(ctx, sessionKey(s.ID), data, r.ttl).Err(); err != nil {
		return "", errors.Wrap(err, "failed to store upload session")
	}
	return s.ID, nil
}

func (r *RedisRegistry) Get(ctx context.Context, id string) (*domain.UploadSession, error) {
	data, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to load upload session")
	}

	var s domain.UploadSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "failed to decode upload session")
	}
	// Guards against a TTL changed after the key was written.
	if expired(&s, r.now(), r.ttl) {
		_ = r.client.Del(ctx, sessionKey(id)).Err()
		return nil, nil
	}
	return &s, nil
}

// Update rewrites the record while keeping the key's remaining TTL. A key
// that already expired is not recreated.
func (r *RedisRegistry) Update(ctx context.Context, s *domain.UploadSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	err = r.client.SetArgs(ctx, sessionKey(s.ID), data, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errors.Wrap(err, "failed to update upload session")
	}
	return nil
}

func (r *RedisRegistry) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		return errors.Wrap(err, "failed to delete upload session")
	}
	return nil
}

func (r *RedisRegistry) SweepExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}
