package otp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// retention keeps a consumed-by-TTL code around long enough that a late
// verify reads ErrExpired instead of ErrNotFound, matching MemoryStore.
const retention = 2 * TTL

// RedisStore backs the OTP gate with redis so codes survive a process
// restart and can be shared across replicas. The value carries the
// issue time so logical expiry stays distinguishable from a missing
// code even though the key outlives TTL. GetDel gives the same
// consume-on-any-outcome semantics as the in-memory store.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// NewRedisStoreAt is NewRedisStore with an injected clock, for tests.
func NewRedisStoreAt(client *redis.Client, now func() time.Time) *RedisStore {
	return &RedisStore{client: client, now: now}
}

func key(email string) string { return "esign:otp:" + email }

func encodePayload(code string, issued time.Time) string {
	return fmt.Sprintf("%s:%d", code, issued.Unix())
}

func decodePayload(payload string) (code string, issued time.Time, err error) {
	i := strings.LastIndexByte(payload, ':')
	if i < 0 {
		return "", time.Time{}, errors.New("malformed otp payload")
	}
	unix, err := strconv.ParseInt(payload[i+1:], 10, 64)
	if err != nil {
		return "", time.Time{}, err
	}
	return payload[:i], time.Unix(unix, 0), nil
}

// classify applies the store contract to a consumed payload.
func classify(payload, code string, now time.Time) error {
	stored, issued, err := decodePayload(payload)
	if err != nil {
		return ErrNotFound
	}
	if now.After(issued.Add(TTL)) {
		return ErrExpired
	}
	if stored != code {
		return ErrMismatch
	}
	return nil
}

func (s *RedisStore) Issue(ctx context.Context, email string) (string, error) {
	code, err := GenerateCode()
	if err != nil {
		return "", err
	}
	payload := encodePayload(code, s.now())
	if err := s.client.Set(ctx, key(email), payload, retention).Err(); err != nil {
		return "", err
	}
	return code, nil
}

func (s *RedisStore) Verify(ctx context.Context, email, code string) error {
	payload, err := s.client.GetDel(ctx, key(email)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return classify(payload, code, s.now())
}
