package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrMiss = errors.New("cache miss")

// Cache is the transient cross-request state holder. SetIfAbsent and
// DeleteIfValue must be atomic per key.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	DeleteIfValue(ctx context.Context, key string, value []byte) (bool, error)
}

func SetJSON(ctx context.Context, c Cache, key string, value any, ttl time.Duration) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value %s: %w", key, err)
	}
	return c.Set(ctx, key, encoded, ttl)
}

// GetJSON decodes the cached value into target. It returns ErrMiss when the
// key is absent or expired.
func GetJSON(ctx context.Context, c Cache, key string, target any) error {
	raw, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode cache value %s: %w", key, err)
	}
	return nil
}

const ProcessingFlag = "PROCESSING"

func TaskKey(jobID string) string {
	return "job:" + jobID + ":task"
}

func UserStatusKey(userID string) string {
	return "user:" + userID + ":status"
}

func DeliveryKey(providerID string) string {
	return "delivery:" + providerID
}

// InboundKey marks a provider message id as already accepted.
func InboundKey(providerMessageID string) string {
	return "inbound:" + providerMessageID
}
