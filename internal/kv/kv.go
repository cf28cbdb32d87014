// Package kv is the distributed-state backend shared by the circuit breakers
// and the file lock manager: a key-value store with native TTL and atomic
// compare-and-swap.
package kv

import (
	"context"
	"time"
)

// Store is implemented by Redis (multi-instance deployments) and Memory
// (single process, tests). A ttl of 0 means "no expiry". Get returns
// common.ErrorNotFound for absent or expired keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key is absent.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndSwap replaces the value of key with next only if its current
	// value equals prev. A nil prev means "key must be absent".
	CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key only if its current value equals prev.
	CompareAndDelete(ctx context.Context, key string, prev []byte) (bool, error)
	Delete(ctx context.Context, key string) error
	// Keys lists live keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
