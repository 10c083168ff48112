// Package cache implements the storage tiers behind the market-data cache: a Redis fast
// tier, a Postgres durable tier and an access tracker that drives eviction.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotInitialized is returned by every store operation before Initialize succeeds.
	ErrNotInitialized = errors.New("cache: store not initialized")

	// ErrBackendUnavailable marks transport failures against a tier.
	ErrBackendUnavailable = errors.New("cache: backend unavailable")

	// ErrSerialization is returned when a value cannot be encoded or decoded
	ErrSerialization = errors.New("cache: serialization failed")
)

// Tier names used in logs, metrics and errors.
const (
	TierFast    = "l1"
	TierDurable = "l2"
)

// NoExpiry marks an entry without TTL.
const NoExpiry time.Duration = -1

// BackendError wraps a transport failure of a tier operation.
type BackendError struct {
	Tier string
	Op   string
	Err  error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Tier, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrBackendUnavailable) hold for every BackendError.
func (e *BackendError) Is(target error) bool {
	return target == ErrBackendUnavailable
}

// Item is one entry of a batched write.
type Item struct {
	Key   string
	Value any
	// TTL <= 0 stores the entry without expiry.
	TTL time.Duration
}

// AccessHook is notified of every fast-tier lookup.
type AccessHook func(key string, hit bool)

// encode turns a value into its stored JSON form. json.RawMessage and []byte are
// taken as already-encoded JSON.
func encode(value any) ([]byte, error) {
	switch v := value.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: invalid raw JSON", ErrSerialization)
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: invalid raw JSON", ErrSerialization)
		}
		return v, nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return data, nil
}

// Decode unmarshals a stored payload into T.
func Decode[T any](raw json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return out, nil
}

func ttlSeconds(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
