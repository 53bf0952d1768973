// Package cache stores decoded clips and extracted features under
// content-addressed keys.
//
// A key is a hierarchical path such as ["spec", "<content hash>",
// "<feature key>", "12"]. Keys embed a hash of the source bytes and a
// fingerprint of every parameter that produced the value, so a changed
// file or a changed parameter simply misses instead of returning a stale
// entry. There is no explicit invalidation.
//
// Two backends are provided: Badger for on-disk caches shared between runs
// and Memory for tests.
package cache

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/OneOfOne/xxhash"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrNotFound is returned when a key is not cached.
var ErrNotFound = errors.New("cache: not found")

// Key is a hierarchical cache key. Segments must not contain the
// separator byte.
type Key []string

func (k Key) String() string {
	return strings.Join(k, string(separator))
}

const separator byte = '/'

func (k Key) encode() []byte {
	return []byte(k.String())
}

func decodeKey(b []byte) Key {
	return Key(strings.Split(string(b), string(separator)))
}

// prefixBytes returns the encoded prefix followed by a separator so that
// "a/b" does not match "a/bc". An empty prefix matches everything.
func (k Key) prefixBytes() []byte {
	if len(k) == 0 {
		return nil
	}
	return append(k.encode(), separator)
}

// Entry is a key-value pair.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is a byte-oriented cache backend. Implementations are safe for
// concurrent use.
type Store interface {
	// Get returns the cached value or ErrNotFound.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set stores a value, replacing any previous one.
	Set(ctx context.Context, key Key, value []byte) error

	// BatchSet stores several values at once.
	BatchSet(ctx context.Context, entries []Entry) error

	// Delete removes a key. Missing keys are not an error.
	Delete(ctx context.Context, key Key) error

	// List iterates over entries under prefix in lexicographic key order.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// Close releases the backend.
	Close() error
}

// ContentHash returns the hex xxhash64 of data. It is the content address
// used in clip and feature keys.
func ContentHash(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Checksum64(data))
}

// ClipKey addresses a decoded clip resampled to sampleRate.
func ClipKey(hash string, sampleRate int) Key {
	return Key{"clip", hash, fmt.Sprint(sampleRate)}
}

// SpecKey addresses the spectrogram of one segment of a clip.
func SpecKey(hash, featureKey string, segment int) Key {
	return Key{"spec", hash, featureKey, fmt.Sprint(segment)}
}

// GetValue decodes a msgpack value stored under key into v.
func GetValue(ctx context.Context, s Store, key Key, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return nil
}

// SetValue stores v under key, msgpack encoded.
func SetValue(ctx context.Context, s Store, key Key, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data)
}

// Purge deletes every entry under prefix and returns how many were removed.
func Purge(ctx context.Context, s Store, prefix Key) (int, error) {
	var keys []Key
	for e, err := range s.List(ctx, prefix) {
		if err != nil {
			return 0, err
		}
		keys = append(keys, e.Key)
	}
	for _, k := range keys {
		if err := s.Delete(ctx, k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}
