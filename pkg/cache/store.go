/*
Package cache defines the Metadata Cache: a polymorphic key-value store
abstracted behind a small capability set (get/set, hash, set-of-members,
batch) so the Bubble Store, Activation Loader, and Worker Supervisor can
all persist facts about specs, bubbles, and packages without caring
whether the backend is an embedded file or a networked service.

Two backends exist: pkg/cache/embedded (a bbolt-backed store, always
present) and pkg/cache/networked (a thin adapter over an external
key-value service). Both implement Store identically; callers never
branch on which one they hold.
*/
package cache

// Store is the capability set every backend must implement. Key-not-
// found returns a zero-value result (empty map, empty slice, empty
// string, false) — never an error. Backend-unavailable conditions are
// always returned as errors; callers must not fall back silently.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error

	HGet(key, field string) (string, error)
	HSet(key string, mapping map[string]string) error
	HGetAll(key string) (map[string]string, error)

	SAdd(key string, members ...string) error
	SMembers(key string) ([]string, error)

	Delete(keys ...string) error
	Exists(key string) (bool, error)
	Scan(prefix string) ([]string, error)

	// Batch returns a batch/pipeline handle. Its operations commit on
	// each call; callers must see identical observable semantics
	// whether they use Batch or the Store methods directly.
	Batch() Batch

	Close() error
}

// Batch mirrors Store's mutating operations. It exists so callers that
// want to express "these writes belong together" have a vocabulary for
// it, without requiring backends to support deferred or transactional
// commits: every Batch implementation in this repo commits immediately —
// the type is a no-op grouping, not a transaction.
type Batch interface {
	Set(key, value string) error
	HSet(key string, mapping map[string]string) error
	SAdd(key string, members ...string) error
	Delete(keys ...string) error
}
