// Package store provides the key/value persistence used for guest session
// continuity: slug indexes, remembered session ids and guest bearer tokens.
// Values are opaque strings; callers are expected to tolerate missing or
// garbage data and rebuild it.
package store

// KV is string key/value storage that survives restarts.
type KV interface {
	// Get returns the stored value and whether the key was present.
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
	Close() error
}
