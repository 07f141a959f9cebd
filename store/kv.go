// Package store persists everything the exchange core remembers between
// runs: the device's own card, received encounter cards, and the debounce
// ledger. All state flows through a minimal key-value capability so the
// storage mechanism stays swappable.
package store

import "errors"

// Well-known keys
const (
	KeyEncounters = "encounters"
	KeyDebounce   = "debounce"
	KeyLocalCard  = "local_card"
)

// ErrNotFound is returned by KV.Load when a key has never been saved.
var ErrNotFound = errors.New("store: key not found")

// KV is the byte-level persistence capability.
type KV interface {
	Load(key string) ([]byte, error)
	Save(key string, value []byte) error
	Delete(key string) error
}
