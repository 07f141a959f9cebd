package store

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/user/aircard/card"
)

// Snapshots are canonical CBOR. RFC3339-nano time encoding keeps the full
// precision of LastUpdated so recency ordering survives a reload.
var encMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("store: cbor encoding options: %v", err))
	}
	encMode = em
}

// encountersSnapshot is the persisted form of the received-card list,
// already in most-recent-first order.
type encountersSnapshot struct {
	Cards []card.Card `json:"cards"`
}

// ledgerSnapshot is the persisted debounce ledger: owner id to the last
// time a card from that owner was seen.
type ledgerSnapshot struct {
	Sightings map[string]time.Time `json:"sightings"`
}

func marshalSnapshot(v interface{}) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encode snapshot: %w", err)
	}
	return data, nil
}

func unmarshalSnapshot(data []byte, v interface{}) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("store: decode snapshot: %w", err)
	}
	return nil
}
