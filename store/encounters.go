package store

import (
	"sort"
	"time"

	"github.com/user/aircard/card"
)

const (
	// DefaultDebounceWindow suppresses re-ingestion of the same owner's
	// card while both people are still standing next to each other.
	DefaultDebounceWindow = 30 * time.Second
	// DefaultMaxRetained caps the encounter list; the oldest cards fall off.
	DefaultMaxRetained = 200
)

// IngestResult says what Ingest did with a received card.
type IngestResult int

const (
	// Accepted: the card was inserted or replaced an older revision.
	Accepted IngestResult = iota
	// Debounced: same owner seen again inside the window; card discarded,
	// sighting refreshed.
	Debounced
	// Stale: an equal-or-newer revision is already stored; card discarded.
	Stale
)

func (r IngestResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Debounced:
		return "debounced"
	default:
		return "stale"
	}
}

// Encounters holds every card received from nearby devices, most recent
// first, plus the debounce ledger. Loaded once at startup; mutated only
// through Ingest and Remove; persisted after every mutation.
type Encounters struct {
	kv        KV
	window    time.Duration
	max       int
	cards     []card.Card
	sightings map[string]time.Time
}

// NewEncounters wires the store to its persistence. window <= 0 and
// max <= 0 select the defaults.
func NewEncounters(kv KV, window time.Duration, max int) *Encounters {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	if max <= 0 {
		max = DefaultMaxRetained
	}
	return &Encounters{
		kv:        kv,
		window:    window,
		max:       max,
		sightings: make(map[string]time.Time),
	}
}

// Load restores the card list and ledger. A store that was never saved
// starts empty.
func (e *Encounters) Load() error {
	data, err := e.kv.Load(KeyEncounters)
	switch err {
	case nil:
		var snap encountersSnapshot
		if err := unmarshalSnapshot(data, &snap); err != nil {
			return err
		}
		e.cards = snap.Cards
	case ErrNotFound:
	default:
		return err
	}

	data, err = e.kv.Load(KeyDebounce)
	switch err {
	case nil:
		var snap ledgerSnapshot
		if err := unmarshalSnapshot(data, &snap); err != nil {
			return err
		}
		if snap.Sightings != nil {
			e.sightings = snap.Sightings
		}
	case ErrNotFound:
	default:
		return err
	}
	return nil
}

// Ingest applies the debounce and replacement policy to a card received at
// seenAt. On Accepted the list is re-sorted, capped, and persisted.
func (e *Encounters) Ingest(c card.Card, seenAt time.Time) (IngestResult, error) {
	if last, ok := e.sightings[c.OwnerID]; ok && seenAt.Sub(last) < e.window {
		// Still within the window. Discard the card but refresh the
		// sighting so a peer hovering in range stays debounced.
		e.sightings[c.OwnerID] = seenAt
		return Debounced, e.persistLedger()
	}
	e.sightings[c.OwnerID] = seenAt

	replaced := false
	for i := range e.cards {
		if e.cards[i].OwnerID != c.OwnerID {
			continue
		}
		if !c.LastUpdated.After(e.cards[i].LastUpdated) && c.SchemaVersion <= e.cards[i].SchemaVersion {
			return Stale, e.persistLedger()
		}
		e.cards[i] = c
		replaced = true
		break
	}
	if !replaced {
		e.cards = append(e.cards, c)
	}

	sort.SliceStable(e.cards, func(i, j int) bool {
		return e.cards[i].LastUpdated.After(e.cards[j].LastUpdated)
	})
	if len(e.cards) > e.max {
		e.cards = e.cards[:e.max]
	}
	return Accepted, e.persist()
}

// Remove deletes the card for an owner (user-initiated). Reports whether
// anything was removed.
func (e *Encounters) Remove(ownerID string) (bool, error) {
	for i := range e.cards {
		if e.cards[i].OwnerID == ownerID {
			e.cards = append(e.cards[:i], e.cards[i+1:]...)
			return true, e.persist()
		}
	}
	return false, nil
}

// Cards returns a copy of the list, most recent first.
func (e *Encounters) Cards() []card.Card {
	out := make([]card.Card, len(e.cards))
	copy(out, e.cards)
	return out
}

// Len returns the number of stored cards.
func (e *Encounters) Len() int { return len(e.cards) }

// LastSighting returns when a card from owner was last seen, if ever.
func (e *Encounters) LastSighting(ownerID string) (time.Time, bool) {
	t, ok := e.sightings[ownerID]
	return t, ok
}

func (e *Encounters) persist() error {
	data, err := marshalSnapshot(encountersSnapshot{Cards: e.cards})
	if err != nil {
		return err
	}
	if err := e.kv.Save(KeyEncounters, data); err != nil {
		return err
	}
	return e.persistLedger()
}

func (e *Encounters) persistLedger() error {
	data, err := marshalSnapshot(ledgerSnapshot{Sightings: e.sightings})
	if err != nil {
		return err
	}
	return e.kv.Save(KeyDebounce, data)
}
