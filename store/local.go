package store

import (
	"errors"
	"time"

	"github.com/user/aircard/card"
)

// ErrOwnerMismatch is returned when a local save carries someone else's
// owner identity. The owner id is immutable once the card exists.
var ErrOwnerMismatch = errors.New("store: owner identity mismatch on local card")

// LocalCard owns the device's own card and enforces the save pipeline:
// owner immutability, id rotation on content change, and a strictly
// advancing timestamp.
type LocalCard struct {
	kv      KV
	current card.Card
	loaded  bool
}

// NewLocalCard wires the local card to its persistence.
func NewLocalCard(kv KV) *LocalCard {
	return &LocalCard{kv: kv}
}

// LoadOrCreate restores the card, or creates a blank one with a fresh
// owner identity on first run.
func (l *LocalCard) LoadOrCreate(displayName string) (card.Card, error) {
	data, err := l.kv.Load(KeyLocalCard)
	switch err {
	case nil:
		var c card.Card
		if err := unmarshalSnapshot(data, &c); err != nil {
			return card.Card{}, err
		}
		l.current = c
		l.loaded = true
		return c, nil
	case ErrNotFound:
	default:
		return card.Card{}, err
	}

	c := card.Card{
		ID:            card.NewID(),
		OwnerID:       card.NewOwnerID(),
		DisplayName:   displayName,
		LastUpdated:   time.Now().UTC(),
		SchemaVersion: card.CurrentSchemaVersion,
	}
	if err := l.persist(c); err != nil {
		return card.Card{}, err
	}
	return c, nil
}

// Current returns the card as of the last load or save.
func (l *LocalCard) Current() card.Card { return l.current }

// Save applies an edit. The owner id may not change; the id rotates only
// when content actually differs; LastUpdated always moves strictly
// forward, even for timestamp-only resaves within one clock tick.
func (l *LocalCard) Save(next card.Card) (card.Card, error) {
	if !l.loaded {
		return card.Card{}, errors.New("store: local card not loaded")
	}
	if next.OwnerID != "" && next.OwnerID != l.current.OwnerID {
		return card.Card{}, ErrOwnerMismatch
	}
	next.OwnerID = l.current.OwnerID
	next.Normalize()
	if next.SchemaVersion == 0 {
		next.SchemaVersion = l.current.SchemaVersion
	}

	if card.ContentEqual(l.current, next) {
		next.ID = l.current.ID
	} else {
		next.ID = card.NewID()
	}

	now := time.Now().UTC()
	if !now.After(l.current.LastUpdated) {
		now = l.current.LastUpdated.Add(time.Millisecond)
	}
	next.LastUpdated = now

	if err := l.persist(next); err != nil {
		return card.Card{}, err
	}
	return next, nil
}

func (l *LocalCard) persist(c card.Card) error {
	data, err := marshalSnapshot(c)
	if err != nil {
		return err
	}
	if err := l.kv.Save(KeyLocalCard, data); err != nil {
		return err
	}
	l.current = c
	l.loaded = true
	return nil
}
