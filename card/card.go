package card

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// MaxFlairs is the number of flair slots a card carries.
const MaxFlairs = 2

// CurrentSchemaVersion is the card schema this build writes. Version 1
// predates the flair slots.
const CurrentSchemaVersion = 2

// Flair is one optional (title, value) pair shown on a card.
type Flair struct {
	Title string `json:"title"`
	Value string `json:"value"`
}

// Card is the encounter card exchanged between nearby devices.
//
// ID rotates whenever content changes and stays stable across
// timestamp-only saves. OwnerID never changes once assigned.
type Card struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"ownerId"`
	DisplayName   string    `json:"displayName"`
	StatusMessage string    `json:"statusMessage,omitempty"`
	AvatarRef     string    `json:"avatarRef,omitempty"`
	Flairs        []Flair   `json:"flairs,omitempty"`
	Drawing       []byte    `json:"drawing,omitempty"`
	LastUpdated   time.Time `json:"lastUpdated"`
	SchemaVersion int       `json:"schemaVersion"`
}

// NewID returns a fresh card identifier.
func NewID() string {
	return uuid.NewString()
}

// NewOwnerID returns a fresh owner identity for a device that has none yet.
func NewOwnerID() string {
	return uuid.NewString()
}

// Normalize clamps the card to its structural limits (flair slot count).
func (c *Card) Normalize() {
	if len(c.Flairs) > MaxFlairs {
		c.Flairs = c.Flairs[:MaxFlairs]
	}
}

// ContentEqual reports whether two cards carry the same content.
// ID and LastUpdated are excluded: a card re-saved with only a fresh
// timestamp is still the same card.
func ContentEqual(a, b Card) bool {
	if a.OwnerID != b.OwnerID ||
		a.DisplayName != b.DisplayName ||
		a.StatusMessage != b.StatusMessage ||
		a.AvatarRef != b.AvatarRef ||
		a.SchemaVersion != b.SchemaVersion {
		return false
	}
	if len(a.Flairs) != len(b.Flairs) {
		return false
	}
	for i := range a.Flairs {
		if a.Flairs[i] != b.Flairs[i] {
			return false
		}
	}
	return bytes.Equal(a.Drawing, b.Drawing)
}
