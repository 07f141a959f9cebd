package card

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"
)

// DecodeKind classifies a failed decode.
type DecodeKind int

const (
	// KindIncomplete means the bytes are a valid prefix of a document that
	// has not fully arrived yet. The caller should keep buffering.
	KindIncomplete DecodeKind = iota
	// KindInvalid means the bytes can never become a valid document.
	KindInvalid
)

// DecodeError reports why a byte buffer failed to decode into a Card.
type DecodeError struct {
	Kind DecodeKind
	err  error
}

func (e *DecodeError) Error() string {
	if e.Kind == KindIncomplete {
		return fmt.Sprintf("card: incomplete document: %v", e.err)
	}
	return fmt.Sprintf("card: invalid document: %v", e.err)
}

func (e *DecodeError) Unwrap() error { return e.err }

// IsIncomplete reports whether err is a recoverable truncated-document error.
func IsIncomplete(err error) bool {
	var de *DecodeError
	return errors.As(err, &de) && de.Kind == KindIncomplete
}

// IsInvalid reports whether err is an unrecoverable decode error.
func IsInvalid(err error) bool {
	var de *DecodeError
	return errors.As(err, &de) && de.Kind == KindInvalid
}

// The wire envelope is a JSON object. JSON keeps the transfer protocol
// honest: no strict prefix of an encoded card decodes successfully, so the
// reassembler can detect completion purely by attempting a decode, with no
// length prefix or end marker on the wire.
type envelope struct {
	ID            string   `json:"id"`
	OwnerID       string   `json:"ownerId"`
	DisplayName   string   `json:"displayName"`
	StatusMessage string   `json:"statusMessage,omitempty"`
	AvatarRef     string   `json:"avatarRef,omitempty"`
	Flairs        []Flair  `json:"flairs,omitempty"`
	Drawing       []byte   `json:"drawing,omitempty"`
	LastUpdated   wireTime `json:"lastUpdated"`
	SchemaVersion int      `json:"schemaVersion"`
}

// wireTime decodes the timestamp formats seen from peers in the field:
// ISO-8601 with or without sub-second precision, a zoneless local variant,
// and a raw epoch number. Anything else is structurally invalid.
type wireTime struct {
	time.Time
}

func (t wireTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

var errBadTimestamp = errors.New("unrecognized timestamp format")

func (t *wireTime) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) >= 2 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		for _, layout := range []string{
			time.RFC3339Nano,
			"2006-01-02T15:04:05.999999999",
		} {
			if parsed, err := time.Parse(layout, s); err == nil {
				t.Time = parsed
				return nil
			}
		}
		return fmt.Errorf("%w: %q", errBadTimestamp, s)
	}
	// Raw epoch seconds, integer or fractional.
	secs, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("%w: %s", errBadTimestamp, data)
	}
	whole, frac := math.Modf(secs)
	t.Time = time.Unix(int64(whole), int64(frac*1e9)).UTC()
	return nil
}

// Encode serializes a card into its wire envelope.
func Encode(c Card) ([]byte, error) {
	c.Normalize()
	data, err := json.Marshal(envelope{
		ID:            c.ID,
		OwnerID:       c.OwnerID,
		DisplayName:   c.DisplayName,
		StatusMessage: c.StatusMessage,
		AvatarRef:     c.AvatarRef,
		Flairs:        c.Flairs,
		Drawing:       c.Drawing,
		LastUpdated:   wireTime{c.LastUpdated},
		SchemaVersion: c.SchemaVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("card: encode: %w", err)
	}
	return data, nil
}

// Decode parses a wire envelope back into a Card. Unknown fields are
// ignored for forward compatibility. On failure the returned error is a
// *DecodeError whose Kind distinguishes a truncated document (keep
// buffering) from one that can never parse (abort).
func Decode(data []byte) (Card, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&env); err != nil {
		return Card{}, classify(err)
	}
	if env.ID == "" || env.OwnerID == "" {
		return Card{}, &DecodeError{Kind: KindInvalid, err: errors.New("missing id or ownerId")}
	}
	c := Card{
		ID:            env.ID,
		OwnerID:       env.OwnerID,
		DisplayName:   env.DisplayName,
		StatusMessage: env.StatusMessage,
		AvatarRef:     env.AvatarRef,
		Flairs:        env.Flairs,
		Drawing:       env.Drawing,
		LastUpdated:   env.LastUpdated.Time,
		SchemaVersion: env.SchemaVersion,
	}
	if c.SchemaVersion <= 0 {
		// Cards from before the schema field carry version 1 semantics.
		c.SchemaVersion = 1
	}
	c.Normalize()
	return c, nil
}

func classify(err error) error {
	// json.Decoder reports truncated input as (Unexpected)EOF; a document
	// cut mid-token or mid-object is recoverable by waiting for more bytes.
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &DecodeError{Kind: KindIncomplete, err: err}
	}
	var syn *json.SyntaxError
	if errors.As(err, &syn) && syn.Error() == "unexpected end of JSON input" {
		return &DecodeError{Kind: KindIncomplete, err: err}
	}
	return &DecodeError{Kind: KindInvalid, err: err}
}
