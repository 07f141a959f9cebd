package card

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertSameCard(t *testing.T, want, got Card) {
	t.Helper()
	assert.True(t, got.LastUpdated.Equal(want.LastUpdated),
		"lastUpdated mismatch: want %v, got %v", want.LastUpdated, got.LastUpdated)
	want.LastUpdated = time.Time{}
	got.LastUpdated = time.Time{}
	assert.Equal(t, want, got)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	full := sampleCard()
	minimal := Card{
		ID:            NewID(),
		OwnerID:       NewOwnerID(),
		DisplayName:   "",
		LastUpdated:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		SchemaVersion: 1,
	}

	for _, c := range []Card{full, minimal} {
		data, err := Encode(c)
		require.NoError(t, err)

		got, err := Decode(data)
		require.NoError(t, err)
		assertSameCard(t, c, got)
	}
}

// No strict prefix of an encoded card may decode as a complete document.
// The reassembler relies on this to infer completion without a length
// prefix on the wire.
func TestEveryPrefixIsIncomplete(t *testing.T) {
	data, err := Encode(sampleCard())
	require.NoError(t, err)

	for i := 0; i < len(data); i++ {
		_, err := Decode(data[:i])
		require.Error(t, err, "prefix of %d bytes decoded successfully", i)
		assert.True(t, IsIncomplete(err),
			"prefix of %d bytes should classify as incomplete, got: %v", i, err)
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	raw := `{
		"id": "abc",
		"ownerId": "def",
		"displayName": "Nia",
		"lastUpdated": "2026-03-14T09:26:53.589Z",
		"schemaVersion": 3,
		"moodRing": "purple",
		"nested": {"future": [1, 2, 3]}
	}`

	c, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "abc", c.ID)
	assert.Equal(t, "Nia", c.DisplayName)
	assert.Equal(t, 3, c.SchemaVersion)
}

func TestDecodeTimestampVariants(t *testing.T) {
	cases := map[string]struct {
		raw  string
		want time.Time
	}{
		"iso subsecond": {
			raw:  `"2026-03-14T09:26:53.589Z"`,
			want: time.Date(2026, 3, 14, 9, 26, 53, 589000000, time.UTC),
		},
		"iso whole second": {
			raw:  `"2026-03-14T09:26:53Z"`,
			want: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		},
		"iso offset": {
			raw:  `"2026-03-14T01:26:53-08:00"`,
			want: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		},
		"iso zoneless": {
			raw:  `"2026-03-14T09:26:53"`,
			want: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		},
		"epoch integer": {
			raw:  `1773480413`,
			want: time.Unix(1773480413, 0).UTC(),
		},
		"epoch fractional": {
			raw:  `1773480413.5`,
			want: time.Unix(1773480413, 500000000).UTC(),
		},
	}

	for name, tc := range cases {
		raw := fmt.Sprintf(`{"id":"a","ownerId":"b","displayName":"x","lastUpdated":%s,"schemaVersion":1}`, tc.raw)
		c, err := Decode([]byte(raw))
		require.NoError(t, err, name)
		assert.True(t, c.LastUpdated.Equal(tc.want),
			"%s: want %v, got %v", name, tc.want, c.LastUpdated)
	}
}

func TestDecodeRejectsBadTimestamp(t *testing.T) {
	raw := `{"id":"a","ownerId":"b","lastUpdated":"March 14th, half past nine","schemaVersion":1}`
	_, err := Decode([]byte(raw))
	require.Error(t, err)
	assert.True(t, IsInvalid(err), "unparseable timestamp must be unrecoverable, got: %v", err)
}

func TestDecodeInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"syntax garbage":  `{"id": #!}`,
		"wrong type":      `{"id": 42, "ownerId": "b"}`,
		"array not card":  `[1, 2, 3]`,
		"missing owner":   `{"id": "a", "displayName": "x"}`,
		"truncated never": `{"id": "a"} trailing {`,
	}

	for name, raw := range cases {
		_, err := Decode([]byte(raw))
		if name == "truncated never" {
			// A complete leading document decodes; trailing bytes are the
			// next transfer's problem.
			assert.NoError(t, err, name)
			continue
		}
		require.Error(t, err, name)
		assert.True(t, IsInvalid(err), "%s must classify invalid, got: %v", name, err)
	}
}

func TestDecodeDefaultsSchemaVersion(t *testing.T) {
	raw := `{"id":"a","ownerId":"b","displayName":"x","lastUpdated":"2026-03-14T09:26:53Z"}`
	c, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, 1, c.SchemaVersion)
}

func TestDecodeTruncatesExtraFlairs(t *testing.T) {
	raw := `{"id":"a","ownerId":"b","flairs":[
		{"title":"1","value":"1"},{"title":"2","value":"2"},{"title":"3","value":"3"}
	],"lastUpdated":1773480413,"schemaVersion":1}`
	c, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.Len(t, c.Flairs, MaxFlairs)
}
