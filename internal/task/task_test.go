package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_Valid(t *testing.T) {
	t.Parallel()

	for _, k := range Kinds {
		assert.True(t, k.Valid(), "kind %s", k)
	}

	assert.False(t, Kind("notes").Valid())
	assert.False(t, Kind("").Valid())
}

func TestNewID_IsUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)

	for i := 0; i < 100; i++ {
		id := NewID()
		require.NotEmpty(t, id)
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestTagID_NormalizesEquivalentForms(t *testing.T) {
	t.Parallel()

	composed := "café"
	decomposed := "café"

	assert.Equal(t, TagID(composed), TagID(decomposed))
	assert.Equal(t, "plain", TagID("plain"))
}

func TestTask_MarshalRoundTrip(t *testing.T) {
	t.Parallel()

	due := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	original := Task{
		ID:       "abc",
		ListID:   "inbox",
		Title:    "write tests",
		Tags:     []string{"work"},
		DueAt:    &due,
		Modified: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}

	data, err := Marshal(original)
	require.NoError(t, err)

	decoded, err := DecodeTask(data)
	require.NoError(t, err)

	assert.Equal(t, original.ID, decoded.ID)
	assert.Equal(t, original.Title, decoded.Title)
	require.NotNil(t, decoded.DueAt)
	assert.True(t, decoded.DueAt.Equal(due))
	assert.True(t, decoded.Modified.Equal(original.Modified))
}

func TestDecodeTask_MalformedContentIsAnError(t *testing.T) {
	t.Parallel()

	_, err := DecodeTask([]byte(`{not json`))
	require.Error(t, err)
}

func TestDecodeList_RoundTrip(t *testing.T) {
	t.Parallel()

	data, err := Marshal(List{ID: "l1", Name: "Groceries", Color: "#ff0000"})
	require.NoError(t, err)

	decoded, err := DecodeList(data)
	require.NoError(t, err)
	assert.Equal(t, "Groceries", decoded.Name)
	assert.Equal(t, "#ff0000", decoded.Color)
}
