package application

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/bnema/sdash/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeRecords(t *testing.T, raw string) []domain.Record {
	t.Helper()

	decoder := json.NewDecoder(strings.NewReader(raw))
	decoder.UseNumber()
	var items []domain.Record
	require.NoError(t, decoder.Decode(&items))
	return items
}

func TestHashIsStableForStructurallyEqualPayloads(t *testing.T) {
	left := decodeRecords(t, `[{"id": 1, "inscrits": 5, "theme": "Go"}]`)
	right := decodeRecords(t, `[ {"theme":"Go","inscrits":5,"id":1} ]`)

	leftHash, err := Hash(left)
	require.NoError(t, err)
	rightHash, err := Hash(right)
	require.NoError(t, err)

	assert.Equal(t, leftHash, rightHash)
	assert.Len(t, leftHash, 16)
}

func TestHashDiffersForDifferentPayloads(t *testing.T) {
	base, err := Hash(decodeRecords(t, `[{"id": 1, "inscrits": 5}]`))
	require.NoError(t, err)

	variants := []string{
		`[{"id": 1, "inscrits": 6}]`,
		`[{"id": 2, "inscrits": 5}]`,
		`[{"id": 1, "inscrits": 5}, {"id": 2, "inscrits": 0}]`,
		`[]`,
	}
	for _, variant := range variants {
		hash, err := Hash(decodeRecords(t, variant))
		require.NoError(t, err)
		assert.NotEqual(t, base, hash, variant)
	}
}

func TestHashTreatsNilAsEmpty(t *testing.T) {
	nilHash, err := Hash(nil)
	require.NoError(t, err)
	emptyHash, err := Hash([]domain.Record{})
	require.NoError(t, err)

	assert.Equal(t, emptyHash, nilHash)
}

func TestHasChanged(t *testing.T) {
	resource := sessionsResource()
	assert.True(t, HasChanged(resource, "abc"), "first fetch always counts as a change")

	resource.LastHash = "abc"
	assert.False(t, HasChanged(resource, "abc"))
	assert.True(t, HasChanged(resource, "def"))
}

func TestClassifyDoesNotTouchResource(t *testing.T) {
	resource := sessionsResource()
	items := []domain.Record{{"id": 1, "inscrits": 5}}

	outcome := Classify(resource, items)
	require.Equal(t, domain.OutcomeSuccess, outcome.Kind)
	assert.Empty(t, resource.LastHash)

	resource.LastHash = outcome.Hash
	assert.Equal(t, domain.OutcomeUnchanged, Classify(resource, items).Kind)
}
