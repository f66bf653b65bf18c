package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Beauty & Makeup", "beauty makeup"},
		{"  Self-Development  ", "self development"},
		{"food", "food"},
		{"A &  B - C", "a b c"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Normalize(tc.in), "input %q", tc.in)
	}
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("beauty", "beauty"))
	assert.Equal(t, 0.0, Similarity("", ""))
	assert.Equal(t, 0.0, Similarity("abc", "xyz"))
	// "beauty" vs "beautu": LCS 5, ratio 10/12
	assert.InDelta(t, 10.0/12.0, Similarity("beauty", "beautu"), 1e-9)
	// Cyrillic compared rune-wise, not byte-wise.
	assert.Equal(t, 1.0, Similarity("мода", "мода"))
}

func TestLookup(t *testing.T) {
	idx := map[string]string{
		"beauty":        "id-beauty",
		"beauty makeup": "id-makeup",
		"путешествия":   "id-travel",
	}

	t.Run("exact", func(t *testing.T) {
		id, ok := Lookup("beauty", idx, DefaultCutoff)
		assert.True(t, ok)
		assert.Equal(t, "id-beauty", id)
	})

	t.Run("normalized", func(t *testing.T) {
		id, ok := Lookup("Beauty & Makeup", idx, DefaultCutoff)
		assert.True(t, ok)
		assert.Equal(t, "id-makeup", id)
	})

	t.Run("fuzzy above cutoff", func(t *testing.T) {
		id, ok := Lookup("путешествие", idx, DefaultCutoff)
		assert.True(t, ok)
		assert.Equal(t, "id-travel", id)
	})

	t.Run("below cutoff", func(t *testing.T) {
		_, ok := Lookup("криптовалюты", idx, DefaultCutoff)
		assert.False(t, ok)
	})

	t.Run("empty key", func(t *testing.T) {
		_, ok := Lookup("", idx, DefaultCutoff)
		assert.False(t, ok)
	})

	t.Run("empty index", func(t *testing.T) {
		_, ok := Lookup("beauty", nil, DefaultCutoff)
		assert.False(t, ok)
	})
}
