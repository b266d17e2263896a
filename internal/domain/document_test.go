package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestContentHash verifies that the dedup key depends on the text alone
func TestContentHash(t *testing.T) {
	h1 := ContentHash("AAPL beats earnings expectations")
	h2 := ContentHash("AAPL beats earnings expectations")
	h3 := ContentHash("AAPL misses earnings expectations")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64) // hex SHA-256
}

func TestMetadataFlatJSON(t *testing.T) {
	m := Metadata{
		Symbol:   "AAPL",
		Source:   "reuters",
		Category: "earnings",
		Extra: map[string]interface{}{
			"timestamp": "2026-08-28T00:00:00Z",
			"author":    "jlin",
		},
	}

	b, err := json.Marshal(m)
	require.NoError(t, err)

	// Recognized keys and extras share one flat object
	var flat map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &flat))
	assert.Equal(t, "AAPL", flat["symbol"])
	assert.Equal(t, "jlin", flat["author"])

	var back Metadata
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, "AAPL", back.Symbol)
	assert.Equal(t, "reuters", back.Source)
	assert.Equal(t, "earnings", back.Category)
	assert.Equal(t, "jlin", back.Extra["author"])
	_, lifted := back.Extra["symbol"]
	assert.False(t, lifted, "recognized keys should be lifted out of the bag")
}

func TestMetadataMerge(t *testing.T) {
	base := Metadata{
		Symbol: "AAPL",
		Source: "reuters",
		Extra:  map[string]interface{}{"a": 1, "b": 2},
	}
	incoming := Metadata{
		Source:   "bloomberg",
		Category: "news",
		Extra:    map[string]interface{}{"b": 3},
	}

	merged := base.Merge(incoming)

	// later write wins per key, untouched keys survive
	assert.Equal(t, "AAPL", merged.Symbol)
	assert.Equal(t, "bloomberg", merged.Source)
	assert.Equal(t, "news", merged.Category)
	assert.Equal(t, 1, merged.Extra["a"])
	assert.Equal(t, 3, merged.Extra["b"])

	// receiver untouched
	assert.Equal(t, "reuters", base.Source)
	assert.Equal(t, 2, base.Extra["b"])
}

func TestMetadataGet(t *testing.T) {
	m := Metadata{Symbol: "TSLA", Extra: map[string]interface{}{"note": "x"}}

	v, ok := m.Get(MetaKeySymbol)
	assert.True(t, ok)
	assert.Equal(t, "TSLA", v)

	v, ok = m.Get("note")
	assert.True(t, ok)
	assert.Equal(t, "x", v)

	_, ok = m.Get(MetaKeyCategory)
	assert.False(t, ok)
}

func TestParseAgentRole(t *testing.T) {
	for _, name := range []string{"research", "analytics", "projection"} {
		role, err := ParseAgentRole(name)
		require.NoError(t, err)
		assert.Equal(t, AgentRole(name), role)
	}

	_, err := ParseAgentRole("sentiment")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownRole)
}
