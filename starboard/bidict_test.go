package starboard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBiMap_SetAndLookup(t *testing.T) {
	b := NewBiMap[string, string]()
	b.Set("original", "showcase")

	v, ok := b.Forward("original")
	require.True(t, ok)
	assert.Equal(t, "showcase", v)

	k, ok := b.Backward("showcase")
	require.True(t, ok)
	assert.Equal(t, "original", k)

	assert.True(t, b.HasValue("showcase"))
	assert.False(t, b.HasValue("original"))
	assert.Equal(t, 1, b.Len())

	_, ok = b.Forward("missing")
	assert.False(t, ok)
	_, ok = b.Backward("missing")
	assert.False(t, ok)
}

func TestBiMap_RelinkKeepsStaleEntries(t *testing.T) {
	testCases := []struct {
		name         string
		sets         [][2]string
		forward      map[string]string
		backward     map[string]string
		expectedSize int
	}{
		{
			name: "new value for existing key",
			sets: [][2]string{{"a", "1"}, {"a", "2"}},
			forward: map[string]string{
				"a": "2",
			},
			backward: map[string]string{
				"1": "a",
				"2": "a",
			},
			expectedSize: 1,
		},
		{
			name: "existing value for new key",
			sets: [][2]string{{"a", "1"}, {"b", "1"}},
			forward: map[string]string{
				"a": "1",
				"b": "1",
			},
			backward: map[string]string{
				"1": "b",
			},
			expectedSize: 2,
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				b := NewBiMap[string, string]()
				for _, s := range tc.sets {
					b.Set(s[0], s[1])
				}
				for k, v := range tc.forward {
					got, ok := b.Forward(k)
					require.True(t, ok)
					assert.Equal(t, v, got)
				}
				for v, k := range tc.backward {
					got, ok := b.Backward(v)
					require.True(t, ok)
					assert.Equal(t, k, got)
				}
				assert.Equal(t, tc.expectedSize, b.Len())
			},
		)
	}
}

func TestBiMap_ForwardMapIsCopy(t *testing.T) {
	b := NewBiMap[string, int]()
	b.Set("a", 1)
	m := b.ForwardMap()
	m["b"] = 2
	_, ok := b.Forward("b")
	assert.False(t, ok)
	assert.Equal(t, map[string]int{"a": 1}, b.ForwardMap())
}
