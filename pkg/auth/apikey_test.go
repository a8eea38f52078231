package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAPIKey(t *testing.T) {
	key, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(key.RawKey, "sk_"))
	assert.Len(t, key.PublicID, publicIDLength)
	assert.Equal(t, "sk_"+key.PublicID, key.Prefix)
	assert.Equal(t, HashKey(key.RawKey), key.Hash)
	assert.NotContains(t, key.Hash, key.RawKey)

	other, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, key.RawKey, other.RawKey)
	assert.NotEqual(t, key.PublicID, other.PublicID)
}

func TestRandomStringUniform(t *testing.T) {
	const perChar = 1000
	draws := len(publicIDAlphabet) * perChar
	s, err := randomString(publicIDAlphabet, draws)
	require.NoError(t, err)
	require.Len(t, s, draws)

	counts := make(map[rune]int)
	for _, r := range s {
		counts[r]++
	}
	require.Len(t, counts, len(publicIDAlphabet), "every character must be reachable")

	// A byte-modulo draw would skew the low characters to ~5/4 of the
	// expected frequency; uniform sampling stays well inside these
	// bounds.
	for r, n := range counts {
		assert.Greater(t, n, perChar*88/100, "character %q underrepresented", r)
		assert.Less(t, n, perChar*112/100, "character %q overrepresented", r)
	}
}

func TestSplitKey(t *testing.T) {
	generated, err := GenerateAPIKey()
	require.NoError(t, err)

	tests := []struct {
		name   string
		rawKey string
		wantOK bool
	}{
		{"valid key", generated.RawKey, true},
		{"missing prefix", strings.TrimPrefix(generated.RawKey, "sk_"), false},
		{"no secret", "sk_abcdefghijkl.", false},
		{"no separator", "sk_abcdefghijklsecret", false},
		{"short public id", "sk_abc.secret", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			publicID, ok := SplitKey(tt.rawKey)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, generated.PublicID, publicID)
			}
		})
	}
}

func TestVerifyKey(t *testing.T) {
	generated, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.True(t, VerifyKey(generated.RawKey, generated.Hash))
	assert.False(t, VerifyKey(generated.RawKey+"x", generated.Hash))
	assert.False(t, VerifyKey("", generated.Hash))
	assert.False(t, VerifyKey(generated.RawKey, HashKey("something else")))
}
