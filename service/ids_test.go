package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPostID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id, err := newPostID()
		require.NoError(t, err)
		require.Len(t, id, idLength)
		for _, c := range id {
			assert.True(t, strings.ContainsRune(idAlphabet, c), "unexpected %q in %s", c, id)
		}
		seen[id] = true
	}
	assert.Greater(t, len(seen), 990)
}
