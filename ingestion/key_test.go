package ingestion

import (
	"testing"
	"time"

	"github.com/alimx07/blog_service/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventKey(t *testing.T) {
	assert.Equal(t, "7_1700000000.0", EventKey(7, time.Unix(1700000000, 0)))
	assert.Equal(t, "7_1700000000.5", EventKey(7, time.Unix(1700000000, 500000000)))
	assert.Equal(t, "14_1700000000.123456", EventKey(14, time.Unix(1700000000, 123456000)))
}

func TestParseUserID(t *testing.T) {
	id, err := ParseUserID([]byte("7_1700000000.0"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)

	id, err = ParseUserID([]byte(EventKey(42, time.Now())))
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, key := range []string{"", "7", "abc_1700000000.0", "_1700000000.0"} {
		_, err := ParseUserID([]byte(key))
		assert.ErrorIs(t, err, models.ErrInvalidInput, key)
	}
}
