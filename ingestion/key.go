package ingestion

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alimx07/blog_service/models"
)

// EventKey builds the message key "<userID>_<unix seconds>", e.g. "7_1700000000.5".
func EventKey(userID int64, at time.Time) string {
	ts := strconv.FormatFloat(float64(at.UnixMicro())/1e6, 'f', -1, 64)
	if !strings.Contains(ts, ".") {
		ts += ".0"
	}
	return fmt.Sprintf("%d_%s", userID, ts)
}

// ParseUserID reads the owner id from the key prefix, everything before the first '_'.
func ParseUserID(key []byte) (int64, error) {
	prefix, _, found := strings.Cut(string(key), "_")
	if !found {
		return 0, fmt.Errorf("event key %q has no separator: %w", key, models.ErrInvalidInput)
	}
	id, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("event key %q: %w: %v", key, models.ErrInvalidInput, err)
	}
	return id, nil
}
