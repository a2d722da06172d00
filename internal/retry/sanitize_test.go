package retry

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize_HidesStorageDetails(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"UNIQUE constraint failed: outbox_items.tenant_id, outbox_items.idempotency_key", "duplicate record rejected by local store"},
		{"FOREIGN KEY constraint failed", "referenced record is missing"},
		{"NOT NULL constraint failed: outbox_items.payload", "record failed local integrity check"},
		{"no such column: sku_code", "local schema mismatch"},
		{"database is locked", "local store busy"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := Sanitize(errors.New(tt.in))
			assert.Equal(t, tt.want, got)
			assert.NotContains(t, got, "outbox_items")
		})
	}
}

func TestSanitize_CollapsesAndTruncates(t *testing.T) {
	assert.Equal(t, "remote said no", SanitizeMessage("remote \n said\t no"))

	long := strings.Repeat("x", 1000)
	assert.Len(t, SanitizeMessage(long), MaxErrorLength)
	assert.Equal(t, "", Sanitize(nil))
}

func TestTruncate_RuneBoundary(t *testing.T) {
	s := "ab\u00e9" // two-byte rune
	assert.Equal(t, "ab", Truncate(s, 3))
	assert.Equal(t, s, Truncate(s, 4))
}
