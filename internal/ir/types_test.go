package ir

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueueItem_Eligible(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		item QueueItem
		want bool
	}{
		{"due", QueueItem{NextAttemptAt: now}, true},
		{"past due", QueueItem{NextAttemptAt: now.Add(-time.Minute)}, true},
		{"backing off", QueueItem{NextAttemptAt: now.Add(time.Second)}, false},
		{"synced", QueueItem{NextAttemptAt: now, Synced: true}, false},
		{"dead-lettered", QueueItem{NextAttemptAt: now, DeadLettered: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.item.Eligible(now))
		})
	}
}

func TestCursor_Interrupted(t *testing.T) {
	assert.True(t, Cursor{HasMore: true}.Interrupted())
	assert.False(t, Cursor{HasMore: true, Completed: true}.Interrupted())
	assert.False(t, Cursor{}.Interrupted())
}

func TestSyncTimestamp_Gap(t *testing.T) {
	assert.Equal(t, int64(20), SyncTimestamp{LastAppliedSequence: 30, LastSeenSequence: 50}.Gap())
	assert.Equal(t, int64(0), SyncTimestamp{LastAppliedSequence: 50, LastSeenSequence: 50}.Gap())
	assert.Equal(t, int64(0), SyncTimestamp{LastAppliedSequence: 60, LastSeenSequence: 50}.Gap())
}

func TestErrorCategory_Quarantined(t *testing.T) {
	assert.True(t, CategoryPermanent.Quarantined())
	assert.True(t, CategoryStructural.Quarantined())
	assert.False(t, CategoryTransient.Quarantined())
	assert.False(t, CategoryConflict.Quarantined())
	assert.False(t, CategoryUnknown.Quarantined())
}

func TestRevocationStatus_Blocked(t *testing.T) {
	assert.False(t, RevocationValid.Blocked())
	assert.True(t, RevocationSuspended.Blocked())
	assert.True(t, RevocationRevoked.Blocked())
	assert.True(t, RevocationStatus("ARCHIVED").Blocked())
}

func TestParseRevocationStatus(t *testing.T) {
	tests := []struct {
		in    string
		want  RevocationStatus
		known bool
	}{
		{"", RevocationValid, true},
		{"VALID", RevocationValid, true},
		{" valid ", RevocationValid, true},
		{"revoked", RevocationRevoked, true},
		{"Suspended", RevocationSuspended, true},
		{"archived", RevocationStatus("ARCHIVED"), false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := ParseRevocationStatus(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.known, got.Known())
			assert.Equal(t, tt.want != RevocationValid, got.Blocked())
		})
	}
}

func TestOperation_Valid(t *testing.T) {
	assert.True(t, OperationCreate.Valid())
	assert.True(t, OperationUpdate.Valid())
	assert.True(t, OperationDelete.Valid())
	assert.False(t, Operation("upsert").Valid())
}
