package status

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joescharf/chatsync/internal/models"
)

func TestUnknownSessionIsIdle(t *testing.T) {
	tr := NewTracker()
	assert.False(t, tr.IsBusy("S1"))
	assert.Equal(t, models.SessionStatusIdle, tr.Get("S1").Type)
}

func TestMarkSending(t *testing.T) {
	tr := NewTracker()
	tr.MarkSending("S1")
	assert.True(t, tr.IsBusy("S1"))
	assert.False(t, tr.IsBusy("S2"))
}

func TestApply(t *testing.T) {
	tests := []struct {
		name   string
		status models.SessionStatus
		busy   bool
	}{
		{"busy", models.SessionStatus{Type: models.SessionStatusBusy}, true},
		{"retry", models.SessionStatus{Type: models.SessionStatusRetry, Attempt: 2, Message: "rate limited", Next: 1700000000000}, true},
		{"idle", models.SessionStatus{Type: models.SessionStatusIdle}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker()
			tr.MarkSending("S1")
			tr.Apply("S1", tt.status)
			assert.Equal(t, tt.busy, tr.IsBusy("S1"))
		})
	}
}

func TestApply_RetryKeepsDetail(t *testing.T) {
	tr := NewTracker()
	tr.Apply("S1", models.SessionStatus{Type: models.SessionStatusRetry, Attempt: 3, Message: "overloaded"})

	s := tr.Get("S1")
	assert.Equal(t, models.SessionStatusRetry, s.Type)
	assert.Equal(t, 3, s.Attempt)
	assert.Equal(t, "overloaded", s.Message)
}

func TestClose_Idempotent(t *testing.T) {
	tr := NewTracker()
	tr.MarkSending("S1")

	assert.True(t, tr.Close("S1"))
	assert.False(t, tr.Close("S1"))
	assert.False(t, tr.IsBusy("S1"))
}

func TestReconcile_MissingSessionBecomesIdle(t *testing.T) {
	tr := NewTracker()
	tr.MarkSending("S1")
	tr.MarkSending("S2")

	snapshot := map[string]models.SessionStatus{
		"S2": {Type: models.SessionStatusRetry, Attempt: 1},
	}
	tr.Reconcile(snapshot, "S1", "S2")

	assert.False(t, tr.IsBusy("S1"))
	assert.True(t, tr.IsBusy("S2"))
	assert.Equal(t, models.SessionStatusRetry, tr.Get("S2").Type)
}

func TestBusy(t *testing.T) {
	tr := NewTracker()
	tr.MarkSending("S1")
	tr.Apply("S2", models.SessionStatus{Type: models.SessionStatusRetry})
	tr.Apply("S3", models.Idle())

	assert.ElementsMatch(t, []string{"S1", "S2"}, tr.Busy())
}
