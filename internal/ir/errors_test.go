package ir

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorHelpers(t *testing.T) {
	key := SessionKey{SubjectID: "alice", Category: CategoryAttendance, OriginID: "laptop"}

	validation := NewValidationError("subject_id", "must not be empty")
	assert.True(t, IsValidation(validation))
	assert.False(t, IsStoreUnavailable(validation))
	assert.Contains(t, validation.Error(), "VALIDATION_ERROR")

	anomaly := NewAnomaly(key, AnomalyOrphanClose, "s-1")
	assert.True(t, IsAnomaly(anomaly))
	assert.Contains(t, anomaly.Error(), "alice|ATTENDANCE|laptop")

	cause := errors.New("disk full")
	unavailable := NewStoreUnavailable("commit", cause)
	wrapped := fmt.Errorf("ingest: %w", unavailable)
	assert.True(t, IsStoreUnavailable(wrapped))
	assert.ErrorIs(t, wrapped, cause)

	conflict := NewConsistencyViolation(key, "second open session", nil)
	assert.True(t, IsConsistency(conflict))
	assert.False(t, IsConsistency(cause))
}
