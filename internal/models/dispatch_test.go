package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scheduledRecord(id int64, createdAt time.Time) *RecipientDispatchRecord {
	return &RecipientDispatchRecord{
		ID:            id,
		DeliveryState: DeliveryState{Status: StatusPending},
		MaxRetries:    DefaultMaxRetries,
		CreatedAt:     createdAt,
	}
}

func retryRecord(id int64, failedAt time.Time, retries int) *RecipientDispatchRecord {
	return &RecipientDispatchRecord{
		ID:            id,
		DeliveryState: DeliveryState{Status: StatusFailed, FailedAt: &failedAt},
		RetryCount:    retries,
		MaxRetries:    DefaultMaxRetries,
	}
}

func selectedIDs(selections []DispatchSelection) []int64 {
	ids := make([]int64, 0, len(selections))
	for _, s := range selections {
		ids = append(ids, s.Record.ID)
	}
	return ids
}

func TestRemainingCapacity(t *testing.T) {
	assert.Equal(t, 100, RemainingCapacity(100, 0))
	assert.Equal(t, 20, RemainingCapacity(100, 80))
	assert.Zero(t, RemainingCapacity(100, 100))
	assert.Zero(t, RemainingCapacity(100, 130))
	assert.Zero(t, RemainingCapacity(0, 0))
}

func TestPlanDispatch_ScheduledBeforeRetries(t *testing.T) {
	var scheduled, retries []*RecipientDispatchRecord
	for i := int64(1); i <= 80; i++ {
		scheduled = append(scheduled, scheduledRecord(i, t0))
	}
	for i := int64(0); i < 50; i++ {
		retries = append(retries, retryRecord(1000+i, t0.Add(-time.Duration(50-i)*time.Hour), 1))
	}

	selections := PlanDispatch(100, scheduled, retries)
	plan := DispatchPlan{Selections: selections}

	require.Len(t, selections, 100)
	assert.Equal(t, 80, plan.Scheduled())
	assert.Equal(t, 20, plan.Retries())
	for _, s := range selections[80:] {
		assert.True(t, s.Retry)
		assert.Less(t, s.Record.ID, int64(1020), "oldest failures first")
	}
}

func TestPlanDispatch_Ordering(t *testing.T) {
	scheduled := []*RecipientDispatchRecord{
		scheduledRecord(3, t0),
		scheduledRecord(1, t0.Add(time.Hour)),
		scheduledRecord(2, t0),
	}
	retries := []*RecipientDispatchRecord{
		retryRecord(9, t0.Add(2*time.Hour), 0),
		retryRecord(8, t0.Add(2*time.Hour), 0),
		retryRecord(7, t0.Add(-time.Hour), 0),
	}

	selections := PlanDispatch(10, scheduled, retries)

	assert.Equal(t, []int64{2, 3, 1, 7, 8, 9}, selectedIDs(selections))
	assert.Equal(t, int64(3), scheduled[0].ID, "inputs are not reordered")
}

func TestPlanDispatch_CapacityBounds(t *testing.T) {
	scheduled := []*RecipientDispatchRecord{scheduledRecord(1, t0), scheduledRecord(2, t0)}
	retries := []*RecipientDispatchRecord{retryRecord(3, t0, 0)}

	assert.Empty(t, PlanDispatch(0, scheduled, retries))
	assert.Empty(t, PlanDispatch(-5, scheduled, retries))
	assert.Equal(t, []int64{1}, selectedIDs(PlanDispatch(1, scheduled, retries)))
	assert.Len(t, PlanDispatch(50, scheduled, retries), 3)
}

func TestPlanDispatch_SkipsExhaustedRetries(t *testing.T) {
	retries := []*RecipientDispatchRecord{
		retryRecord(1, t0.Add(-2*time.Hour), DefaultMaxRetries),
		retryRecord(2, t0.Add(-time.Hour), 1),
	}

	selections := PlanDispatch(10, nil, retries)

	assert.Equal(t, []int64{2}, selectedIDs(selections))
}
