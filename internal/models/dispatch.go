package models

import (
	"sort"
	"time"
)

// DispatchSelection is one recipient chosen for today's batch
type DispatchSelection struct {
	Record *RecipientDispatchRecord
	Retry  bool
}

// DispatchPlan is the batch composed for one campaign on one day
type DispatchPlan struct {
	CampaignID int64
	Day        time.Time
	Capacity   int
	Selections []DispatchSelection
}

// Scheduled returns how many first-attempt recipients the plan holds
func (p *DispatchPlan) Scheduled() int {
	n := 0
	for _, s := range p.Selections {
		if !s.Retry {
			n++
		}
	}
	return n
}

// Retries returns how many retry recipients the plan holds
func (p *DispatchPlan) Retries() int {
	return len(p.Selections) - p.Scheduled()
}

// RemainingCapacity is what is left of the daily limit after sentToday
func RemainingCapacity(dailyLimit, sentToday int) int {
	if remaining := dailyLimit - sentToday; remaining > 0 {
		return remaining
	}
	return 0
}

// PlanDispatch fills capacity with scheduled recipients first (oldest
// created first) and then with retry-eligible failures (oldest failure
// first). Equal timestamps are ordered by record id.
func PlanDispatch(capacity int, scheduled, retries []*RecipientDispatchRecord) []DispatchSelection {
	if capacity <= 0 {
		return nil
	}

	scheduled = append([]*RecipientDispatchRecord(nil), scheduled...)
	sort.SliceStable(scheduled, func(i, j int) bool {
		return lessByTime(scheduled[i].CreatedAt, scheduled[j].CreatedAt, scheduled[i].ID, scheduled[j].ID)
	})

	retries = append([]*RecipientDispatchRecord(nil), retries...)
	sort.SliceStable(retries, func(i, j int) bool {
		return lessByTime(failedAt(retries[i]), failedAt(retries[j]), retries[i].ID, retries[j].ID)
	})

	selections := make([]DispatchSelection, 0, min(capacity, len(scheduled)+len(retries)))
	for _, r := range scheduled {
		if len(selections) == capacity {
			return selections
		}
		selections = append(selections, DispatchSelection{Record: r})
	}
	for _, r := range retries {
		if len(selections) == capacity {
			return selections
		}
		if !r.IsRetryEligible() {
			continue
		}
		selections = append(selections, DispatchSelection{Record: r, Retry: true})
	}
	return selections
}

func failedAt(r *RecipientDispatchRecord) time.Time {
	if r.FailedAt == nil {
		return time.Time{}
	}
	return *r.FailedAt
}

func lessByTime(a, b time.Time, idA, idB int64) bool {
	if !a.Equal(b) {
		return a.Before(b)
	}
	return idA < idB
}
