package scoring

import (
	"sort"

	"cadence/internal/domain"
)

const (
	driftWindow       = 7
	streakLength      = 5
	streakMagnitude   = 15
	missWeight        = 2
	lateWeight        = 1
	percentMultiplier = 100
)

// DriftVector is the recent behavioral trend of one action.
type DriftVector struct {
	ActionID string  `json:"action_id"`
	Negative float64 `json:"negative"`
	Positive float64 `json:"positive"`
}

// Drift computes one vector per action over its last seven resolved
// instances, ordered by action id.
func Drift(instances []domain.ActionInstance) []DriftVector {
	byAction := make(map[string][]domain.ActionInstance)
	for _, in := range instances {
		if in.Status == domain.StatusPending {
			continue
		}
		byAction[in.ActionID] = append(byAction[in.ActionID], in)
	}
	ids := make([]string, 0, len(byAction))
	for id := range byAction {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	vectors := make([]DriftVector, 0, len(ids))
	for _, id := range ids {
		history := byAction[id]
		sort.SliceStable(history, func(i, j int) bool {
			return history[i].ScheduledStart.Before(history[j].ScheduledStart)
		})
		if len(history) > driftWindow {
			history = history[len(history)-driftWindow:]
		}
		vectors = append(vectors, vectorFor(id, history))
	}
	return vectors
}

func vectorFor(actionID string, recent []domain.ActionInstance) DriftVector {
	t := Count(recent)
	v := DriftVector{
		ActionID: actionID,
		Negative: float64(t.Missed*missWeight+t.Late*lateWeight) / driftWindow * percentMultiplier,
	}
	if t.Missed == 0 && trailingCompletions(recent) >= streakLength {
		v.Positive = streakMagnitude
	}
	return v
}

func trailingCompletions(recent []domain.ActionInstance) int {
	n := 0
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].Status != domain.StatusCompleted {
			break
		}
		n++
	}
	return n
}

// Pressure is the aggregate trend: total negative minus total positive drift.
func Pressure(vectors []DriftVector) float64 {
	var p float64
	for _, v := range vectors {
		p += v.Negative - v.Positive
	}
	return p
}
