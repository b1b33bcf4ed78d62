// Package scoring derives a user's compliance score from execution history.
// Every function here is pure over the instances it is given.
package scoring

import (
	"fmt"
	"math"
	"strings"

	"cadence/internal/domain"
)

// NeutralScore is reported when no instance has resolved yet.
const NeutralScore = 50

// Strategy turns an instance history into a score in [0,100].
type Strategy interface {
	Name() string
	Score(instances []domain.ActionInstance) float64
}

const (
	StrategyRatio    = "ratio"
	StrategyWeighted = "weighted"
)

// StrategyByName returns the named strategy. Empty selects ratio.
func StrategyByName(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", StrategyRatio:
		return Ratio{}, nil
	case StrategyWeighted:
		return Weighted{}, nil
	}
	return nil, fmt.Errorf("unknown scoring strategy %q", name)
}

// Tally counts resolved instances by outcome.
type Tally struct {
	Completed int `json:"completed"`
	Late      int `json:"late"`
	Missed    int `json:"missed"`
}

func (t Tally) Resolved() int { return t.Completed + t.Late + t.Missed }

func Count(instances []domain.ActionInstance) Tally {
	var t Tally
	for _, in := range instances {
		switch in.Status {
		case domain.StatusCompleted:
			t.Completed++
		case domain.StatusLate:
			t.Late++
		case domain.StatusMissed:
			t.Missed++
		}
	}
	return t
}

// Ratio scores the share of resolved instances completed on time, rounded to
// a whole number. It is the score the kernel persists.
type Ratio struct{}

func (Ratio) Name() string { return StrategyRatio }

func (Ratio) Score(instances []domain.ActionInstance) float64 {
	t := Count(instances)
	n := t.Resolved()
	if n == 0 {
		return NeutralScore
	}
	return math.Round(100 * float64(t.Completed) / float64(n))
}

// Weighted credits late executions partially and penalizes misses, rounded
// to one decimal.
type Weighted struct{}

func (Weighted) Name() string { return StrategyWeighted }

func (Weighted) Score(instances []domain.ActionInstance) float64 {
	t := Count(instances)
	n := float64(t.Resolved())
	if n == 0 {
		return NeutralScore
	}
	onTime := float64(t.Completed) / n
	late := float64(t.Late) / n
	miss := float64(t.Missed) / n
	score := 100*onTime + 60*late - 20*miss
	score = math.Max(0, math.Min(100, score))
	return math.Round(score*10) / 10
}
