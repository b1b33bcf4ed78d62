package scoring

import (
	"context"

	"go.uber.org/zap"

	"cadence/internal/events"
	"cadence/internal/lifecycle"
	"cadence/internal/policy"
)

// ReasonCycle tags score changes produced by a kernel cycle.
const ReasonCycle = "KERNEL_CYCLE"

// Result is the outcome of scoring one snapshot.
type Result struct {
	Score    float64
	Label    string
	Previous float64
	Changed  bool
}

// Calculator scores snapshots with one strategy and announces changes.
type Calculator struct {
	Strategy Strategy
	Bus      *events.Bus
	Logger   *zap.Logger
}

func NewCalculator(strategy Strategy, bus *events.Bus, logger *zap.Logger) *Calculator {
	if strategy == nil {
		strategy = Ratio{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{Strategy: strategy, Bus: bus, Logger: logger}
}

// Compute scores the snapshot's instances. SCORE_UPDATED is emitted only when
// the score differs from the one the snapshot was loaded with.
func (c *Calculator) Compute(ctx context.Context, snap lifecycle.DisciplineContext) Result {
	score := c.Strategy.Score(snap.Instances())
	res := Result{
		Score:    score,
		Label:    policy.Classify(score, snap.Policy().Rules),
		Previous: snap.PriorScore(),
		Changed:  score != snap.PriorScore(),
	}
	if res.Changed {
		c.Logger.Debug("score changed",
			zap.String("user_id", snap.UserID()),
			zap.Float64("old", res.Previous),
			zap.Float64("new", score),
			zap.String("strategy", c.Strategy.Name()))
		if c.Bus != nil {
			c.Bus.Emit(ctx, events.New(snap.UserID(), snap.Timestamp(), events.ScoreUpdatedPayload{
				OldScore: res.Previous,
				NewScore: score,
				Reason:   ReasonCycle,
			}))
		}
	}
	return res
}

// State is the detailed score view served to operators.
type State struct {
	UserID         string        `json:"user_id"`
	Score          float64       `json:"score"`
	WeightedScore  float64       `json:"weighted_score"`
	Classification string        `json:"classification"`
	Tally          Tally         `json:"tally"`
	Drift          []DriftVector `json:"drift"`
	Pressure       float64       `json:"pressure"`
}

// StateOf builds the detailed view for a snapshot without emitting anything.
func StateOf(snap lifecycle.DisciplineContext) State {
	instances := snap.Instances()
	score := Ratio{}.Score(instances)
	drift := Drift(instances)
	return State{
		UserID:         snap.UserID(),
		Score:          score,
		WeightedScore:  Weighted{}.Score(instances),
		Classification: policy.Classify(score, snap.Policy().Rules),
		Tally:          Count(instances),
		Drift:          drift,
		Pressure:       Pressure(drift),
	}
}
