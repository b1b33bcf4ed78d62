package policy

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"cadence/internal/domain"
)

func TestResolveEnforcementMode(t *testing.T) {
	assert.Equal(t, domain.ModeHard, ResolveEnforcementMode("HARD", "SOFT"))
	assert.Equal(t, domain.ModeSoft, ResolveEnforcementMode("", "SOFT"))
	assert.Equal(t, domain.ModeNone, ResolveEnforcementMode("", ""))
	assert.Equal(t, domain.ModeSoft, ResolveEnforcementMode("strict", "soft"))
	assert.Equal(t, domain.ModeNone, ResolveEnforcementMode("none", "HARD"))
}

func TestResolveRulesFromPayload(t *testing.T) {
	r := NewResolver(SystemDefaults, nil)
	rules := r.ResolveRules([]byte(`{"max_misses":5,"lockout_hours":12}`))
	assert.Equal(t, Rules{MaxMisses: 5, ScoreThreshold: 50, LockoutHours: 12}, rules)
}

func TestResolveRulesAbsentUsesDefaults(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	r := NewResolver(SystemDefaults, zap.New(core))
	for _, raw := range [][]byte{nil, []byte(""), []byte("null"), []byte("  ")} {
		assert.Equal(t, SystemDefaults, r.ResolveRules(raw))
	}
	assert.Equal(t, 0, logs.Len())
}

func TestResolveRulesMalformedWarnsAndFallsBack(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	r := NewResolver(SystemDefaults, zap.New(core))
	rules := r.ResolveRules([]byte(`{"max_misses":`))
	assert.Equal(t, SystemDefaults, rules)
	require.Equal(t, 1, logs.Len())
	assert.Contains(t, logs.All()[0].Message, "malformed")
}

func TestResolveRulesRejectsOutOfRangeFields(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	r := NewResolver(SystemDefaults, zap.New(core))
	rules := r.ResolveRules([]byte(`{"max_misses":0,"score_threshold":150,"lockout_hours":6}`))
	assert.Equal(t, Rules{MaxMisses: 3, ScoreThreshold: 50, LockoutHours: 6}, rules)
	assert.Equal(t, 1, logs.Len())
}

func TestResolveRulesRejectsLockoutBeyondCap(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	r := NewResolver(SystemDefaults, zap.New(core))
	rules := r.ResolveRules([]byte(`{"max_misses":3,"lockout_hours":3000000}`))
	assert.Equal(t, SystemDefaults.LockoutHours, rules.LockoutHours)
	assert.Equal(t, 1, logs.Len())

	rules = r.ResolveRules([]byte(fmt.Sprintf(`{"lockout_hours":%d}`, MaxLockoutHours)))
	assert.Equal(t, MaxLockoutHours, rules.LockoutHours)
}

func TestResolverZeroValueUsesSystemDefaults(t *testing.T) {
	var r Resolver
	assert.Equal(t, SystemDefaults, r.ResolveRules(nil))
}

func TestForUserPrefersPolicyMode(t *testing.T) {
	r := NewResolver(SystemDefaults, nil)
	eff := r.ForUser(domain.UserPolicy{
		User:   domain.User{ID: "u1", EnforcementMode: domain.ModeSoft},
		Policy: &domain.Policy{ID: "p1", EnforcementMode: domain.ModeHard, RulesJSON: `{"max_misses":2}`},
	})
	assert.Equal(t, "p1", eff.PolicyID)
	assert.Equal(t, domain.ModeHard, eff.Mode)
	assert.Equal(t, 2, eff.Rules.MaxMisses)

	eff = r.ForUser(domain.UserPolicy{User: domain.User{ID: "u2", EnforcementMode: domain.ModeSoft}})
	assert.Equal(t, domain.ModeSoft, eff.Mode)
	assert.Equal(t, SystemDefaults, eff.Rules)
}

func TestClassify(t *testing.T) {
	rules := SystemDefaults
	assert.Equal(t, domain.LabelExemplary, Classify(90, rules))
	assert.Equal(t, domain.LabelCompliant, Classify(50, rules))
	assert.Equal(t, domain.LabelAtRisk, Classify(49.9, rules))
}
