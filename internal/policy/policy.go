// Package policy merges system defaults, stored policy rules and the
// per-user enforcement mode into one effective ruleset.
package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"cadence/internal/domain"
)

// Rules is a fully resolved ruleset.
type Rules struct {
	MaxMisses      int `json:"max_misses"`
	ScoreThreshold int `json:"score_threshold"`
	LockoutHours   int `json:"lockout_hours"`
}

// SystemDefaults apply when neither config nor stored policy says otherwise.
var SystemDefaults = Rules{MaxMisses: 3, ScoreThreshold: 50, LockoutHours: 24}

// MaxLockoutHours caps lockout_hours at ten years so the lockout duration
// stays representable as a time.Duration.
const MaxLockoutHours = 10 * 365 * 24

// RawRules is the wire form of a stored rules payload. Nil fields are absent.
type RawRules struct {
	MaxMisses      *int `json:"max_misses,omitempty"`
	ScoreThreshold *int `json:"score_threshold,omitempty"`
	LockoutHours   *int `json:"lockout_hours,omitempty"`
}

// Effective is the outcome of resolution for one user.
type Effective struct {
	PolicyID string
	Mode     domain.EnforcementMode
	Rules    Rules
}

// ParseRules decodes a stored rules payload. Empty input and JSON null both
// decode to an all-absent RawRules with no error.
func ParseRules(raw []byte) (RawRules, error) {
	var rr RawRules
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return rr, nil
	}
	if err := json.Unmarshal(trimmed, &rr); err != nil {
		return RawRules{}, fmt.Errorf("parse policy rules: %w", err)
	}
	return rr, nil
}

// Merge fills absent or out-of-range fields of rr from defaults. It returns
// the names of fields that were present but rejected.
func Merge(rr RawRules, defaults Rules) (Rules, []string) {
	out := defaults
	var rejected []string
	if rr.MaxMisses != nil {
		if *rr.MaxMisses >= 1 {
			out.MaxMisses = *rr.MaxMisses
		} else {
			rejected = append(rejected, "max_misses")
		}
	}
	if rr.ScoreThreshold != nil {
		if *rr.ScoreThreshold >= 0 && *rr.ScoreThreshold <= 100 {
			out.ScoreThreshold = *rr.ScoreThreshold
		} else {
			rejected = append(rejected, "score_threshold")
		}
	}
	if rr.LockoutHours != nil {
		if *rr.LockoutHours >= 1 && *rr.LockoutHours <= MaxLockoutHours {
			out.LockoutHours = *rr.LockoutHours
		} else {
			rejected = append(rejected, "lockout_hours")
		}
	}
	return out, rejected
}

// ParseMode recognizes an enforcement mode, case-insensitively.
func ParseMode(s string) (domain.EnforcementMode, bool) {
	switch domain.EnforcementMode(strings.ToUpper(strings.TrimSpace(s))) {
	case domain.ModeNone:
		return domain.ModeNone, true
	case domain.ModeSoft:
		return domain.ModeSoft, true
	case domain.ModeHard:
		return domain.ModeHard, true
	}
	return "", false
}

// ResolveEnforcementMode applies mode precedence: a recognized policy-level
// mode wins, then a recognized user-level mode, then NONE.
func ResolveEnforcementMode(policyMode, userMode string) domain.EnforcementMode {
	if m, ok := ParseMode(policyMode); ok {
		return m
	}
	if m, ok := ParseMode(userMode); ok {
		return m
	}
	return domain.ModeNone
}

// Resolver resolves effective policies. It performs no I/O; the logger only
// records malformed payloads.
type Resolver struct {
	Defaults Rules
	Logger   *zap.Logger
}

func NewResolver(defaults Rules, logger *zap.Logger) Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Resolver{Defaults: defaults, Logger: logger}
}

func (r Resolver) logger() *zap.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return zap.NewNop()
}

func (r Resolver) defaults() Rules {
	if r.Defaults == (Rules{}) {
		return SystemDefaults
	}
	return r.Defaults
}

// ResolveRules never fails: unparsable payloads are treated as absent.
func (r Resolver) ResolveRules(raw []byte) Rules {
	rr, err := ParseRules(raw)
	if err != nil {
		r.logger().Warn("malformed policy rules; using defaults", zap.Error(err))
		return r.defaults()
	}
	rules, rejected := Merge(rr, r.defaults())
	if len(rejected) > 0 {
		r.logger().Warn("policy rules out of range; using defaults for rejected fields", zap.Strings("fields", rejected))
	}
	return rules
}

// Resolve merges rules and mode for one user.
func (r Resolver) Resolve(raw []byte, userMode, policyMode string) Effective {
	return Effective{
		Mode:  ResolveEnforcementMode(policyMode, userMode),
		Rules: r.ResolveRules(raw),
	}
}

// ForUser resolves the effective policy from a stored user/policy pair.
func (r Resolver) ForUser(up domain.UserPolicy) Effective {
	var (
		raw        []byte
		policyMode string
		policyID   string
	)
	if up.Policy != nil {
		raw = []byte(up.Policy.RulesJSON)
		policyMode = string(up.Policy.EnforcementMode)
		policyID = up.Policy.ID
	}
	eff := r.Resolve(raw, string(up.User.EnforcementMode), policyMode)
	eff.PolicyID = policyID
	return eff
}

// Classify maps a score onto a classification label.
func Classify(score float64, rules Rules) string {
	switch {
	case score >= 85:
		return domain.LabelExemplary
	case score >= float64(rules.ScoreThreshold):
		return domain.LabelCompliant
	default:
		return domain.LabelAtRisk
	}
}
