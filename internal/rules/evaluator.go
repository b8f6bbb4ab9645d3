// Package rules implements the pure access decision function. Given the
// applicable rule set and the scan context it returns allow/deny with a
// reason code; it performs no I/O.
package rules

import (
	"sort"

	"github.com/parkos/backend/internal/domain"
)

// Input carries everything one evaluation needs. ActiveSession is nil when
// the user is not currently inside; Tenant is nil for users without one.
type Input struct {
	Rules         []domain.ValidationRule
	User          domain.User
	Role          domain.Role
	Tenant        *domain.Tenant
	Gate          domain.Gate
	TargetZone    *domain.Zone
	SourceZone    *domain.Zone
	ActiveSession *domain.ParkingSession
}

// Decision is the evaluation outcome.
type Decision struct {
	Allow  bool
	Reason domain.Reason
}

func deny(reason domain.Reason) Decision { return Decision{Allow: false, Reason: reason} }

// Evaluate runs the rule pipeline and returns the first failing reason, or
// ACCESS_GRANTED. Rule order from the repository is unspecified, so rules
// are sorted by kind priority first; that pins capacity failures ahead of
// anti-passback failures when both would trip on the same scan.
func Evaluate(in Input) Decision {
	if !in.User.IsActive {
		return deny(domain.ReasonUserInactive)
	}

	rules := make([]domain.ValidationRule, len(in.Rules))
	copy(rules, in.Rules)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Kind.EvalPriority() < rules[j].Kind.EvalPriority()
	})

	for _, rule := range rules {
		var reason domain.Reason
		switch rule.Kind {
		case domain.RuleCapacity:
			reason = checkCapacity(in, rule)
		case domain.RuleAntipassback:
			reason = checkAntipassback(in)
		case domain.RuleSchedule, domain.RulePayment:
			// Reserved rule kinds: time-window and payment params are
			// declared but not evaluated yet.
		case domain.RuleBlacklist:
			reason = checkBlacklist(in)
		}
		if reason != "" {
			return deny(reason)
		}
	}

	return Decision{Allow: true, Reason: domain.ReasonGranted}
}

func checkCapacity(in Input, rule domain.ValidationRule) domain.Reason {
	if in.Role.CanIgnoreCapacity {
		return ""
	}
	if in.TargetZone != nil && in.TargetZone.Occupancy >= in.TargetZone.Capacity {
		return domain.ReasonZoneFull
	}
	// Tenant quota applies at global/gate/role scope only; zone-scoped
	// capacity rules check the zone alone.
	if in.Tenant != nil && rule.Target.Scope != domain.ScopeZone {
		if in.Tenant.CurrentUsage >= in.Tenant.QuotaLimit {
			return domain.ReasonTenantQuotaExceeded
		}
	}
	return ""
}

func checkAntipassback(in Input) domain.Reason {
	if in.Role.CanIgnoreAntipassback {
		return ""
	}
	switch {
	case in.Gate.IsEntry():
		if in.ActiveSession != nil {
			return domain.ReasonAlreadyInside
		}
	case in.Gate.IsExit():
		if in.ActiveSession == nil {
			return domain.ReasonNoEntryRecord
		}
	default: // internal transit: the holder must be in the gate's source zone
		if in.ActiveSession == nil {
			return domain.ReasonWrongZone
		}
		if in.ActiveSession.CurrentZone == nil || in.Gate.ZoneFromID == nil ||
			*in.ActiveSession.CurrentZone != *in.Gate.ZoneFromID {
			return domain.ReasonWrongZone
		}
	}
	return ""
}

func checkBlacklist(in Input) domain.Reason {
	if in.Role.Name == domain.BlacklistedRoleName {
		return domain.ReasonBlacklisted
	}
	return ""
}

// CapacityEnforced reports whether any applicable rule subjects this scan to
// capacity checks. The transition executor re-checks capacity under row
// locks only when this is true, so capacity-exempt roles stay exempt during
// the race re-check.
func CapacityEnforced(rules []domain.ValidationRule, role domain.Role) bool {
	if role.CanIgnoreCapacity {
		return false
	}
	for _, r := range rules {
		if r.Kind == domain.RuleCapacity {
			return true
		}
	}
	return false
}
