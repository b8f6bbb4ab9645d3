// Package domain holds the entities and closed enumerations shared by the
// access decision engine, the store, and the admin API.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// CredentialKind is the closed set of scannable token types.
type CredentialKind string

const (
	KindRFID CredentialKind = "RFID"
	KindLPR  CredentialKind = "LPR"
	KindQR   CredentialKind = "QR"
	KindPIN  CredentialKind = "PIN"
)

// ParseCredentialKind converts an incoming wire string to a CredentialKind.
// Unknown strings are rejected at the dispatcher boundary.
func ParseCredentialKind(s string) (CredentialKind, error) {
	switch CredentialKind(strings.ToUpper(strings.TrimSpace(s))) {
	case KindRFID:
		return KindRFID, nil
	case KindLPR:
		return KindLPR, nil
	case KindQR:
		return KindQR, nil
	case KindPIN:
		return KindPIN, nil
	}
	return "", fmt.Errorf("unknown credential kind %q", s)
}

// RuleScope is the level at which a validation rule applies.
type RuleScope string

const (
	ScopeGlobal RuleScope = "GLOBAL"
	ScopeZone   RuleScope = "ZONE"
	ScopeGate   RuleScope = "GATE"
	ScopeRole   RuleScope = "ROLE"
)

// RuleKind selects the check a validation rule performs.
type RuleKind string

const (
	RuleCapacity     RuleKind = "CHECK_CAPACITY"
	RuleSchedule     RuleKind = "CHECK_SCHEDULE"
	RulePayment      RuleKind = "CHECK_PAYMENT"
	RuleAntipassback RuleKind = "CHECK_ANTIPASSBACK"
	RuleBlacklist    RuleKind = "CHECK_BLACKLIST"
)

// EvalPriority orders rule kinds for deterministic evaluation. Capacity
// failures must surface before anti-passback failures when both apply to
// the same scan, so the evaluator sorts by this priority before iterating.
func (k RuleKind) EvalPriority() int {
	switch k {
	case RuleCapacity:
		return 0
	case RuleAntipassback:
		return 1
	case RuleSchedule:
		return 2
	case RulePayment:
		return 3
	case RuleBlacklist:
		return 4
	}
	return 5
}

// Reason is a decision outcome code, recorded verbatim in the scan log.
type Reason string

const (
	ReasonGranted Reason = "ACCESS_GRANTED"

	// Identity
	ReasonUnknownCredential Reason = "UNKNOWN_CREDENTIAL"
	ReasonUserInactive      Reason = "USER_INACTIVE"
	ReasonBlacklisted       Reason = "BLACKLISTED"

	// Location
	ReasonUnknownGate Reason = "UNKNOWN_GATE"

	// Capacity
	ReasonZoneFull            Reason = "ZONE_FULL"
	ReasonTenantQuotaExceeded Reason = "TENANT_QUOTA_EXCEEDED"

	// Anti-passback
	ReasonAlreadyInside  Reason = "ALREADY_INSIDE"
	ReasonNoEntryRecord  Reason = "NO_ENTRY_RECORD"
	ReasonWrongZone      Reason = "APB_VIOLATION_WRONG_ZONE"

	// Internal only: never logged, never emitted.
	ReasonDuplicateScan Reason = "DUPLICATE_SCAN_IGNORED"

	// System
	ReasonSystemError Reason = "SYSTEM_ERROR"

	// Audit marker for operator force-open (granted, not a denial).
	ReasonManualOpen Reason = "MANUAL_OPEN_DASHBOARD"
)

// BlacklistedRoleName marks a role whose members are unconditionally denied
// by an enabled CHECK_BLACKLIST rule.
const BlacklistedRoleName = "Blacklisted"

// Role groups users and carries the override flags the evaluator consults.
type Role struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	CanIgnoreCapacity     bool `json:"can_ignore_capacity"`
	CanIgnoreAntipassback bool `json:"can_ignore_antipassback"`
	CanIgnoreSchedule     bool `json:"can_ignore_schedule"`
	IsBillable            bool `json:"is_billable"`
}

// Tenant is a B2B account with a parking quota.
type Tenant struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	QuotaLimit   int    `json:"quota_limit"`
	CurrentUsage int    `json:"current_usage"`
	IsActive     bool   `json:"is_active"`
}

// User is the human or system entity credentials resolve to.
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone_number,omitempty"`
	RoleID    int64  `json:"role_id"`
	TenantID  *int64 `json:"tenant_id,omitempty"`
	IsActive  bool   `json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
}

// FullName renders the display name used in feed events and log listings.
func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Credential is a scannable token exclusively owned by one user. Values are
// globally unique across all kinds.
type Credential struct {
	ID       int64          `json:"id"`
	UserID   int64          `json:"user_id"`
	Kind     CredentialKind `json:"type"`
	Value    string         `json:"value"`
	IsActive bool           `json:"is_active"`
	LastUsed *time.Time     `json:"last_used_at,omitempty"`
}

// Zone is a bounded-capacity area; zones nest via ParentID to form a tree.
// occupancy <= capacity is the invariant the engine enforces for entries.
type Zone struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Capacity  int    `json:"capacity"`
	Occupancy int    `json:"occupancy"`
	ParentID  *int64 `json:"parent_zone_id,omitempty"`
}

// PercentFull is the occupancy ratio published in occupancy_update events.
func (z *Zone) PercentFull() float64 {
	if z.Capacity <= 0 {
		return 0
	}
	p := float64(z.Occupancy) / float64(z.Capacity) * 100
	return float64(int(p*10+0.5)) / 10
}

// Gate models a directed transition between two zones, or between a zone and
// the outside world when one side is nil.
type Gate struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	ZoneFromID *int64 `json:"zone_from_id,omitempty"`
	ZoneToID   *int64 `json:"zone_to_id,omitempty"`
	IsActive   bool   `json:"is_active"`
}

// IsEntry reports a world->inside gate.
func (g *Gate) IsEntry() bool { return g.ZoneFromID == nil }

// IsExit reports an inside->world gate.
func (g *Gate) IsExit() bool { return g.ZoneToID == nil }

// IsTransit reports an internal gate with both sides set.
func (g *Gate) IsTransit() bool { return g.ZoneFromID != nil && g.ZoneToID != nil }

// Device is a piece of gate hardware addressed by its unique IP.
type Device struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	IP     string `json:"ip_address"`
	Port   int    `json:"port"`
	Kind   string `json:"device_type"`
	Config string `json:"config,omitempty"`
	GateID int64  `json:"gate_id"`
}

// DeviceKindController marks the device the override path sends CMD:OPEN to.
const DeviceKindController = "controller"

// RuleTarget is the tagged target of a validation rule: global, or exactly
// one of zone/gate/role. The scope discriminates which ID is meaningful.
type RuleTarget struct {
	Scope RuleScope `json:"scope"`
	ID    *int64    `json:"target_id,omitempty"`
}

// GlobalTarget applies a rule everywhere.
func GlobalTarget() RuleTarget { return RuleTarget{Scope: ScopeGlobal} }

// ZoneTarget scopes a rule to one zone.
func ZoneTarget(id int64) RuleTarget { return RuleTarget{Scope: ScopeZone, ID: &id} }

// GateTarget scopes a rule to one gate.
func GateTarget(id int64) RuleTarget { return RuleTarget{Scope: ScopeGate, ID: &id} }

// RoleTarget scopes a rule to one subject role.
func RoleTarget(id int64) RuleTarget { return RuleTarget{Scope: ScopeRole, ID: &id} }

// Validate enforces "exactly one target set when scope != GLOBAL".
func (t RuleTarget) Validate() error {
	if t.Scope == ScopeGlobal {
		if t.ID != nil {
			return fmt.Errorf("global rule must not carry a target id")
		}
		return nil
	}
	if t.ID == nil {
		return fmt.Errorf("%s rule requires a target id", t.Scope)
	}
	return nil
}

// ValidationRule is one entry of the configuration-driven rule pipeline.
type ValidationRule struct {
	ID      int64      `json:"id"`
	Kind    RuleKind   `json:"rule_type"`
	Target  RuleTarget `json:"target"`
	Enabled bool       `json:"is_enabled"`
	Params  string     `json:"custom_params,omitempty"`
}

// ParkingSession tracks one stay: opened on entry, moved on transit, closed
// on exit. At most one session per user may have a nil ExitTime.
type ParkingSession struct {
	ID           int64      `json:"id"`
	UserID       int64      `json:"user_id"`
	CredentialID int64      `json:"credential_id"`
	EntryGateID  int64      `json:"entry_gate_id"`
	EntryTime    time.Time  `json:"entry_time"`
	CurrentZone  *int64     `json:"current_zone_id,omitempty"`
	ExitGateID   *int64     `json:"exit_gate_id,omitempty"`
	ExitTime     *time.Time `json:"exit_time,omitempty"`
	TotalCost    int        `json:"total_cost"` // cents; billing is stubbed at 0
}

// ScanLog is the append-only audit record of one decision attempt. Rows are
// never modified; the gate name snapshot survives gate deletion.
type ScanLog struct {
	ID           int64          `json:"id"`
	CreatedAt    time.Time      `json:"created_at"`
	GateID       *int64         `json:"gate_id,omitempty"`
	GateName     string         `json:"gate_name"`
	ScanKind     CredentialKind `json:"scan_type"`
	RawPayload   string         `json:"raw_payload"`
	Granted      bool           `json:"is_access_granted"`
	DenialReason Reason         `json:"denial_reason"`
	UserID       *int64         `json:"resolved_user_id,omitempty"`
	TenantID     *int64         `json:"resolved_tenant_id,omitempty"`
}
