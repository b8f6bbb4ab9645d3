// Package engine is the access decision core: it ties the debounce cache,
// the store lookups, the rule evaluator, and the transition executor into
// one synchronous decision path, and owns audit logging and event emission
// for every concluded decision.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/parkos/backend/internal/debounce"
	"github.com/parkos/backend/internal/domain"
	"github.com/parkos/backend/internal/events"
	"github.com/parkos/backend/internal/metrics"
	"github.com/parkos/backend/internal/rules"
	"github.com/parkos/backend/internal/store"
)

// GateOpener issues the hardware open command to a device.
type GateOpener interface {
	Open(ctx context.Context, ip string, port int) error
}

// Engine decides access requests and applies their side effects.
type Engine struct {
	store  *store.Store
	cache  *debounce.Cache
	bus    events.Bus
	opener GateOpener
	met    *metrics.Metrics
	log    *slog.Logger
}

// New wires the engine. opener may be nil in tests; manual override then
// fails with a hardware error.
func New(st *store.Store, cache *debounce.Cache, bus events.Bus, opener GateOpener) *Engine {
	return &Engine{
		store:  st,
		cache:  cache,
		bus:    bus,
		opener: opener,
		met:    metrics.Default(),
		log:    slog.Default().With("component", "engine"),
	}
}

// Result is the outcome of one scan decision, consumed by the dispatcher to
// decide whether to send the hardware open command.
type Result struct {
	Allow    bool
	Reason   domain.Reason
	UserName string
	RoleName string
}

func denied(reason domain.Reason) Result { return Result{Allow: false, Reason: reason} }

// HandleScan runs the full decision pipeline for one scan. Debounced
// duplicates return DUPLICATE_SCAN_IGNORED without an audit row or feed
// event; every other path concludes with exactly one of each.
func (e *Engine) HandleScan(ctx context.Context, gateID int64, kind domain.CredentialKind, value string) Result {
	started := time.Now()
	defer func() { e.met.DecisionDuration.Observe(time.Since(started).Seconds()) }()

	if !e.cache.ShouldProcess(gateID, value) {
		e.log.Debug("duplicate scan ignored", "gate", gateID, "value", value)
		return denied(domain.ReasonDuplicateScan)
	}

	gate, err := e.store.GateByID(ctx, gateID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return e.conclude(ctx, nil, nil, kind, value, denied(domain.ReasonUnknownGate))
		}
		e.log.Error("gate lookup failed", "gate", gateID, "error", err)
		return e.conclude(ctx, nil, nil, kind, value, denied(domain.ReasonSystemError))
	}

	sub, err := e.store.ResolveCredential(ctx, kind, value)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return e.conclude(ctx, gate, nil, kind, value, denied(domain.ReasonUnknownCredential))
		}
		e.log.Error("credential lookup failed", "error", err)
		return e.conclude(ctx, gate, nil, kind, value, denied(domain.ReasonSystemError))
	}

	input, applicable, err := e.buildInput(ctx, gate, sub)
	if err != nil {
		e.log.Error("decision context load failed", "gate", gateID, "error", err)
		return e.conclude(ctx, gate, sub, kind, value, denied(domain.ReasonSystemError))
	}

	if d := rules.Evaluate(*input); !d.Allow {
		return e.conclude(ctx, gate, sub, kind, value, denied(d.Reason))
	}

	enforceCapacity := rules.CapacityEnforced(applicable, sub.Role)
	changed, err := e.store.ApplyTransition(ctx, sub, gate, enforceCapacity, time.Now())
	if err != nil {
		if errors.Is(err, store.ErrZoneFull) {
			return e.conclude(ctx, gate, sub, kind, value, denied(domain.ReasonZoneFull))
		}
		e.log.Error("transition rolled back", "gate", gateID, "user", sub.User.ID, "error", err)
		return e.conclude(ctx, gate, sub, kind, value, denied(domain.ReasonSystemError))
	}

	for _, z := range changed {
		e.met.ZoneOccupancy.WithLabelValues(z.Name).Set(float64(z.Occupancy))
		e.publish(ctx, events.NewOccupancyEvent(z))
	}

	res := Result{
		Allow:    true,
		Reason:   domain.ReasonGranted,
		UserName: sub.User.FullName(),
		RoleName: sub.Role.Name,
	}
	return e.conclude(ctx, gate, sub, kind, value, res)
}

// buildInput loads the zones, active session, and applicable rules for one
// evaluation.
func (e *Engine) buildInput(ctx context.Context, gate *domain.Gate, sub *store.Subject) (*rules.Input, []domain.ValidationRule, error) {
	var target, source *domain.Zone
	var err error
	if gate.ZoneToID != nil {
		if target, err = e.store.ZoneByID(ctx, *gate.ZoneToID); err != nil {
			return nil, nil, fmt.Errorf("target zone: %w", err)
		}
	}
	if gate.ZoneFromID != nil {
		if source, err = e.store.ZoneByID(ctx, *gate.ZoneFromID); err != nil {
			return nil, nil, fmt.Errorf("source zone: %w", err)
		}
	}

	session, err := e.store.ActiveSession(ctx, sub.User.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("active session: %w", err)
	}

	var zoneID *int64
	if target != nil {
		zoneID = &target.ID
	}
	roleID := sub.Role.ID
	applicable, err := e.store.ApplicableRules(ctx, gate.ID, zoneID, &roleID)
	if err != nil {
		return nil, nil, fmt.Errorf("applicable rules: %w", err)
	}

	return &rules.Input{
		Rules:         applicable,
		User:          sub.User,
		Role:          sub.Role,
		Tenant:        sub.Tenant,
		Gate:          *gate,
		TargetZone:    target,
		SourceZone:    source,
		ActiveSession: session,
	}, applicable, nil
}

// conclude writes the audit row, emits the feed event, and records metrics.
// Audit failures are logged but never turn a decision into an error; the
// gate must still respond to the driver.
func (e *Engine) conclude(ctx context.Context, gate *domain.Gate, sub *store.Subject, kind domain.CredentialKind, value string, res Result) Result {
	logRow := &domain.ScanLog{
		CreatedAt:    time.Now(),
		GateName:     "UNKNOWN",
		ScanKind:     kind,
		RawPayload:   value,
		Granted:      res.Allow,
		DenialReason: res.Reason,
	}
	if gate != nil {
		logRow.GateID = &gate.ID
		logRow.GateName = gate.Name
	}
	if sub != nil {
		logRow.UserID = &sub.User.ID
		logRow.TenantID = sub.User.TenantID
	}

	if err := e.store.InsertScanLog(ctx, logRow); err != nil {
		e.log.Error("scan audit write failed", "error", err)
	}
	e.met.RecordDecision(res.Allow, string(res.Reason))
	e.publish(ctx, accessLogEvent(gate, sub, value, res))
	return res
}

func accessLogEvent(gate *domain.Gate, sub *store.Subject, value string, res Result) *events.Event {
	payload := events.AccessLogPayload{
		Time:       time.Now().Format(time.RFC3339),
		GateName:   "Unknown Gate",
		UserName:   "Unknown User",
		Role:       "-",
		Credential: value,
		Status:     "DENIED",
		Reason:     string(res.Reason),
	}
	if res.Allow {
		payload.Status = "ALLOWED"
	}
	if gate != nil {
		payload.GateID = &gate.ID
		payload.GateName = gate.Name
		payload.IsEntry = gate.ZoneToID != nil
	}
	if sub != nil {
		payload.UserName = sub.User.FullName()
		payload.Role = sub.Role.Name
	}
	return events.New(events.TypeAccessLog, payload)
}

func (e *Engine) publish(ctx context.Context, ev *events.Event) {
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.log.Warn("event publish failed", "type", ev.Type, "error", err)
	}
}

// ManualOpen force-opens a gate on operator command. It commands the gate's
// controller, writes a granted audit row, and emits a feed event. It never
// touches occupancy or sessions.
func (e *Engine) ManualOpen(ctx context.Context, gateID int64) error {
	gate, err := e.store.GateByID(ctx, gateID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("gate %d not found", gateID)
		}
		return err
	}

	device, err := e.store.ControllerForGate(ctx, gateID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no controller found for gate %d", gateID)
		}
		return err
	}

	if e.opener == nil {
		return fmt.Errorf("no hardware commander configured")
	}
	if err := e.opener.Open(ctx, device.IP, device.Port); err != nil {
		return fmt.Errorf("open command to %s:%d: %w", device.IP, device.Port, err)
	}

	logRow := &domain.ScanLog{
		CreatedAt:    time.Now(),
		GateID:       &gate.ID,
		GateName:     gate.Name,
		ScanKind:     domain.KindPIN,
		RawPayload:   "MANUAL_OVERRIDE",
		Granted:      true,
		DenialReason: domain.ReasonManualOpen,
	}
	if err := e.store.InsertScanLog(ctx, logRow); err != nil {
		e.log.Error("override audit write failed", "error", err)
	}
	e.met.RecordDecision(true, string(domain.ReasonManualOpen))

	e.publish(ctx, events.New(events.TypeAccessLog, events.AccessLogPayload{
		Time:       time.Now().Format(time.RFC3339),
		GateID:     &gate.ID,
		GateName:   gate.Name,
		UserName:   "Dashboard Operator",
		Role:       "-",
		Credential: "MANUAL_OVERRIDE",
		Status:     "ALLOWED",
		Reason:     string(domain.ReasonManualOpen),
		IsEntry:    gate.ZoneToID != nil,
	}))

	e.log.Info("manual gate open", "gate", gate.Name, "device", device.IP)
	return nil
}
