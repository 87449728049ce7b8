// Package dispatch resolves remote-control commands to their target
// audience and fans them out to connected agents. Delivery is best-effort:
// commands are transient classroom actions with no meaning after the fact,
// so there is no queueing or retry for offline agents.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"classwatch/backend/internal/hub"
	policydomain "classwatch/backend/internal/policy/domain"
	"classwatch/backend/internal/telemetry"
	telemetrydomain "classwatch/backend/internal/telemetry/domain"
)

// Command types agents understand.
const (
	CommandOpenTab      = "open-tab"
	CommandCloseTab     = "close-tab"
	CommandLockScreen   = "lock-screen"
	CommandUnlockScreen = "unlock-screen"
	CommandApplyPolicy  = "apply-policy"
	CommandLimitTabs    = "limit-tabs"
)

// Command is the remote-control payload sent by a viewer. Audience
// precedence: explicit device ids, then grade, then every connected agent
// in the tenant.
type Command struct {
	Type            string          `json:"type"`
	Data            json.RawMessage `json:"data,omitempty"`
	TargetDeviceIDs []string        `json:"targetDeviceIds,omitempty"`
	TargetGrade     string          `json:"targetGrade,omitempty"`
}

// applyPolicyData is the Data shape of an apply-policy command.
type applyPolicyData struct {
	PolicyID string `json:"policyId"`
}

// Sender delivers envelopes to connected agents. Implemented by the hub.
type Sender interface {
	SendToDevice(tenantID, deviceID string, env hub.Envelope) error
	ConnectedAgents(tenantID string) []hub.AgentInfo
}

// GradeRoster resolves a grade filter to person ids.
type GradeRoster interface {
	ListIDsByGrade(ctx context.Context, tenantID, grade string) ([]string, error)
}

// PolicyStore persists which policy is active per device, consulted by
// later heartbeats for off-task computation, and loads policies so
// apply-policy commands carry their domain lists down to agents.
type PolicyStore interface {
	SetActive(ctx context.Context, tenantID, deviceID, policyID string) error
	GetByID(ctx context.Context, id string) (*policydomain.Policy, error)
}

// LockRegistry records server-issued lock state so stale heartbeats cannot
// undo it. Implemented by the presence aggregator.
type LockRegistry interface {
	SetLocked(tenantID, deviceID string, locked bool, at time.Time)
}

// Dispatcher fans commands out to agents.
type Dispatcher struct {
	sender   Sender
	roster   GradeRoster
	policies PolicyStore
	locks    LockRegistry
	emitter  telemetry.EventEmitter
	logger   *slog.Logger
	nowF     func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.nowF = now }
}

// New returns a Dispatcher. roster, policies, locks, and emitter may each
// be nil; the corresponding side effect is skipped.
func New(sender Sender, roster GradeRoster, policies PolicyStore, locks LockRegistry, emitter telemetry.EventEmitter, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		sender:   sender,
		roster:   roster,
		policies: policies,
		locks:    locks,
		emitter:  emitter,
		logger:   logger.With("component", "dispatch"),
		nowF:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HandleCommand implements hub.CommandHandler.
func (d *Dispatcher) HandleCommand(ctx context.Context, from hub.Peer, env hub.Envelope) {
	var cmd Command
	if err := json.Unmarshal(env.Payload, &cmd); err != nil {
		d.logger.Warn("invalid command payload", "error", err)
		return
	}
	if _, err := d.Dispatch(ctx, from.TenantID, cmd); err != nil {
		d.logger.Warn("dispatch failed", "type", cmd.Type, "error", err)
	}
}

// Dispatch resolves the audience and delivers the command. Returns the
// device ids the command was actually sent to.
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID string, cmd Command) ([]string, error) {
	if !validType(cmd.Type) {
		return nil, fmt.Errorf("unknown command type %q", cmd.Type)
	}

	targets, err := d.resolveAudience(ctx, tenantID, cmd)
	if err != nil {
		return nil, err
	}

	if cmd.Type == CommandApplyPolicy {
		cmd.Data = d.enrichApplyPolicy(ctx, tenantID, cmd.Data)
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	env := hub.Envelope{
		Type:      hub.TypeCommand,
		Timestamp: d.nowF().UTC(),
		Payload:   payload,
	}

	delivered := make([]string, 0, len(targets))
	for _, deviceID := range targets {
		if err := d.sender.SendToDevice(tenantID, deviceID, env); err != nil {
			// Offline targets simply miss the command.
			d.logger.Debug("command not delivered", "device_id", deviceID, "error", err)
			continue
		}
		delivered = append(delivered, deviceID)
		d.applySideEffects(ctx, tenantID, deviceID, cmd)
	}

	d.audit(ctx, tenantID, cmd, delivered)
	return delivered, nil
}

// resolveAudience applies the precedence rule. Explicit ids are taken as
// given (delivery failure filters disconnected ones); grade and all resolve
// against live connections only.
func (d *Dispatcher) resolveAudience(ctx context.Context, tenantID string, cmd Command) ([]string, error) {
	if len(cmd.TargetDeviceIDs) > 0 {
		return cmd.TargetDeviceIDs, nil
	}

	connected := d.sender.ConnectedAgents(tenantID)

	if cmd.TargetGrade != "" {
		if d.roster == nil {
			return nil, fmt.Errorf("grade targeting unavailable")
		}
		personIDs, err := d.roster.ListIDsByGrade(ctx, tenantID, cmd.TargetGrade)
		if err != nil {
			return nil, err
		}
		inGrade := make(map[string]bool, len(personIDs))
		for _, id := range personIDs {
			inGrade[id] = true
		}
		var out []string
		for _, a := range connected {
			if inGrade[a.PersonID] {
				out = append(out, a.DeviceID)
			}
		}
		return out, nil
	}

	out := make([]string, 0, len(connected))
	for _, a := range connected {
		out = append(out, a.DeviceID)
	}
	return out, nil
}

// enrichApplyPolicy attaches the policy's domain lists to the command data
// so agents can gate navigation locally without a policy read API. An
// unknown or cross-tenant policy id passes through unenriched.
func (d *Dispatcher) enrichApplyPolicy(ctx context.Context, tenantID string, data json.RawMessage) json.RawMessage {
	if d.policies == nil {
		return data
	}
	var req applyPolicyData
	if err := json.Unmarshal(data, &req); err != nil || req.PolicyID == "" {
		return data
	}
	pol, err := d.policies.GetByID(ctx, req.PolicyID)
	if err != nil || pol == nil || pol.TenantID != tenantID {
		return data
	}
	enriched, err := json.Marshal(struct {
		PolicyID string `json:"policyId"`
		policydomain.Snapshot
	}{PolicyID: req.PolicyID, Snapshot: pol.Snapshot()})
	if err != nil {
		return data
	}
	return enriched
}

func (d *Dispatcher) applySideEffects(ctx context.Context, tenantID, deviceID string, cmd Command) {
	switch cmd.Type {
	case CommandLockScreen:
		if d.locks != nil {
			d.locks.SetLocked(tenantID, deviceID, true, d.nowF().UTC())
		}
	case CommandUnlockScreen:
		if d.locks != nil {
			d.locks.SetLocked(tenantID, deviceID, false, d.nowF().UTC())
		}
	case CommandApplyPolicy:
		if d.policies == nil {
			return
		}
		var data applyPolicyData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			d.logger.Warn("apply-policy data invalid", "error", err)
			return
		}
		if err := d.policies.SetActive(ctx, tenantID, deviceID, data.PolicyID); err != nil {
			d.logger.Warn("active policy persist failed", "device_id", deviceID, "error", err)
		}
	}
}

func (d *Dispatcher) audit(ctx context.Context, tenantID string, cmd Command, delivered []string) {
	meta, err := json.Marshal(map[string]any{
		"command":   cmd.Type,
		"delivered": delivered,
	})
	if err != nil {
		return
	}
	telemetry.EmitAsync(d.emitter, ctx, &telemetrydomain.Event{
		TenantID:  tenantID,
		EventType: telemetrydomain.EventCommandIssued,
		Source:    "dispatch",
		Metadata:  meta,
		CreatedAt: d.nowF().UTC(),
	})
}

func validType(t string) bool {
	switch t {
	case CommandOpenTab, CommandCloseTab, CommandLockScreen, CommandUnlockScreen, CommandApplyPolicy, CommandLimitTabs:
		return true
	}
	return false
}
