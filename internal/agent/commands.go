package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"classwatch/backend/internal/dispatch"
	policydomain "classwatch/backend/internal/policy/domain"
	"classwatch/backend/internal/policy/engine"
)

// CommandRunner executes remote-control commands on the device. Tab and
// screen actions are carried out by the browser extension; the runner owns
// the navigation gate: it tracks the active flight-path policy from
// apply-policy commands and refuses open-tab commands whose URL the policy
// blocks.
type CommandRunner struct {
	logger *slog.Logger

	mu        sync.Mutex
	active    policydomain.Snapshot
	hasPolicy bool
}

// NewCommandRunner returns a runner with no policy applied; until one
// arrives, navigation is unrestricted.
func NewCommandRunner(logger *slog.Logger) *CommandRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandRunner{logger: logger.With("component", "commands")}
}

// applyPolicyPayload is the Data shape of an apply-policy command as the
// dispatcher sends it, policy id plus the domain lists.
type applyPolicyPayload struct {
	PolicyID string `json:"policyId"`
	policydomain.Snapshot
}

type openTabPayload struct {
	URL string `json:"url"`
}

// Run executes one command envelope. Matches CommandFunc.
func (c *CommandRunner) Run(ctx context.Context, payload json.RawMessage) {
	var cmd dispatch.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		c.logger.Warn("invalid command payload", "error", err)
		return
	}

	switch cmd.Type {
	case dispatch.CommandApplyPolicy:
		var data applyPolicyPayload
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			c.logger.Warn("apply-policy data invalid", "error", err)
			return
		}
		c.mu.Lock()
		c.active = data.Snapshot
		c.hasPolicy = true
		c.mu.Unlock()
		c.logger.Info("flight-path policy applied", "policy_id", data.PolicyID)
	case dispatch.CommandOpenTab:
		var data openTabPayload
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			c.logger.Warn("open-tab data invalid", "error", err)
			return
		}
		if !c.allowNavigation(data.URL) {
			c.logger.Warn("open-tab refused by policy", "url", data.URL)
			return
		}
		// The extension performs the actual tab open.
		c.logger.Info("command received", "type", cmd.Type, "url", data.URL)
	default:
		c.logger.Info("command received", "type", cmd.Type)
	}
}

// allowNavigation evaluates the URL against the active policy. No policy
// means no restriction; only an explicit block refuses navigation.
func (c *CommandRunner) allowNavigation(rawURL string) bool {
	c.mu.Lock()
	snap, has := c.active, c.hasPolicy
	c.mu.Unlock()
	if !has {
		return true
	}
	return engine.Evaluate(rawURL, snap) != engine.DecisionBlocked
}

// ActivePolicy returns the last applied policy snapshot, if any.
func (c *CommandRunner) ActivePolicy() (policydomain.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active, c.hasPolicy
}
