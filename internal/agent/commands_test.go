package agent

import (
	"context"
	"encoding/json"
	"testing"

	"classwatch/backend/internal/dispatch"
)

func commandPayload(t *testing.T, cmdType string, data any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	payload, err := json.Marshal(dispatch.Command{Type: cmdType, Data: raw})
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	return payload
}

func TestCommandRunner_ApplyPolicyStoresSnapshot(t *testing.T) {
	c := NewCommandRunner(nil)

	c.Run(context.Background(), commandPayload(t, dispatch.CommandApplyPolicy, map[string]any{
		"policyId":       "pol-7",
		"allowedDomains": []string{"khanacademy.org"},
		"blockedDomains": []string{"games.example.com"},
	}))

	snap, ok := c.ActivePolicy()
	if !ok {
		t.Fatal("no policy stored")
	}
	if len(snap.AllowedDomains) != 1 || snap.AllowedDomains[0] != "khanacademy.org" {
		t.Errorf("allowedDomains = %v", snap.AllowedDomains)
	}
	if len(snap.BlockedDomains) != 1 || snap.BlockedDomains[0] != "games.example.com" {
		t.Errorf("blockedDomains = %v", snap.BlockedDomains)
	}
}

func TestCommandRunner_OpenTabGatedByPolicy(t *testing.T) {
	c := NewCommandRunner(nil)
	c.Run(context.Background(), commandPayload(t, dispatch.CommandApplyPolicy, map[string]any{
		"policyId":       "pol-7",
		"blockedDomains": []string{"games.example.com"},
	}))

	if c.allowNavigation("https://games.example.com/slither") {
		t.Error("blocked domain should refuse navigation")
	}
	if !c.allowNavigation("https://docs.google.com/document") {
		t.Error("unlisted domain should pass")
	}
}

func TestCommandRunner_NoPolicyIsUnrestricted(t *testing.T) {
	c := NewCommandRunner(nil)
	if !c.allowNavigation("https://games.example.com") {
		t.Error("no policy applied, navigation must be unrestricted")
	}
	if _, ok := c.ActivePolicy(); ok {
		t.Error("ActivePolicy should report none")
	}
}

func TestCommandRunner_InvalidPayloadIgnored(t *testing.T) {
	c := NewCommandRunner(nil)
	c.Run(context.Background(), json.RawMessage(`{not json`))
	if _, ok := c.ActivePolicy(); ok {
		t.Error("invalid payload must not apply a policy")
	}
}
