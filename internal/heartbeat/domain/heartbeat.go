package domain

import "time"

// Heartbeat is one periodic status ping from a monitored device. Ephemeral:
// it feeds presence directly, while a durable copy goes to the export
// pipeline for audits.
type Heartbeat struct {
	TenantID string `json:"tenantId"`
	DeviceID string `json:"deviceId"`
	PersonID string `json:"personId"`
	TabTitle string `json:"tabTitle"`
	// TabURL is empty for internal browser pages.
	TabURL       string `json:"tabUrl"`
	Sharing      bool   `json:"sharing"`
	Locked       bool   `json:"locked"`
	PolicyActive bool   `json:"policyActive"`
	CameraActive bool   `json:"cameraActive"`
	// LockStateAt is when the client last observed its own lock state.
	// Compared against the server's lock timestamp so a stale heartbeat
	// cannot undo a just-issued lock.
	LockStateAt time.Time `json:"lockStateAt"`
	ArrivedAt   time.Time `json:"arrivedAt"`
}
