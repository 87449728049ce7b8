package domain

import "time"

// Status is the derived online/idle/offline classification of a device or
// person.
type Status string

const (
	StatusOnline  Status = "online"
	StatusIdle    Status = "idle"
	StatusOffline Status = "offline"
)

// Recency thresholds. Status is a pure function of now - lastSeen; nothing
// else may override it.
const (
	OnlineThreshold = 30 * time.Second
	IdleThreshold   = 120 * time.Second
)

// StatusAt classifies a last-seen timestamp at the given instant.
func StatusAt(lastSeen, now time.Time) Status {
	d := now.Sub(lastSeen)
	switch {
	case d < OnlineThreshold:
		return StatusOnline
	case d < IdleThreshold:
		return StatusIdle
	default:
		return StatusOffline
	}
}

// Record is the in-memory presence state for one (person, device) pair.
// Not persisted.
type Record struct {
	TenantID string
	PersonID string
	DeviceID string
	LastSeen time.Time
	TabTitle string
	TabURL   string
	Sharing  bool
	// Locked is server-authoritative once LockedAt is set: a heartbeat
	// whose lock state predates LockedAt cannot clear it.
	Locked       bool
	LockedAt     time.Time
	CameraActive bool
	OffTask      bool
	// SessionEnded marks that the background sweep has already persisted an
	// ended-session marker for this record.
	SessionEnded bool
}

// StatusAt returns the record's status at the given instant.
func (r *Record) StatusAt(now time.Time) Status {
	return StatusAt(r.LastSeen, now)
}

// Aggregated is the folded per-person presence view across all of that
// person's devices.
type Aggregated struct {
	TenantID string `json:"tenantId"`
	PersonID string `json:"personId"`
	// Status is online if any device is online, else idle if any is idle,
	// else offline.
	Status Status `json:"status"`
	// PrimaryDeviceID is the most-recently-active device; its tab snapshot
	// is the one displayed.
	PrimaryDeviceID string    `json:"primaryDeviceId"`
	LastSeen        time.Time `json:"lastSeen"`
	TabTitle        string    `json:"tabTitle"`
	TabURL          string    `json:"tabUrl"`
	Sharing         bool      `json:"sharing"`
	Locked          bool      `json:"locked"`
	CameraActive    bool      `json:"cameraActive"`
	OffTask         bool      `json:"offTask"`
	DeviceCount     int       `json:"deviceCount"`
}

// Fold computes the aggregated view of one person's records at the given
// instant. Returns the zero value with DeviceCount 0 when records is empty.
func Fold(records []*Record, now time.Time) Aggregated {
	var agg Aggregated
	agg.Status = StatusOffline
	for _, r := range records {
		if agg.DeviceCount == 0 {
			agg.TenantID = r.TenantID
			agg.PersonID = r.PersonID
		}
		agg.DeviceCount++

		switch r.StatusAt(now) {
		case StatusOnline:
			agg.Status = StatusOnline
		case StatusIdle:
			if agg.Status != StatusOnline {
				agg.Status = StatusIdle
			}
		}

		if r.Locked {
			agg.Locked = true
		}
		if r.LastSeen.After(agg.LastSeen) {
			agg.LastSeen = r.LastSeen
			agg.PrimaryDeviceID = r.DeviceID
			agg.TabTitle = r.TabTitle
			agg.TabURL = r.TabURL
			agg.Sharing = r.Sharing
			agg.CameraActive = r.CameraActive
			agg.OffTask = r.OffTask
		}
	}
	return agg
}
