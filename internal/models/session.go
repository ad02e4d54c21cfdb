package models

import (
	"time"

	"gorm.io/datatypes"
)

// Session kinds supported by the platform.
const (
	SessionKindChat  = "chat"
	SessionKindAudio = "audio"
	SessionKindVideo = "video"
)

// Session statuses. A session is created pending, becomes active when the
// transport confirms connectivity, and ends exactly once as completed or
// cancelled.
const (
	SessionStatusPending   = "pending"
	SessionStatusActive    = "active"
	SessionStatusCompleted = "completed"
	SessionStatusCancelled = "cancelled"
)

// Session represents a persisted record of one live advisory interaction.
type Session struct {
	BaseModel

	ClientUserID       string         `gorm:"type:uuid;not null;index" json:"client_user_id"`
	AdvisorID          string         `gorm:"type:uuid;not null;index" json:"advisor_id"`
	Kind               string         `gorm:"type:varchar(16);not null;index" json:"kind"`
	RatePerMinuteCents int64          `gorm:"not null;default:0" json:"rate_per_minute_cents"`
	FreeMinutes        int            `gorm:"not null;default:0" json:"free_minutes"`
	Status             string         `gorm:"type:varchar(16);not null;index" json:"status"`
	StartedAt          time.Time      `gorm:"not null;index" json:"started_at"`
	EndedAt            *time.Time     `gorm:"index" json:"ended_at,omitempty"`
	LastHeartbeatAt    time.Time      `gorm:"index" json:"last_heartbeat_at"`
	BillableMinutes    int64          `gorm:"not null;default:0" json:"billable_minutes"`
	CreditsUsedCents   int64          `gorm:"not null;default:0" json:"credits_used_cents"`
	ConnectionQuality  string         `gorm:"type:varchar(16)" json:"connection_quality,omitempty"`
	EndReason          string         `gorm:"type:varchar(32)" json:"end_reason,omitempty"`
	Metadata           datatypes.JSON `gorm:"type:json" json:"session_metadata,omitempty"`
}

// Open reports whether the session has not yet reached a terminal status.
func (s *Session) Open() bool {
	return s.EndedAt == nil
}
