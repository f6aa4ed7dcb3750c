package campaign

import (
	"time"

	"github.com/google/uuid"
)

// Type distinguishes one-shot blasts from multi-step drip sequences.
type Type string

const (
	TypeBlast Type = "blast"
	TypeDrip  Type = "drip"
)

// Status is the campaign lifecycle state. in_progress is the claim marker a
// scheduler worker flips while it owns a tick; it doubles as the per-campaign
// mutex and survives process restarts because it lives on the row.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusScheduled  Status = "scheduled"
	StatusRunning    Status = "running"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
)

// Campaign is a blast or drip definition over a segment audience.
type Campaign struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	Name       string
	Type       Type
	Status     Status
	SegmentID  uuid.UUID
	FromNumber string
	StartAt    *time.Time
	CreatedAt  time.Time
}

// Step is one ordered message of a campaign. Blast campaigns have exactly one
// step; drip campaigns have N steps each with a delay relative to the
// previous step (or enrollment, for step 1).
type Step struct {
	ID           uuid.UUID
	CampaignID   uuid.UUID
	StepOrder    int
	DelayMinutes int
	BodyTemplate string
	MediaURL     string
}
