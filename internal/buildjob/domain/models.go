package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// transitions lists every legal edge. COMPLETED and FAILED have none.
var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCompleted, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusFailed},
}

func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(raw)))
	switch status {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return status, nil
	default:
		return "", ErrInvalidStatus
	}
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesFor returns the statuses a job may be in to move to target.
func SourcesFor(target Status) []Status {
	var out []Status
	for _, from := range []Status{StatusPending, StatusInProgress, StatusCompleted, StatusFailed} {
		if CanTransition(from, target) {
			out = append(out, from)
		}
	}
	return out
}

// Progress is the percentage reported to clients for a status.
func Progress(s Status) int {
	switch s {
	case StatusCompleted:
		return 100
	case StatusInProgress:
		return 50
	default:
		return 0
	}
}

type BuildJob struct {
	ID             snowflake.ID   `gorm:"primaryKey" json:"id"`
	StoreID        snowflake.ID   `gorm:"not null;index" json:"store_id"`
	TemplateID     snowflake.ID   `gorm:"not null;index" json:"template_id"`
	BaseTemplateID snowflake.ID   `gorm:"not null" json:"base_template_id"`
	Status         Status         `gorm:"type:text;not null" json:"status"`
	Config         datatypes.JSON `gorm:"type:jsonb;not null" json:"config"`
	DownloadURL    *string        `json:"download_url,omitempty"`
	LastError      *string        `json:"last_error,omitempty"`
	CreatedAt      time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

func (BuildJob) TableName() string { return "build_jobs" }

// Template is the slice of the template aggregate the orchestrator needs.
type Template struct {
	ID             snowflake.ID   `gorm:"primaryKey" json:"id"`
	StoreID        snowflake.ID   `gorm:"not null" json:"store_id"`
	BaseTemplateID snowflake.ID   `gorm:"not null" json:"base_template_id"`
	Name           string         `json:"name"`
	IsBuilding     bool           `gorm:"not null" json:"is_building"`
	Config         datatypes.JSON `gorm:"type:jsonb" json:"config"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (Template) TableName() string { return "templates" }
