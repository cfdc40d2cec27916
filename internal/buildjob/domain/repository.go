package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storeforge/pkg/db/pagination"
	"gorm.io/gorm"
)

type TransitionUpdate struct {
	DownloadURL *string
	LastError   *string
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

type Repository interface {
	FindTemplate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Template, error)
	// ClaimGuard flips is_building from false to true and reports whether it won.
	ClaimGuard(ctx context.Context, db *gorm.DB, templateID snowflake.ID, at time.Time) (bool, error)
	ReleaseGuard(ctx context.Context, db *gorm.DB, templateID snowflake.ID, at time.Time) error

	InsertJob(ctx context.Context, db *gorm.DB, job *BuildJob) error
	FindJob(ctx context.Context, db *gorm.DB, id snowflake.ID) (*BuildJob, error)
	// TransitionJob applies the update only while the job is in one of from.
	TransitionJob(ctx context.Context, db *gorm.DB, id snowflake.ID, to Status, from []Status, update TransitionUpdate) (bool, error)
	ListJobs(ctx context.Context, db *gorm.DB, storeID snowflake.ID, page pagination.Page) ([]BuildJob, error)
	ListTimedOut(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]BuildJob, error)
}
