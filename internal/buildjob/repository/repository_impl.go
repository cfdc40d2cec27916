package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storeforge/internal/buildjob/domain"
	"github.com/smallbiznis/storeforge/pkg/db/pagination"
	"gorm.io/gorm"
)

const jobColumns = `id, store_id, template_id, base_template_id, status, config, download_url, last_error, created_at, updated_at, completed_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindTemplate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Template, error) {
	var item domain.Template
	err := db.WithContext(ctx).Raw(
		`SELECT id, store_id, base_template_id, name, is_building, config, updated_at
		 FROM templates
		 WHERE id = ?`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ClaimGuard(ctx context.Context, db *gorm.DB, templateID snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE templates SET is_building = ?, updated_at = ? WHERE id = ? AND is_building = ?`,
		true,
		at,
		templateID,
		false,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ReleaseGuard(ctx context.Context, db *gorm.DB, templateID snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE templates SET is_building = ?, updated_at = ? WHERE id = ?`,
		false,
		at,
		templateID,
	).Error
}

func (r *repo) InsertJob(ctx context.Context, db *gorm.DB, job *domain.BuildJob) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO build_jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.StoreID,
		job.TemplateID,
		job.BaseTemplateID,
		job.Status,
		job.Config,
		job.DownloadURL,
		job.LastError,
		job.CreatedAt,
		job.UpdatedAt,
		job.CompletedAt,
	).Error
}

func (r *repo) FindJob(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.BuildJob, error) {
	var item domain.BuildJob
	err := db.WithContext(ctx).Raw(
		`SELECT `+jobColumns+` FROM build_jobs WHERE id = ?`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) TransitionJob(
	ctx context.Context,
	db *gorm.DB,
	id snowflake.ID,
	to domain.Status,
	from []domain.Status,
	update domain.TransitionUpdate,
) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	sources := make([]string, 0, len(from))
	for _, status := range from {
		sources = append(sources, string(status))
	}

	res := db.WithContext(ctx).Exec(
		`UPDATE build_jobs
		 SET status = ?,
			download_url = COALESCE(?, download_url),
			last_error = COALESCE(?, last_error),
			completed_at = COALESCE(?, completed_at),
			updated_at = ?
		 WHERE id = ? AND status IN ?`,
		string(to),
		update.DownloadURL,
		update.LastError,
		update.CompletedAt,
		update.UpdatedAt,
		id,
		sources,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ListJobs(ctx context.Context, db *gorm.DB, storeID snowflake.ID, page pagination.Page) ([]domain.BuildJob, error) {
	var items []domain.BuildJob
	err := db.WithContext(ctx).Raw(
		`SELECT `+jobColumns+`
		 FROM build_jobs
		 WHERE store_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		storeID,
		page.Limit+1,
		page.Offset,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListTimedOut(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.BuildJob, error) {
	var items []domain.BuildJob
	err := db.WithContext(ctx).Raw(
		`SELECT `+jobColumns+`
		 FROM build_jobs
		 WHERE status IN (?, ?) AND created_at <= ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		string(domain.StatusPending),
		string(domain.StatusInProgress),
		cutoff,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
