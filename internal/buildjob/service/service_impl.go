package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storeforge/internal/buildjob/domain"
	"github.com/smallbiznis/storeforge/internal/clock"
	"github.com/smallbiznis/storeforge/internal/config"
	notificationdomain "github.com/smallbiznis/storeforge/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/storeforge/internal/observability/metrics"
	"github.com/smallbiznis/storeforge/internal/outbox"
	"github.com/smallbiznis/storeforge/internal/ratelimit"
	"github.com/smallbiznis/storeforge/internal/realtime"
	"github.com/smallbiznis/storeforge/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	CallbackPath = "/api/builds/callback"

	sweepLockKey = "build:timeout-sweep"
	sweepLockTTL = 5 * time.Minute

	lastErrorTimeout = "build_timeout"
)

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	Cfg             config.Config
	Runtime         *config.RuntimeConfigHolder `optional:"true"`
	Repo            domain.Repository
	Dispatcher      domain.Dispatcher
	NotificationSvc notificationdomain.Service
	Outbox          *outbox.Writer
	Limiter         *ratelimit.TriggerLimiter `optional:"true"`
	Locker          *ratelimit.Locker         `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics       `optional:"true"`
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	clock           clock.Clock
	callbackURL     string
	runtime         *config.RuntimeConfigHolder
	repo            domain.Repository
	dispatcher      domain.Dispatcher
	notificationSvc notificationdomain.Service
	outbox          *outbox.Writer
	limiter         *ratelimit.TriggerLimiter
	locker          *ratelimit.Locker
	obsMetrics      *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("buildjob.service"),
		genID:           p.GenID,
		clock:           p.Clock,
		callbackURL:     strings.TrimRight(p.Cfg.Build.CallbackBaseURL, "/") + CallbackPath,
		runtime:         p.Runtime,
		repo:            p.Repo,
		dispatcher:      p.Dispatcher,
		notificationSvc: p.NotificationSvc,
		outbox:          p.Outbox,
		limiter:         p.Limiter,
		locker:          p.Locker,
		obsMetrics:      p.ObsMetrics,
	}
}

type generationPayload struct {
	JobID       string  `json:"jobId"`
	TemplateID  string  `json:"templateId"`
	Status      string  `json:"status"`
	Progress    int     `json:"progress"`
	DownloadURL *string `json:"downloadUrl,omitempty"`
	Error       *string `json:"error,omitempty"`
}

func newGenerationPayload(job *domain.BuildJob, status domain.Status, downloadURL, lastError *string) generationPayload {
	return generationPayload{
		JobID:       job.ID.String(),
		TemplateID:  job.TemplateID.String(),
		Status:      string(status),
		Progress:    domain.Progress(status),
		DownloadURL: downloadURL,
		Error:       lastError,
	}
}

func (s *Service) TriggerBuild(ctx context.Context, req domain.TriggerRequest) (domain.BuildJob, error) {
	templateID, err := parseID(req.TemplateID, domain.ErrInvalidTemplate)
	if err != nil {
		return domain.BuildJob{}, err
	}

	tpl, err := s.repo.FindTemplate(ctx, s.db, templateID)
	if err != nil {
		return domain.BuildJob{}, err
	}
	if tpl == nil || (req.StoreID != 0 && tpl.StoreID != req.StoreID) {
		return domain.BuildJob{}, domain.ErrNotFound
	}
	if tpl.IsBuilding {
		s.obsMetrics.RecordBuildTriggered(ctx, "conflict")
		return domain.BuildJob{}, domain.ErrBuildInProgress
	}
	if _, err := s.limiter.Allow(ctx, tpl.StoreID); err != nil {
		s.obsMetrics.RecordBuildTriggered(ctx, "rate_limited")
		return domain.BuildJob{}, err
	}

	var job domain.BuildJob
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		claimed, err := s.repo.ClaimGuard(ctx, tx, templateID, now)
		if err != nil {
			return err
		}
		if !claimed {
			current, err := s.repo.FindTemplate(ctx, tx, templateID)
			if err != nil {
				return err
			}
			if current == nil {
				return domain.ErrNotFound
			}
			return domain.ErrBuildInProgress
		}

		current, err := s.repo.FindTemplate(ctx, tx, templateID)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrNotFound
		}

		cfg := current.Config
		if len(cfg) == 0 {
			cfg = datatypes.JSON(`{}`)
		}
		job = domain.BuildJob{
			ID:             s.genID.Generate(),
			StoreID:        current.StoreID,
			TemplateID:     current.ID,
			BaseTemplateID: current.BaseTemplateID,
			Status:         domain.StatusPending,
			Config:         cfg,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return s.repo.InsertJob(ctx, tx, &job)
	})
	if err != nil {
		if errors.Is(err, domain.ErrBuildInProgress) {
			s.obsMetrics.RecordBuildTriggered(ctx, "conflict")
		}
		return domain.BuildJob{}, err
	}

	log := s.log.With(
		zap.String("job_id", job.ID.String()),
		zap.String("template_id", job.TemplateID.String()),
		zap.String("store_id", job.StoreID.String()),
	)

	dispatchErr := s.dispatcher.Dispatch(ctx, domain.DispatchRequest{
		JobID:       job.ID,
		StoreID:     job.StoreID,
		CallbackURL: s.callbackURL,
		Config:      []byte(job.Config),
	})
	if dispatchErr != nil {
		s.obsMetrics.RecordBuildTriggered(ctx, "dispatch_failed")
		log.Error("build dispatch failed", zap.Error(dispatchErr))
		s.handleDispatchFailure(ctx, log, &job, dispatchErr)

		var typed *domain.DispatchError
		if !errors.As(dispatchErr, &typed) {
			dispatchErr = &domain.DispatchError{Err: dispatchErr}
		}
		return job, dispatchErr
	}

	if err := s.outbox.Enqueue(ctx, s.db, job.StoreID, realtime.EventAppGenerationStarted,
		newGenerationPayload(&job, domain.StatusPending, nil, nil)); err != nil {
		log.Warn("failed to enqueue generation started event", zap.Error(err))
	}
	s.outbox.Kick()

	s.obsMetrics.RecordBuildTriggered(ctx, "dispatched")
	log.Info("build dispatched")
	return job, nil
}

// handleDispatchFailure applies the configured dispatch-failure policy.
func (s *Service) handleDispatchFailure(ctx context.Context, log *zap.Logger, job *domain.BuildJob, cause error) {
	policy := s.runtime.Get().Build.DispatchFailurePolicy
	if policy == config.DispatchFailureRetain {
		log.Warn("dispatch failure retained; timeout sweep will fail the job")
		return
	}

	// Compensation must survive a canceled request.
	ctx = context.WithoutCancel(ctx)
	message := truncate("dispatch_failed: "+cause.Error(), 500)
	applied, err := s.transition(ctx, job, domain.StatusFailed, nil, &message, false)
	if err != nil {
		log.Error("failed to compensate dispatch failure", zap.Error(err))
		return
	}
	if applied {
		job.Status = domain.StatusFailed
		job.LastError = &message
	}
}

func (s *Service) ReceiveCallback(ctx context.Context, req domain.CallbackRequest) (domain.CallbackResult, error) {
	jobID, err := parseID(req.JobID, domain.ErrInvalidJob)
	if err != nil {
		return domain.CallbackResult{}, err
	}
	status, err := domain.ParseStatus(req.Status)
	if err != nil {
		return domain.CallbackResult{}, err
	}
	downloadURL, err := normalizeDownloadURL(req.DownloadURL)
	if err != nil {
		return domain.CallbackResult{}, err
	}
	var lastError *string
	if status == domain.StatusFailed {
		message := strings.TrimSpace(req.Error)
		if message == "" {
			message = "build_failed"
		}
		message = truncate(message, 500)
		lastError = &message
	}

	job, err := s.repo.FindJob(ctx, s.db, jobID)
	if err != nil {
		return domain.CallbackResult{}, err
	}
	if job == nil {
		return domain.CallbackResult{}, domain.ErrNotFound
	}

	applied, err := s.transition(ctx, job, status, downloadURL, lastError, true)
	if err != nil {
		return domain.CallbackResult{}, err
	}

	current, err := s.repo.FindJob(ctx, s.db, jobID)
	if err != nil {
		return domain.CallbackResult{}, err
	}
	if current == nil {
		return domain.CallbackResult{}, domain.ErrNotFound
	}
	return domain.CallbackResult{Applied: applied, Job: *current}, nil
}

// transition moves job to status in one transaction together with the guard
// release, the optional notification and the generation update event.
// A transition that is not legal from the stored status is dropped.
func (s *Service) transition(
	ctx context.Context,
	job *domain.BuildJob,
	status domain.Status,
	downloadURL *string,
	lastError *string,
	notify bool,
) (bool, error) {
	log := s.log.With(
		zap.String("job_id", job.ID.String()),
		zap.String("from", string(job.Status)),
		zap.String("to", string(status)),
	)

	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		update := domain.TransitionUpdate{
			DownloadURL: downloadURL,
			LastError:   lastError,
			UpdatedAt:   now,
		}
		if status.Terminal() {
			update.CompletedAt = &now
		}

		ok, err := s.repo.TransitionJob(ctx, tx, job.ID, status, domain.SourcesFor(status), update)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		applied = true

		if status.Terminal() {
			if err := s.repo.ReleaseGuard(ctx, tx, job.TemplateID, now); err != nil {
				return err
			}
			if notify {
				if _, err := s.notificationSvc.CreateTx(ctx, tx, buildNotification(job, status, downloadURL, lastError)); err != nil {
					return err
				}
			}
		}

		return s.outbox.Enqueue(ctx, tx, job.StoreID, realtime.EventAppGenerationUpdate,
			newGenerationPayload(job, status, downloadURL, lastError))
	})
	if err != nil {
		return false, err
	}
	if !applied {
		log.Info("build transition dropped")
		return false, nil
	}

	s.outbox.Kick()
	s.obsMetrics.RecordBuildTransition(ctx, string(job.Status), string(status))
	log.Info("build transition applied")
	return true, nil
}

func buildNotification(job *domain.BuildJob, status domain.Status, downloadURL, lastError *string) notificationdomain.CreateRequest {
	data := map[string]any{
		"job_id":      job.ID.String(),
		"template_id": job.TemplateID.String(),
		"status":      string(status),
	}
	if status == domain.StatusCompleted {
		if downloadURL != nil {
			data["download_url"] = *downloadURL
		}
		return notificationdomain.CreateRequest{
			StoreID: job.StoreID,
			Type:    notificationdomain.TypeSystemUpdate,
			Title:   "App build completed",
			Content: "Your app build is ready to download.",
			Data:    data,
		}
	}

	reason := "unknown error"
	if lastError != nil {
		reason = *lastError
		data["error"] = reason
	}
	return notificationdomain.CreateRequest{
		StoreID: job.StoreID,
		Type:    notificationdomain.TypeSystemUpdate,
		Title:   "App build failed",
		Content: fmt.Sprintf("Your app build failed: %s", reason),
		Data:    data,
	}
}

func (s *Service) ListJobs(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	if req.StoreID <= 0 {
		return domain.ListResponse{}, domain.ErrInvalidStore
	}
	page := req.Page.Normalize()
	items, err := s.repo.ListJobs(ctx, s.db, req.StoreID, page)
	if err != nil {
		return domain.ListResponse{}, err
	}
	items, info := pagination.Trim(items, page)
	if items == nil {
		items = []domain.BuildJob{}
	}
	return domain.ListResponse{Jobs: items, PageInfo: info}, nil
}

func (s *Service) GetJob(ctx context.Context, storeID, id snowflake.ID) (domain.BuildJob, error) {
	if id <= 0 {
		return domain.BuildJob{}, domain.ErrInvalidJob
	}
	job, err := s.repo.FindJob(ctx, s.db, id)
	if err != nil {
		return domain.BuildJob{}, err
	}
	if job == nil || (storeID != 0 && job.StoreID != storeID) {
		return domain.BuildJob{}, domain.ErrNotFound
	}
	return *job, nil
}

// SweepTimedOut fails jobs whose callback never arrived and frees their
// templates. Only one replica sweeps at a time when Redis is configured.
func (s *Service) SweepTimedOut(ctx context.Context) (domain.SweepResult, error) {
	var result domain.SweepResult
	acquired, err := s.locker.WithLock(ctx, sweepLockKey, sweepLockTTL, func(ctx context.Context) error {
		cfg := s.runtime.Get().Build
		cutoff := s.clock.Now().Add(-cfg.Timeout)

		jobs, err := s.repo.ListTimedOut(ctx, s.db, cutoff, cfg.SweepBatchSize)
		if err != nil {
			return err
		}
		for i := range jobs {
			job := jobs[i]
			message := lastErrorTimeout
			applied, err := s.transition(ctx, &job, domain.StatusFailed, nil, &message, true)
			if err != nil {
				return err
			}
			if applied {
				result.Failed++
				s.log.Warn("build timed out",
					zap.String("job_id", job.ID.String()),
					zap.String("template_id", job.TemplateID.String()),
					zap.Time("created_at", job.CreatedAt),
				)
			}
		}
		return nil
	})
	if err != nil {
		return result, err
	}
	result.Skipped = !acquired
	return result, nil
}

func parseID(raw string, invalid error) (snowflake.ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, invalid
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		return 0, invalid
	}
	return id, nil
}

func normalizeDownloadURL(raw *string) (*string, error) {
	if raw == nil {
		return nil, nil
	}
	value := strings.TrimSpace(*raw)
	if value == "" {
		return nil, nil
	}
	parsed, err := url.Parse(value)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, domain.ErrInvalidDownloadURL
	}
	return &value, nil
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	for max > 0 && !utf8.RuneStart(value[max]) {
		max--
	}
	return value[:max]
}
