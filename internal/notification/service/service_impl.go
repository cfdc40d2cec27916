package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storeforge/internal/clock"
	"github.com/smallbiznis/storeforge/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/storeforge/internal/observability/metrics"
	"github.com/smallbiznis/storeforge/internal/outbox"
	"github.com/smallbiznis/storeforge/internal/realtime"
	"github.com/smallbiznis/storeforge/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Outbox  *outbox.Writer
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	outbox  *outbox.Writer
	metrics *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("notification.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		outbox:  p.Outbox,
		metrics: p.Metrics,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (domain.Notification, error) {
	var created domain.Notification
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := s.CreateTx(ctx, tx, req)
		if err != nil {
			return err
		}
		created = n
		return nil
	})
	if err != nil {
		return domain.Notification{}, err
	}
	s.outbox.Kick()
	return created, nil
}

// CreateTx inserts the notification and its new-notification event on tx.
// Callers own the commit and should Kick the outbox afterwards.
func (s *Service) CreateTx(ctx context.Context, tx *gorm.DB, req domain.CreateRequest) (domain.Notification, error) {
	n, err := s.build(req)
	if err != nil {
		return domain.Notification{}, err
	}
	if err := s.repo.Insert(ctx, tx, &n); err != nil {
		return domain.Notification{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, n.StoreID, realtime.EventNewNotification, n); err != nil {
		return domain.Notification{}, err
	}

	s.metrics.RecordNotificationCreated(ctx, string(n.Type))
	s.log.Debug("notification created",
		zap.String("notification_id", n.ID.String()),
		zap.String("store_id", n.StoreID.String()),
		zap.String("type", string(n.Type)),
	)
	return n, nil
}

func (s *Service) build(req domain.CreateRequest) (domain.Notification, error) {
	if req.StoreID <= 0 {
		return domain.Notification{}, domain.ErrInvalidStore
	}
	if !req.Type.Valid() {
		return domain.Notification{}, domain.ErrInvalidType
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return domain.Notification{}, domain.ErrInvalidTitle
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return domain.Notification{}, domain.ErrInvalidContent
	}

	var data datatypes.JSON
	if len(req.Data) > 0 {
		raw, err := json.Marshal(req.Data)
		if err != nil {
			return domain.Notification{}, domain.ErrInvalidData
		}
		data = datatypes.JSON(raw)
	}

	return domain.Notification{
		ID:        s.genID.Generate(),
		StoreID:   req.StoreID,
		Type:      req.Type,
		Title:     title,
		Content:   content,
		Data:      data,
		CreatedAt: s.clock.Now(),
	}, nil
}

func (s *Service) MarkRead(ctx context.Context, req domain.MarkReadRequest) (domain.Notification, error) {
	if req.ID <= 0 {
		return domain.Notification{}, domain.ErrInvalidID
	}

	var result domain.Notification
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindByID(ctx, tx, req.ID)
		if err != nil {
			return err
		}
		if existing == nil || (req.StoreID > 0 && existing.StoreID != req.StoreID) {
			return domain.ErrNotFound
		}
		if _, err := s.repo.MarkRead(ctx, tx, req.ID, s.clock.Now()); err != nil {
			return err
		}
		updated, err := s.repo.FindByID(ctx, tx, req.ID)
		if err != nil {
			return err
		}
		if updated == nil {
			return domain.ErrNotFound
		}
		result = *updated
		return nil
	})
	if err != nil {
		return domain.Notification{}, err
	}
	return result, nil
}

func (s *Service) MarkAllRead(ctx context.Context, storeID snowflake.ID) (int64, error) {
	if storeID <= 0 {
		return 0, domain.ErrInvalidStore
	}
	updated, err := s.repo.MarkAllRead(ctx, s.db, storeID, s.clock.Now())
	if err != nil {
		return 0, err
	}
	s.log.Info("notifications marked read",
		zap.String("store_id", storeID.String()),
		zap.Int64("updated", updated),
	)
	return updated, nil
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	if req.StoreID <= 0 {
		return domain.ListResponse{}, domain.ErrInvalidStore
	}
	if req.Type != nil && !req.Type.Valid() {
		return domain.ListResponse{}, domain.ErrInvalidType
	}

	page := req.Page.Normalize()
	items, err := s.repo.List(ctx, s.db, req.StoreID, domain.ListFilter{Type: req.Type}, page)
	if err != nil {
		return domain.ListResponse{}, err
	}
	items, info := pagination.Trim(items, page)
	if items == nil {
		items = []domain.Notification{}
	}
	return domain.ListResponse{Notifications: items, PageInfo: info}, nil
}

func (s *Service) UnreadCount(ctx context.Context, storeID snowflake.ID) (int64, error) {
	if storeID <= 0 {
		return 0, domain.ErrInvalidStore
	}
	return s.repo.CountUnread(ctx, s.db, storeID)
}

func (s *Service) Delete(ctx context.Context, storeID, id snowflake.ID) error {
	if storeID <= 0 {
		return domain.ErrInvalidStore
	}
	if id <= 0 {
		return domain.ErrInvalidID
	}
	deleted, err := s.repo.Delete(ctx, s.db, storeID, id)
	if err != nil {
		return err
	}
	if deleted == 0 {
		return domain.ErrNotFound
	}
	return nil
}
