package outbox

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storeforge/internal/clock"
	"github.com/smallbiznis/storeforge/internal/outbox/domain"
	"github.com/smallbiznis/storeforge/internal/realtime"
	"go.uber.org/fx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Writer appends store events to the outbox inside the caller's transaction.
type Writer struct {
	repo       domain.Repository
	genID      *snowflake.Node
	clock      clock.Clock
	dispatcher *Dispatcher
}

type WriterParams struct {
	fx.In

	Repo       domain.Repository
	GenID      *snowflake.Node
	Clock      clock.Clock
	Dispatcher *Dispatcher `optional:"true"`
}

func NewWriter(p WriterParams) *Writer {
	return &Writer{
		repo:       p.Repo,
		genID:      p.GenID,
		clock:      p.Clock,
		dispatcher: p.Dispatcher,
	}
}

// Enqueue records an event for later delivery. tx must be the transaction
// that carries the state change so both commit or neither does.
func (w *Writer) Enqueue(ctx context.Context, tx *gorm.DB, storeID snowflake.ID, name realtime.EventName, payload any) error {
	if tx == nil {
		return domain.ErrMissingTx
	}
	if storeID <= 0 {
		return domain.ErrInvalidStore
	}
	if !name.Valid() {
		return domain.ErrInvalidEvent
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(body)) == "null" {
		body = []byte(`{}`)
	}

	now := w.clock.Now()
	return w.repo.Insert(ctx, tx, &domain.StoreEvent{
		ID:            w.genID.Generate(),
		StoreID:       storeID,
		EventName:     string(name),
		Payload:       datatypes.JSON(body),
		NextAttemptAt: now,
		CreatedAt:     now,
	})
}

// Kick asks the dispatcher for a prompt drain. Call it after commit.
func (w *Writer) Kick() {
	if w == nil || w.dispatcher == nil {
		return
	}
	w.dispatcher.Kick()
}
