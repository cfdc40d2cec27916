package testutil

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Fixtures seeds rows through raw SQL so tests do not depend on the package under test.
type Fixtures struct {
	t    testing.TB
	db   *gorm.DB
	node *snowflake.Node
	now  time.Time
}

func NewFixtures(t testing.TB, db *gorm.DB, now time.Time) *Fixtures {
	t.Helper()
	return &Fixtures{t: t, db: db, node: Node(t), now: now.UTC()}
}

func (f *Fixtures) exec(query string, args ...any) {
	f.t.Helper()
	if err := f.db.Exec(query, args...).Error; err != nil {
		f.t.Fatalf("fixture: %v", err)
	}
}

func (f *Fixtures) Store(name string) snowflake.ID {
	f.t.Helper()
	id := f.node.Generate()
	f.exec(`INSERT INTO stores (id, name, created_at) VALUES (?, ?, ?)`, id, name, f.now)
	return id
}

func (f *Fixtures) Template(storeID snowflake.ID, isBuilding bool, config string) snowflake.ID {
	f.t.Helper()
	id := f.node.Generate()
	if config == "" {
		config = "{}"
	}
	f.exec(`INSERT INTO templates (id, store_id, base_template_id, name, is_building, config, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, storeID, f.node.Generate(), "template", isBuilding, config, f.now)
	return id
}

// BuildJob inserts a job directly, bypassing the orchestrator.
func (f *Fixtures) BuildJob(storeID, templateID snowflake.ID, status string, createdAt time.Time) snowflake.ID {
	f.t.Helper()
	id := f.node.Generate()
	f.exec(`INSERT INTO build_jobs (id, store_id, template_id, base_template_id, status, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, storeID, templateID, f.node.Generate(), status, "{}", createdAt.UTC(), createdAt.UTC())
	return id
}

func (f *Fixtures) Order(storeID snowflake.ID, number string, amount int64) snowflake.ID {
	f.t.Helper()
	id := f.node.Generate()
	f.exec(`INSERT INTO orders (id, store_id, order_number, amount, currency, payment_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, storeID, number, amount, "usd", "pending", f.now, f.now)
	return id
}

func (f *Fixtures) PaymentRecord(orderID snowflake.ID, externalID, status string) snowflake.ID {
	f.t.Helper()
	id := f.node.Generate()
	f.exec(`INSERT INTO payment_records (id, order_id, external_payment_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, orderID, externalID, status, f.now, f.now)
	return id
}

// Notification inserts a notification with the given read flag.
func (f *Fixtures) Notification(storeID snowflake.ID, notificationType string, isRead bool, createdAt time.Time) snowflake.ID {
	f.t.Helper()
	id := f.node.Generate()
	var readAt *time.Time
	if isRead {
		ts := createdAt.UTC()
		readAt = &ts
	}
	f.exec(`INSERT INTO notifications (id, store_id, type, title, content, data, is_read, created_at, read_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, storeID, notificationType, "title", "content", "{}", isRead, createdAt.UTC(), readAt)
	return id
}
