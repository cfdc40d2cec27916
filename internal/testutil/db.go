// Package testutil holds fixtures shared by repository and service tests.
package testutil

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

// Schema mirrors the postgres migrations with sqlite column types.
var Schema = []string{
	`CREATE TABLE stores (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE templates (
		id BIGINT PRIMARY KEY,
		store_id BIGINT NOT NULL,
		base_template_id BIGINT NOT NULL,
		name TEXT NOT NULL,
		is_building BOOLEAN NOT NULL DEFAULT 0,
		config TEXT NOT NULL DEFAULT '{}',
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE build_jobs (
		id BIGINT PRIMARY KEY,
		store_id BIGINT NOT NULL,
		template_id BIGINT NOT NULL,
		base_template_id BIGINT NOT NULL,
		status TEXT NOT NULL,
		config TEXT NOT NULL DEFAULT '{}',
		download_url TEXT,
		last_error TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME
	)`,
	`CREATE TABLE orders (
		id BIGINT PRIMARY KEY,
		store_id BIGINT NOT NULL,
		order_number TEXT NOT NULL,
		amount BIGINT NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT 'usd',
		payment_status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE payment_records (
		id BIGINT PRIMARY KEY,
		order_id BIGINT NOT NULL,
		external_payment_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		last_error TEXT,
		last_error_code TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_payment_records_external ON payment_records(external_payment_id)`,
	`CREATE TABLE payment_events (
		id BIGINT PRIMARY KEY,
		provider TEXT NOT NULL,
		provider_event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		received_at DATETIME NOT NULL,
		processed_at DATETIME,
		last_error TEXT
	)`,
	`CREATE UNIQUE INDEX ux_payment_events_provider_event ON payment_events(provider, provider_event_id)`,
	`CREATE TABLE notifications (
		id BIGINT PRIMARY KEY,
		store_id BIGINT NOT NULL,
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		data TEXT,
		is_read BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		read_at DATETIME
	)`,
	`CREATE TABLE store_events (
		id BIGINT PRIMARY KEY,
		store_id BIGINT NOT NULL,
		event_name TEXT NOT NULL,
		payload TEXT NOT NULL,
		published BOOLEAN NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		next_attempt_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		published_at DATETIME
	)`,
}

// OpenDB returns an isolated in-memory database with the full schema applied.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()
	return open(t, fmt.Sprintf("file:storeforge_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1)))
}

// OpenFileDB returns a file-backed database in a temp dir. Writers wait on
// the busy timeout instead of failing, so tests can race real transactions.
func OpenFileDB(t testing.TB) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "storeforge.db")
	return open(t, path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
}

func open(t testing.TB, dsn string) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	for _, stmt := range Schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

var (
	nodeOnce sync.Once
	node     *snowflake.Node
	nodeErr  error
)

// Node returns the process-wide snowflake node used by tests. Sharing one
// node keeps fixture ids and service ids from colliding.
func Node(t testing.TB) *snowflake.Node {
	t.Helper()

	nodeOnce.Do(func() {
		node, nodeErr = snowflake.NewNode(1)
	})
	if nodeErr != nil {
		t.Fatalf("snowflake node: %v", nodeErr)
	}
	return node
}

// Count returns the number of rows matching the optional where clause.
func Count(t testing.TB, db *gorm.DB, table string, where string, args ...any) int64 {
	t.Helper()

	query := "SELECT COUNT(1) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	var count int64
	if err := db.Raw(query, args...).Scan(&count).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}
