package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// BatchLog is one flushed result batch.
type BatchLog struct {
	ID        int64
	URLCount  int
	URLs      []string
	CreatedAt time.Time
}

// DB wraps the SQLite database
type DB struct {
	conn *sql.DB
}

// NewDB creates a new database connection and initializes the schema
func NewDB(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory failed: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}

	// SQLite works best with a single writer
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init schema failed: %w", err)
	}

	return db, nil
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS batch_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url_count INTEGER NOT NULL,
		urls TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_batch_created_at ON batch_logs(created_at);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// InsertBatchLog inserts a batch and sets its ID
func (db *DB) InsertBatchLog(log *BatchLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	urls := log.URLs
	if urls == nil {
		urls = []string{}
	}
	data, err := json.Marshal(urls)
	if err != nil {
		return fmt.Errorf("encode urls: %w", err)
	}

	result, err := db.conn.Exec(
		`INSERT INTO batch_logs (url_count, urls, created_at) VALUES (?, ?, ?)`,
		len(urls), string(data), log.CreatedAt.UTC(),
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}

	log.ID = id
	log.URLCount = len(urls)
	return nil
}

// RecordBatch stores a flushed batch with the current time.
func (db *DB) RecordBatch(urls []string) error {
	return db.InsertBatchLog(&BatchLog{URLs: urls})
}

// RecentBatches returns up to limit batches, newest first.
func (db *DB) RecentBatches(limit int) ([]BatchLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.Query(
		`SELECT id, url_count, urls, created_at FROM batch_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var logs []BatchLog
	for rows.Next() {
		var (
			b    BatchLog
			urls string
		)
		if err := rows.Scan(&b.ID, &b.URLCount, &urls, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		if err := json.Unmarshal([]byte(urls), &b.URLs); err != nil {
			return nil, fmt.Errorf("decode batch %d urls: %w", b.ID, err)
		}
		logs = append(logs, b)
	}
	return logs, rows.Err()
}

// AggregateStats holds aggregate statistics from the database
type AggregateStats struct {
	TotalBatches int
	TotalImages  int
	TodayBatches int
	TodayImages  int
}

// GetAggregateStats returns aggregate statistics over all batches
func (db *DB) GetAggregateStats() (*AggregateStats, error) {
	stats := &AggregateStats{}

	err := db.conn.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(url_count), 0)
		FROM batch_logs
	`).Scan(&stats.TotalBatches, &stats.TotalImages)
	if err != nil {
		return nil, fmt.Errorf("query total stats: %w", err)
	}

	startOfDay := time.Now().UTC().Truncate(24 * time.Hour)
	err = db.conn.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(url_count), 0)
		FROM batch_logs
		WHERE created_at >= ?
	`, startOfDay).Scan(&stats.TodayBatches, &stats.TodayImages)
	if err != nil {
		return nil, fmt.Errorf("query today stats: %w", err)
	}

	return stats, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}
