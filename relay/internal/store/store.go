package store

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/drawrelay/drawrelay/internal/logging"
	"github.com/drawrelay/drawrelay/relay/internal/model"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLitePrefix selects the embedded driver: "sqlite:<path>".
const SQLitePrefix = "sqlite:"

const logBufSize = 1024

// ErrClosed is returned by reads after Close.
var ErrClosed = errors.New("store closed")

// Store provides SQL persistence via GORM (async writes).
type Store struct {
	db     *gorm.DB
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	logCh  chan func() // buffered channel for async writes
	done   chan struct{}
}

// Open picks the dialector from dsn, auto-migrates the task log and
// starts the background write worker.
func Open(dsn string, log *zap.Logger) (*Store, error) {
	var dialector gorm.Dialector
	sqliteMode := strings.HasPrefix(dsn, SQLitePrefix)
	if sqliteMode {
		dialector = sqlite.Open(strings.TrimPrefix(dsn, SQLitePrefix))
	} else {
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if sqliteMode {
		// one writer; also keeps ":memory:" a single database
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := db.AutoMigrate(&model.TaskLog{}); err != nil {
		return nil, err
	}

	s := &Store{
		db:     db,
		logger: logging.Component(log, "store"),
		logCh:  make(chan func(), logBufSize),
		done:   make(chan struct{}),
	}
	go s.writeWorker()
	return s, nil
}

func (s *Store) writeWorker() {
	defer close(s.done)
	for fn := range s.logCh {
		fn()
	}
}

// enqueue hands fn to the writer without blocking the caller.
func (s *Store) enqueue(fn func()) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.logCh <- fn:
	default:
		s.logger.Warn("task log buffer full, dropping write")
	}
}

// Close drains pending writes and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.logCh)
	s.mu.Unlock()

	<-s.done
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ─────────────────────────────────────────────
// Async write helpers
// ─────────────────────────────────────────────

// LogTaskCreated records a new task.
func (s *Store) LogTaskCreated(task model.Task) {
	s.enqueue(func() {
		tl := model.TaskLog{
			ID:        task.ID,
			Prompt:    task.Prompt,
			Status:    model.TaskStatusPending,
			CreatedAt: task.SubmittedAt,
		}
		if err := s.db.Create(&tl).Error; err != nil {
			s.logger.Error("log task created", zap.String("task_id", task.ID), zap.Error(err))
		}
	})
}

// LogTaskFinished stores the terminal status of a task.
func (s *Store) LogTaskFinished(task model.Task) {
	s.enqueue(func() {
		finished := task.FinishedAt
		err := s.db.Model(&model.TaskLog{}).
			Where("id = ?", task.ID).
			Updates(map[string]interface{}{
				"status":      string(task.Status),
				"image_count": len(task.URLs),
				"cached":      task.Cached,
				"error":       task.Error,
				"finished_at": &finished,
			}).Error
		if err != nil {
			s.logger.Error("log task finished", zap.String("task_id", task.ID), zap.Error(err))
		}
	})
}

// ─────────────────────────────────────────────
// Reads
// ─────────────────────────────────────────────

// RecentTasks returns up to limit task logs, newest first.
func (s *Store) RecentTasks(limit int) ([]model.TaskLog, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 20
	}

	var logs []model.TaskLog
	err := s.db.Order("created_at DESC").Limit(limit).Find(&logs).Error
	return logs, err
}
