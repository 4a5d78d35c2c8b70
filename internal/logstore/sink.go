package logstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// sinkRecord is the persisted form of an Entry.
// Uses modernc SQLite (pure Go, no CGO) through the glebarez GORM driver.
type sinkRecord struct {
	ID      uint      `gorm:"primaryKey"`
	Time    time.Time `gorm:"index"`
	Level   string
	Module  string `gorm:"index"`
	Message string
	Data    string // JSON-encoded Entry.Data, empty when absent.
}

func (sinkRecord) TableName() string { return "log_entries" }

const sinkBufferSize = 512

// SQLiteSink persists log store entries to a SQLite file. Writes happen on
// a single background goroutine; when the buffer is full, entries are
// dropped rather than blocking the store.
type SQLiteSink struct {
	db         *gorm.DB
	store      *Store
	listenerID int
	logger     *slog.Logger

	buf  chan Entry
	done chan struct{}

	closeOnce sync.Once
}

// NewSQLiteSink opens (or creates) the database at path, migrates the
// schema, and registers a store listener.
func NewSQLiteSink(path string, store *Store, logger *slog.Logger) (*SQLiteSink, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening log sink database: %w", err)
	}
	if err := db.AutoMigrate(&sinkRecord{}); err != nil {
		return nil, fmt.Errorf("migrating log sink schema: %w", err)
	}

	s := &SQLiteSink{
		db:     db,
		store:  store,
		logger: logger,
		buf:    make(chan Entry, sinkBufferSize),
		done:   make(chan struct{}),
	}
	s.listenerID = store.AddListener(s.enqueue)
	go s.writeLoop()
	return s, nil
}

func (s *SQLiteSink) enqueue(e Entry) {
	select {
	case s.buf <- e:
	default:
		// Buffer full: drop rather than stall the log store.
	}
}

func (s *SQLiteSink) writeLoop() {
	defer close(s.done)
	for e := range s.buf {
		rec := sinkRecord{
			Time:    e.Time,
			Level:   string(e.Level),
			Module:  e.Module,
			Message: e.Message,
		}
		if len(e.Data) > 0 {
			if b, err := json.Marshal(e.Data); err == nil {
				rec.Data = string(b)
			}
		}
		if err := s.db.Create(&rec).Error; err != nil && s.logger != nil {
			s.logger.Warn("log sink write failed", slog.String("error", err.Error()))
		}
	}
}

// Close detaches the sink from the store, flushes buffered entries, and
// closes the database.
func (s *SQLiteSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.store.RemoveListener(s.listenerID)
		close(s.buf)
		<-s.done

		sqlDB, dbErr := s.db.DB()
		if dbErr != nil {
			err = dbErr
			return
		}
		err = sqlDB.Close()
	})
	return err
}
