package history

import (
	"context"
	"time"

	"github.com/amoylab/polyroom/internal/common/cnst"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// HistoryEntry is the database model of a mirrored entry
type HistoryEntry struct {
	ID              int64     `gorm:"primaryKey;autoIncrement"`
	SessionKey      string    `gorm:"column:session_key; type:varchar(255); index:idx_history_session"`
	Seq             uint64    `gorm:"column:seq"`
	Kind            string    `gorm:"column:kind; type:varchar(16)"`
	ParticipantID   string    `gorm:"column:user_id; type:varchar(255)"`
	Content         string    `gorm:"column:content; type:text"`
	OriginalContent string    `gorm:"column:original_content; type:text"`
	Language        string    `gorm:"column:language; type:varchar(32)"`
	IsOriginal      bool      `gorm:"column:is_original"`
	Timestamp       time.Time `gorm:"column:timestamp"`
	CreatedAt       time.Time `gorm:"column:created_at"`
}

func (HistoryEntry) TableName() string {
	return "history_entries"
}

func fromEntry(key string, e Entry) *HistoryEntry {
	return &HistoryEntry{
		SessionKey:      key,
		Seq:             e.ID,
		Kind:            string(e.Kind),
		ParticipantID:   e.ParticipantID,
		Content:         e.Content,
		OriginalContent: e.OriginalContent,
		Language:        e.Language,
		IsOriginal:      e.IsOriginal,
		Timestamp:       e.Timestamp,
	}
}

func (m *HistoryEntry) toEntry() Entry {
	return Entry{
		ID:              m.Seq,
		Kind:            Kind(m.Kind),
		ParticipantID:   m.ParticipantID,
		Content:         m.Content,
		OriginalContent: m.OriginalContent,
		Language:        m.Language,
		IsOriginal:      m.IsOriginal,
		Timestamp:       m.Timestamp,
	}
}

// DBSink mirrors entries into a SQL table
type DBSink struct {
	logger     *zap.Logger
	db         *gorm.DB
	maxEntries int
}

var _ Sink = (*DBSink)(nil)

// NewDBSink opens the database and migrates the history table
func NewDBSink(lg *zap.Logger, dbType cnst.DatabaseType, dsn string, maxEntries int) (*DBSink, error) {
	var dialector gorm.Dialector
	switch dbType {
	case cnst.DatabasePostgres:
		dialector = postgres.Open(dsn)
	case cnst.DatabaseMySQL:
		dialector = mysql.Open(dsn)
	case cnst.DatabaseSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, cnst.ErrInvalidDatabaseType
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if dbType == cnst.DatabaseSQLite {
		// one connection so an in-memory database is shared by every query
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&HistoryEntry{}); err != nil {
		return nil, err
	}

	return &DBSink{
		logger:     lg.Named("history.sink.db"),
		db:         db,
		maxEntries: maxEntries,
	}, nil
}

// Append implements Sink.Append. Rows are ordered by insertion, since entry
// ids restart with every Log written under the same key.
func (s *DBSink) Append(ctx context.Context, key string, e Entry) error {
	if err := s.db.WithContext(ctx).Create(fromEntry(key, e)).Error; err != nil {
		return err
	}
	if s.maxEntries <= 0 {
		return nil
	}
	// keep the newest maxEntries rows of this key
	var oldestKept []int64
	if err := s.db.WithContext(ctx).Model(&HistoryEntry{}).
		Where("session_key = ?", key).
		Order("id DESC").
		Offset(s.maxEntries - 1).
		Limit(1).
		Pluck("id", &oldestKept).Error; err != nil {
		return err
	}
	if len(oldestKept) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Where("session_key = ? AND id < ?", key, oldestKept[0]).
		Delete(&HistoryEntry{}).Error
}

// List implements Sink.List
func (s *DBSink) List(ctx context.Context, key string, limit int) ([]Entry, error) {
	var models []HistoryEntry
	q := s.db.WithContext(ctx).Where("session_key = ?", key).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}

	entries := make([]Entry, len(models))
	for i := range models {
		entries[len(models)-1-i] = models[i].toEntry()
	}
	return entries, nil
}

// Close closes the underlying connection pool
func (s *DBSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
