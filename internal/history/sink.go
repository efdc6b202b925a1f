package history

import (
	"context"
	"fmt"

	"github.com/amoylab/polyroom/internal/common/cnst"
	"github.com/amoylab/polyroom/internal/common/config"
	"go.uber.org/zap"
)

// Sink persists log entries outside the process. Keys identify one
// room membership, see SessionKey.
type Sink interface {
	// Append stores e under key
	Append(ctx context.Context, key string, e Entry) error

	// List returns up to limit most recent entries under key, oldest first.
	// A limit <= 0 returns everything kept.
	List(ctx context.Context, key string, limit int) ([]Entry, error)

	// Close releases the sink's resources
	Close() error
}

// SessionKey builds the sink key for one participant in one room
func SessionKey(roomID, participantID string) string {
	return roomID + ":" + participantID
}

// NewSink creates a sink based on configuration
func NewSink(ctx context.Context, logger *zap.Logger, cfg *config.HistoryConfig) (Sink, error) {
	logger.Info("Initializing history sink", zap.String("type", cfg.Type))
	switch cnst.StoreType(cfg.Type) {
	case cnst.StoreMemory, "":
		return NewMemorySink(cfg.MaxEntries), nil
	case cnst.StoreRedis:
		return NewRedisSink(ctx, logger, cfg.Redis, cfg.MaxEntries)
	case cnst.StoreDB:
		dsn, err := cfg.Database.GetDSN()
		if err != nil {
			return nil, err
		}
		return NewDBSink(logger, cnst.DatabaseType(cfg.Database.Type), dsn, cfg.MaxEntries)
	default:
		return nil, fmt.Errorf("%w: %s", cnst.ErrUnsupportedStoreType, cfg.Type)
	}
}
