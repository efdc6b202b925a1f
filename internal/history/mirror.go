package history

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	mirrorQueueSize    = 256
	mirrorWriteTimeout = 5 * time.Second
)

// Mirror copies entries into a Sink from a background goroutine so that a
// slow sink never blocks the caller. Entries are dropped when the queue is
// full.
type Mirror struct {
	logger *zap.Logger
	sink   Sink
	key    string

	mu     sync.RWMutex
	closed bool
	queue  chan Entry
	done   chan struct{}
}

// NewMirror starts a mirror writing under key
func NewMirror(logger *zap.Logger, sink Sink, key string) *Mirror {
	m := &Mirror{
		logger: logger.Named("history.mirror").With(zap.String("key", key)),
		sink:   sink,
		key:    key,
		queue:  make(chan Entry, mirrorQueueSize),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

// Record enqueues e and reports whether it was accepted
func (m *Mirror) Record(e Entry) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false
	}
	select {
	case m.queue <- e:
		return true
	default:
		m.logger.Warn("history mirror queue full, dropping entry", zap.Uint64("id", e.ID))
		return false
	}
}

func (m *Mirror) run() {
	defer close(m.done)
	for e := range m.queue {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorWriteTimeout)
		if err := m.sink.Append(ctx, m.key, e); err != nil {
			m.logger.Error("failed to mirror history entry",
				zap.Uint64("id", e.ID),
				zap.Error(err))
		}
		cancel()
	}
}

// Close flushes queued entries and waits for the worker to exit. The sink
// itself is left open.
func (m *Mirror) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()
	<-m.done
}
