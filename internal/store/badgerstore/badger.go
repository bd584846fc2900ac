// Package badgerstore is a store.Store backed by an embedded BadgerDB.
//
// Key layout:
//
//	dispatch/{id}          -> types.Dispatch (JSON)
//	node/{id}/{node:06d}   -> types.Node (JSON)
//	edges/{id}             -> []types.Edge (JSON)
package badgerstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config holds configuration for the Badger database.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string
	// InMemory keeps everything in RAM; used by tests.
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// Logger receives Badger's internal log lines. nil disables them.
	Logger *slog.Logger
	// GCInterval runs value log GC periodically. 0 disables it.
	GCInterval time.Duration
	// GCDiscardRatio threshold passed to RunValueLogGC.
	GCDiscardRatio float64
	// ConflictRetries bounds retries of a transaction that hit ErrConflict.
	ConflictRetries int
}

// DefaultConfig production defaults.
func DefaultConfig() Config {
	return Config{
		SyncWrites:      true,
		GCInterval:      5 * time.Minute,
		GCDiscardRatio:  0.5,
		ConflictRetries: 100,
	}
}

// InMemoryConfig no disk I/O, no GC.
func InMemoryConfig() Config {
	return Config{
		InMemory:        true,
		ConflictRetries: 100,
	}
}

// badgerLogger adapts slog.Logger to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func openDB(cfg Config) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badgerstore: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}

// runGC 週期性執行 value log GC，直到 stop 關閉
func runGC(db *badger.DB, interval time.Duration, ratio float64, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// RunValueLogGC 一次只回收一個檔案，回收成功就繼續
			for {
				if err := db.RunValueLogGC(ratio); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						log.Warn("value log gc failed", "error", err)
					}
					break
				}
			}
		}
	}
}
