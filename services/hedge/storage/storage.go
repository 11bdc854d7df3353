// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage is the embedded key-value store behind the run journal.
//
// It wraps BadgerDB with the lifecycle the solver needs: opening on disk or
// in memory, periodic value log GC, context-checked transactions and
// ordered prefix scans. Keys are chosen by the caller; values are opaque.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("key not found")

	// ErrInvalidConfig is returned for unusable store configurations.
	ErrInvalidConfig = errors.New("invalid storage config")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")
)

// Config configures a Store.
type Config struct {
	// Dir is the database directory. Required unless InMemory.
	Dir string `yaml:"dir" json:"dir"`

	// InMemory keeps everything in RAM. Used by tests and dry runs.
	InMemory bool `yaml:"in_memory" json:"in_memory"`

	// SyncWrites fsyncs every commit.
	SyncWrites bool `yaml:"sync_writes" json:"sync_writes"`

	// GCInterval is the value log GC period. Zero disables GC.
	GCInterval time.Duration `yaml:"gc_interval" json:"gc_interval"`

	// GCDiscardRatio is the garbage ratio that triggers a rewrite, in (0,1).
	GCDiscardRatio float64 `yaml:"gc_discard_ratio" json:"gc_discard_ratio"`

	// Logger receives BadgerDB's own log lines. Nil silences them.
	Logger *slog.Logger `yaml:"-" json:"-"`
}

// DefaultConfig returns a durable on-disk configuration rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:            dir,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.InMemory && c.Dir == "" {
		return fmt.Errorf("%w: dir is required for a persistent store", ErrInvalidConfig)
	}
	if c.GCInterval < 0 {
		return fmt.Errorf("%w: gc_interval must not be negative", ErrInvalidConfig)
	}
	if c.GCInterval > 0 && !(c.GCDiscardRatio > 0 && c.GCDiscardRatio < 1) {
		return fmt.Errorf("%w: gc_discard_ratio must be in (0,1), got %v", ErrInvalidConfig, c.GCDiscardRatio)
	}
	return nil
}

// slogAdapter routes BadgerDB logging to slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Errorf(format string, args ...any) {
	a.logger.Error(fmt.Sprintf(format, args...))
}

func (a slogAdapter) Warningf(format string, args ...any) {
	a.logger.Warn(fmt.Sprintf(format, args...))
}

func (a slogAdapter) Infof(format string, args ...any) {
	a.logger.Debug(fmt.Sprintf(format, args...))
}

func (a slogAdapter) Debugf(format string, args ...any) {
	a.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is an opened BadgerDB database.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db       *badger.DB
	dir      string
	inMemory bool
	logger   *slog.Logger

	stopGC    chan struct{}
	gcDone    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Open opens (creating if needed) the store described by cfg.
//
// Inputs:
//   - cfg: Store configuration. Must pass Validate.
//
// Outputs:
//   - *Store: The opened store. Caller must Close it.
//   - error: ErrInvalidConfig, or the BadgerDB open error.
func Open(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(slogAdapter{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:       db,
		dir:      cfg.Dir,
		inMemory: cfg.InMemory,
		logger:   logger.With(slog.String("component", "storage")),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.gcLoop(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

func (s *Store) gcLoop(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite only means there was nothing worth collecting.
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("value log GC failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops GC and closes the database. Later calls return the first
// result.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if s.stopGC != nil {
			close(s.stopGC)
			<-s.gcDone
		}
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// Dir returns the database directory; empty for in-memory stores.
func (s *Store) Dir() string { return s.dir }

// InMemory reports whether the store is memory-only.
func (s *Store) InMemory() bool { return s.inMemory }

// Sync flushes pending writes to disk. A no-op in memory.
func (s *Store) Sync() error {
	if s.inMemory {
		return nil
	}
	return s.db.Sync()
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	if s.db.IsClosed() {
		return ErrClosed
	}
	return nil
}

// Update runs fn in a read-write transaction and commits when fn succeeds.
func (s *Store) Update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	txn := s.db.NewTransaction(true)
	defer txn.Discard()
	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	txn := s.db.NewTransaction(false)
	defer txn.Discard()
	return fn(txn)
}

// Put stores value under key.
func (s *Store) Put(ctx context.Context, key, value []byte) error {
	return s.Update(ctx, func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// Get returns a copy of the value under key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	var out []byte
	err := s.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %q", ErrNotFound, key)
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

// Scan calls fn for every key with prefix in ascending key order. The
// slices passed to fn are only valid during the call. Returning an error
// from fn stops the scan and is returned.
func (s *Store) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	return s.View(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			if err := item.Value(func(v []byte) error {
				return fn(item.Key(), v)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Last returns the greatest key with prefix and a copy of its value, or
// ErrNotFound. Keys must not contain 0xFF bytes after the prefix.
func (s *Store) Last(ctx context.Context, prefix []byte) (key, value []byte, err error) {
	err = s.View(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Seek(append(bytes.Clone(prefix), 0xFF))
		if !it.ValidForPrefix(prefix) {
			return fmt.Errorf("%w: no key with prefix %q", ErrNotFound, prefix)
		}
		item := it.Item()
		key = item.KeyCopy(nil)
		value, err = item.ValueCopy(nil)
		return err
	})
	return key, value, err
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key []byte) error {
	return s.Update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// DeletePrefix removes every key with prefix and returns how many were
// removed.
func (s *Store) DeletePrefix(ctx context.Context, prefix []byte) (int, error) {
	var keys [][]byte
	err := s.View(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, fmt.Errorf("delete %q: %w", k, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("flush deletes: %w", err)
	}
	return len(keys), nil
}
