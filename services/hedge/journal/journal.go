// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal persists solver runs in the embedded store.
//
// A Journal is a solver sink: it records run metadata, every iteration
// record, every applied async update and the latest consensus snapshot.
// A later solve can resume from a run's snapshot through WarmStart.
//
// Key layout:
//
//	run:{run_id}                  RunMeta
//	iter:{run_id}:{iteration:016d} consensus.IterationRecord
//	upd:{run_id}:{seq:016d}        consensus.UpdateRecord
//	snap:{run_id}                  Snapshot (latest only)
//
// Value format: [4-byte CRC32][gob-encoded entry]
package journal

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianHedge/pkg/validation"
	"github.com/AleutianAI/AleutianHedge/services/hedge/consensus"
	"github.com/AleutianAI/AleutianHedge/services/hedge/solver"
	"github.com/AleutianAI/AleutianHedge/services/hedge/storage"
)

var (
	// ErrRunNotFound is returned for unknown run IDs.
	ErrRunNotFound = errors.New("run not found")

	// ErrNoSnapshot is returned when a run has no consensus snapshot.
	ErrNoSnapshot = errors.New("run has no snapshot")

	// ErrCorrupted is returned when an entry fails its integrity check.
	ErrCorrupted = errors.New("journal entry corrupted (CRC mismatch)")

	// ErrClosed is returned by writes to a closed journal.
	ErrClosed = errors.New("journal is closed")

	// ErrInvalidRunID is returned for run IDs that would break the key layout.
	ErrInvalidRunID = errors.New("invalid run id")
)

// RunMeta describes a journaled run.
type RunMeta struct {
	Info solver.RunInfo `json:"info"`

	Finished       bool              `json:"finished"`
	StopReason     solver.StopReason `json:"stop_reason,omitempty"`
	Converged      bool              `json:"converged"`
	Iterations     int               `json:"iterations"`
	Updates        uint64            `json:"updates"`
	Objective      float64           `json:"-"`
	PrimalResidual float64           `json:"primal_residual"`
	DualResidual   float64           `json:"dual_residual"`
	OracleCalls    int64             `json:"oracle_calls"`
	OracleFailures int64             `json:"oracle_failures"`
	Elapsed        time.Duration     `json:"elapsed"`
	FinishedAt     time.Time         `json:"finished_at,omitzero"`
}

// Snapshot is a persisted consensus state.
type Snapshot struct {
	Version uint64
	Taken   time.Time
	X       [][]float64
	U       [][]float64
}

// WarmStart returns the snapshot as a solver warm start.
func (s Snapshot) WarmStart() *consensus.WarmStart {
	return &consensus.WarmStart{X: s.X, U: s.U}
}

// Config configures Open.
type Config struct {
	// Store configures the underlying database.
	Store storage.Config `yaml:"store" json:"store"`

	// KeepUpdates disables persisting per-update records when false; they
	// dominate the journal size of long async runs.
	KeepUpdates bool `yaml:"keep_updates" json:"keep_updates"`

	// SkipCorrupted continues reads past corrupted entries instead of
	// failing; skipped entries are logged and counted.
	SkipCorrupted bool `yaml:"skip_corrupted" json:"skip_corrupted"`

	// Logger defaults to slog.Default().
	Logger *slog.Logger `yaml:"-" json:"-"`
}

// Journal records solver runs.
//
// Description:
//
//	Implements solver.RecordSink, solver.RunSink and solver.SnapshotSink.
//	Every write is its own transaction, so a crash loses at most the
//	record being written.
//
// Thread Safety: Safe for concurrent use.
type Journal struct {
	store         *storage.Store
	ownsStore     bool
	keepUpdates   bool
	skipCorrupted bool
	logger        *slog.Logger
	tracer        trace.Tracer

	closed    atomic.Bool
	corrupted atomic.Int64
}

var (
	_ solver.RecordSink   = (*Journal)(nil)
	_ solver.RunSink      = (*Journal)(nil)
	_ solver.SnapshotSink = (*Journal)(nil)
)

// Open opens the store described by cfg and returns a journal owning it.
func Open(cfg Config) (*Journal, error) {
	if cfg.Logger != nil && cfg.Store.Logger == nil {
		cfg.Store.Logger = cfg.Logger
	}
	store, err := storage.Open(cfg.Store)
	if err != nil {
		return nil, err
	}
	j := New(store, cfg)
	j.ownsStore = true
	j.logger.Info("journal opened",
		slog.String("dir", store.Dir()),
		slog.Bool("in_memory", store.InMemory()),
	)
	return j, nil
}

// New returns a journal over an already opened store. Closing the journal
// leaves the store open.
func New(store *storage.Store, cfg Config) *Journal {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		store:         store,
		keepUpdates:   cfg.KeepUpdates,
		skipCorrupted: cfg.SkipCorrupted,
		logger:        logger.With(slog.String("component", "journal")),
		tracer:        otel.Tracer("aleutian.hedge.journal"),
	}
}

// Close syncs the store and closes it when the journal owns it.
func (j *Journal) Close() error {
	if j.closed.Swap(true) {
		return nil
	}
	if err := j.store.Sync(); err != nil {
		j.logger.Warn("journal sync failed", slog.String("error", err.Error()))
	}
	if j.ownsStore {
		return j.store.Close()
	}
	return nil
}

// Corrupted returns the number of corrupted entries skipped so far.
func (j *Journal) Corrupted() int64 { return j.corrupted.Load() }

func runKey(id string) []byte  { return []byte("run:" + id) }
func snapKey(id string) []byte { return []byte("snap:" + id) }

func iterPrefix(id string) []byte { return []byte("iter:" + id + ":") }
func updPrefix(id string) []byte  { return []byte("upd:" + id + ":") }

func seqKey(prefix []byte, seq uint64) []byte {
	return fmt.Appendf(bytes.Clone(prefix), "%016d", seq)
}

func validRunID(id string) error {
	if err := validation.ValidateRunID(id); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRunID, err)
	}
	return nil
}

// encode frames v as [CRC32][gob].
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(make([]byte, 4))
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	out := buf.Bytes()
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(out[4:]))
	return out, nil
}

// decode verifies the frame and decodes it into v.
func decode(data []byte, v any) error {
	if len(data) < 5 {
		return fmt.Errorf("%w: entry too short", ErrCorrupted)
	}
	stored := binary.BigEndian.Uint32(data[:4])
	if computed := crc32.ChecksumIEEE(data[4:]); stored != computed {
		return fmt.Errorf("%w: stored=%08x computed=%08x", ErrCorrupted, stored, computed)
	}
	if err := gob.NewDecoder(bytes.NewReader(data[4:])).Decode(v); err != nil {
		return fmt.Errorf("gob decode: %w", err)
	}
	return nil
}

func (j *Journal) put(ctx context.Context, key []byte, v any) error {
	if j.closed.Load() {
		return ErrClosed
	}
	data, err := encode(v)
	if err != nil {
		return err
	}
	return j.store.Put(ctx, key, data)
}

func (j *Journal) get(ctx context.Context, key []byte, v any) error {
	data, err := j.store.Get(ctx, key)
	if err != nil {
		return err
	}
	return decode(data, v)
}

// scan decodes every entry under prefix and passes it to fn.
func scan[T any](ctx context.Context, j *Journal, prefix []byte, fn func(T)) error {
	return j.store.Scan(ctx, prefix, func(key, value []byte) error {
		var v T
		if err := decode(value, &v); err != nil {
			if errors.Is(err, ErrCorrupted) && j.skipCorrupted {
				j.corrupted.Add(1)
				j.logger.Warn("skipping corrupted entry", slog.String("key", string(key)), slog.String("error", err.Error()))
				return nil
			}
			return fmt.Errorf("key %q: %w", key, err)
		}
		fn(v)
		return nil
	})
}

// OnStart implements solver.RunSink.
func (j *Journal) OnStart(ctx context.Context, info solver.RunInfo) error {
	if err := validRunID(info.RunID); err != nil {
		return err
	}
	ctx, span := j.tracer.Start(ctx, "journal.OnStart", trace.WithAttributes(attribute.String("hedge.run_id", info.RunID)))
	defer span.End()
	if err := j.put(ctx, runKey(info.RunID), RunMeta{Info: info}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return fmt.Errorf("write run %s: %w", info.RunID, err)
	}
	return nil
}

// OnFinish implements solver.RunSink.
func (j *Journal) OnFinish(ctx context.Context, sol *solver.Solution) error {
	ctx, span := j.tracer.Start(ctx, "journal.OnFinish", trace.WithAttributes(attribute.String("hedge.run_id", sol.RunID)))
	defer span.End()

	var meta RunMeta
	if err := j.get(ctx, runKey(sol.RunID), &meta); err != nil && !errors.Is(err, storage.ErrNotFound) {
		span.RecordError(err)
		return fmt.Errorf("read run %s: %w", sol.RunID, err)
	}
	meta.Info.RunID = sol.RunID
	meta.Info.Mode = sol.Mode
	meta.Finished = true
	meta.StopReason = sol.StopReason
	meta.Converged = sol.Converged
	meta.Iterations = sol.Iterations
	meta.Updates = sol.Updates
	meta.Objective = sol.Objective
	meta.PrimalResidual = sol.PrimalResidual
	meta.DualResidual = sol.DualResidual
	meta.OracleCalls = sol.OracleCalls
	meta.OracleFailures = sol.OracleFailures
	meta.Elapsed = sol.Elapsed
	meta.FinishedAt = time.Now().UTC()
	if err := j.put(ctx, runKey(sol.RunID), meta); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return fmt.Errorf("write run %s: %w", sol.RunID, err)
	}
	j.logger.Debug("run journaled",
		slog.String("run_id", sol.RunID),
		slog.String("stop_reason", string(sol.StopReason)),
		slog.Int("iterations", sol.Iterations),
	)
	return nil
}

// OnIteration implements solver.RecordSink.
func (j *Journal) OnIteration(ctx context.Context, runID string, rec consensus.IterationRecord) error {
	if err := validRunID(runID); err != nil {
		return err
	}
	return j.put(ctx, seqKey(iterPrefix(runID), uint64(rec.Iteration)), rec)
}

// OnUpdate implements solver.RecordSink.
func (j *Journal) OnUpdate(ctx context.Context, runID string, rec consensus.UpdateRecord) error {
	if !j.keepUpdates {
		return nil
	}
	if err := validRunID(runID); err != nil {
		return err
	}
	return j.put(ctx, seqKey(updPrefix(runID), rec.Seq), rec)
}

// OnSnapshot implements solver.SnapshotSink. Only the latest snapshot of a
// run is kept.
func (j *Journal) OnSnapshot(ctx context.Context, runID string, version uint64, ws *consensus.WarmStart) error {
	if err := validRunID(runID); err != nil {
		return err
	}
	return j.put(ctx, snapKey(runID), Snapshot{Version: version, Taken: time.Now().UTC(), X: ws.X, U: ws.U})
}

// Run returns the metadata of a run.
func (j *Journal) Run(ctx context.Context, runID string) (RunMeta, error) {
	var meta RunMeta
	err := j.get(ctx, runKey(runID), &meta)
	if errors.Is(err, storage.ErrNotFound) {
		return meta, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return meta, err
}

// Runs returns every journaled run, oldest first.
func (j *Journal) Runs(ctx context.Context) ([]RunMeta, error) {
	var runs []RunMeta
	if err := scan(ctx, j, []byte("run:"), func(m RunMeta) { runs = append(runs, m) }); err != nil {
		return nil, err
	}
	slices.SortStableFunc(runs, func(a, b RunMeta) int {
		return a.Info.Started.Compare(b.Info.Started)
	})
	return runs, nil
}

// Iterations returns the iteration records of a run in order.
func (j *Journal) Iterations(ctx context.Context, runID string) ([]consensus.IterationRecord, error) {
	if _, err := j.Run(ctx, runID); err != nil {
		return nil, err
	}
	var recs []consensus.IterationRecord
	err := scan(ctx, j, iterPrefix(runID), func(r consensus.IterationRecord) { recs = append(recs, r) })
	return recs, err
}

// Updates returns the update records of a run in order.
func (j *Journal) Updates(ctx context.Context, runID string) ([]consensus.UpdateRecord, error) {
	if _, err := j.Run(ctx, runID); err != nil {
		return nil, err
	}
	var recs []consensus.UpdateRecord
	err := scan(ctx, j, updPrefix(runID), func(r consensus.UpdateRecord) { recs = append(recs, r) })
	return recs, err
}

// LastIteration returns the most recent iteration record of a run.
func (j *Journal) LastIteration(ctx context.Context, runID string) (consensus.IterationRecord, error) {
	var rec consensus.IterationRecord
	_, data, err := j.store.Last(ctx, iterPrefix(runID))
	if errors.Is(err, storage.ErrNotFound) {
		if _, rerr := j.Run(ctx, runID); rerr != nil {
			return rec, rerr
		}
		return rec, fmt.Errorf("run %s has no iterations: %w", runID, err)
	}
	if err != nil {
		return rec, err
	}
	return rec, decode(data, &rec)
}

// Snapshot returns the latest consensus snapshot of a run.
func (j *Journal) Snapshot(ctx context.Context, runID string) (Snapshot, error) {
	var snap Snapshot
	err := j.get(ctx, snapKey(runID), &snap)
	if errors.Is(err, storage.ErrNotFound) {
		if _, rerr := j.Run(ctx, runID); rerr != nil {
			return snap, rerr
		}
		return snap, fmt.Errorf("%w: %s", ErrNoSnapshot, runID)
	}
	return snap, err
}

// WarmStart loads the latest snapshot of a run as a warm start.
func (j *Journal) WarmStart(ctx context.Context, runID string) (*consensus.WarmStart, error) {
	snap, err := j.Snapshot(ctx, runID)
	if err != nil {
		return nil, err
	}
	return snap.WarmStart(), nil
}

// Delete removes a run and all its records. It returns the number of keys
// removed.
func (j *Journal) Delete(ctx context.Context, runID string) (int, error) {
	if err := validRunID(runID); err != nil {
		return 0, err
	}
	if _, err := j.Run(ctx, runID); err != nil {
		return 0, err
	}
	total := 0
	for _, prefix := range [][]byte{iterPrefix(runID), updPrefix(runID)} {
		n, err := j.store.DeletePrefix(ctx, prefix)
		if err != nil {
			return total, fmt.Errorf("delete run %s: %w", runID, err)
		}
		total += n
	}
	if _, err := j.store.Get(ctx, snapKey(runID)); err == nil {
		total++
	}
	for _, key := range [][]byte{snapKey(runID), runKey(runID)} {
		if err := j.store.Delete(ctx, key); err != nil {
			return total, fmt.Errorf("delete run %s: %w", runID, err)
		}
	}
	total++
	j.logger.Info("run deleted", slog.String("run_id", runID), slog.Int("keys", total))
	return total, nil
}
