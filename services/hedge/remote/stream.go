// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianHedge/services/hedge/consensus"
	"github.com/AleutianAI/AleutianHedge/services/hedge/solver"
)

// Event types sent on the record stream.
const (
	EventStart     = "start"
	EventIteration = "iteration"
	EventUpdate    = "update"
	EventFinish    = "finish"
)

// Event is one message of the record stream.
type Event struct {
	Type      string                     `json:"type"`
	RunID     string                     `json:"run_id"`
	Time      time.Time                  `json:"time"`
	Run       *solver.RunInfo            `json:"run,omitempty"`
	Iteration *consensus.IterationRecord `json:"iteration,omitempty"`
	Update    *consensus.UpdateRecord    `json:"update,omitempty"`
	Summary   *Summary                   `json:"summary,omitempty"`
}

// Summary is the JSON-safe outcome of a run. Objective is nil when it is
// not finite.
type Summary struct {
	StopReason     solver.StopReason `json:"stop_reason"`
	Converged      bool              `json:"converged"`
	Iterations     int               `json:"iterations"`
	Updates        uint64            `json:"updates"`
	Objective      *float64          `json:"objective"`
	PrimalResidual float64           `json:"primal_residual"`
	DualResidual   float64           `json:"dual_residual"`
	OracleCalls    int64             `json:"oracle_calls"`
	OracleFailures int64             `json:"oracle_failures"`
	Elapsed        time.Duration     `json:"elapsed"`
}

// Summarize converts a solution to a Summary.
func Summarize(sol *solver.Solution) Summary {
	s := Summary{
		StopReason:     sol.StopReason,
		Converged:      sol.Converged,
		Iterations:     sol.Iterations,
		Updates:        sol.Updates,
		PrimalResidual: sol.PrimalResidual,
		DualResidual:   sol.DualResidual,
		OracleCalls:    sol.OracleCalls,
		OracleFailures: sol.OracleFailures,
		Elapsed:        sol.Elapsed,
	}
	if !math.IsNaN(sol.Objective) && !math.IsInf(sol.Objective, 0) {
		obj := sol.Objective
		s.Objective = &obj
	}
	return s
}

// Broadcaster fans solver records out to stream subscribers.
//
// Description:
//
//	Implements solver.RecordSink and solver.RunSink. Publishing never
//	blocks the solver: a subscriber whose buffer is full loses the event
//	and the loss is counted.
//
// Thread Safety: Safe for concurrent use.
type Broadcaster struct {
	buffer         int
	includeUpdates bool

	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool

	dropped atomic.Int64
}

var (
	_ solver.RecordSink = (*Broadcaster)(nil)
	_ solver.RunSink    = (*Broadcaster)(nil)
)

// NewBroadcaster creates a broadcaster with a per-subscriber buffer.
// Update records are only streamed when includeUpdates is set.
func NewBroadcaster(buffer int, includeUpdates bool) *Broadcaster {
	return &Broadcaster{
		buffer:         max(1, buffer),
		includeUpdates: includeUpdates,
		subs:           make(map[int]chan Event),
	}
}

// Subscribe registers a subscriber. The returned cancel function
// unregisters it and closes the channel; the channel is also closed by
// Close.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Subscribers returns the number of active subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns the number of events lost to full buffers.
func (b *Broadcaster) Dropped() int64 { return b.dropped.Load() }

// Close closes every subscriber channel. Later events are discarded.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

func (b *Broadcaster) publish(ev Event) {
	ev.Time = time.Now().UTC()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// OnStart implements solver.RunSink.
func (b *Broadcaster) OnStart(_ context.Context, info solver.RunInfo) error {
	b.publish(Event{Type: EventStart, RunID: info.RunID, Run: &info})
	return nil
}

// OnFinish implements solver.RunSink.
func (b *Broadcaster) OnFinish(_ context.Context, sol *solver.Solution) error {
	s := Summarize(sol)
	b.publish(Event{Type: EventFinish, RunID: sol.RunID, Summary: &s})
	return nil
}

// OnIteration implements solver.RecordSink.
func (b *Broadcaster) OnIteration(_ context.Context, runID string, rec consensus.IterationRecord) error {
	b.publish(Event{Type: EventIteration, RunID: runID, Iteration: &rec})
	return nil
}

// OnUpdate implements solver.RecordSink.
func (b *Broadcaster) OnUpdate(_ context.Context, runID string, rec consensus.UpdateRecord) error {
	if b.includeUpdates {
		b.publish(Event{Type: EventUpdate, RunID: runID, Update: &rec})
	}
	return nil
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
}

// serveStream pumps broadcaster events to one websocket client until the
// client goes away, the broadcaster closes or ctx ends.
func serveStream(ctx context.Context, ws *websocket.Conn, b *Broadcaster, logger *slog.Logger) {
	defer ws.Close()
	events, cancel := b.Subscribe()
	defer cancel()

	// The read pump only handles control frames and notices disconnects.
	gone := make(chan struct{})
	ws.SetReadLimit(512)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-events:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "solve finished"))
				return
			}
			if err := ws.WriteJSON(ev); err != nil {
				logger.Debug("stream write failed", slog.String("error", err.Error()))
				return
			}
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-ctx.Done():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

// Watch connects to a coordinator's record stream and calls fn for every
// event until the stream closes, fn returns an error, or ctx ends.
// A normal close by the coordinator returns nil.
func Watch(ctx context.Context, streamURL string, fn func(Event) error) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read stream: %w", err)
		}
		if err := fn(ev); err != nil {
			if errors.Is(err, ErrStopWatching) {
				return nil
			}
			return err
		}
	}
}
