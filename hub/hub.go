// Copyright 2026 The Hivewatch Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hivewatch/hivewatch/lib/clock"
	"github.com/hivewatch/hivewatch/session"
	"github.com/hivewatch/hivewatch/state"
)

const (
	// DefaultHeartbeat is the interval between liveness frames.
	DefaultHeartbeat = 5 * time.Second

	// observerQueueSize is each observer's outbound frame queue.
	// A slow observer drops incrementals once its queue fills; the
	// next snapshot (reconnect or switch_team) resynchronizes it.
	observerQueueSize = 64
)

// StateSource is the aggregator surface the hub consumes.
type StateSource interface {
	Snapshot() state.Snapshot
	SetActiveTeam(name string)
}

// SessionReader is the store surface behind history requests.
type SessionReader interface {
	ListSessions(ctx context.Context) ([]session.Summary, error)
	GetSession(ctx context.Context, id int64) (*session.Detail, error)
}

// FrameConn is one observer's transport: message-framed and
// bidirectional. Implemented over WebSocket in production and
// in-process pipes in tests.
type FrameConn interface {
	// ReadFrame blocks for the observer's next request frame.
	ReadFrame(ctx context.Context) (Frame, error)

	// WriteFrame sends one frame to the observer.
	WriteFrame(ctx context.Context, frame Frame) error

	// Close releases the transport. Safe to call more than once.
	Close() error
}

// Config holds the parameters for a Hub.
type Config struct {
	// State provides snapshots and active-team switching. Required.
	State StateSource

	// Sessions serves history requests. Required.
	Sessions SessionReader

	// Heartbeat is the liveness interval; defaults to
	// DefaultHeartbeat.
	Heartbeat time.Duration

	// Clock drives the heartbeat ticker and frame timestamps.
	Clock clock.Clock

	// Logger receives connection lifecycle messages.
	Logger *slog.Logger
}

// Hub maintains the set of connected observers, fans out aggregator
// updates, and answers observer requests. Fan-out is non-blocking:
// each observer has its own outbound queue and writer goroutine, so a
// stalled observer delays neither ingestion nor its peers.
type Hub struct {
	state    StateSource
	sessions SessionReader
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	register   chan *observer
	unregister chan *observer
	stopOnce   sync.Once
	stopped    chan struct{}
	finished   chan struct{}
}

// observer is one connected client: an outbound queue drained by its
// writer goroutine, and a done channel closed on removal.
type observer struct {
	frames chan Frame
	done   chan struct{}
}

// New validates the config and creates a Hub. Run must be called to
// start fan-out.
func New(cfg Config) (*Hub, error) {
	if cfg.State == nil {
		return nil, errors.New("hub: State is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("hub: Sessions is required")
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	return &Hub{
		state:      cfg.State,
		sessions:   cfg.Sessions,
		interval:   cfg.Heartbeat,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		register:   make(chan *observer),
		unregister: make(chan *observer),
		stopped:    make(chan struct{}),
		finished:   make(chan struct{}),
	}, nil
}

// Run consumes aggregator updates and drives the heartbeat until Stop
// is called. Blocking; callers run it on its own goroutine. The
// observer set is owned by this goroutine — registration, removal,
// fan-out, and the heartbeat all serialize here, so no lock guards
// the set.
func (h *Hub) Run(updates <-chan state.Update) {
	defer close(h.finished)

	observers := make(map[*observer]struct{})
	heartbeat := h.clock.NewTicker(h.interval)
	defer heartbeat.Stop()

	defer func() {
		for o := range observers {
			close(o.done)
		}
	}()

	for {
		select {
		case o := <-h.register:
			observers[o] = struct{}{}

		case o := <-h.unregister:
			if _, ok := observers[o]; ok {
				delete(observers, o)
				close(o.done)
			}

		case update, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			frame, err := NewFrame(FrameTeamUpdate, updatePayload(update), h.clock.Now())
			if err != nil {
				h.logger.Warn("hub: encoding update failed", "error", err)
				continue
			}
			for o := range observers {
				o.offer(frame)
			}

		case <-heartbeat.C:
			frame, err := NewFrame(FrameHeartbeat, HeartbeatPayload{Observers: len(observers)}, h.clock.Now())
			if err != nil {
				continue
			}
			for o := range observers {
				o.offer(frame)
			}

		case <-h.stopped:
			return
		}
	}
}

// Stop terminates Run and disconnects all observers. Idempotent.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopped) })
	<-h.finished
}

// offer enqueues a frame without blocking. A full queue drops the
// frame; the observer resynchronizes from the next full snapshot.
func (o *observer) offer(frame Frame) {
	select {
	case o.frames <- frame:
	default:
	}
}

// ServeObserver runs one observer connection to completion: snapshot
// first, then live updates interleaved with request replies, until
// the observer disconnects or the hub stops. Disconnection is normal,
// not an error; reconnection is entirely the observer's concern.
func (h *Hub) ServeObserver(ctx context.Context, conn FrameConn) {
	defer conn.Close()

	o := &observer{
		frames: make(chan Frame, observerQueueSize),
		done:   make(chan struct{}),
	}

	// Queue the snapshot before registering: the queue is private
	// until registration, so the snapshot is guaranteed to precede
	// any fanned-out incremental.
	snapshot := h.state.Snapshot()
	frame, err := NewFrame(FrameState, StatePayload(snapshot), h.clock.Now())
	if err != nil {
		h.logger.Warn("hub: encoding snapshot failed", "error", err)
		return
	}
	o.frames <- frame

	select {
	case h.register <- o:
	case <-h.stopped:
		return
	}

	h.logger.Info("observer connected")
	defer h.logger.Info("observer disconnected")

	// Writer: drains the queue onto the transport. On removal (or a
	// dead transport) it closes the connection, which unblocks the
	// reader below.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer conn.Close()
		for {
			select {
			case frame := <-o.frames:
				if err := conn.WriteFrame(ctx, frame); err != nil {
					return
				}
			case <-o.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	// Reader: observer requests, replied on this observer's queue
	// only.
	for {
		request, err := conn.ReadFrame(ctx)
		if err != nil {
			break
		}
		h.handleRequest(ctx, o, request)
	}

	// Unregister closes done, which stops the writer.
	select {
	case h.unregister <- o:
	case <-h.stopped:
	}
	<-writerDone
}

// handleRequest dispatches one observer request, replying only to the
// requesting observer.
func (h *Hub) handleRequest(ctx context.Context, o *observer, request Frame) {
	switch request.Type {
	case FrameSwitchTeam:
		var payload SwitchTeamPayload
		if err := request.DecodePayload(&payload); err != nil {
			h.replyError(o, "malformed switch_team payload")
			return
		}
		h.state.SetActiveTeam(payload.Team)
		snapshot := h.state.Snapshot()
		h.reply(o, FrameState, StatePayload(snapshot))

	case FrameGetHistory:
		summaries, err := h.sessions.ListSessions(ctx)
		if err != nil {
			h.logger.Warn("hub: history query failed", "error", err)
			h.replyError(o, "history unavailable")
			return
		}
		h.reply(o, FrameHistory, HistoryPayload{Sessions: summaries})

	case FrameGetSession:
		var payload GetSessionPayload
		if err := request.DecodePayload(&payload); err != nil {
			h.replyError(o, "malformed get_session payload")
			return
		}
		detail, err := h.sessions.GetSession(ctx, payload.ID)
		if errors.Is(err, session.ErrSessionNotFound) {
			h.replyError(o, "session not found")
			return
		}
		if err != nil {
			h.logger.Warn("hub: session query failed", "id", payload.ID, "error", err)
			h.replyError(o, "session unavailable")
			return
		}
		h.reply(o, FrameSessionDetail, detail)

	default:
		h.replyError(o, "unknown request type")
	}
}

// reply queues a point-to-point frame, evicting the oldest queued
// frame if necessary: replies and snapshots must reach the observer
// even when incrementals are being dropped.
func (h *Hub) reply(o *observer, frameType FrameType, payload any) {
	frame, err := NewFrame(frameType, payload, h.clock.Now())
	if err != nil {
		h.logger.Warn("hub: encoding reply failed", "type", frameType, "error", err)
		return
	}
	for {
		select {
		case o.frames <- frame:
			return
		default:
		}
		select {
		case <-o.frames:
		default:
		}
	}
}

func (h *Hub) replyError(o *observer, message string) {
	h.reply(o, FrameError, ErrorPayload{Message: message})
}

// updatePayload converts an aggregator update to its wire form.
func updatePayload(update state.Update) TeamUpdatePayload {
	return TeamUpdatePayload{
		Team:     update.Team,
		Kind:     update.Kind,
		Config:   update.Config,
		Agent:    update.Agent,
		Messages: update.Messages,
		Tasks:    update.Tasks,
	}
}
