// Copyright 2026 The Hivewatch Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/hivewatch/hivewatch/session"
)

// Handler returns the hub's HTTP surface: the observer WebSocket at
// /ws and the read-only session history REST endpoints.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", h.serveWebSocket)
	mux.HandleFunc("GET /api/sessions", h.serveSessionList)
	mux.HandleFunc("GET /api/sessions/{id}", h.serveSessionDetail)
	return mux
}

func (h *Hub) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Observers connect from local dashboards; the deployment
		// fronts this with its own origin policy.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("hub: websocket accept failed", "error", err)
		return
	}
	h.ServeObserver(r.Context(), &wsFrameConn{conn: conn})
}

// wsFrameConn adapts a websocket connection to FrameConn, one JSON
// text message per frame.
type wsFrameConn struct {
	conn *websocket.Conn
}

func (c *wsFrameConn) ReadFrame(ctx context.Context) (Frame, error) {
	var frame Frame
	if err := wsjson.Read(ctx, c.conn, &frame); err != nil {
		return Frame{}, err
	}
	return frame, nil
}

func (c *wsFrameConn) WriteFrame(ctx context.Context, frame Frame) error {
	return wsjson.Write(ctx, c.conn, frame)
}

func (c *wsFrameConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) serveSessionList(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.sessions.ListSessions(r.Context())
	if err != nil {
		h.logger.Warn("hub: history query failed", "error", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, HistoryPayload{Sessions: summaries})
}

func (h *Hub) serveSessionDetail(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	detail, err := h.sessions.GetSession(r.Context(), id)
	if errors.Is(err, session.ErrSessionNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Warn("hub: session query failed", "id", id, "error", err)
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, detail)
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("hub: response write failed", "error", err)
	}
}
