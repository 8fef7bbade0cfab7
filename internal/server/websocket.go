package server

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/therapy-audio-service/internal/protocol"
	"github.com/skypro1111/therapy-audio-service/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// CaptureMessage is the JSON reply sent on the capture socket
type CaptureMessage struct {
	Type      string           `json:"type"` // started, completed, error
	SessionID string           `json:"session_id,omitempty"`
	Sequence  uint32           `json:"sequence,omitempty"`
	Outcome   *session.Outcome `json:"outcome,omitempty"`
	Error     string           `json:"error,omitempty"`
}

func (h *HTTPServer) checkOrigin(r *http.Request) bool {
	if len(h.config.HTTP.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(h.config.HTTP.AllowedOrigins, r.Header.Get("Origin"))
}

// handleCaptureSocket implements GET /ws/capture. The client sends binary
// protocol frames: a start frame, audio frames and a stop frame. Each stop
// completes the recording and the socket can start another one.
func (h *HTTPServer) handleCaptureSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	token := bearerToken(r)
	analyze := r.URL.Query().Get("analyze") != "false"

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(protocol.MaxFrameSize)

	logger := h.logger.With(slog.String("user_id", userID), slog.String("remote", r.RemoteAddr))
	logger.Debug("Capture socket connected")

	var sessionID string
	defer func() {
		if sessionID != "" {
			h.deps.Sessions.Cancel(sessionID)
		}
	}()

	reply := func(msg CaptureMessage) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			logger.Debug("Capture socket write failed", slog.String("error", err.Error()))
			return false
		}
		return true
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Capture socket closed unexpectedly", slog.String("error", err.Error()))
			}
			return
		}

		if messageType != websocket.BinaryMessage {
			if !reply(CaptureMessage{Type: "error", Error: "binary frames expected"}) {
				return
			}
			continue
		}

		frame, err := protocol.ParseFrame(data)
		if err != nil {
			h.deps.Metrics.RecordFrame(false)
			if !reply(CaptureMessage{Type: "error", Error: err.Error()}) {
				return
			}
			continue
		}

		switch frame.Header.FrameType {
		case protocol.FrameStart:
			if sessionID != "" {
				h.deps.Sessions.Cancel(sessionID)
				sessionID = ""
			}

			meta := h.meta(r.Context(), userID, frame.Start.GetExerciseID(), frame.Start.GetLanguage(), analyze)
			meta.Token = token

			s, err := h.deps.Sessions.Create(meta, int(frame.Start.SampleRate), int(frame.Start.Channels))
			if err != nil {
				if !reply(CaptureMessage{Type: "error", Sequence: frame.Header.Sequence, Error: err.Error()}) {
					return
				}
				continue
			}
			sessionID = s.ID
			if !reply(CaptureMessage{Type: "started", SessionID: s.ID, Sequence: frame.Header.Sequence}) {
				return
			}

		case protocol.FrameAudio:
			if sessionID == "" {
				if !reply(CaptureMessage{Type: "error", Sequence: frame.Header.Sequence, Error: "no active recording"}) {
					return
				}
				continue
			}
			if err := h.deps.Sessions.Write(sessionID, frame.Header.Sequence, frame.Audio.Samples); err != nil {
				logger.Debug("Audio frame rejected",
					slog.String("session_id", sessionID),
					slog.Uint64("sequence", uint64(frame.Header.Sequence)),
					slog.String("error", err.Error()),
				)
				if !reply(CaptureMessage{Type: "error", SessionID: sessionID, Sequence: frame.Header.Sequence, Error: err.Error()}) {
					return
				}
			}

		case protocol.FrameStop:
			if sessionID == "" {
				if !reply(CaptureMessage{Type: "error", Sequence: frame.Header.Sequence, Error: "no active recording"}) {
					return
				}
				continue
			}
			id := sessionID
			sessionID = ""

			outcome, err := h.deps.Sessions.Finish(r.Context(), id)
			msg := CaptureMessage{Type: "completed", SessionID: id, Sequence: frame.Header.Sequence, Outcome: outcome}
			if err != nil {
				msg = CaptureMessage{Type: "error", SessionID: id, Sequence: frame.Header.Sequence, Error: err.Error()}
			}
			if !reply(msg) {
				return
			}
		}
	}
}

// handleEventsSocket implements GET /ws/events. Notifications for the caller
// are written as JSON text messages until either side closes.
func (h *HTTPServer) handleEventsSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	// Subscribed before the handshake completes so no event published after
	// the client connects is missed.
	sub := h.deps.Hub.Subscribe(userID, 64)
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The read side only handles control frames and notices the close.
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-sub.C:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
