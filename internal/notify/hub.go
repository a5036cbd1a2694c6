// Package notify fans download state and alert directives out to
// listening surfaces over websockets, and feeds user actions back into
// the coordinator. Publishing never fails the caller; a surface that is
// not ready to receive is dropped without affecting the others.
package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aakasharya8451/reduce/internal/download"
	"github.com/gorilla/websocket"
)

const (
	actionDownloadsUpdated = "downloadsUpdated"
	actionShowPopup        = "showPopup"
	actionClosePopup       = "closePopup"

	actionCancelDownload = "cancelDownload"
	actionForceDownload  = "forceDownload"
	actionPopupClosed    = "popupClosed"
	actionGetDownloads   = "getDownloads"
)

const (
	// pongWait is how long a surface may stay silent before it is
	// considered gone; pings go out often enough that a live surface
	// always answers within the window, even if it never sends actions.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	writeWait  = 10 * time.Second
)

// Handler receives the user actions surfaces send back. Actions are
// fire-and-forget; the hub never waits for an acknowledgement.
type Handler interface {
	Cancel(ctx context.Context, id string)
	ForceResume(ctx context.Context, id string)
	DismissAlert(ctx context.Context, id string)
	Snapshot() download.Snapshot
}

// recordView decorates a record with the status label surfaces render.
type recordView struct {
	download.Record
	Status string `json:"status"`
}

type downloadsMessage struct {
	Action          string                `json:"action"`
	ActiveDownloads map[string]recordView `json:"activeDownloads"`
	DownloadHistory []recordView          `json:"downloadHistory"`
}

func downloadsMessageOf(snap download.Snapshot) downloadsMessage {
	active := make(map[string]recordView, len(snap.ActiveDownloads))
	for id, rec := range snap.ActiveDownloads {
		active[id] = recordView{Record: rec, Status: download.FriendlyStatus(rec.State)}
	}

	history := make([]recordView, 0, len(snap.DownloadHistory))
	for _, rec := range snap.DownloadHistory {
		history = append(history, recordView{Record: rec, Status: download.FriendlyStatus(rec.State)})
	}

	return downloadsMessage{
		Action:          actionDownloadsUpdated,
		ActiveDownloads: active,
		DownloadHistory: history,
	}
}

type alertMessage struct {
	Action     string `json:"action"`
	DownloadID string `json:"downloadId"`
	Message    string `json:"message,omitempty"`
	Filename   string `json:"filename,omitempty"`
}

type actionMessage struct {
	Action     string `json:"action"`
	DownloadID string `json:"downloadId"`
}

// Hub tracks connected surfaces and pushes messages to all of them.
type Hub struct {
	mu       sync.Mutex
	clients  map[*websocket.Conn]bool
	upgrader websocket.Upgrader

	handler Handler
	logger  *slog.Logger

	pongWait   time.Duration
	pingPeriod time.Duration
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:     logger,
		pongWait:   pongWait,
		pingPeriod: pingPeriod,
	}
}

// SetHandler wires the action handler. Set once during startup, before
// any surface connects; the hub and the coordinator reference each
// other, so one side has to be attached late.
func (h *Hub) SetHandler(handler Handler) {
	h.handler = handler
}

// BroadcastDownloads pushes the current snapshot to every surface.
func (h *Hub) BroadcastDownloads(snap download.Snapshot) {
	h.broadcast(downloadsMessageOf(snap))
}

// ShowAlert directs every surface to display the duplicate alert for a
// download.
func (h *Hub) ShowAlert(id, message, filename string) {
	h.broadcast(alertMessage{
		Action:     actionShowPopup,
		DownloadID: id,
		Message:    message,
		Filename:   filename,
	})
}

// CloseAlert directs every surface to withdraw the alert for a download.
func (h *Hub) CloseAlert(id string) {
	h.broadcast(alertMessage{
		Action:     actionClosePopup,
		DownloadID: id,
	})
}

func (h *Hub) broadcast(msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if err := client.WriteJSON(msg); err != nil {
			// Surface went away; drop it and keep going.
			client.Close()
			delete(h.clients, client)
		}
	}
}

// ServeWS upgrades the connection, registers the surface and reads user
// actions until the surface disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "err", err)

		return
	}

	h.logger.Info("surface connected", "remote_addr", r.RemoteAddr)

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()

		conn.Close()

		h.logger.Info("surface disconnected", "remote_addr", r.RemoteAddr)
	}()

	conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)

	go h.keepAlive(conn, stop)

	for {
		conn.SetReadDeadline(time.Now().Add(h.pongWait))

		var msg actionMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Error("websocket read error", "err", err)
			}

			return
		}

		h.dispatch(r.Context(), conn, msg)
	}
}

// keepAlive pings the surface so a listener that never sends actions
// still proves liveness through pongs. WriteControl is safe alongside
// the broadcast writes.
func (h *Hub) keepAlive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, conn *websocket.Conn, msg actionMessage) {
	if h.handler == nil {
		h.logger.Warn("dropping surface action, no handler wired", "action", msg.Action)

		return
	}

	switch msg.Action {
	case actionCancelDownload:
		h.handler.Cancel(ctx, msg.DownloadID)
	case actionForceDownload:
		h.handler.ForceResume(ctx, msg.DownloadID)
	case actionPopupClosed:
		h.handler.DismissAlert(ctx, msg.DownloadID)
	case actionGetDownloads:
		// Direct reply to the requesting surface only.
		h.mu.Lock()
		err := conn.WriteJSON(downloadsMessageOf(h.handler.Snapshot()))
		h.mu.Unlock()

		if err != nil {
			h.logger.Error("failed to answer snapshot request", "err", err)
		}
	default:
		h.logger.Warn("unknown surface action", "action", msg.Action)
	}
}
