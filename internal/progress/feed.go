package progress

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/njoerd114/bookrelay/internal/model"
)

const writeTimeout = 2 * time.Second

// Message is one JSON frame sent over the feed.
type Message struct {
	Type    string            `json:"type"`
	Update  *Update           `json:"update,omitempty"`
	Backend model.StorageKind `json:"backend,omitempty"`
}

const (
	MessageProgress        = "progress"
	MessageDataListChanged = "dataListChanged"
)

// Feed streams a Reporter over websocket connections. Incoming frames are
// read only to detect the peer going away.
type Feed struct {
	reporter *Reporter
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewFeed returns an http.Handler serving reporter's updates.
func NewFeed(reporter *Reporter, logger *slog.Logger) *Feed {
	return &Feed{
		reporter: reporter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The feed binds to a local address and carries no secrets.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: logger,
	}
}

func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Debug("progress feed upgrade failed", "error", err)
		return
	}
	defer func() { _ = ws.Close() }()

	updates, unsubscribe := f.reporter.Subscribe()
	defer unsubscribe()
	changes, unsubscribeList := f.reporter.SubscribeDataList()
	defer unsubscribeList()

	f.log.Debug("progress feed client connected", "remote", r.RemoteAddr)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		var msg Message
		select {
		case <-gone:
			f.log.Debug("progress feed client disconnected", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			msg = Message{Type: MessageProgress, Update: &u}
		case kind, ok := <-changes:
			if !ok {
				return
			}
			msg = Message{Type: MessageDataListChanged, Backend: kind}
		}

		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := ws.WriteJSON(msg); err != nil {
			f.log.Debug("progress feed write failed", "error", err)
			return
		}
	}
}
