package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/steamwatch/internal/domain"
)

const (
	clientBuffer = 64
	writeWait    = 5 * time.Second
)

// Notification is one message on the notification stream.
type Notification struct {
	Kind    string    `json:"kind"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Notifications fans notifications out to connected websocket clients.
// It implements domain.Notifier. Slow clients lose messages rather than
// stalling the sender.
type Notifications struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}
	logger  *zap.Logger
}

// NewNotifications creates an empty notification hub.
func NewNotifications(logger *zap.Logger) *Notifications {
	return &Notifications{
		clients: make(map[chan []byte]struct{}),
		logger:  logger,
	}
}

// Notify broadcasts a notification to every connected client.
func (n *Notifications) Notify(kind string, payload any) {
	data, err := json.Marshal(Notification{Kind: kind, Payload: payload, At: time.Now().UTC()})
	if err != nil {
		n.logger.Warn("failed to encode notification", zap.String("kind", kind), zap.Error(err))
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.clients {
		select {
		case ch <- data:
		default:
			n.logger.Warn("notification client too slow, dropping message", zap.String("kind", kind))
		}
	}
}

// Clients returns the number of connected clients.
func (n *Notifications) Clients() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.clients)
}

func (n *Notifications) subscribe() chan []byte {
	ch := make(chan []byte, clientBuffer)
	n.mu.Lock()
	n.clients[ch] = struct{}{}
	n.mu.Unlock()
	return ch
}

func (n *Notifications) unsubscribe(ch chan []byte) {
	n.mu.Lock()
	delete(n.clients, ch)
	n.mu.Unlock()
}

// ServeHTTP upgrades the request and streams notifications until the client goes away.
func (n *Notifications) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "websocket upgrade required"})
		return
	}
	// The zero Upgrader only accepts same-origin browser clients.
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := n.subscribe()
	defer n.unsubscribe(ch)

	// Reads only detect the close; clients send nothing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case data := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

var _ domain.Notifier = (*Notifications)(nil)
