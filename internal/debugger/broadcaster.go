package debugger

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Event is one debug-state notification mirrored to attached observers.
type Event struct {
	Session  string `json:"session"`
	Reason   string `json:"reason"`
	File     string `json:"file"`
	Line     int    `json:"line"`
	PC       int    `json:"pc"`
	Function string `json:"function"`
}

// EventBroadcaster mirrors break/step events over WebSocket so an
// external viewer can follow a debug session live. It is not the DAP
// transport; it carries notifications only, never commands.
type EventBroadcaster struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
}

func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]bool),
	}
}

// ServeHTTP upgrades an observer connection and registers it.
func (b *EventBroadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.clients[conn] = true
	b.mu.Unlock()
}

// Publish sends ev to every attached observer, dropping connections
// that fail to accept it.
func (b *EventBroadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.clients {
		if err := conn.WriteJSON(ev); err != nil {
			conn.Close()
			delete(b.clients, conn)
		}
	}
}

// Close disconnects every observer.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.clients {
		conn.Close()
		delete(b.clients, conn)
	}
}
