package web

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Message sent to connected pages
type Message struct {
	Reload bool
	Layers int
}

// Hub keeps track of open websocket connections so pages can be told to reload.
type Hub struct {
	sync.Mutex
	conns map[*websocket.Conn]bool
}

func NewHub() *Hub {
	return &Hub{conns: make(map[*websocket.Conn]bool)}
}

// Handler function for websocket connection
func (h *Hub) Websocket() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed: ", err)
			return
		}
		h.Lock()
		h.conns[conn] = true
		h.Unlock()
		go h.read(conn)
	}
}

// discard incoming messages until the connection is closed
func (h *Hub) read(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(conn)
			return
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.Lock()
	defer h.Unlock()
	if h.conns[conn] {
		delete(h.conns, conn)
		conn.Close()
	}
}

// Connections returns the number of open connections
func (h *Hub) Connections() int {
	h.Lock()
	defer h.Unlock()
	return len(h.conns)
}

// Broadcast sends the message to every connection, dropping any which fail.
func (h *Hub) Broadcast(msg Message) {
	h.Lock()
	defer h.Unlock()
	for conn := range h.conns {
		if err := conn.WriteJSON(msg); err != nil {
			log.Debug("websocket write: ", err)
			delete(h.conns, conn)
			conn.Close()
		}
	}
}
