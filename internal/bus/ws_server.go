package bus

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/aiserve/masfed/internal/acl"
	"github.com/aiserve/masfed/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HubServer exposes a Hub over websockets: each connection announces its
// identity as the first text frame it sends, then the connection's read
// loop routes every subsequent frame through the Hub by receiver, and the
// write side forwards whatever the Hub delivers to that identity.
type HubServer struct {
	hub   *Hub
	log   *logging.Logger
	mu    sync.Mutex
	conns map[*websocket.Conn]string
}

// NewHubServer wires an HTTP handler over hub.
func NewHubServer(hub *Hub, log *logging.Logger) *HubServer {
	return &HubServer{hub: hub, log: log, conns: make(map[*websocket.Conn]string)}
}

// ServeHTTP upgrades the connection and runs it until it closes.
func (s *HubServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.log != nil {
			s.log.Err("websocket upgrade failed", err)
		}
		return
	}
	defer conn.Close()

	_, first, err := conn.ReadMessage()
	if err != nil {
		return
	}
	var hello struct {
		JID string `json:"jid"`
	}
	if err := json.Unmarshal(first, &hello); err != nil || hello.JID == "" {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"missing jid"}`))
		return
	}

	inbound := s.hub.Register(hello.JID, 256)
	s.mu.Lock()
	s.conns[conn] = hello.JID
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.hub.Deregister(hello.JID)
	}()

	done := make(chan struct{})
	go s.writeLoop(conn, inbound, done)
	s.readLoop(conn, hello.JID)
	close(done)
}

func (s *HubServer) readLoop(conn *websocket.Conn, jid string) {
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) && s.log != nil {
				s.log.Warn("websocket read error", "jid", jid, "error", err.Error())
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		f, err := acl.Parse(message)
		if err != nil {
			if s.log != nil {
				s.log.Warn("dropping malformed frame", "jid", jid, "error", err.Error())
			}
			continue
		}
		if !s.hub.Route(f) && s.log != nil {
			s.log.Debug("frame dropped, receiver offline", "receiver", f.Receiver)
		}
	}
}

func (s *HubServer) writeLoop(conn *websocket.Conn, inbound <-chan *acl.Frame, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case f, ok := <-inbound:
			if !ok {
				return
			}
			payload, err := f.Marshal()
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
