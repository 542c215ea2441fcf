package server

import (
	"net/http"
	"strings"
	"time"

	"nodebbs/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// terminal clients connect from anywhere
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler serves /ws and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	origin := originOf(r.RemoteAddr)
	log := s.log.With().Str("conn", connID).Str("origin", origin).Str("transport", "ws").Logger()
	log.Info().Msg("client connected")

	queue, ok := s.attach(connID, origin)
	written := make(chan struct{})
	go func() {
		s.writePump(conn, queue)
		close(written)
	}()

	if !ok {
		<-written
		s.hub.unregister(connID)
		return
	}

	s.readPump(conn, connID)
	s.detach(connID)
	<-written
	log.Info().Msg("client disconnected")
}

// readPump feeds every line of every text frame to the board. A frame may
// carry several packets.
func (s *Server) readPump(conn *websocket.Conn, connID string) {
	log := s.log.With().Str("conn", connID).Logger()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		for _, line := range strings.Split(string(message), "\n") {
			if s.handleLine(connID, line, log) {
				return
			}
		}
	}
}

// writePump sends one text frame per packet and keeps the peer alive with
// pings.
func (s *Server) writePump(conn *websocket.Conn, queue <-chan string) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case line, ok := <-queue:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				s.log.Debug().Err(err).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
