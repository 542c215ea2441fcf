package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nodebbs/bbs"
	"nodebbs/protocol"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Server struct {
	board  *bbs.Board
	hub    *Hub
	config *ServerConfig
	log    zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	http     *http.Server
	closing  bool
}

type ServerConfig struct {
	Port         int
	WSAddr       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func New(board *bbs.Board, hub *Hub, config *ServerConfig, logger zerolog.Logger) *Server {
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 10 * time.Minute
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 30 * time.Second
	}

	return &Server{
		board:  board,
		hub:    hub,
		config: config,
		log:    logger.With().Str("component", "server").Logger(),
	}
}

// Start accepts TCP connections until the listener is closed.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	defer listener.Close()

	s.log.Info().Str("addr", listener.Addr().String()).Msg("tcp listener started")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosing() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error().Err(err).Msg("accept failed")
			continue
		}

		go s.handleConnection(conn)
	}
}

// StartWS serves the WebSocket endpoint and metrics on config.WSAddr.
func (s *Server) StartWS() error {
	srv := &http.Server{
		Addr:              s.config.WSAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	s.log.Info().Str("addr", s.config.WSAddr).Msg("websocket listener started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// attach registers connID with the hub and the board. It returns the
// outbound queue, or false when the board refused the connection; the
// rejection packets are already queued in that case.
func (s *Server) attach(connID, origin string) (<-chan string, bool) {
	queue := s.hub.register(connID)

	if _, err := s.board.Connect(connID, origin); err != nil {
		reason := "refused"
		switch {
		case errors.Is(err, bbs.ErrCapacityExceeded):
			reason = "full"
		case errors.Is(err, bbs.ErrRateLimited):
			reason = "ratelimit"
		}
		s.hub.Send(connID, protocol.TypeFail, "connect", err.Error())
		s.hub.Send(connID, protocol.TypeBye, reason)
		s.hub.Close(connID)
		return queue, false
	}
	return queue, true
}

// detach releases the node and lets the writer finish.
func (s *Server) detach(connID string) {
	s.board.Disconnect(connID)
	s.hub.unregister(connID)
}

func (s *Server) handleConnection(conn net.Conn) {
	connID := uuid.NewString()
	origin := originOf(conn.RemoteAddr().String())
	log := s.log.With().Str("conn", connID).Str("origin", origin).Logger()
	log.Info().Msg("client connected")

	queue, ok := s.attach(connID, origin)
	written := make(chan struct{})
	go func() {
		s.writeLoop(conn, queue)
		close(written)
	}()

	if !ok {
		<-written
		s.hub.unregister(connID)
		log.Info().Msg("connection refused")
		return
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxMessageSize)
	for {
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		if !scanner.Scan() {
			err := scanner.Err()
			var netErr net.Error
			switch {
			case err == nil, errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
			case errors.Is(err, bufio.ErrTooLong):
				log.Warn().Int("limit", maxMessageSize).Msg("line too long")
				s.hub.Send(connID, protocol.TypeBye, "toolong")
			case errors.As(err, &netErr) && netErr.Timeout():
				// Клиент молчит слишком долго
				log.Info().Msg("idle timeout")
				s.hub.Send(connID, protocol.TypeBye, "timeout")
			default:
				log.Warn().Err(err).Msg("read failed")
			}
			break
		}

		if s.handleLine(connID, scanner.Text(), log) {
			break
		}
	}

	s.detach(connID)
	<-written
	log.Info().Msg("client disconnected")
}

// handleLine decodes and dispatches one inbound line. It reports whether
// the client said goodbye.
func (s *Server) handleLine(connID, line string, log zerolog.Logger) bool {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return false
	}

	pkt, err := protocol.ParsePacket(line)
	if err != nil {
		log.Debug().Err(err).Msg("invalid packet")
		s.hub.Send(connID, protocol.TypeFail, "", "Invalid packet format")
		return false
	}

	return s.handlePacket(connID, pkt)
}

func (s *Server) handlePacket(connID string, pkt *protocol.Packet) bool {
	switch pkt.Type {
	case protocol.TypePing:
		s.board.Touch(connID)
		s.hub.Send(connID, protocol.TypePong)
	case protocol.TypeLine:
		s.board.Input(connID, bbs.Line(pkt.Arg(0)))
	case protocol.TypeKey:
		s.board.Input(connID, bbs.Key(pkt.Arg(0)))
	case protocol.TypeChatRequest:
		s.board.Input(connID, bbs.Input{Kind: bbs.InputChatRequest, Text: pkt.Arg(0)})
	case protocol.TypeChatAccept:
		s.board.Input(connID, bbs.Input{Kind: bbs.InputChatAccept, Text: pkt.Arg(0)})
	case protocol.TypeChatDecline:
		s.board.Input(connID, bbs.Input{Kind: bbs.InputChatDecline, Text: pkt.Arg(0)})
	case protocol.TypeChatMessage:
		s.board.Input(connID, bbs.Input{Kind: bbs.InputChatMessage, Text: pkt.Arg(0)})
	case protocol.TypeChatKey:
		s.board.Input(connID, bbs.Input{Kind: bbs.InputChatKey, Text: pkt.Arg(0)})
	case protocol.TypeChatEnd:
		s.board.Input(connID, bbs.Input{Kind: bbs.InputChatEnd})
	case protocol.TypeOLM:
		s.board.Input(connID, bbs.Input{Kind: bbs.InputOLMCompose, Text: pkt.Arg(0)})
	case protocol.TypeOLMBlock:
		s.board.Input(connID, bbs.Input{Kind: bbs.InputOLMBlock})
	case protocol.TypeBye:
		s.hub.Send(connID, protocol.TypeBye, "client")
		return true
	default:
		s.hub.Send(connID, protocol.TypeFail, "", "Unknown packet type")
	}
	return false
}

// writeLoop drains queue onto conn and closes conn when the queue closes.
func (s *Server) writeLoop(conn net.Conn, queue <-chan string) {
	defer conn.Close()

	for line := range queue {
		conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		if _, err := io.WriteString(conn, line); err != nil {
			s.log.Debug().Err(err).Msg("write failed")
			return
		}
	}
}

// originOf strips the port from a remote address.
func originOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Shutdown stops the listeners and says goodbye to every node.
func (s *Server) Shutdown(ctx context.Context, reason string) error {
	s.mu.Lock()
	s.closing = true
	listener, httpSrv := s.listener, s.http
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}

	s.board.Shutdown(reason)

	if httpSrv != nil {
		return httpSrv.Shutdown(ctx)
	}
	return nil
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	st := s.board.Stats()

	var users []string
	for _, n := range s.board.Nodes() {
		name := n.Name
		if name == "" {
			name = "-"
		}
		users = append(users, fmt.Sprintf("%d:%s", n.Node, name))
	}

	return fmt.Sprintf("nodes=%d/%d,chats=%d,requests=%d,olms=%d,users=%s",
		st.NodesInUse, st.Capacity, st.ActiveChats, st.PendingRequests, st.QueuedOLMs,
		strings.Join(users, ";"))
}
