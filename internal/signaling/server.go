package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/1ureka/confer/internal/protocol"
	"github.com/1ureka/confer/internal/room"
	"github.com/1ureka/confer/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes a Hub over WebSocket at /ws/:roomId.
type Server struct {
	hub    *Hub
	engine *gin.Engine
	srv    *http.Server
	log    util.Logger
}

// NewServer creates a relay server for hub.
func NewServer(hub *Hub) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{hub: hub, engine: gin.New(), log: util.Scope("relay")}
	s.engine.Use(gin.Recovery())

	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/rooms/:roomId", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"participants": s.hub.Members(c.Param("roomId"))})
	})
	s.engine.GET("/ws/:roomId", s.handleWS)

	return s
}

// Handler returns the HTTP handler, for mounting or httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins listening on addr (":0" for a random port). Returns the bound
// address.
func (s *Server) Start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to start relay server: %w", err)
	}

	s.srv = &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("serve: %v", err)
		}
	}()

	return listener.Addr().String(), nil
}

// Close shuts down the listener, preventing new connections.
func (s *Server) Close(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleWS(c *gin.Context) {
	roomID := c.Param("roomId")
	peerID := c.Query("peerId")
	if roomID == "" || peerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId and peerId are required"})
		return
	}
	isHost, _ := strconv.ParseBool(c.Query("host"))
	p := room.NewMember(peerID, room.User{
		ID:     c.Query("userId"),
		Name:   c.DefaultQuery("name", peerID),
		Avatar: c.Query("avatar"),
	}, isHost)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	deliver := func(env protocol.Envelope) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(env); err != nil {
			s.log.Debug("write to %s failed: %v", util.Tag(peerID), err)
		}
	}

	leave, err := s.hub.Join(roomID, p, deliver)
	if err != nil {
		writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		writeMu.Unlock()
		return
	}
	defer leave()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			s.log.Warn("dropping envelope from %s: %v", util.Tag(peerID), err)
			continue
		}
		if !env.Event.Relayed() {
			s.log.Warn("dropping %s from %s: produced by the relay only", env.Event, util.Tag(peerID))
			continue
		}

		env.From = peerID
		env.RoomID = roomID
		if err := s.hub.Route(env); err != nil {
			s.log.Debug("%v", err)
		}
	}
}
