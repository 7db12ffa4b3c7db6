package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantrush/invest-engine/internal/channel"
	"github.com/quantrush/invest-engine/internal/message"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Game clients connect from arbitrary origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// conn is one gorilla-backed client.
type conn struct {
	userID   int64
	userName string
	ws       *websocket.Conn
	send     chan message.Server
	done     chan struct{}
	closed   bool
}

func (c *conn) UserID() int64 { return c.userID }

func (c *conn) Send(msg message.Server) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *conn) Close() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// Server owns the WebSocket endpoint: it upgrades connections and
// dispatches client commands into the registry.
type Server struct {
	hub      *Hub
	registry *channel.Registry
}

// NewServer creates the WebSocket endpoint.
func NewServer(hub *Hub, registry *channel.Registry) *Server {
	return &Server{hub: hub, registry: registry}
}

// ServeHTTP upgrades the connection. Clients identify with user_id and
// user_name query parameters and then drive membership with JOIN/LEAVE
// commands on the socket.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID == 0 {
		http.Error(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}
	userName := r.URL.Query().Get("user_name")

	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &conn{
		userID:   userID,
		userName: userName,
		ws:       sock,
		send:     make(chan message.Server, sendBuffer),
		done:     make(chan struct{}),
	}
	s.hub.Register(c)

	go s.writePump(c)
	s.readPump(c)
}

func (s *Server) readPump(c *conn) {
	defer func() {
		s.hub.Unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read failed", "user", c.userID, "err", err)
			}
			return
		}

		var cmd message.Client
		if err := json.Unmarshal(data, &cmd); err != nil {
			slog.Warn("malformed client command", "user", c.userID, "err", err)
			continue
		}
		cmd.SenderID = c.userID
		if cmd.SenderName == "" {
			cmd.SenderName = c.userName
		}
		s.dispatch(c, cmd)
	}
}

func (s *Server) dispatch(c *conn, cmd message.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch cmd.Type {
	case message.ClientJoin:
		result, ch, err := s.registry.EnterChannel(ctx, cmd.ChannelID, cmd.SenderID, cmd.SenderName)
		if err != nil {
			slog.Warn("join failed", "user", cmd.SenderID, "channel", cmd.ChannelID, "err", err)
			return
		}
		if result == channel.EnterSuccess {
			s.hub.Join(cmd.ChannelID, c)
			// The room broadcast fired before this socket joined the
			// room, so send the joiner its own snapshot directly.
			s.hub.PublishTo(c.userID, message.NewChannelState(ch))
		}
	case message.ClientLeave:
		s.hub.Leave(cmd.ChannelID, c)
		if _, err := s.registry.ExitChannel(ctx, cmd.ChannelID, cmd.SenderID); err != nil {
			slog.Warn("leave failed", "user", cmd.SenderID, "channel", cmd.ChannelID, "err", err)
		}
	case message.ClientReady:
		if _, err := s.registry.SetReady(ctx, cmd.ChannelID, cmd.SenderID); err != nil {
			slog.Warn("ready failed", "user", cmd.SenderID, "channel", cmd.ChannelID, "err", err)
		}
	case message.ClientCancel:
		if _, err := s.registry.CancelReady(ctx, cmd.ChannelID, cmd.SenderID); err != nil {
			slog.Warn("cancel failed", "user", cmd.SenderID, "channel", cmd.ChannelID, "err", err)
		}
	case message.ClientChat:
		s.hub.Publish(cmd.ChannelID, message.Chat{
			Type:       message.KindChat,
			ChannelID:  cmd.ChannelID,
			SenderID:   cmd.SenderID,
			SenderName: cmd.SenderName,
			Body:       cmd.Body,
		})
	default:
		slog.Warn("unknown client command", "user", cmd.SenderID, "type", cmd.Type)
	}
}

func (s *Server) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					slog.Warn("websocket write failed", "user", c.userID, "err", err)
				}
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
