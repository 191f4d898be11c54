package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pufftrack/backend/internal/realtime"
	"github.com/pufftrack/backend/internal/store"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Token auth is the access control; browser origins are not
	// restricted beyond that.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn adapts a gorilla websocket connection to the registry's Conn.
// gorilla permits one concurrent writer, hence the mutex.
type wsConn struct {
	mu     sync.Mutex
	socket *websocket.Conn
}

func (c *wsConn) Send(message realtime.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.socket.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.socket.WriteJSON(message)
}

func (c *wsConn) Kick(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.socket.WriteControl(websocket.CloseMessage, frame, deadline)
	_ = c.socket.Close()
}

// handleWebsocket authenticates the handshake, binds the connection and
// runs the read loop. The bearer token arrives in the Authorization
// header or, for browser clients, a token query parameter.
func (h *httpHandler) handleWebsocket(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	userID, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Info("websocket token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if _, err := h.store.GetUserByID(c.Request.Context(), userID); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("websocket user lookup failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	socket, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	socket.SetReadLimit(maxMessageSize)

	conn := &wsConn{socket: socket}
	h.hub.Registry().Bind(userID, conn)
	h.logger.Info("user connected", zap.String("user_id", userID))

	if err := h.hub.PushSnapshot(c.Request.Context(), userID); err != nil {
		h.logger.Warn("initial snapshot push failed", zap.String("user_id", userID), zap.Error(err))
	}

	for {
		_, data, err := socket.ReadMessage()
		if err != nil {
			break
		}
		h.hub.HandleMessage(c.Request.Context(), userID, conn, data)
	}

	h.hub.Registry().Unbind(conn)
	_ = socket.Close()
	h.logger.Info("user disconnected", zap.String("user_id", userID))
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if len(header) > 7 && header[:7] == "Bearer " {
		return header[7:]
	}
	return c.Query("token")
}
