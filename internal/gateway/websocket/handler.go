package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/netra-systems/netra-gateway/internal/common/errors"
	"github.com/netra-systems/netra-gateway/internal/common/logger"
	"github.com/netra-systems/netra-gateway/internal/gateway/auth"
	"github.com/netra-systems/netra-gateway/internal/gateway/identity"
	ws "github.com/netra-systems/netra-gateway/pkg/websocket"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: In production, validate origin
		return true
	},
}

// Handler authenticates upgrade requests, resolves the caller's execution
// context and attaches the resulting connection to its isolated manager.
type Handler struct {
	factory    *ManagerFactory
	contexts   *identity.Factory
	verifier   auth.TokenVerifier
	dispatcher *ws.Dispatcher
	logger     *logger.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(factory *ManagerFactory, contexts *identity.Factory, verifier auth.TokenVerifier, dispatcher *ws.Dispatcher, log *logger.Logger) *Handler {
	return &Handler{
		factory:    factory,
		contexts:   contexts,
		verifier:   verifier,
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades HTTP to WebSocket and attaches the connection to
// the manager for the caller's (user, thread) scope. Authentication and
// manager admission happen before the upgrade so failures surface as plain
// HTTP status codes.
func (h *Handler) HandleConnection(c *gin.Context) {
	userID, err := h.authenticate(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	uec, err := h.contexts.Build(identity.ContextRequest{
		UserID:   userID,
		ThreadID: c.Query("thread_id"),
	})
	if err != nil {
		c.JSON(apperrors.GetHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	manager, err := h.factory.GetOrCreate(uec)
	if err != nil {
		h.logger.Warn("Manager admission failed",
			zap.String("user_id", uec.UserID),
			zap.String("thread_id", uec.ThreadID),
			zap.Error(err))
		c.JSON(apperrors.GetHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	connection := NewConnection(uec.ClientID, uec.UserID, conn, manager, h.logger)
	connection.SetMetadata("remote_addr", c.Request.RemoteAddr)
	connection.SetMetadata("thread_id", uec.ThreadID)

	if err := manager.AddConnection(connection); err != nil {
		// The manager was torn down between admission and upgrade.
		h.logger.Warn("Manager became inactive during upgrade",
			zap.String("isolation_key", manager.Key()),
			zap.Error(err))
		connection.Close()
		return
	}

	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", uec.ClientID),
		zap.String("isolation_key", manager.Key()),
		zap.String("thread_origin", string(uec.Origin)),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	go connection.WritePump()
	connection.ReadPump(c.Request.Context(), h.dispatcher)

	// The peer is gone. Release the manager once its last connection closes,
	// through the same key derivation used at creation. The emptiness check
	// happens inside the factory so a concurrent reconnect to the same key
	// keeps its manager; stragglers are reclaimed by the janitor.
	h.factory.CleanupIfEmpty(uec.IsolationKey())
}

// authenticate extracts and verifies the JWT from the Authorization header or
// the token query parameter (browser WebSocket clients cannot set headers).
func (h *Handler) authenticate(c *gin.Context) (string, error) {
	token := c.Query("token")
	if token == "" {
		header := c.GetHeader("Authorization")
		token = strings.TrimPrefix(header, "Bearer ")
	}
	if token == "" {
		return "", errors.New("missing authentication token")
	}
	return h.verifier.Verify(token)
}

// RegisterHealthHandler registers the health check handler
func RegisterHealthHandler(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"status":  "ok",
			"service": "netra-gateway",
		})
	})
}
