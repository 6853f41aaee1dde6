package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/netra-systems/netra-gateway/internal/common/config"
	"github.com/netra-systems/netra-gateway/internal/common/logger"
	"github.com/netra-systems/netra-gateway/internal/gateway/auth"
	"github.com/netra-systems/netra-gateway/internal/gateway/identity"
	ws "github.com/netra-systems/netra-gateway/pkg/websocket"
)

// Gateway represents the WebSocket gateway with all components initialized
type Gateway struct {
	Factory    *ManagerFactory
	Dispatcher *ws.Dispatcher
	Handler    *Handler
	logger     *logger.Logger
}

// NewGateway wires the manager factory, dispatcher and connection handler.
func NewGateway(cfg *config.Config, verifier auth.TokenVerifier, log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	factory := NewManagerFactory(FactoryConfig{
		MaxManagersPerUser: cfg.WebSocket.MaxManagersPerUser,
		IdleTimeout:        cfg.WebSocket.IdleTimeoutDuration(),
		CleanupInterval:    cfg.WebSocket.CleanupIntervalDuration(),
		CloseTimeout:       cfg.WebSocket.CloseTimeoutDuration(),
	}, log)
	handler := NewHandler(factory, identity.NewFactory(), verifier, dispatcher, log)

	// Register health check handler
	RegisterHealthHandler(dispatcher)

	return &Gateway{
		Factory:    factory,
		Dispatcher: dispatcher,
		Handler:    handler,
		logger:     log,
	}
}

// SetupRoutes adds the WebSocket and manager admin routes to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)

	// Operational recovery endpoints for leaked or orphaned managers.
	admin := router.Group("/admin")
	admin.GET("/managers", g.handleManagerStats)
	admin.GET("/users/:user_id/managers", g.handleUserManagers)
	admin.POST("/users/:user_id/managers/cleanup", g.handleForceCleanup)
}

// handleManagerStats reports the global manager count.
func (g *Gateway) handleManagerStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active_managers": g.Factory.ManagerCount(),
	})
}

// handleUserManagers lists one user's active isolation keys.
func (g *Gateway) handleUserManagers(c *gin.Context) {
	userID := c.Param("user_id")
	c.JSON(http.StatusOK, gin.H{
		"user_id":     userID,
		"count":       g.Factory.UserManagerCount(userID),
		"active_keys": g.Factory.ActiveKeysForUser(userID),
	})
}

// handleForceCleanup tears down every manager belonging to a user, regardless
// of isolation key. This is the recovery path when per-key cleanup misses.
func (g *Gateway) handleForceCleanup(c *gin.Context) {
	userID := c.Param("user_id")
	cleaned := g.Factory.ForceCleanupUser(userID)
	c.JSON(http.StatusOK, gin.H{
		"user_id": userID,
		"cleaned": cleaned,
	})
}
