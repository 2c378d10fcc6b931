// internal/routes/routes.go
package routes

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"growdash-agent/internal/config"
	"growdash-agent/internal/handler"
	"growdash-agent/internal/middleware"
	"growdash-agent/internal/service"
	"growdash-agent/internal/utils"
)

// Router holds all dependencies for routing
type Router struct {
	config           *config.Config
	logger           *zap.Logger
	deviceService    *service.DeviceService
	boardService     *service.BoardService
	discoveryService *service.DiscoveryService
	eventBus         *handler.EventBus

	wsHandler *handler.WebSocketHandler
}

// NewRouter creates a new router instance
func NewRouter(
	config *config.Config,
	logger *zap.Logger,
	deviceService *service.DeviceService,
	boardService *service.BoardService,
	discoveryService *service.DiscoveryService,
	eventBus *handler.EventBus,
) *Router {
	return &Router{
		config:           config,
		logger:           logger,
		deviceService:    deviceService,
		boardService:     boardService,
		discoveryService: discoveryService,
		eventBus:         eventBus,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsProduction() || !r.config.IsDebugEnabled() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	r.addMiddleware(router)
	r.addRoutes(router)

	return router
}

// Close disconnects WebSocket clients
func (r *Router) Close() {
	if r.wsHandler != nil {
		r.wsHandler.Close()
	}
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.RequestIDMiddleware())

	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger))

	router.Use(middleware.CORSMiddleware(&r.config.Server))

	r.logger.Info("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	healthHandler := handler.NewHealthHandler(r.deviceService, r.boardService, r.config, r.logger)
	deviceHandler := handler.NewDeviceHandler(r.deviceService, r.logger)
	boardHandler := handler.NewBoardHandler(r.boardService, r.logger)
	discoveryHandler := handler.NewDiscoveryHandler(r.discoveryService, r.logger)
	r.wsHandler = handler.NewWebSocketHandler(r.deviceService, r.eventBus, r.config.Server.AllowedOrigins, r.logger)

	r.addHealthRoutes(router, healthHandler)

	apiV1 := router.Group("/api/v1")
	r.addDeviceRoutes(apiV1, deviceHandler)
	r.addBoardRoutes(apiV1, boardHandler)
	r.addDiscoveryRoutes(apiV1, discoveryHandler)
	r.addWebSocketRoutes(router, apiV1, r.wsHandler)

	r.logger.Info("All routes configured successfully")
}

// addHealthRoutes sets up health check routes
func (r *Router) addHealthRoutes(router *gin.Engine, handler *handler.HealthHandler) {
	health := router.Group("")
	{
		health.GET("/health", handler.HealthCheck)
		health.GET("/ready", handler.ReadinessCheck)
		health.GET("/live", handler.LivenessCheck)
	}
}

// addDeviceRoutes sets up worker routes
func (r *Router) addDeviceRoutes(api *gin.RouterGroup, handler *handler.DeviceHandler) {
	devices := api.Group("/devices")
	{
		devices.GET("", handler.ListDevices)
		devices.GET("/:device_id", handler.GetDevice)
		devices.POST("/:device_id/exchange", handler.Exchange)
	}

	api.POST("/fleet/reconcile", handler.Reconcile)
}

// addBoardRoutes sets up registry routes
func (r *Router) addBoardRoutes(api *gin.RouterGroup, handler *handler.BoardHandler) {
	boards := api.Group("/boards")
	{
		boards.GET("", handler.ListBoards)
		boards.GET("/default-port", handler.DefaultPort)
		boards.POST("/refresh", handler.Refresh)
		boards.POST("/cleanup", handler.Cleanup)
	}
}

// addDiscoveryRoutes sets up device discovery routes
func (r *Router) addDiscoveryRoutes(api *gin.RouterGroup, handler *handler.DiscoveryHandler) {
	discovery := api.Group("/discovery")
	{
		discovery.GET("/scan", handler.ScanDevices)
		discovery.POST("/probe", handler.ProbePort)
	}
}

// addWebSocketRoutes sets up WebSocket routes
func (r *Router) addWebSocketRoutes(router *gin.Engine, api *gin.RouterGroup, handler *handler.WebSocketHandler) {
	ws := router.Group("/ws")
	{
		ws.GET("/events", handler.HandleEventConnection)
		ws.GET("/devices/:device_id", handler.HandleDeviceConnection)
	}

	api.GET("/ws/stats", handler.GetConnectionStats)
}
