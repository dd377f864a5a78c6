package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/mcu-studio/internal/channel"
	"github.com/wfunc/mcu-studio/internal/config"
	"github.com/wfunc/mcu-studio/internal/device"
	"github.com/wfunc/mcu-studio/internal/errors"
	"github.com/wfunc/mcu-studio/internal/middleware"
	ws "github.com/wfunc/mcu-studio/internal/websocket"
	"go.uber.org/zap"
)

// Deps 路由依赖的组件
type Deps struct {
	Channel   *channel.Channel
	Sequencer *device.Sequencer
	Hub       *ws.Hub
}

// Router API路由器
type Router struct {
	engine    *gin.Engine
	deps      Deps
	auth      *middleware.TokenAuth
	device    *DeviceHandler
	wsHandler *WebSocketHandler
	startedAt time.Time
	log       *zap.Logger
}

// NewRouter 创建路由器
func NewRouter(deps Deps, cfg *config.Config, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}

	// 创建Gin引擎
	engine := gin.New()

	// 全局中间件
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestID())
	engine.Use(middleware.AccessLog(log))

	router := &Router{
		engine:    engine,
		deps:      deps,
		auth:      middleware.NewTokenAuth(cfg.Server.AuthToken),
		device:    NewDeviceHandler(deps.Channel, deps.Sequencer, log),
		wsHandler: NewWebSocketHandler(deps.Hub, cfg.WebSocket, log),
		startedAt: time.Now(),
		log:       log,
	}

	router.setupRoutes(cfg.WebSocket.Path)

	return router
}

// setupRoutes 设置路由
func (r *Router) setupRoutes(wsPath string) {
	// 健康检查
	r.engine.GET("/health", r.healthCheck)

	// API v1路由组
	v1 := r.engine.Group("/api/v1")
	v1.Use(r.auth.RequireToken())
	{
		v1.GET("/ports", r.device.ListPorts)
		v1.GET("/status", r.device.Status)
		v1.POST("/connect", r.device.Connect)
		v1.POST("/disconnect", r.device.Disconnect)
		v1.POST("/exec", r.device.Exec)
		v1.GET("/timeouts", r.device.GetTimeouts)
		v1.PUT("/timeouts", r.device.SetTimeouts)

		files := v1.Group("/files")
		{
			files.GET("", r.device.ListFiles)
			files.GET("/:name", r.device.Download)
			files.PUT("/:name", r.device.Upload)
			files.DELETE("/:name", r.device.Remove)
		}
	}

	// WebSocket路由
	if wsPath == "" {
		wsPath = "/ws"
	}
	r.engine.GET(wsPath, r.auth.RequireToken(), r.wsHandler.Console)

	// 文档
	registerOpenAPIRoutes(r.engine)
	registerSwaggerRoutes(r.engine)

	r.engine.NoRoute(func(c *gin.Context) {
		respondError(c, errors.Newf(errors.ErrNotFound, "%s %s", c.Request.Method, c.Request.URL.Path))
	})
}

// healthCheck 健康检查
func (r *Router) healthCheck(c *gin.Context) {
	online := 0
	if r.deps.Hub != nil {
		online = r.deps.Hub.GetOnlineCount()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(r.startedAt).Seconds()),
		"device_open":    r.deps.Channel.IsOpen(),
		"ws_clients":     online,
	})
}

// GetEngine 获取Gin引擎
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}

// respondError 以统一结构输出错误，不带调用栈
func respondError(c *gin.Context, err error) {
	appErr := *errors.FromError(err)
	appErr.Stack = nil
	c.JSON(appErr.HTTPStatus(), errors.NewErrorResponse(&appErr, middleware.GetRequestID(c)))
}
