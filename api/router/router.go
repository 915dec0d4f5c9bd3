package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pynqmanager/pynqmanager/api/handler"
	"github.com/pynqmanager/pynqmanager/internal/config"
	"github.com/pynqmanager/pynqmanager/internal/metrics"
	"github.com/pynqmanager/pynqmanager/internal/service"
	"github.com/pynqmanager/pynqmanager/pkg/logger"
)

// SetupRouter 设置路由
func SetupRouter(cfg *config.Config, provisionService *service.ProvisionService, opts handler.Options) *gin.Engine {
	// 设置Gin模式
	if cfg.Server.Mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(CORSMiddleware())
	r.Use(RequestIDMiddleware())
	r.Use(LoggingMiddleware())

	if opts.InterfacesPath == "" {
		opts.InterfacesPath = cfg.Provision.InterfacesPath
	}
	provisionHandler := handler.NewProvisionHandler(provisionService, opts)

	// 根路径
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"name":    "PYNQ Provisioner",
			"version": "1.0.0",
			"status":  "running",
		})
	})

	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(metrics.Handler()))
	}

	// API v1 路由组
	v1 := r.Group("/api/v1")
	{
		v1.GET("/health", provisionHandler.Health)
		v1.GET("/ports", provisionHandler.ListPorts)
		v1.POST("/render", provisionHandler.Render)

		provision := v1.Group("/provision")
		{
			provision.POST("", provisionHandler.CreateProvision)
			provision.GET("/:task_id", provisionHandler.GetProvision)
			provision.GET("/:task_id/logs", provisionHandler.GetLogs)
			provision.POST("/:task_id/cancel", provisionHandler.CancelProvision)
			provision.GET("/:task_id/stream", provisionHandler.Stream)
		}
	}

	// 404处理
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "接口不存在",
			"path":    c.Request.URL.Path,
		})
	})

	return r
}

// CORSMiddleware 跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RequestIDMiddleware 请求ID中间件
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

// LoggingMiddleware 日志中间件
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		statusCode := c.Writer.Status()
		entry := logger.WithFields(logrus.Fields{
			"request_id": c.GetString("request_id"),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     statusCode,
			"duration":   time.Since(start),
			"client_ip":  c.ClientIP(),
		})
		if statusCode >= 400 {
			entry.Warn("HTTP Error")
			return
		}
		entry.Debug("HTTP Request")
	}
}
