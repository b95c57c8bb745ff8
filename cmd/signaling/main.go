package main

import (
	"log"

	"github.com/teamforge/meeting-signaling/config"
	"github.com/teamforge/meeting-signaling/internal/handlers"
	"github.com/teamforge/meeting-signaling/internal/middleware"
	"github.com/teamforge/meeting-signaling/internal/presence"
	"github.com/teamforge/meeting-signaling/internal/redis"

	"github.com/gin-gonic/gin"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Connect to Redis
	if err := redis.Connect(cfg.Redis); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	log.Println("Redis connection established")

	// Presence bridge is best-effort; it can be disabled outright
	var bridge presence.Bridge = presence.Nop{}
	if cfg.PresenceStore {
		bridge = presence.NewRedisBridge(redis.GetClient())
	}

	signaling := handlers.NewSignaling(bridge)

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Meeting management API (authenticated)
	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", handlers.Login(cfg.JWTSecret))

		// Create meeting (requires JWT)
		apiGroup.POST("/meetings", middleware.JWTAuth(cfg.JWTSecret), handlers.CreateMeeting)

		// Get meeting info (public)
		apiGroup.GET("/meetings/:meetingId", handlers.GetMeeting)

		// Delete meeting (requires JWT, creator only)
		apiGroup.DELETE("/meetings/:meetingId", middleware.JWTAuth(cfg.JWTSecret), handlers.DeleteMeeting)
	}

	// WebSocket signaling endpoint
	wsGroup := router.Group("/ws")
	{
		// WebSocket signaling - accepts meeting code or ID
		wsGroup.GET("/signal/:meetingId", signaling.HandleSignaling)
	}

	// Start server
	log.Printf("Starting meeting signaling server on port %s", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
