package main

import (
	"log"

	"github.com/gin-gonic/gin"

	"github.com/crewdesk/call-signaling/config"
	"github.com/crewdesk/call-signaling/internal/handlers"
	"github.com/crewdesk/call-signaling/internal/middleware"
	"github.com/crewdesk/call-signaling/internal/relay"
	"github.com/crewdesk/call-signaling/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Connect to Redis
	rdb, err := store.Connect(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()

	log.Println("Redis connection established")

	st := store.New(rdb)
	hub := relay.NewHub()

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

	// Conversation management API
	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", handlers.Login(cfg.JWTSecret))

		// Create conversation (requires JWT)
		apiGroup.POST("/conversations", middleware.JWTAuth(cfg.JWTSecret), handlers.CreateConversation(st))

		// Get conversation info and call status (public)
		apiGroup.GET("/conversations/:conversationId", handlers.GetConversation(st))

		// Delete conversation (requires JWT, creator only)
		apiGroup.DELETE("/conversations/:conversationId", middleware.JWTAuth(cfg.JWTSecret), handlers.DeleteConversation(st))
	}

	// WebSocket signaling endpoint (requires JWT, header or ?token=)
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/signal/:conversationId", middleware.JWTAuth(cfg.JWTSecret), handlers.HandleSignaling(st, hub))
	}

	// Start server
	log.Printf("Starting call signaling server on port %s", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
