package main

import (
	"fmt"
	"log"

	"itutor/internal/config"
	"itutor/internal/database"
	"itutor/internal/handlers"
	"itutor/internal/push"
	"itutor/internal/services"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env in development; production sets the real environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}

	db, err := database.Init(cfg)
	if err != nil {
		log.Fatal("Failed to initialize database: ", err)
	}

	tokenSource, err := push.NewTokenSource(
		cfg.ServiceAccount.ClientEmail,
		cfg.ServiceAccount.PrivateKey,
		cfg.ServiceAccount.TokenURI,
	)
	if err != nil {
		log.Fatal("Failed to load push service account key: ", err)
	}
	fcmClient := push.NewFCMClient(cfg.ServiceAccount.ProjectID)
	webPushClient := push.NewWebPushClient(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubject)

	dispatcher := services.NewDispatchService(db, tokenSource, fcmClient, webPushClient)

	// Initialize Gin router
	router := gin.Default()

	// Configure trusted proxies
	router.SetTrustedProxies([]string{"127.0.0.1"})

	router.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Content-Type"},
	}))

	// Basic routes
	router.GET("/", handlers.HomeHandler)
	router.GET("/health", handlers.HealthHandler)

	// Invoked periodically by the external scheduler
	router.POST("/tasks/session-reminders", handlers.SessionReminders(dispatcher))

	// Start the server
	fmt.Printf("Server starting on port %s...\n", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal(err)
	}
}
