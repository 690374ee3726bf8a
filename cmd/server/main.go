package main

import (
	"log"
	"net/http"

	"tripwatch/internal/config"
	"tripwatch/internal/logger"
	"tripwatch/internal/middleware"
	"tripwatch/internal/routes"

	ginlog "github.com/gin-contrib/logger"
	"github.com/gin-gonic/gin"
)

func main() {
	// Initialize structured logging to file
	logger.Setup()

	cfg := config.Load()

	// Connect to the database and the shared handles
	config.InitDB()
	config.InitBlobs()
	config.InitBroker()

	// Setup Gin router
	r := routes.SetupRouter()

	// Recovery middleware
	r.Use(gin.Recovery())

	// Request logging middleware
	r.Use(ginlog.SetLogger())

	// Wrap with CORS
	handler := middleware.EnableCORS(r)

	log.Printf("🚀 Server running at %s", cfg.HTTPAddr)
	log.Fatal(http.ListenAndServe(cfg.HTTPAddr, handler))
}
