package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OpenPecha/pecha-tool-sync-editor/internal/comment"
	"github.com/OpenPecha/pecha-tool-sync-editor/internal/config"
	"github.com/OpenPecha/pecha-tool-sync-editor/internal/db"
	"github.com/OpenPecha/pecha-tool-sync-editor/internal/document"
	"github.com/OpenPecha/pecha-tool-sync-editor/internal/middleware"
	syncpkg "github.com/OpenPecha/pecha-tool-sync-editor/internal/sync"
	"github.com/OpenPecha/pecha-tool-sync-editor/internal/user"
	"github.com/OpenPecha/pecha-tool-sync-editor/internal/utils"
	"github.com/OpenPecha/pecha-tool-sync-editor/internal/worker"
	"github.com/OpenPecha/pecha-tool-sync-editor/redis"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func main() {
	// Load configuration
	config.LoadConfig()

	// Connect to database
	if err := db.ConnectDb(); err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	defer db.CloseDb()

	// Migrate database schema
	db.Migrate()

	// Initialize Redis
	redis.InitRedis(config.AppConfig.RedisAddress)

	// Background snapshot writers
	pool := worker.NewWorkerPool(4)
	defer pool.Shutdown()

	instanceID := uuid.NewString()
	cache := redis.NewCache(redis.RedisClient)
	relay := redis.NewRelay(redis.RedisClient, instanceID)

	// Initialize repositories
	userRepo := user.NewRepository(db.AppDb)
	docRepo := document.NewRepository(db.AppDb)
	commentRepo := comment.NewRepository(db.AppDb)

	// Initialize services
	userService := user.NewService(userRepo)
	docService := document.NewService(docRepo, userService, cache)
	commentService := comment.NewService(commentRepo, docService)

	hub := syncpkg.NewHub(docService, commentService, relay, pool, instanceID, config.AppConfig.SnapshotThreshold)
	commentService.SetApplier(hub)

	// Initialize handlers
	userHandler := user.NewHandler(userService)
	docHandler := document.NewHandler(docService, config.AppConfig.MaxUploadBytes)
	commentHandler := comment.NewHandler(commentService)
	syncHandler := syncpkg.NewHandler(hub, docService)

	authn := middleware.Auth{UserService: userService}

	utils.RegisterValidators()

	// Initialize Gin router
	router := gin.Default()
	router.Use(middleware.ErrorHandler())

	// cors setting
	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
	}

	if config.AppConfig.Environment == "development" {
		// Allow all origins in development
		corsConfig.AllowAllOrigins = true
	} else {
		// Restrict origins in production
		corsConfig.AllowOrigins = []string{config.AppConfig.FrontendAddress}
	}
	router.Use(cors.New(corsConfig))

	// User routes
	router.POST("/register", userHandler.Register)
	router.POST("/login", userHandler.Login)
	router.GET("/profile", authn.AuthMiddleWare(), userHandler.GetProfile)
	router.GET("/users", authn.AuthMiddleWare(), userHandler.SearchUsers)

	// Document routes
	router.POST("/documents", authn.AuthMiddleWare(), docHandler.CreateDocument)
	router.GET("/documents", authn.AuthMiddleWare(), docHandler.ListDocuments)
	router.GET("/documents/:id", authn.AuthMiddleWare(), docHandler.GetDocument)
	router.PATCH("/documents/:id", authn.AuthMiddleWare(), docHandler.PatchDocument)
	router.PUT("/documents/:id/content", authn.AuthMiddleWare(), docHandler.UpdateContent)
	router.DELETE("/documents/:id", authn.AuthMiddleWare(), docHandler.DeleteDocument)

	// Permission routes
	router.GET("/documents/:id/permissions", authn.AuthMiddleWare(), docHandler.ListPermissions)
	router.POST("/documents/:id/permissions", authn.AuthMiddleWare(), docHandler.GrantPermission)
	router.DELETE("/documents/:id/permissions/:userId", authn.AuthMiddleWare(), docHandler.RevokePermission)

	// Version routes
	router.GET("/documents/:id/versions", authn.AuthMiddleWare(), docHandler.ListVersions)
	router.POST("/documents/:id/versions", authn.AuthMiddleWare(), docHandler.CreateVersion)

	// Comment routes
	router.GET("/documents/:id/comments", authn.AuthMiddleWare(), commentHandler.ListThreads)
	router.POST("/documents/:id/comments", authn.AuthMiddleWare(), commentHandler.CreateThread)
	router.POST("/comments/:threadId/replies", authn.AuthMiddleWare(), commentHandler.Reply)
	router.PATCH("/comments/:commentId", authn.AuthMiddleWare(), commentHandler.UpdateComment)
	router.PUT("/comments/:threadId/resolve", authn.AuthMiddleWare(), commentHandler.ResolveThread)
	router.POST("/comments/:threadId/accept", authn.AuthMiddleWare(), commentHandler.AcceptSuggestion)
	router.DELETE("/comments/:threadId", authn.AuthMiddleWare(), commentHandler.DeleteThread)

	// Realtime sync routes
	router.GET("/documents/:id/sync", authn.AuthMiddleWare(), syncHandler.Connect)
	router.GET("/documents/:id/sync/status", authn.AuthMiddleWare(), syncHandler.Status)

	// Server configuration
	serverPort := config.AppConfig.ServerPort
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", serverPort),
		Handler: router.Handler(),
	}

	// Start server
	go func() {
		log.Printf("Server listening on port %s", serverPort)
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// flush dirty documents before the listener dies
	hub.Shutdown(ctx)

	if err := server.Shutdown(ctx); err != nil {
		log.Println("Server shutdown error:", err)
	}

	log.Println("Server exited")
}
