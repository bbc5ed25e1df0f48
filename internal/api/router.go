package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"swapmarket/internal/ai"
	"swapmarket/internal/api/handlers"
	"swapmarket/internal/api/middleware"
	"swapmarket/internal/cache"
	"swapmarket/internal/captcha"
	"swapmarket/internal/config"
	"swapmarket/internal/geocode"
	"swapmarket/internal/services"
	"swapmarket/internal/storage"
	"swapmarket/internal/tasks"
)

// SetupRouter configures and returns the main Gin engine.
func SetupRouter(cfg *config.Config, db *mongo.Database, rdb *redis.Client, taskClient handlers.IAsynqClient, configSvc services.IConfigService) *gin.Engine {
	// Initialize services needed by API handlers HERE.
	// ratingService feeds listingService (owner trust in search results);
	// userService and listingService reference each other, resolved via setter.
	trustCache := cache.NewTrustScoreCache(rdb, cfg.TrustScoreCacheTTL)
	ratingService := services.NewRatingService(db, trustCache)

	var queryParser ai.QueryParser
	var descGen ai.DescriptionGenerator
	if client := ai.NewClient(cfg); client != nil {
		queryParser = client
		descGen = client
	} else {
		queryParser = ai.NewHeuristicParser()
		descGen = ai.NullGenerator{}
	}
	listingService := services.NewListingService(db, cfg, ratingService, queryParser)

	userService := services.NewUserService(db, cfg, rdb)
	userService.SetListingService(listingService)

	messageService := services.NewMessageService(db, rdb)

	s3StorageService, err := storage.NewS3Storage(cfg)
	if err != nil {
		log.Fatalf("CRITICAL: Failed to initialize S3 storage for API: %v", err)
	}

	geocoder := geocode.NewGeocoder(cfg)
	captchaVerifier := captcha.NewTurnstileVerifier(cfg)

	r := gin.Default()

	// Initialize Middleware
	rateLimiter := middleware.NewRateLimiterMiddleware(cfg, configSvc)

	// Apply global middleware first (order matters)
	r.Use(middleware.CORSMiddleware())
	r.Use(middleware.CaptchaMiddleware(cfg, captchaVerifier))
	r.Use(rateLimiter.Limit())

	// Initialize handlers
	restUserHandler := handlers.NewRestUserHandler(cfg, userService, ratingService, listingService, taskClient)
	restListingHandler := handlers.NewRestListingHandler(listingService, s3StorageService, descGen, taskClient)
	restRatingHandler := handlers.NewRestRatingHandler(ratingService, userService, taskClient)
	restMessageHandler := handlers.NewRestMessageHandler(messageService, userService, taskClient)
	restAdminHandler := handlers.NewRestAdminHandler(userService, listingService, messageService, configSvc, taskClient)
	restLocationHandler := handlers.NewRestLocationHandler(geocoder)
	restConfigHandler := handlers.NewRestConfigHandler(configSvc)

	v1 := r.Group("/v1")
	{
		// Public routes (rate limiting already applied globally)
		v1.GET("/config", restConfigHandler.GetPublicConfig)
		v1.POST("/user", restUserHandler.Signup)
		v1.POST("/user/:id/verify", restUserHandler.VerifyEmail)
		v1.POST("/login", restUserHandler.Login)
		v1.GET("/user/:id", restUserHandler.GetUserByID)
		v1.GET("/user/:id/listing", restListingHandler.GetUserListings)
		v1.GET("/user/:id/rating", restRatingHandler.GetRatings)
		v1.GET("/user/:id/trust", restRatingHandler.GetTrustProfile)
		v1.GET("/listing/search", restListingHandler.SearchListings)
		v1.GET("/listing/:id", restListingHandler.GetListingByID)
		v1.GET("/location/reverse", restLocationHandler.ReverseGeocode)

		v1.GET("/ping", func(c *gin.Context) {
			c.String(http.StatusOK, "pong")
		})

		// Authenticated routes
		authRequired := v1.Group("/")
		authRequired.Use(middleware.AuthMiddleware(cfg.JwtSecret))
		{
			authRequired.GET("/profile", restUserHandler.GetProfile)
			authRequired.PUT("/profile", restUserHandler.UpdateProfile)
			authRequired.POST("/profile/deactivate", restUserHandler.DeactivateAccount)

			authRequired.POST("/listing", restListingHandler.CreateListing)
			authRequired.POST("/listing/assist-description", restListingHandler.AssistDescription)
			authRequired.PUT("/listing/:id", restListingHandler.UpdateListing)
			authRequired.POST("/listing/:id/complete", restListingHandler.CompleteListing)
			authRequired.POST("/listing/:id/cancel", restListingHandler.CancelListing)
			authRequired.DELETE("/listing/:id", restListingHandler.DeleteListing)
			authRequired.POST("/listing/:id/image/upload-url", restListingHandler.GetUploadURL)
			authRequired.POST("/listing/:id/image/confirm", restListingHandler.ConfirmImageUpload)

			authRequired.POST("/user/:id/rating", restRatingHandler.UpsertRating)

			authRequired.POST("/message", restMessageHandler.SendMessage)
			authRequired.GET("/message/stream", restMessageHandler.StreamMessages)
			authRequired.GET("/message/unread", restMessageHandler.GetUnreadCount)
			authRequired.GET("/message/thread/:id", restMessageHandler.GetThread)
			authRequired.POST("/message/thread/:id/read", restMessageHandler.MarkThreadRead)
		}

		// Admin routes
		adminRequired := v1.Group("/admin")
		adminRequired.Use(middleware.AuthMiddleware(cfg.JwtSecret), middleware.AdminMiddleware())
		{
			adminRequired.GET("/stats", restAdminHandler.GetStats)
			adminRequired.POST("/user/:id/suspend", restAdminHandler.SuspendUser)
			adminRequired.POST("/user/:id/unsuspend", restAdminHandler.UnsuspendUser)
			adminRequired.POST("/listing/:id/activate", restAdminHandler.ActivateListing)
			adminRequired.POST("/sweep-expired", restAdminHandler.TriggerExpirySweep)
			adminRequired.POST("/config", restAdminHandler.SetConfigValue)
		}
	}

	return r
}

// SetupServiceRouter configures and returns the service Gin engine.
// This is an internal control surface, never exposed publicly. It lets the
// test harness shut the process down, fetch mock emails stored by the Redis
// sender, and force a flash-window sweep without waiting for the scheduler.
func SetupServiceRouter(cfg *config.Config, rdb *redis.Client, taskClient handlers.IAsynqClient, shutdownChan chan<- struct{}) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	r.POST("/api", func(c *gin.Context) {
		var req struct {
			Method    string          `json:"method"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request format"})
			return
		}

		switch req.Method {
		case "shutdown":
			fmt.Println("Received shutdown command via Service API")
			c.JSON(http.StatusOK, gin.H{"success": true, "result": "Shutdown initiated"})
			select {
			case shutdownChan <- struct{}{}:
				fmt.Println("Shutdown signal sent successfully.")
			default:
				fmt.Println("Shutdown channel already signaled or blocked.")
			}

		case "sweepFlash":
			if taskClient == nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "Task queue not available"})
				return
			}
			info, err := taskClient.EnqueueContext(c.Request.Context(), tasks.NewFlashExpiryTask())
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to enqueue sweep"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"success": true, "result": info.ID})

		case "getTestEmail":
			var args []string // ["action_type", "email"]
			if err := json.Unmarshal(req.Arguments, &args); err != nil || len(args) != 2 {
				c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid arguments: expected JSON array [actionType, email]"})
				return
			}
			actionType := args[0]
			emailAddr := args[1]
			redisKey := fmt.Sprintf("mockemail:%s:%s", emailAddr, actionType)

			// Poll Redis briefly; the email may still be in the worker queue.
			var emailJsonData string
			var getErr error
			found := false
			ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
			defer cancel()
			for i := 0; i < 10; i++ {
				emailJsonData, getErr = rdb.Get(ctx, redisKey).Result()
				if getErr == nil {
					found = true
					rdb.Del(ctx, redisKey)
					break
				}
				if getErr != redis.Nil {
					log.Printf("Service API: Error getting key %s from Redis: %v", redisKey, getErr)
					c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Redis error"})
					return
				}
				time.Sleep(200 * time.Millisecond)
			}

			if !found {
				c.JSON(http.StatusNotFound, gin.H{"success": false, "error": fmt.Sprintf("Test email not found in Redis for key %s", redisKey)})
				return
			}

			var emailData map[string]interface{}
			if err := json.Unmarshal([]byte(emailJsonData), &emailData); err != nil {
				log.Printf("Service API: Error unmarshalling email data from key %s: %v", redisKey, err)
				c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to parse stored email data"})
				return
			}

			c.JSON(http.StatusOK, gin.H{"success": true, "data": emailData})

		default:
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": fmt.Sprintf("Unknown service method: %s", req.Method)})
		}
	})
	return r
}
