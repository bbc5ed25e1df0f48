package handlers

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"swapmarket/internal/auth"
	"swapmarket/internal/config"
	"swapmarket/internal/services"
	"swapmarket/internal/tasks"
	"swapmarket/internal/utils"
)

// RestUserHandler handles REST requests related to users and authentication.
type RestUserHandler struct {
	cfg            *config.Config
	userService    services.IUserService
	ratingService  services.IRatingService
	listingService services.IListingService
	taskClient     IAsynqClient
}

// NewRestUserHandler creates a new RestUserHandler. taskClient may be nil,
// in which case verification emails are skipped (useful in tests).
func NewRestUserHandler(cfg *config.Config, userService services.IUserService, ratingService services.IRatingService, listingService services.IListingService, taskClient IAsynqClient) *RestUserHandler {
	return &RestUserHandler{
		cfg:            cfg,
		userService:    userService,
		ratingService:  ratingService,
		listingService: listingService,
		taskClient:     taskClient,
	}
}

// SignupRequest is the payload for POST /v1/user.
type SignupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse is returned on successful login.
type AuthResponse struct {
	Token string `json:"token"`
	Email string `json:"email"`
	ID    string `json:"id"`
}

// PublicUser is the public view of a profile. Email, phone and notification
// preferences never leave the owner's own profile endpoint.
type PublicUser struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Bio          string                 `json:"bio,omitempty"`
	City         string                 `json:"city,omitempty"`
	Region       string                 `json:"region,omitempty"`
	DateJoined   string                 `json:"date_joined"`
	TotalSwaps   int                    `json:"total_swaps"`
	ListingCount int                    `json:"listing_count"`
	Trust        *services.TrustProfile `json:"trust,omitempty"`
}

// Signup handles POST /v1/user
func (h *RestUserHandler) Signup(c *gin.Context) {
	var req SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	ctx := c.Request.Context()
	user, code, err := h.userService.Signup(ctx, req.Name, req.Email, req.Password)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	if h.taskClient != nil && code != "" {
		body := fmt.Sprintf("Welcome to %s!\n\nYour verification code is: %s\n", h.cfg.AppName, code)
		task, taskErr := tasks.NewEmailDeliveryTask(tasks.EmailTaskPayload{
			To:      user.Email,
			Subject: "Verify your email address",
			Body:    body,
			UserID:  user.ID.String(),
		})
		if taskErr == nil {
			if _, enqueueErr := h.taskClient.EnqueueContext(ctx, task); enqueueErr != nil {
				log.Printf("ERROR enqueuing verification email for user %s: %v", user.ID.String(), enqueueErr)
			}
		}
	}

	c.JSON(http.StatusCreated, user)
}

// VerifyEmailRequest is the payload for POST /v1/user/:id/verify.
type VerifyEmailRequest struct {
	Code string `json:"code"`
}

// VerifyEmail handles POST /v1/user/:id/verify
func (h *RestUserHandler) VerifyEmail(c *gin.Context) {
	userID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID format"})
		return
	}

	var req VerifyEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Verification code required"})
		return
	}

	if err := h.userService.VerifyEmail(c.Request.Context(), userID, req.Code); err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": true})
}

// LoginRequest is the payload for POST /v1/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login handles POST /v1/login
func (h *RestUserHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	user, err := h.userService.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	token, err := auth.GenerateJWT(user.ID, user.IsAdmin, user.Verified, h.cfg.JwtSecret, h.cfg.JwtTTL)
	if err != nil {
		log.Printf("Failed to generate JWT for user %s: %v", user.ID.String(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate session token"})
		return
	}

	c.JSON(http.StatusOK, AuthResponse{
		Token: token,
		Email: user.Email,
		ID:    user.ID.String(),
	})
}

// GetProfile handles GET /v1/profile (authenticated, own profile)
func (h *RestUserHandler) GetProfile(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	user, err := h.userService.FindByID(c.Request.Context(), userID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// UpdateProfile handles PUT /v1/profile
func (h *RestUserHandler) UpdateProfile(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var updates map[string]interface{}
	if err := c.ShouldBindJSON(&updates); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No updates provided"})
		return
	}

	user, err := h.userService.UpdateProfile(c.Request.Context(), userID, updates)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// DeactivateAccount handles POST /v1/profile/deactivate
func (h *RestUserHandler) DeactivateAccount(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	if err := h.userService.DeactivateAccount(c.Request.Context(), userID); err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deactivated": true})
}

// GetUserByID handles GET /v1/user/:id (public profile)
func (h *RestUserHandler) GetUserByID(c *gin.Context) {
	userID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID format"})
		return
	}

	ctx := c.Request.Context()
	user, err := h.userService.FindByID(ctx, userID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	if !user.Visible() {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}

	trust, err := h.ratingService.TrustProfileFor(ctx, user)
	if err != nil {
		// Trust block is an enhancement; the profile is still served.
		log.Printf("WARN: failed to compute trust profile for user %s: %v", user.ID.String(), err)
		trust = nil
	}

	listingCount := 0
	if listings, listErr := h.listingService.FindListingsByUserID(ctx, userID, false); listErr == nil {
		listingCount = len(listings)
	} else {
		log.Printf("WARN: failed to count listings for user %s: %v", user.ID.String(), listErr)
	}

	c.JSON(http.StatusOK, PublicUser{
		ID:           user.ID.String(),
		Name:         user.Name,
		Bio:          user.Bio,
		City:         user.City,
		Region:       user.Region,
		DateJoined:   user.CreatedAt.Format("2006-01-02"),
		TotalSwaps:   user.TotalSwaps,
		ListingCount: listingCount,
		Trust:        trust,
	})
}
