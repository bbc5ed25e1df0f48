package handlers

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"swapmarket/internal/services"
	"swapmarket/internal/tasks"
	"swapmarket/internal/utils"
)

// RestRatingHandler handles REST requests for ratings and trust profiles.
type RestRatingHandler struct {
	ratingService services.IRatingService
	userService   services.IUserService
	taskClient    IAsynqClient
}

// NewRestRatingHandler creates a new RestRatingHandler.
func NewRestRatingHandler(ratingService services.IRatingService, userService services.IUserService, taskClient IAsynqClient) *RestRatingHandler {
	return &RestRatingHandler{
		ratingService: ratingService,
		userService:   userService,
		taskClient:    taskClient,
	}
}

// UpsertRatingRequest is the payload for POST /v1/user/:id/rating.
type UpsertRatingRequest struct {
	Score     int    `json:"score"`
	Comment   string `json:"comment,omitempty"`
	ContextID string `json:"context_id,omitempty"` // Optional swap/listing reference
}

// UpsertRating handles POST /v1/user/:id/rating
func (h *RestRatingHandler) UpsertRating(c *gin.Context) {
	raterID, ok := currentUserID(c)
	if !ok {
		return
	}
	ratedID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID format"})
		return
	}

	var req UpsertRatingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	var contextID *utils.SixID
	if req.ContextID != "" {
		ctxID, parseErr := utils.ParseSixID(req.ContextID)
		if parseErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid context_id format"})
			return
		}
		contextID = &ctxID
	}

	ctx := c.Request.Context()
	rating, err := h.ratingService.UpsertRating(ctx, raterID, ratedID, contextID, req.Score, req.Comment)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	h.notifyRated(c, ratedID, req.Score)

	c.JSON(http.StatusOK, rating)
}

// notifyRated enqueues a new-rating notification email. Failures are logged
// only; the rating itself has already been stored.
func (h *RestRatingHandler) notifyRated(c *gin.Context, ratedID utils.SixID, score int) {
	if h.taskClient == nil {
		return
	}
	ctx := c.Request.Context()
	rated, err := h.userService.FindByID(ctx, ratedID)
	if err != nil {
		log.Printf("WARN: cannot load user %s for rating notification: %v", ratedID.String(), err)
		return
	}
	task, err := tasks.NewEmailDeliveryTask(tasks.EmailTaskPayload{
		To:      rated.Email,
		Subject: "You received a new rating",
		Body:    fmt.Sprintf("Hi %s,\n\nA fellow swapper just rated you %d out of 5.\n", rated.Name, score),
		Notify:  tasks.NotifyNewRating,
		UserID:  rated.ID.String(),
	})
	if err != nil {
		return
	}
	if _, err := h.taskClient.EnqueueContext(ctx, task); err != nil {
		log.Printf("ERROR enqueuing rating notification for user %s: %v", ratedID.String(), err)
	}
}

// GetRatings handles GET /v1/user/:id/rating
func (h *RestRatingHandler) GetRatings(c *gin.Context) {
	userID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID format"})
		return
	}

	ratings, err := h.ratingService.RatingsFor(c.Request.Context(), userID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": ratings})
}

// GetTrustProfile handles GET /v1/user/:id/trust
func (h *RestRatingHandler) GetTrustProfile(c *gin.Context) {
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

	profile, err := h.ratingService.TrustProfileFor(ctx, user)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}
