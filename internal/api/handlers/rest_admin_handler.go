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

// RestAdminHandler handles admin-only REST requests.
type RestAdminHandler struct {
	userService    services.IUserService
	listingService services.IListingService
	messageService services.IMessageService
	configService  services.IConfigService
	taskClient     IAsynqClient
}

// NewRestAdminHandler creates a new RestAdminHandler.
func NewRestAdminHandler(userService services.IUserService, listingService services.IListingService, messageService services.IMessageService, configService services.IConfigService, taskClient IAsynqClient) *RestAdminHandler {
	return &RestAdminHandler{
		userService:    userService,
		listingService: listingService,
		messageService: messageService,
		configService:  configService,
		taskClient:     taskClient,
	}
}

// GetStats handles GET /v1/admin/stats
func (h *RestAdminHandler) GetStats(c *gin.Context) {
	ctx := c.Request.Context()

	total, verified, suspended, err := h.userService.CountUsers(ctx)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	byStatus, err := h.listingService.CountByStatus(ctx)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	unread, err := h.messageService.UnreadTotal(ctx)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"users": gin.H{
			"total":     total,
			"verified":  verified,
			"suspended": suspended,
		},
		"listings": byStatus,
		"messages": gin.H{
			"unread": unread,
		},
	})
}

// ActivateListing handles POST /v1/admin/listing/:id/activate
func (h *RestAdminHandler) ActivateListing(c *gin.Context) {
	listingID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid listing ID format"})
		return
	}

	if err := h.listingService.ActivateListing(c.Request.Context(), listingID); err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "active"})
}

// TriggerExpirySweep handles POST /v1/admin/sweep-expired. It enqueues the
// flash-expiry sweep immediately instead of waiting for the scheduler.
func (h *RestAdminHandler) TriggerExpirySweep(c *gin.Context) {
	if h.taskClient == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Task queue not available"})
		return
	}

	info, err := h.taskClient.EnqueueContext(c.Request.Context(), tasks.NewFlashExpiryTask())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue expiry sweep"})
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": info.ID})
}

// SuspendUser handles POST /v1/admin/user/:id/suspend
func (h *RestAdminHandler) SuspendUser(c *gin.Context) {
	adminID, ok := currentUserID(c)
	if !ok {
		return
	}
	targetID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID format"})
		return
	}

	ctx := c.Request.Context()

	// Load the target before suspending so the notification has an address.
	target, findErr := h.userService.FindByID(ctx, targetID)

	if err := h.userService.SuspendUser(ctx, targetID, adminID); err != nil {
		abortWithServiceError(c, err)
		return
	}

	if h.taskClient != nil && findErr == nil {
		task, taskErr := tasks.NewEmailDeliveryTask(tasks.EmailTaskPayload{
			To:      target.Email,
			Subject: "Your account has been suspended",
			Body:    fmt.Sprintf("Hi %s,\n\nYour account has been suspended by a moderator. Reply to this email if you believe this is a mistake.\n", target.Name),
			Notify:  tasks.NotifyUserSuspension,
			UserID:  target.ID.String(),
		})
		if taskErr == nil {
			if _, enqueueErr := h.taskClient.EnqueueContext(ctx, task); enqueueErr != nil {
				log.Printf("ERROR enqueuing suspension notification for user %s: %v", targetID.String(), enqueueErr)
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{"suspended": true})
}

// UnsuspendUser handles POST /v1/admin/user/:id/unsuspend
func (h *RestAdminHandler) UnsuspendUser(c *gin.Context) {
	targetID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID format"})
		return
	}

	if err := h.userService.UnsuspendUser(c.Request.Context(), targetID); err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"suspended": false})
}

// SetConfigRequest is the payload for POST /v1/admin/config.
type SetConfigRequest struct {
	Key    string      `json:"key"`
	Value  interface{} `json:"value"`
	Public bool        `json:"public"`
}

// SetConfigValue handles POST /v1/admin/config
func (h *RestAdminHandler) SetConfigValue(c *gin.Context) {
	var req SetConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key and value required"})
		return
	}

	if err := h.configService.SetConfigValue(c.Request.Context(), req.Key, req.Value, req.Public); err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": req.Key})
}
