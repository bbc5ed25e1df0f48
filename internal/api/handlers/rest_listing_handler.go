package handlers

import (
	"context"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"swapmarket/internal/ai"
	"swapmarket/internal/api/middleware"
	"swapmarket/internal/discovery"
	"swapmarket/internal/models"
	"swapmarket/internal/services"
	"swapmarket/internal/storage"
	"swapmarket/internal/tasks"
	"swapmarket/internal/utils"
)

// RestListingHandler handles REST requests for listings.
type RestListingHandler struct {
	listingService services.IListingService
	storageService storage.IS3Storage
	descGen        ai.DescriptionGenerator
	taskClient     IAsynqClient
}

// NewRestListingHandler creates a new RestListingHandler.
func NewRestListingHandler(listingService services.IListingService, storageService storage.IS3Storage, descGen ai.DescriptionGenerator, taskClient IAsynqClient) *RestListingHandler {
	return &RestListingHandler{
		listingService: listingService,
		storageService: storageService,
		descGen:        descGen,
		taskClient:     taskClient,
	}
}

// CreateListingRequest is the payload for POST /v1/listing.
type CreateListingRequest struct {
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Category       models.Category `json:"category"`
	Subcategory    string          `json:"subcategory,omitempty"`
	EstimatedValue float64         `json:"estimated_value"`
	Condition      string          `json:"condition"`
	Location       string          `json:"location,omitempty"`
	Coordinates    *models.GeoJSON `json:"coordinates,omitempty"`
	WantedItems    []string        `json:"wanted_items,omitempty"`
	IsFlashSwap    bool            `json:"is_flash_swap"`
	DurationHours  int             `json:"duration_hours,omitempty"`
	AITags         []string        `json:"ai_tags,omitempty"`
}

// CreateListing handles POST /v1/listing
func (h *RestListingHandler) CreateListing(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req CreateListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	listing, err := h.listingService.CreateListing(c.Request.Context(), userID, services.CreateListingInput{
		Title:          req.Title,
		Description:    req.Description,
		Category:       req.Category,
		Subcategory:    req.Subcategory,
		EstimatedValue: req.EstimatedValue,
		Condition:      req.Condition,
		Location:       req.Location,
		Coordinates:    req.Coordinates,
		WantedItems:    req.WantedItems,
		IsFlashSwap:    req.IsFlashSwap,
		DurationHours:  req.DurationHours,
		AITags:         req.AITags,
	})
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, listing)
}

// AssistDescriptionRequest is the payload for POST /v1/listing/assist-description.
type AssistDescriptionRequest struct {
	Title    string          `json:"title"`
	Category models.Category `json:"category"`
}

// AssistDescription handles POST /v1/listing/assist-description. The drafted
// text is a suggestion for the listing form; nothing is persisted.
func (h *RestListingHandler) AssistDescription(c *gin.Context) {
	if _, ok := currentUserID(c); !ok {
		return
	}

	var req AssistDescriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title required"})
		return
	}
	if req.Category != "" && !models.ValidCategory(req.Category) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid category"})
		return
	}

	description, err := h.descGen.GenerateDescription(c.Request.Context(), req.Title, req.Category)
	if err != nil {
		log.Printf("Description generation failed for title %q: %v", req.Title, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Description assistance unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"description": description})
}

// GetListingByID handles GET /v1/listing/:id
func (h *RestListingHandler) GetListingByID(c *gin.Context) {
	listingID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid listing ID format"})
		return
	}

	listing, err := h.listingService.FindListingByID(c.Request.Context(), listingID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

// UpdateListing handles PUT /v1/listing/:id
func (h *RestListingHandler) UpdateListing(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	listingID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid listing ID format"})
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

	listing, err := h.listingService.UpdateListing(c.Request.Context(), listingID, userID, updates)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

// CompleteListing handles POST /v1/listing/:id/complete
func (h *RestListingHandler) CompleteListing(c *gin.Context) {
	h.transition(c, h.listingService.MarkCompleted, "completed")
}

// CancelListing handles POST /v1/listing/:id/cancel
func (h *RestListingHandler) CancelListing(c *gin.Context) {
	h.transition(c, h.listingService.MarkCancelled, "cancelled")
}

func (h *RestListingHandler) transition(c *gin.Context, op func(ctx context.Context, listingID, actorID utils.SixID) error, status string) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	listingID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid listing ID format"})
		return
	}

	if err := op(c.Request.Context(), listingID, userID); err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

// DeleteListing handles DELETE /v1/listing/:id
func (h *RestListingHandler) DeleteListing(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	listingID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid listing ID format"})
		return
	}

	if err := h.listingService.DeleteListing(c.Request.Context(), listingID, userID); err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// SearchListings handles GET /v1/listing/search
func (h *RestListingHandler) SearchListings(c *gin.Context) {
	q := services.SearchQuery{
		Search:   c.Query("q"),
		Category: models.Category(c.Query("category")),
		Sort:     discovery.SortKey(c.Query("sort")),
	}

	if v := c.Query("min_price"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			q.MinPrice = &f
		}
	}
	if v := c.Query("max_price"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			q.MaxPrice = &f
		}
	}

	latStr, lngStr := c.Query("lat"), c.Query("lng")
	if latStr != "" && lngStr != "" {
		lat, latErr := strconv.ParseFloat(latStr, 64)
		lng, lngErr := strconv.ParseFloat(lngStr, 64)
		if latErr == nil && lngErr == nil {
			q.UserLocation = &models.GeoJSON{Type: "Point", Coordinates: []float64{lng, lat}}
			if distStr := c.Query("dist_km"); distStr != "" {
				if dist, distErr := strconv.ParseFloat(distStr, 64); distErr == nil && dist > 0 {
					q.NearbyOnly = true
					q.MaxDistanceKm = dist
				}
			}
		}
	}

	q.FlashOnly = c.Query("flash") == "true"

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 200 {
		limit = 50
	}
	q.Limit = limit

	listings, err := h.listingService.SearchListings(c.Request.Context(), q)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": listings})
}

// GetUserListings handles GET /v1/user/:id/listing. Terminal listings are
// only included for the owner or an admin.
func (h *RestListingHandler) GetUserListings(c *gin.Context) {
	userID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID format"})
		return
	}

	includeTerminal := false
	if c.Query("include_terminal") == "true" {
		callerHex := c.GetString(middleware.ContextKeyUserID)
		isAdmin := c.GetBool(middleware.ContextKeyIsAdmin)
		if isAdmin || callerHex == userID.String() {
			includeTerminal = true
		}
	}

	listings, err := h.listingService.FindListingsByUserID(c.Request.Context(), userID, includeTerminal)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": listings})
}

// UploadURLRequest is the payload for POST /v1/listing/:id/image/upload-url.
type UploadURLRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

// GetUploadURL handles POST /v1/listing/:id/image/upload-url
func (h *RestListingHandler) GetUploadURL(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	listingID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid listing ID format"})
		return
	}

	var req UploadURLRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Filename == "" || req.ContentType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "filename and content_type required"})
		return
	}

	ctx := c.Request.Context()
	listing, err := h.listingService.FindListingByID(ctx, listingID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	if listing.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Listing not owned by caller"})
		return
	}

	presignedURL, objectKey, err := h.storageService.GeneratePresignedPutURL(ctx, userID.String(), listingID.String(), req.Filename, req.ContentType)
	if err != nil {
		log.Printf("Error generating presigned URL for user %s, listing %s: %v", userID.String(), listingID.String(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate upload URL"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"upload_url": presignedURL,
		"object_key": objectKey,
	})
}

// ConfirmImageUploadRequest is the payload for POST /v1/listing/:id/image/confirm.
type ConfirmImageUploadRequest struct {
	ObjectKey string `json:"object_key"`
}

// ConfirmImageUpload handles POST /v1/listing/:id/image/confirm
func (h *RestListingHandler) ConfirmImageUpload(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	listingID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid listing ID format"})
		return
	}

	var req ConfirmImageUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ObjectKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "object_key required"})
		return
	}

	ctx := c.Request.Context()
	listing, err := h.listingService.FindListingByID(ctx, listingID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	if listing.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Listing not owned by caller"})
		return
	}

	task, err := tasks.NewImageProcessTask(tasks.ImageTaskPayload{
		S3Key:     req.ObjectKey,
		ListingID: listingID.String(),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to schedule image processing"})
		return
	}
	taskInfo, err := h.taskClient.EnqueueContext(ctx, task)
	if err != nil {
		log.Printf("ERROR enqueuing image processing task for key %s, listing %s: %v", req.ObjectKey, listingID.String(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to schedule image processing"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Image upload confirmed, processing scheduled.",
		"task_id": taskInfo.ID,
	})
}
