package handlers_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"swapmarket/internal/ai"
	"swapmarket/internal/api/handlers"
	"swapmarket/internal/discovery"
	"swapmarket/internal/models"
	"swapmarket/internal/services"
	"swapmarket/internal/utils"
)

func newTestListing(userID utils.SixID, title string) *models.Listing {
	return &models.Listing{
		ID:             utils.NewSixID(),
		UserID:         userID,
		Title:          title,
		Category:       models.CategoryPhysical,
		EstimatedValue: 50,
		Status:         models.StatusActive,
	}
}

func TestRestListingHandler_CreateListing(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockListingSvc := new(MockListingService)
	handler := handlers.NewRestListingHandler(mockListingSvc, new(MockS3Storage), ai.NullGenerator{}, nil)

	userID := utils.NewSixID()
	r := gin.New()
	r.Use(asAuthenticated(userID, false))
	r.POST("/v1/listing", handler.CreateListing)

	listing := newTestListing(userID, "Mountain bike")
	mockListingSvc.On("CreateListing", mock.Anything, userID, mock.MatchedBy(func(in services.CreateListingInput) bool {
		return in.Title == "Mountain bike" && in.Category == models.CategoryPhysical && in.EstimatedValue == 50
	})).Return(listing, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, jsonRequest("POST", "/v1/listing", handlers.CreateListingRequest{
		Title:          "Mountain bike",
		Description:    "Hardtail, barely used",
		Category:       models.CategoryPhysical,
		EstimatedValue: 50,
		Condition:      "used",
	}))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), "Mountain bike")
	mockListingSvc.AssertExpectations(t)
}

func TestRestListingHandler_CreateListing_ValidationError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockListingSvc := new(MockListingService)
	handler := handlers.NewRestListingHandler(mockListingSvc, new(MockS3Storage), ai.NullGenerator{}, nil)

	userID := utils.NewSixID()
	r := gin.New()
	r.Use(asAuthenticated(userID, false))
	r.POST("/v1/listing", handler.CreateListing)

	mockListingSvc.On("CreateListing", mock.Anything, userID, mock.Anything).
		Return(nil, fmt.Errorf("%w: title is required", services.ErrValidation))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, jsonRequest("POST", "/v1/listing", handlers.CreateListingRequest{Category: models.CategoryPhysical}))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	mockListingSvc.AssertExpectations(t)
}

func TestRestListingHandler_GetListingByID_NotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockListingSvc := new(MockListingService)
	handler := handlers.NewRestListingHandler(mockListingSvc, new(MockS3Storage), ai.NullGenerator{}, nil)
	r := gin.New()
	r.GET("/v1/listing/:id", handler.GetListingByID)

	listingID := utils.NewSixID()
	mockListingSvc.On("FindListingByID", mock.Anything, listingID).
		Return(nil, fmt.Errorf("%w: listing %s", services.ErrNotFound, listingID.String()))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/listing/"+listingID.String(), nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	mockListingSvc.AssertExpectations(t)
}

func TestRestListingHandler_GetListingByID_BadID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := handlers.NewRestListingHandler(new(MockListingService), new(MockS3Storage), ai.NullGenerator{}, nil)
	r := gin.New()
	r.GET("/v1/listing/:id", handler.GetListingByID)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/listing/not-a-sixid!", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRestListingHandler_SearchListings_QueryMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockListingSvc := new(MockListingService)
	handler := handlers.NewRestListingHandler(mockListingSvc, new(MockS3Storage), ai.NullGenerator{}, nil)
	r := gin.New()
	r.GET("/v1/listing/search", handler.SearchListings)

	mockListingSvc.On("SearchListings", mock.Anything, mock.MatchedBy(func(q services.SearchQuery) bool {
		return q.Search == "bike" &&
			q.Category == models.CategoryPhysical &&
			q.MinPrice != nil && *q.MinPrice == 10 &&
			q.NearbyOnly && q.MaxDistanceKm == 25 &&
			q.UserLocation != nil && q.UserLocation.Lat() == -36.85 &&
			q.FlashOnly &&
			q.Sort == discovery.SortPriceLow &&
			q.Limit == 10
	})).Return([]models.Listing{}, nil)

	w := httptest.NewRecorder()
	url := "/v1/listing/search?q=bike&category=physical&min_price=10&lat=-36.85&lng=174.76&dist_km=25&flash=true&sort=price-low&limit=10"
	req, _ := http.NewRequest("GET", url, nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	mockListingSvc.AssertExpectations(t)
}

func TestRestListingHandler_SearchListings_BadSort(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockListingSvc := new(MockListingService)
	handler := handlers.NewRestListingHandler(mockListingSvc, new(MockS3Storage), ai.NullGenerator{}, nil)
	r := gin.New()
	r.GET("/v1/listing/search", handler.SearchListings)

	mockListingSvc.On("SearchListings", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: unknown sort key", services.ErrValidation))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/listing/search?sort=bogus", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	mockListingSvc.AssertExpectations(t)
}

func TestRestListingHandler_CompleteListing_Conflict(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockListingSvc := new(MockListingService)
	handler := handlers.NewRestListingHandler(mockListingSvc, new(MockS3Storage), ai.NullGenerator{}, nil)

	userID := utils.NewSixID()
	listingID := utils.NewSixID()
	r := gin.New()
	r.Use(asAuthenticated(userID, false))
	r.POST("/v1/listing/:id/complete", handler.CompleteListing)

	mockListingSvc.On("MarkCompleted", mock.Anything, listingID, userID).
		Return(fmt.Errorf("%w: listing already cancelled", services.ErrConflict))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/listing/"+listingID.String()+"/complete", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	mockListingSvc.AssertExpectations(t)
}

func TestRestListingHandler_CancelListing(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockListingSvc := new(MockListingService)
	handler := handlers.NewRestListingHandler(mockListingSvc, new(MockS3Storage), ai.NullGenerator{}, nil)

	userID := utils.NewSixID()
	listingID := utils.NewSixID()
	r := gin.New()
	r.Use(asAuthenticated(userID, false))
	r.POST("/v1/listing/:id/cancel", handler.CancelListing)

	mockListingSvc.On("MarkCancelled", mock.Anything, listingID, userID).Return(nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/listing/"+listingID.String()+"/cancel", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cancelled")
	mockListingSvc.AssertExpectations(t)
}

func TestRestListingHandler_GetUploadURL_OwnershipEnforced(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockListingSvc := new(MockListingService)
	mockStorage := new(MockS3Storage)
	handler := handlers.NewRestListingHandler(mockListingSvc, mockStorage, ai.NullGenerator{}, nil)

	ownerID := utils.NewSixID()
	strangerID := utils.NewSixID()
	listing := newTestListing(ownerID, "Camera")
	r := gin.New()
	r.Use(asAuthenticated(strangerID, false))
	r.POST("/v1/listing/:id/image/upload-url", handler.GetUploadURL)

	mockListingSvc.On("FindListingByID", mock.Anything, listing.ID).Return(listing, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, jsonRequest("POST", "/v1/listing/"+listing.ID.String()+"/image/upload-url", handlers.UploadURLRequest{
		Filename: "front.jpg", ContentType: "image/jpeg",
	}))

	assert.Equal(t, http.StatusForbidden, w.Code)
	mockStorage.AssertNotCalled(t, "GeneratePresignedPutURL")
	mockListingSvc.AssertExpectations(t)
}

func TestRestListingHandler_ConfirmImageUpload(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockListingSvc := new(MockListingService)
	mockTaskClient := new(MockAsynqClient)
	handler := handlers.NewRestListingHandler(mockListingSvc, new(MockS3Storage), ai.NullGenerator{}, mockTaskClient)

	ownerID := utils.NewSixID()
	listing := newTestListing(ownerID, "Camera")
	r := gin.New()
	r.Use(asAuthenticated(ownerID, false))
	r.POST("/v1/listing/:id/image/confirm", handler.ConfirmImageUpload)

	mockListingSvc.On("FindListingByID", mock.Anything, listing.ID).Return(listing, nil)
	mockTaskClient.On("EnqueueContext", mock.Anything, mock.MatchedBy(func(task *asynq.Task) bool {
		var payload map[string]string
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return false
		}
		return payload["s3_key"] == "images/raw/key-1.jpg" && payload["listing_id"] == listing.ID.String()
	}), mock.Anything).Return(&asynq.TaskInfo{ID: "task-42"}, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, jsonRequest("POST", "/v1/listing/"+listing.ID.String()+"/image/confirm", handlers.ConfirmImageUploadRequest{
		ObjectKey: "images/raw/key-1.jpg",
	}))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "task-42")
	mockListingSvc.AssertExpectations(t)
	mockTaskClient.AssertExpectations(t)
}

func TestRestListingHandler_AssistDescription(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := handlers.NewRestListingHandler(new(MockListingService), new(MockS3Storage), ai.NullGenerator{}, nil)

	userID := utils.NewSixID()
	r := gin.New()
	r.Use(asAuthenticated(userID, false))
	r.POST("/v1/listing/assist-description", handler.AssistDescription)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, jsonRequest("POST", "/v1/listing/assist-description", handlers.AssistDescriptionRequest{
		Title: "Vintage film camera", Category: models.CategoryPhysical,
	}))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp["description"], "Vintage film camera")
	assert.Contains(t, resp["description"], "physical")
}

func TestRestListingHandler_AssistDescription_TitleRequired(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := handlers.NewRestListingHandler(new(MockListingService), new(MockS3Storage), ai.NullGenerator{}, nil)

	userID := utils.NewSixID()
	r := gin.New()
	r.Use(asAuthenticated(userID, false))
	r.POST("/v1/listing/assist-description", handler.AssistDescription)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, jsonRequest("POST", "/v1/listing/assist-description", handlers.AssistDescriptionRequest{
		Category: models.CategoryPhysical,
	}))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
