package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"swapmarket/internal/geocode"
	"swapmarket/internal/models"
)

// RestLocationHandler handles location REST endpoints.
type RestLocationHandler struct {
	geocoder geocode.IGeocoder
}

// NewRestLocationHandler creates a new RestLocationHandler.
func NewRestLocationHandler(geocoder geocode.IGeocoder) *RestLocationHandler {
	return &RestLocationHandler{geocoder: geocoder}
}

// ReverseGeocode handles GET /v1/location/reverse?lat=&lng=
func (h *RestLocationHandler) ReverseGeocode(c *gin.Context) {
	lat, latErr := strconv.ParseFloat(c.Query("lat"), 64)
	lng, lngErr := strconv.ParseFloat(c.Query("lng"), 64)
	if latErr != nil || lngErr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Query parameters 'lat' and 'lng' required"})
		return
	}
	if !models.NewPoint(lat, lng).Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Coordinates out of range"})
		return
	}

	place, err := h.geocoder.ReverseGeocode(c.Request.Context(), lat, lng)
	if err != nil {
		// Geocoding is best-effort: an empty place, never a failed request.
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, place)
}
