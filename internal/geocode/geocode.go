// Package geocode resolves coordinates to human-readable place names.
// Reverse geocoding is an optional enhancement: when unconfigured or failing
// it degrades to an empty Place, never an error that blocks the caller.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"

	"swapmarket/internal/config"
	"swapmarket/internal/models"
)

// IGeocoder defines the reverse-geocoding collaborator.
type IGeocoder interface {
	ReverseGeocode(ctx context.Context, lat, lng float64) (models.Place, error)
}

// NoopGeocoder is the unconfigured default: always an empty Place.
type NoopGeocoder struct{}

func (NoopGeocoder) ReverseGeocode(context.Context, float64, float64) (models.Place, error) {
	return models.Place{}, nil
}

// httpGeocoder calls a Nominatim-compatible reverse endpoint.
type httpGeocoder struct {
	cfg        *config.Config
	httpClient *http.Client
}

// NewGeocoder selects the HTTP geocoder when an endpoint is configured and
// the no-op fallback otherwise.
func NewGeocoder(cfg *config.Config) IGeocoder {
	if cfg.GeocodeEndpoint == "" {
		return NoopGeocoder{}
	}
	return &httpGeocoder{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.GeocodeTimeout},
	}
}

// nominatimResponse is the subset of the reverse endpoint's payload we use.
type nominatimResponse struct {
	Address struct {
		City    string `json:"city"`
		Town    string `json:"town"`
		Village string `json:"village"`
		State   string `json:"state"`
		Country string `json:"country"`
	} `json:"address"`
}

func (g *httpGeocoder) ReverseGeocode(ctx context.Context, lat, lng float64) (models.Place, error) {
	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", fmt.Sprintf("%f", lat))
	q.Set("lon", fmt.Sprintf("%f", lng))

	req, err := http.NewRequestWithContext(ctx, "GET", g.cfg.GeocodeEndpoint+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return models.Place{}, fmt.Errorf("failed to create geocode request: %w", err)
	}
	req.Header.Set("User-Agent", g.cfg.AppName)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		log.Printf("Error calling geocoder: %v", err)
		return models.Place{}, fmt.Errorf("failed to contact geocoding service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Place{}, fmt.Errorf("failed to read geocode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Printf("Geocoder returned non-OK status: %d - Body: %s", resp.StatusCode, string(body))
		return models.Place{}, fmt.Errorf("geocoding service returned status %d", resp.StatusCode)
	}

	var nr nominatimResponse
	if err := json.Unmarshal(body, &nr); err != nil {
		return models.Place{}, fmt.Errorf("failed to parse geocode response: %w", err)
	}

	city := nr.Address.City
	if city == "" {
		city = nr.Address.Town
	}
	if city == "" {
		city = nr.Address.Village
	}
	return models.Place{City: city, State: nr.Address.State, Country: nr.Address.Country}, nil
}
