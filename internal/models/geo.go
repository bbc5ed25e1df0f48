package models

import "strings"

// GeoJSON represents a GeoJSON Point for MongoDB 2dsphere indexing.
type GeoJSON struct {
	Type        string    `bson:"type" json:"type"`               // Always "Point"
	Coordinates []float64 `bson:"coordinates" json:"coordinates"` // [longitude, latitude]
}

// NewPoint builds a GeoJSON point from latitude/longitude.
func NewPoint(lat, lng float64) *GeoJSON {
	return &GeoJSON{Type: "Point", Coordinates: []float64{lng, lat}}
}

// Lat returns the latitude component, or 0 if the point is malformed.
func (g *GeoJSON) Lat() float64 {
	if g == nil || len(g.Coordinates) != 2 {
		return 0
	}
	return g.Coordinates[1]
}

// Lng returns the longitude component, or 0 if the point is malformed.
func (g *GeoJSON) Lng() float64 {
	if g == nil || len(g.Coordinates) != 2 {
		return 0
	}
	return g.Coordinates[0]
}

// Valid reports whether the point carries usable coordinates.
func (g *GeoJSON) Valid() bool {
	if g == nil || len(g.Coordinates) != 2 {
		return false
	}
	lat, lng := g.Coordinates[1], g.Coordinates[0]
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// Place is a resolved human-readable location from reverse geocoding.
type Place struct {
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Country string `json:"country,omitempty"`
}

// Label joins the non-empty place components into a display string.
func (p Place) Label() string {
	parts := make([]string, 0, 3)
	for _, s := range []string{p.City, p.State, p.Country} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}
