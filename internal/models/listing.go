package models

import (
	"time"

	"swapmarket/internal/utils"
)

// ListingStatus is the stored lifecycle state of a listing.
type ListingStatus string

const (
	StatusActive    ListingStatus = "active"
	StatusPending   ListingStatus = "pending" // Awaiting moderation / owner verification
	StatusCompleted ListingStatus = "completed"
	StatusCancelled ListingStatus = "cancelled"
	StatusExpired   ListingStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s ListingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

// Category is the top-level listing taxonomy.
type Category string

const (
	CategoryDigital  Category = "digital"
	CategoryPhysical Category = "physical"
	CategoryServices Category = "services"
	CategoryCrypto   Category = "crypto"
)

// Categories lists every valid category in display order.
var Categories = []Category{CategoryDigital, CategoryPhysical, CategoryServices, CategoryCrypto}

// ValidCategory reports whether c names a known category.
func ValidCategory(c Category) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// FlashDurations enumerates the allowed flash-swap visibility windows.
var FlashDurations = []time.Duration{24 * time.Hour, 48 * time.Hour}

// Listing represents a swap listing.
type Listing struct {
	ID             utils.SixID   `bson:"_id,omitempty" json:"id,omitempty"`
	UserID         utils.SixID   `bson:"user_id" json:"user_id"`
	Title          string        `bson:"title" json:"title"`
	Description    string        `bson:"description" json:"description"`
	Category       Category      `bson:"category" json:"category"`
	Subcategory    string        `bson:"subcategory,omitempty" json:"subcategory,omitempty"`
	Images         []string      `bson:"images" json:"images"` // S3 keys, display order
	EstimatedValue float64       `bson:"estimated_value" json:"estimated_value"`
	Condition      string        `bson:"condition,omitempty" json:"condition,omitempty"` // Physical goods only
	Location       string        `bson:"location,omitempty" json:"location,omitempty"`  // Free-text label
	Coordinates    *GeoJSON      `bson:"coordinates,omitempty" json:"coordinates,omitempty"`
	WantedItems    []string      `bson:"wanted_items" json:"wanted_items"`
	Status         ListingStatus `bson:"status" json:"status"`
	IsFlashSwap    bool          `bson:"is_flash_swap" json:"is_flash_swap"`
	ExpiresAt      *time.Time    `bson:"expires_at,omitempty" json:"expires_at,omitempty"`
	AITags         []string      `bson:"ai_tags,omitempty" json:"ai_tags,omitempty"` // Advisory only
	Deleted        bool          `bson:"deleted" json:"-"`
	CreatedAt      time.Time     `bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `bson:"updated_at" json:"updated_at"`
}

// IsEffectivelyExpired reports whether a flash listing's window has elapsed.
// Expiry is time-triggered, not push-driven: every read and filter path must
// apply this predicate in addition to the stored status, because a listing can
// be past its window before any write has reconciled it.
func (l *Listing) IsEffectivelyExpired(now time.Time) bool {
	return l.IsFlashSwap && l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// EffectiveStatus is the stored status overlaid with derived flash expiry.
func (l *Listing) EffectiveStatus(now time.Time) ListingStatus {
	if l.Status == StatusActive && l.IsEffectivelyExpired(now) {
		return StatusExpired
	}
	return l.Status
}
