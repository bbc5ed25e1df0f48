package models

import (
	"time"
)

// NotificationPreferences allows users to control email notifications.
type NotificationPreferences struct {
	NewMessage     bool `bson:"new_message" json:"new_message"`
	NewRating      bool `bson:"new_rating" json:"new_rating"`
	ListingExpiry  bool `bson:"listing_expiry" json:"listing_expiry"`
	UserSuspension bool `bson:"user_suspension" json:"user_suspension"`
}

// User represents a marketplace account.
type User struct {
	Base                    `bson:",inline"`
	Name                    string                   `bson:"name" json:"name"`
	Email                   string                   `bson:"email" json:"email"`
	PasswordHash            string                   `bson:"password" json:"-"`
	Bio                     string                   `bson:"bio,omitempty" json:"bio,omitempty"`
	Phone                   string                   `bson:"phone,omitempty" json:"phone,omitempty"`
	AvatarKey               string                   `bson:"avatar_key,omitempty" json:"avatar_key,omitempty"`
	Verified                bool                     `bson:"verified" json:"verified"`
	IsAdmin                 bool                     `bson:"is_admin" json:"is_admin"`
	Suspended               bool                     `bson:"suspended" json:"suspended"`
	Phantom                 bool                     `bson:"phantom" json:"phantom"` // Signed up but never verified
	TotalSwaps              int                      `bson:"total_swaps" json:"total_swaps"`
	Location                *GeoJSON                 `bson:"location,omitempty" json:"location,omitempty"`
	City                    string                   `bson:"city,omitempty" json:"city,omitempty"`
	Region                  string                   `bson:"region,omitempty" json:"region,omitempty"`
	NotificationPreferences *NotificationPreferences `bson:"notification_preferences,omitempty" json:"notification_preferences,omitempty"`
	Deactivated             bool                     `bson:"deactivated" json:"deactivated"` // Soft deactivation; users are never hard-deleted
	Deleted                 bool                     `bson:"deleted" json:"-"`
	CreatedAt               time.Time                `bson:"created_at" json:"created_at"`
	UpdatedAt               time.Time                `bson:"updated_at" json:"updated_at"`
}

// Visible reports whether the account should appear on public read paths.
func (u *User) Visible() bool {
	return !u.Deleted && !u.Suspended && !u.Deactivated
}
