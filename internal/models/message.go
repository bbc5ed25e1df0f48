package models

import (
	"time"

	"swapmarket/internal/utils"
)

// Message is a direct message between two users, optionally about a listing.
// Immutable once created except for the read flag.
type Message struct {
	ID         utils.SixID  `bson:"_id,omitempty" json:"id,omitempty"`
	SenderID   utils.SixID  `bson:"sender_id" json:"sender_id"`
	ReceiverID utils.SixID  `bson:"receiver_id" json:"receiver_id"`
	ListingID  *utils.SixID `bson:"listing_id,omitempty" json:"listing_id,omitempty"`
	Content    string       `bson:"content" json:"content"`
	Read       bool         `bson:"read" json:"read"`
	CreatedAt  time.Time    `bson:"created_at" json:"created_at"`
}

// Between reports whether the message belongs to the unordered {a,b} pair.
func (m *Message) Between(a, b utils.SixID) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}
