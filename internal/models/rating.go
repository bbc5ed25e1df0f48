package models

import (
	"time"

	"swapmarket/internal/utils"
)

// Rating is a 1-5 score one user gives another after a swap.
// At most one rating exists per (rater, rated, context) tuple; a resubmission
// overwrites the previous one (enforced by a unique index plus upsert).
type Rating struct {
	ID        utils.SixID  `bson:"_id,omitempty" json:"id,omitempty"`
	RaterID   utils.SixID  `bson:"rater_id" json:"rater_id"`
	RatedID   utils.SixID  `bson:"rated_id" json:"rated_id"`
	ContextID *utils.SixID `bson:"context_id,omitempty" json:"context_id,omitempty"` // Swap/listing the rating refers to
	Score     int          `bson:"score" json:"score"`                               // 1..5
	Comment   string       `bson:"comment,omitempty" json:"comment,omitempty"`
	CreatedAt time.Time    `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time    `bson:"updated_at" json:"updated_at"`
}
