package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"swapmarket/internal/cache"
	"swapmarket/internal/models"
	"swapmarket/internal/trust"
	"swapmarket/internal/utils"
)

const ratingsCollection = "ratings"

const maxCommentLength = 1000

// TrustProfile bundles everything a profile or listing card shows about a
// user's reputation.
type TrustProfile struct {
	Score       float64  `json:"trust_score"`
	Label       string   `json:"trust_label"`
	MeanRating  float64  `json:"mean_rating"`
	RatingCount int      `json:"rating_count"`
	Badges      []string `json:"badges"`
}

// IRatingService defines the interface for rating and trust-score operations.
type IRatingService interface {
	UpsertRating(ctx context.Context, raterID, ratedID utils.SixID, contextID *utils.SixID, score int, comment string) (*models.Rating, error)
	RatingsFor(ctx context.Context, userID utils.SixID) ([]models.Rating, error)
	TrustScoreFor(ctx context.Context, userID utils.SixID) (float64, error)
	TrustProfileFor(ctx context.Context, user *models.User) (*TrustProfile, error)
}

// ratingService implements IRatingService.
type ratingService struct {
	db         *mongo.Database
	trustCache *cache.TrustScoreCache
}

// NewRatingService creates a new RatingService. trustCache may be nil, in
// which case every score is recomputed from the ratings collection.
func NewRatingService(database *mongo.Database, trustCache *cache.TrustScoreCache) IRatingService {
	return &ratingService{db: database, trustCache: trustCache}
}

// UpsertRating records a 1-5 score from rater to rated. Re-rating the same
// (rater, rated, context) tuple overwrites the previous score instead of
// adding a second one, so a user can never stack ratings against another.
func (s *ratingService) UpsertRating(ctx context.Context, raterID, ratedID utils.SixID, contextID *utils.SixID, score int, comment string) (*models.Rating, error) {
	if raterID == ratedID {
		return nil, fmt.Errorf("%w: users cannot rate themselves", ErrValidation)
	}
	if score < 1 || score > 5 {
		return nil, fmt.Errorf("%w: score must be between 1 and 5, got %d", ErrValidation, score)
	}
	comment = strings.TrimSpace(comment)
	if len(comment) > maxCommentLength {
		return nil, fmt.Errorf("%w: comment exceeds %d characters", ErrValidation, maxCommentLength)
	}

	var rated models.User
	err := s.db.Collection(usersCollection).FindOne(ctx, bson.M{"_id": ratedID, "deleted": false}).Decode(&rated)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: rated user %s", ErrNotFound, ratedID.String())
		}
		return nil, fmt.Errorf("%w: error loading rated user %s: %v", ErrStorage, ratedID.String(), err)
	}

	now := time.Now().UTC()
	filter := bson.M{"rater_id": raterID, "rated_id": ratedID}
	if contextID != nil {
		filter["context_id"] = *contextID
	} else {
		filter["context_id"] = bson.M{"$exists": false}
	}

	update := bson.M{
		"$set": bson.M{
			"score":      score,
			"comment":    comment,
			"updated_at": now,
		},
		"$setOnInsert": bson.M{
			"_id":        utils.NewSixID(),
			"rater_id":   raterID,
			"rated_id":   ratedID,
			"created_at": now,
		},
	}
	if contextID != nil {
		update["$setOnInsert"].(bson.M)["context_id"] = *contextID
	}

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var rating models.Rating
	err = s.db.Collection(ratingsCollection).FindOneAndUpdate(ctx, filter, update, opts).Decode(&rating)
	if err != nil {
		// The unique index can race two first-time inserts for the same tuple.
		// The loser retries once and lands on the update path.
		if mongo.IsDuplicateKeyError(err) {
			err = s.db.Collection(ratingsCollection).FindOneAndUpdate(ctx, filter, update, opts).Decode(&rating)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: failed to upsert rating from %s to %s: %v",
				ErrStorage, raterID.String(), ratedID.String(), err)
		}
	}

	if cacheErr := s.trustCache.Invalidate(ctx, ratedID); cacheErr != nil {
		log.Printf("WARN: failed to invalidate trust score cache for %s: %v", ratedID.String(), cacheErr)
	}

	return &rating, nil
}

// RatingsFor returns all ratings received by a user, newest first.
func (s *ratingService) RatingsFor(ctx context.Context, userID utils.SixID) ([]models.Rating, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := s.db.Collection(ratingsCollection).Find(ctx, bson.M{"rated_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query ratings for %s: %v", ErrStorage, userID.String(), err)
	}
	defer cursor.Close(ctx)

	var ratings []models.Rating
	if err := cursor.All(ctx, &ratings); err != nil {
		return nil, fmt.Errorf("%w: failed to decode ratings for %s: %v", ErrStorage, userID.String(), err)
	}
	return ratings, nil
}

// TrustScoreFor returns the user's 0-100 trust score, from cache when
// possible. A user with no ratings scores the neutral 50.
func (s *ratingService) TrustScoreFor(ctx context.Context, userID utils.SixID) (float64, error) {
	if score, ok := s.trustCache.Get(ctx, userID); ok {
		return score, nil
	}

	ratings, err := s.RatingsFor(ctx, userID)
	if err != nil {
		return 0, err
	}
	score := trust.Score(ratings)

	if cacheErr := s.trustCache.Set(ctx, userID, score); cacheErr != nil {
		log.Printf("WARN: failed to cache trust score for %s: %v", userID.String(), cacheErr)
	}
	return score, nil
}

// TrustProfileFor computes the full reputation block for a user.
func (s *ratingService) TrustProfileFor(ctx context.Context, user *models.User) (*TrustProfile, error) {
	ratings, err := s.RatingsFor(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	score := trust.Score(ratings)

	if cacheErr := s.trustCache.Set(ctx, user.ID, score); cacheErr != nil {
		log.Printf("WARN: failed to cache trust score for %s: %v", user.ID.String(), cacheErr)
	}

	return &TrustProfile{
		Score:       score,
		Label:       trust.Label(score),
		MeanRating:  trust.MeanRating(ratings),
		RatingCount: len(ratings),
		Badges:      trust.Badges(score, user.TotalSwaps, user.Verified),
	}, nil
}
