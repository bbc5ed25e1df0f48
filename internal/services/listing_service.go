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

	"swapmarket/internal/ai"
	"swapmarket/internal/config"
	"swapmarket/internal/db"
	"swapmarket/internal/discovery"
	"swapmarket/internal/models"
	"swapmarket/internal/utils"
)

// CreateListingInput carries the user-supplied fields for a new listing.
type CreateListingInput struct {
	Title          string
	Description    string
	Category       models.Category
	Subcategory    string
	EstimatedValue float64
	Condition      string
	Location       string
	Coordinates    *models.GeoJSON
	WantedItems    []string
	IsFlashSwap    bool
	DurationHours  int
	AITags         []string
}

// SearchQuery is the transport-level search request, validated into
// discovery.Params before the pipeline runs.
type SearchQuery struct {
	Search        string
	Category      models.Category
	MinPrice      *float64
	MaxPrice      *float64
	NearbyOnly    bool
	MaxDistanceKm float64
	UserLocation  *models.GeoJSON
	FlashOnly     bool
	Sort          discovery.SortKey
	Limit         int
}

// IListingService defines the interface for listing-related operations.
type IListingService interface {
	CreateListing(ctx context.Context, userID utils.SixID, in CreateListingInput) (*models.Listing, error)
	FindListingByID(ctx context.Context, listingID utils.SixID) (*models.Listing, error)
	UpdateListing(ctx context.Context, listingID, userID utils.SixID, updates map[string]interface{}) (*models.Listing, error)
	MarkCompleted(ctx context.Context, listingID, actorID utils.SixID) error
	MarkCancelled(ctx context.Context, listingID, actorID utils.SixID) error
	DeleteListing(ctx context.Context, listingID, userID utils.SixID) error
	SearchListings(ctx context.Context, q SearchQuery) ([]models.Listing, error)
	AddImageToListing(ctx context.Context, listingID utils.SixID, imageKey string) error
	AppendAITags(ctx context.Context, listingID utils.SixID, tags []string) error
	FindListingsByUserID(ctx context.Context, userID utils.SixID, includeTerminal bool) ([]models.Listing, error)
	ActivatePendingForUser(ctx context.Context, userID utils.SixID) (int64, error)
	ActivateListing(ctx context.Context, listingID utils.SixID) error
	FindDueFlashListings(ctx context.Context, now time.Time) ([]models.Listing, error)
	ExpireFlashListings(ctx context.Context, now time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[models.ListingStatus]int64, error)
}

const listingsCollection = "listings"

// listingService implements IListingService.
type listingService struct {
	db            *mongo.Database
	cfg           *config.Config
	ratingService IRatingService
	queryParser   ai.QueryParser
}

// NewListingService creates a new ListingService. queryParser may be nil, in
// which case searches run as plain substring matching.
func NewListingService(database *mongo.Database, cfg *config.Config, ratingService IRatingService, queryParser ai.QueryParser) IListingService {
	return &listingService{db: database, cfg: cfg, ratingService: ratingService, queryParser: queryParser}
}

// CreateListing validates the input and inserts a new listing. Listings of
// verified owners start active; unverified owners get a pending listing that
// activates once the owner confirms their email.
func (s *listingService) CreateListing(ctx context.Context, userID utils.SixID, in CreateListingInput) (*models.Listing, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, fmt.Errorf("%w: title must not be blank", ErrValidation)
	}
	if strings.TrimSpace(in.Description) == "" {
		return nil, fmt.Errorf("%w: description must not be blank", ErrValidation)
	}
	if strings.TrimSpace(string(in.Category)) == "" {
		return nil, fmt.Errorf("%w: category must not be blank", ErrValidation)
	}
	if !models.ValidCategory(in.Category) {
		return nil, fmt.Errorf("%w: unknown category %q", ErrValidation, in.Category)
	}
	if in.EstimatedValue < 0 {
		return nil, fmt.Errorf("%w: estimated value must not be negative", ErrValidation)
	}
	if in.Coordinates != nil && !in.Coordinates.Valid() {
		return nil, fmt.Errorf("%w: coordinates out of range", ErrValidation)
	}

	now := time.Now().UTC()
	var expiresAt *time.Time
	if in.IsFlashSwap {
		if !s.cfg.AllowedFlashDuration(in.DurationHours) {
			return nil, fmt.Errorf("%w: flash duration must be one of %v hours", ErrValidation, s.cfg.FlashDurationHours)
		}
		t := now.Add(time.Duration(in.DurationHours) * time.Hour)
		expiresAt = &t
	}

	var owner models.User
	err := s.db.Collection(usersCollection).FindOne(ctx, bson.M{"_id": userID, "deleted": false}).Decode(&owner)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: owner %s", ErrNotFound, userID.String())
		}
		return nil, fmt.Errorf("%w: failed to load owner %s: %v", ErrStorage, userID.String(), err)
	}
	if owner.Suspended || owner.Deactivated {
		return nil, fmt.Errorf("%w: account cannot create listings", ErrUnauthorized)
	}

	activeCount, err := s.db.Collection(listingsCollection).CountDocuments(ctx, bson.M{
		"user_id": userID,
		"deleted": false,
		"status":  bson.M{"$in": bson.A{models.StatusActive, models.StatusPending}},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to count active listings: %v", ErrStorage, err)
	}
	if int(activeCount) >= s.cfg.MaxActiveListings {
		return nil, fmt.Errorf("%w: active listing limit of %d reached", ErrValidation, s.cfg.MaxActiveListings)
	}

	status := models.StatusActive
	if !owner.Verified {
		status = models.StatusPending
	}

	collection := s.db.Collection(listingsCollection)
	var newListing *models.Listing

	operation := func() error {
		newListing = &models.Listing{
			ID:             utils.NewSixID(),
			UserID:         userID,
			Title:          strings.TrimSpace(in.Title),
			Description:    strings.TrimSpace(in.Description),
			Category:       in.Category,
			Subcategory:    in.Subcategory,
			Images:         []string{},
			EstimatedValue: in.EstimatedValue,
			Condition:      in.Condition,
			Location:       in.Location,
			Coordinates:    in.Coordinates,
			WantedItems:    in.WantedItems,
			Status:         status,
			IsFlashSwap:    in.IsFlashSwap,
			ExpiresAt:      expiresAt,
			AITags:         in.AITags,
			Deleted:        false,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		_, insertErr := collection.InsertOne(ctx, newListing)
		return insertErr
	}

	if err := db.Try(operation); err != nil {
		listingIDStr := "<unknown>"
		if newListing != nil {
			listingIDStr = newListing.ID.String()
		}
		return nil, fmt.Errorf("%w: failed to insert listing for user %s (last attempted ID: %s) after multiple retries: %v",
			ErrStorage, userID.String(), listingIDStr, err)
	}

	return newListing, nil
}

// FindListingByID finds a non-deleted listing by its ID. The returned status
// carries the derived flash-expiry overlay, so a time-elapsed flash listing
// reads as expired even before the sweep has reconciled it.
// It does NOT check ownership.
func (s *listingService) FindListingByID(ctx context.Context, listingID utils.SixID) (*models.Listing, error) {
	var listing models.Listing
	collection := s.db.Collection(listingsCollection)
	filter := bson.M{"_id": listingID, "deleted": false}

	err := collection.FindOne(ctx, filter).Decode(&listing)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: listing %s", ErrNotFound, listingID.String())
		}
		return nil, fmt.Errorf("%w: error finding listing %s: %v", ErrStorage, listingID.String(), err)
	}

	// Listings of suspended or deactivated owners are invisible.
	var owner models.User
	err = s.db.Collection(usersCollection).FindOne(ctx, bson.M{"_id": listing.UserID, "deleted": false}).Decode(&owner)
	if err != nil || !owner.Visible() {
		return nil, fmt.Errorf("%w: listing %s", ErrNotFound, listingID.String())
	}

	listing.Status = listing.EffectiveStatus(time.Now().UTC())
	return &listing, nil
}

// UpdateListing updates mutable fields of a listing owned by the specified user.
// Terminal and expired listings cannot be edited.
// `updates` map should contain BSON field names and new values.
func (s *listingService) UpdateListing(ctx context.Context, listingID, userID utils.SixID, updates map[string]interface{}) (*models.Listing, error) {
	collection := s.db.Collection(listingsCollection)

	// Ensure only allowed fields are updated (prevent changing ownership, status etc.)
	allowedUpdates := bson.M{}
	for key, value := range updates {
		switch key {
		case "title", "description", "subcategory", "estimated_value", "condition", "location", "coordinates", "wanted_items", "ai_tags":
			allowedUpdates[key] = value
		default:
			return nil, fmt.Errorf("%w: field '%s' cannot be updated", ErrValidation, key)
		}
	}
	if len(allowedUpdates) == 0 {
		return nil, fmt.Errorf("%w: no valid fields provided for update", ErrValidation)
	}
	if title, ok := allowedUpdates["title"].(string); ok && strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("%w: title must not be blank", ErrValidation)
	}
	if desc, ok := allowedUpdates["description"].(string); ok && strings.TrimSpace(desc) == "" {
		return nil, fmt.Errorf("%w: description must not be blank", ErrValidation)
	}
	now := time.Now().UTC()
	allowedUpdates["updated_at"] = now

	// A flash listing past its window is effectively expired even while the
	// stored status still reads active, so the filter must exclude it before
	// anything is written.
	filter := bson.M{
		"_id":     listingID,
		"user_id": userID,
		"deleted": false,
		"status":  bson.M{"$in": bson.A{models.StatusActive, models.StatusPending}},
		"$or": bson.A{
			bson.M{"is_flash_swap": false},
			bson.M{"expires_at": nil},
			bson.M{"expires_at": bson.M{"$gt": now}},
		},
	}

	update := bson.M{"$set": allowedUpdates}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var updatedListing models.Listing
	err := collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&updatedListing)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, s.explainUpdateFailure(ctx, listingID, userID)
		}
		return nil, fmt.Errorf("%w: failed to update listing %s: %v", ErrStorage, listingID.String(), err)
	}
	return &updatedListing, nil
}

// explainUpdateFailure turns a zero-match update into the specific error the
// caller can act on.
func (s *listingService) explainUpdateFailure(ctx context.Context, listingID, userID utils.SixID) error {
	var listing models.Listing
	err := s.db.Collection(listingsCollection).FindOne(ctx, bson.M{"_id": listingID}).Decode(&listing)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: listing %s", ErrNotFound, listingID.String())
	}
	if err != nil {
		return fmt.Errorf("%w: error checking listing %s: %v", ErrStorage, listingID.String(), err)
	}
	if listing.Deleted {
		return fmt.Errorf("%w: listing %s", ErrNotFound, listingID.String())
	}
	if listing.UserID != userID {
		return fmt.Errorf("%w: listing %s does not belong to user %s", ErrUnauthorized, listingID.String(), userID.String())
	}
	return fmt.Errorf("%w: listing %s is %s", ErrConflict, listingID.String(), listing.EffectiveStatus(time.Now().UTC()))
}

// MarkCompleted transitions a listing to completed. Owner only.
func (s *listingService) MarkCompleted(ctx context.Context, listingID, actorID utils.SixID) error {
	return s.markTerminal(ctx, listingID, actorID, models.StatusCompleted)
}

// MarkCancelled transitions a listing to cancelled. Owner only.
func (s *listingService) MarkCancelled(ctx context.Context, listingID, actorID utils.SixID) error {
	return s.markTerminal(ctx, listingID, actorID, models.StatusCancelled)
}

// markTerminal implements the terminal transitions of the lifecycle:
// repeating a transition into the same terminal state succeeds (idempotent),
// crossing between two different terminal states is a conflict, and derived
// flash expiry counts as the expired terminal state.
func (s *listingService) markTerminal(ctx context.Context, listingID, actorID utils.SixID, target models.ListingStatus) error {
	collection := s.db.Collection(listingsCollection)
	now := time.Now().UTC()

	var listing models.Listing
	err := collection.FindOne(ctx, bson.M{"_id": listingID, "deleted": false}).Decode(&listing)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("%w: listing %s", ErrNotFound, listingID.String())
		}
		return fmt.Errorf("%w: error finding listing %s: %v", ErrStorage, listingID.String(), err)
	}
	if listing.UserID != actorID {
		return fmt.Errorf("%w: listing %s does not belong to user %s", ErrUnauthorized, listingID.String(), actorID.String())
	}

	effective := listing.EffectiveStatus(now)
	if effective == target {
		return nil // Idempotent repeat of the same terminal transition
	}
	if effective.Terminal() {
		return fmt.Errorf("%w: listing %s is already %s", ErrConflict, listingID.String(), effective)
	}

	update := bson.M{"$set": bson.M{"status": target, "updated_at": now}}
	filter := bson.M{
		"_id":     listingID,
		"user_id": actorID,
		"deleted": false,
		"status":  bson.M{"$in": bson.A{models.StatusActive, models.StatusPending}},
	}
	result, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("%w: db error updating listing %s: %v", ErrStorage, listingID.String(), err)
	}
	if result.MatchedCount == 0 {
		// Lost a race with another transition; re-read to classify.
		errCheck := collection.FindOne(ctx, bson.M{"_id": listingID, "deleted": false}).Decode(&listing)
		if errCheck != nil {
			return fmt.Errorf("%w: listing %s", ErrNotFound, listingID.String())
		}
		if listing.EffectiveStatus(now) == target {
			return nil
		}
		return fmt.Errorf("%w: listing %s is already %s", ErrConflict, listingID.String(), listing.EffectiveStatus(now))
	}

	if target == models.StatusCompleted {
		// Completed swaps feed the owner's badge progression.
		_, err = s.db.Collection(usersCollection).UpdateByID(ctx, listing.UserID, bson.M{"$inc": bson.M{"total_swaps": 1}})
		if err != nil {
			log.Printf("WARN: failed to bump total_swaps for user %s: %v", listing.UserID.String(), err)
		}
	}
	return nil
}

// DeleteListing performs a soft delete by setting the deleted flag to true.
func (s *listingService) DeleteListing(ctx context.Context, listingID, userID utils.SixID) error {
	now := time.Now().UTC()
	filter := bson.M{"_id": listingID, "user_id": userID, "deleted": false}
	update := bson.M{"$set": bson.M{"deleted": true, "deleted_at": now, "updated_at": now}}

	result, err := s.db.Collection(listingsCollection).UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("%w: db error deleting listing %s: %v", ErrStorage, listingID.String(), err)
	}
	if result.MatchedCount == 0 {
		var listing models.Listing
		errCheck := s.db.Collection(listingsCollection).FindOne(ctx, bson.M{"_id": listingID}).Decode(&listing)
		if errors.Is(errCheck, mongo.ErrNoDocuments) || (errCheck == nil && listing.Deleted) {
			return fmt.Errorf("%w: listing %s", ErrNotFound, listingID.String())
		}
		if errCheck == nil && listing.UserID != userID {
			return fmt.Errorf("%w: listing %s does not belong to user %s", ErrUnauthorized, listingID.String(), userID.String())
		}
		return fmt.Errorf("%w: failed to delete listing %s", ErrStorage, listingID.String())
	}
	return nil
}

// SearchListings runs a coarse Mongo prefilter and then the in-process
// discovery pipeline, which owns the exact filter semantics and ordering.
// The AI query parser, when configured, only widens the match set; its
// absence or failure degrades to plain substring search.
func (s *listingService) SearchListings(ctx context.Context, q SearchQuery) ([]models.Listing, error) {
	params := discovery.Params{
		Search:        q.Search,
		Category:      q.Category,
		MinPrice:      q.MinPrice,
		MaxPrice:      q.MaxPrice,
		NearbyOnly:    q.NearbyOnly,
		MaxDistanceKm: q.MaxDistanceKm,
		UserLocation:  q.UserLocation,
		FlashOnly:     q.FlashOnly,
		Sort:          q.Sort,
	}

	if s.queryParser != nil && strings.TrimSpace(q.Search) != "" {
		parsed, err := s.queryParser.ParseSearchQuery(ctx, q.Search)
		if err != nil {
			log.Printf("WARN: %v: query parser unavailable, falling back to substring search: %v", ErrDegraded, err)
		} else {
			params.Keywords = parsed.Keywords
			// Category hints widen the match the same way keywords do:
			// the term set is a union and listing category is matchable text.
			for _, c := range parsed.Categories {
				params.Keywords = append(params.Keywords, string(c))
			}
		}
	}

	params, err := discovery.NewParams(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	candidates, err := s.loadActiveListings(ctx)
	if err != nil {
		return nil, err
	}

	var ownerScores map[utils.SixID]float64
	if params.Sort == discovery.SortRating {
		ownerScores, err = s.ownerTrustScores(ctx, candidates)
		if err != nil {
			return nil, err
		}
	}

	results := discovery.Query(candidates, params, ownerScores, time.Now().UTC())
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// loadActiveListings fetches the discoverable candidate set: active stored
// status, not deleted, visible owner. The derived-expiry filter runs in the
// discovery pipeline, not here.
func (s *listingService) loadActiveListings(ctx context.Context) ([]models.Listing, error) {
	collection := s.db.Collection(listingsCollection)
	filter := bson.M{"status": models.StatusActive, "deleted": false}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})

	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query listings: %v", ErrStorage, err)
	}
	defer cursor.Close(ctx)

	var results []models.Listing
	if err = cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("%w: failed to decode listings: %v", ErrStorage, err)
	}

	// Drop listings of hidden owners.
	hidden := map[utils.SixID]bool{}
	userColl := s.db.Collection(usersCollection)
	userCursor, err := userColl.Find(ctx, bson.M{"$or": bson.A{
		bson.M{"deleted": true},
		bson.M{"suspended": true},
		bson.M{"deactivated": true},
	}})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query hidden users: %v", ErrStorage, err)
	}
	defer userCursor.Close(ctx)
	var hiddenUsers []models.User
	if err = userCursor.All(ctx, &hiddenUsers); err != nil {
		return nil, fmt.Errorf("%w: failed to decode hidden users: %v", ErrStorage, err)
	}
	for _, u := range hiddenUsers {
		hidden[u.ID] = true
	}

	visible := results[:0]
	for _, l := range results {
		if !hidden[l.UserID] {
			visible = append(visible, l)
		}
	}
	return visible, nil
}

// ownerTrustScores resolves the trust score of each distinct owner in the
// candidate set, used by the rating sort.
func (s *listingService) ownerTrustScores(ctx context.Context, listings []models.Listing) (map[utils.SixID]float64, error) {
	scores := map[utils.SixID]float64{}
	for _, l := range listings {
		if _, done := scores[l.UserID]; done {
			continue
		}
		score, err := s.ratingService.TrustScoreFor(ctx, l.UserID)
		if err != nil {
			return nil, err
		}
		scores[l.UserID] = score
	}
	return scores, nil
}

// AddImageToListing adds a processed image key to a listing's image array.
// It should only be called after the image processing task is complete.
func (s *listingService) AddImageToListing(ctx context.Context, listingID utils.SixID, imageKey string) error {
	collection := s.db.Collection(listingsCollection)

	filter := bson.M{"_id": listingID, "deleted": false}
	update := bson.M{
		"$addToSet": bson.M{"images": imageKey}, // Add key if not already present
		"$set":      bson.M{"updated_at": time.Now().UTC()},
	}

	result, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("%w: db error adding image %s to listing %s: %v", ErrStorage, imageKey, listingID.String(), err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("%w: listing %s", ErrNotFound, listingID.String())
	}
	if result.ModifiedCount == 0 {
		log.Printf("Image key %s likely already exists for listing %s", imageKey, listingID.String())
	}
	return nil
}

func (s *listingService) AppendAITags(ctx context.Context, listingID utils.SixID, tags []string) error {
	cleaned := make([]string, 0, len(tags))
	for _, tag := range tags {
		if t := strings.TrimSpace(strings.ToLower(tag)); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	if len(cleaned) == 0 {
		return nil
	}

	collection := s.db.Collection(listingsCollection)
	filter := bson.M{"_id": listingID, "deleted": false}
	update := bson.M{
		"$addToSet": bson.M{"ai_tags": bson.M{"$each": cleaned}},
		"$set":      bson.M{"updated_at": time.Now().UTC()},
	}

	result, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("%w: db error appending tags to listing %s: %v", ErrStorage, listingID.String(), err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("%w: listing %s", ErrNotFound, listingID.String())
	}
	return nil
}

// FindListingsByUserID returns a user's listings, newest first. Terminal
// listings are included only when requested (e.g. for the owner's own view).
func (s *listingService) FindListingsByUserID(ctx context.Context, userID utils.SixID, includeTerminal bool) ([]models.Listing, error) {
	filter := bson.M{"user_id": userID, "deleted": false}
	if !includeTerminal {
		filter["status"] = models.StatusActive
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})

	cursor, err := s.db.Collection(listingsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query listings for user %s: %v", ErrStorage, userID.String(), err)
	}
	defer cursor.Close(ctx)

	var listings []models.Listing
	if err = cursor.All(ctx, &listings); err != nil {
		return nil, fmt.Errorf("%w: failed to decode listings for user %s: %v", ErrStorage, userID.String(), err)
	}

	now := time.Now().UTC()
	out := listings[:0]
	for _, l := range listings {
		l.Status = l.EffectiveStatus(now)
		if !includeTerminal && l.Status != models.StatusActive {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// ActivatePendingForUser flips a newly verified owner's pending listings to
// active. Returns the number of listings activated.
func (s *listingService) ActivatePendingForUser(ctx context.Context, userID utils.SixID) (int64, error) {
	now := time.Now().UTC()
	result, err := s.db.Collection(listingsCollection).UpdateMany(ctx,
		bson.M{"user_id": userID, "deleted": false, "status": models.StatusPending},
		bson.M{"$set": bson.M{"status": models.StatusActive, "updated_at": now}},
	)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to activate pending listings for user %s: %v", ErrStorage, userID.String(), err)
	}
	return result.ModifiedCount, nil
}

// ActivateListing flips a single pending listing to active. Moderation
// action, so no owner check. Activating an already active listing succeeds;
// terminal listings conflict.
func (s *listingService) ActivateListing(ctx context.Context, listingID utils.SixID) error {
	collection := s.db.Collection(listingsCollection)
	now := time.Now().UTC()

	var listing models.Listing
	err := collection.FindOne(ctx, bson.M{"_id": listingID, "deleted": false}).Decode(&listing)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("%w: listing %s", ErrNotFound, listingID.String())
		}
		return fmt.Errorf("%w: error finding listing %s: %v", ErrStorage, listingID.String(), err)
	}

	effective := listing.EffectiveStatus(now)
	if effective == models.StatusActive {
		return nil
	}
	if effective.Terminal() {
		return fmt.Errorf("%w: listing %s is already %s", ErrConflict, listingID.String(), effective)
	}

	_, err = collection.UpdateOne(ctx,
		bson.M{"_id": listingID, "deleted": false, "status": models.StatusPending},
		bson.M{"$set": bson.M{"status": models.StatusActive, "updated_at": now}},
	)
	if err != nil {
		return fmt.Errorf("%w: failed to activate listing %s: %v", ErrStorage, listingID.String(), err)
	}
	return nil
}

// FindDueFlashListings returns flash listings whose window has elapsed but
// whose stored status has not been reconciled yet. The expiry sweep uses this
// to notify owners before flipping the stored status.
func (s *listingService) FindDueFlashListings(ctx context.Context, now time.Time) ([]models.Listing, error) {
	cursor, err := s.db.Collection(listingsCollection).Find(ctx, bson.M{
		"is_flash_swap": true,
		"deleted":       false,
		"status":        bson.M{"$in": bson.A{models.StatusActive, models.StatusPending}},
		"expires_at":    bson.M{"$lte": now},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query due flash listings: %v", ErrStorage, err)
	}
	defer cursor.Close(ctx)

	var due []models.Listing
	if err := cursor.All(ctx, &due); err != nil {
		return nil, fmt.Errorf("%w: failed to decode due flash listings: %v", ErrStorage, err)
	}
	return due, nil
}

// ExpireFlashListings reconciles stored status with derived flash expiry.
// Read paths never depend on this sweep; it only keeps the stored data and
// expiry notifications honest.
func (s *listingService) ExpireFlashListings(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.Collection(listingsCollection).UpdateMany(ctx,
		bson.M{
			"is_flash_swap": true,
			"deleted":       false,
			"status":        bson.M{"$in": bson.A{models.StatusActive, models.StatusPending}},
			"expires_at":    bson.M{"$lte": now},
		},
		bson.M{"$set": bson.M{"status": models.StatusExpired, "updated_at": now}},
	)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to expire flash listings: %v", ErrStorage, err)
	}
	if result.ModifiedCount > 0 {
		log.Printf("Expired %d flash listing(s)", result.ModifiedCount)
	}
	return result.ModifiedCount, nil
}

// CountByStatus returns listing counts per status for the admin dashboard.
func (s *listingService) CountByStatus(ctx context.Context) (map[models.ListingStatus]int64, error) {
	counts := map[models.ListingStatus]int64{}
	for _, status := range []models.ListingStatus{
		models.StatusActive, models.StatusPending, models.StatusCompleted, models.StatusCancelled, models.StatusExpired,
	} {
		n, err := s.db.Collection(listingsCollection).CountDocuments(ctx, bson.M{"status": status, "deleted": false})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to count %s listings: %v", ErrStorage, status, err)
		}
		counts[status] = n
	}
	return counts, nil
}
