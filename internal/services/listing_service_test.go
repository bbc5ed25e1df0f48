package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"swapmarket/internal/ai"
	"swapmarket/internal/config"
	"swapmarket/internal/discovery"
	"swapmarket/internal/models"
	"swapmarket/internal/utils"
)

func setupTestDBListing(t *testing.T, dbName string) *mongo.Database {
	return utils.SetupTestDB(t, dbName, "listings", "users", "ratings")
}

func listingTestConfig() *config.Config {
	return &config.Config{
		MaxActiveListings:  50,
		FlashDurationHours: []int{24, 48},
	}
}

func createTestUser(db *mongo.Database, userID utils.SixID, verified bool) error {
	user := models.User{
		Base:      models.Base{ID: userID},
		Name:      "Test User",
		Email:     fmt.Sprintf("%s@example.com", userID.String()),
		Verified:  verified,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	_, err := db.Collection("users").InsertOne(context.Background(), user)
	return err
}

func newTestListingService(db *mongo.Database, cfg *config.Config) IListingService {
	return NewListingService(db, cfg, NewRatingService(db, nil), nil)
}

func basicListingInput(title string) CreateListingInput {
	return CreateListingInput{
		Title:          title,
		Description:    "Test Description",
		Category:       models.CategoryPhysical,
		EstimatedValue: 10.0,
		Condition:      "used",
	}
}

func TestListingService_CRUD(t *testing.T) {
	db := setupTestDBListing(t, "testdb_listing_service_crud")
	svc := newTestListingService(db, listingTestConfig())
	ctx := context.Background()

	userID := utils.NewSixID()
	err := createTestUser(db, userID, true)
	assert.NoError(t, err)

	listing, err := svc.CreateListing(ctx, userID, basicListingInput("Test Listing"))
	assert.NoError(t, err)
	assert.NotNil(t, listing)
	assert.Equal(t, "Test Listing", listing.Title)
	assert.Equal(t, models.StatusActive, listing.Status)
	assert.Nil(t, listing.ExpiresAt)

	// Find the created listing
	found, err := svc.FindListingByID(ctx, listing.ID)
	assert.NoError(t, err)
	assert.NotNil(t, found)
	assert.Equal(t, listing.ID, found.ID)

	// Try to find non-existent listing
	notFound, err := svc.FindListingByID(ctx, utils.NewSixID())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, notFound)

	// Update the listing
	updates := map[string]interface{}{"title": "Updated Title", "description": "Updated Description"}
	updated, err := svc.UpdateListing(ctx, listing.ID, userID, updates)
	assert.NoError(t, err)
	assert.NotNil(t, updated)
	assert.Equal(t, "Updated Title", updated.Title)

	// Status is not an updatable field
	_, err = svc.UpdateListing(ctx, listing.ID, userID, map[string]interface{}{"status": models.StatusCompleted})
	assert.ErrorIs(t, err, ErrValidation)

	// Only the owner can update
	otherID := utils.NewSixID()
	assert.NoError(t, createTestUser(db, otherID, true))
	_, err = svc.UpdateListing(ctx, listing.ID, otherID, updates)
	assert.ErrorIs(t, err, ErrUnauthorized)

	// Delete the listing
	err = svc.DeleteListing(ctx, listing.ID, userID)
	assert.NoError(t, err)

	// Verify listing is deleted
	deleted, err := svc.FindListingByID(ctx, listing.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, deleted)

	// Try to update deleted listing
	_, err = svc.UpdateListing(ctx, listing.ID, userID, updates)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListingService_CreateValidation(t *testing.T) {
	db := setupTestDBListing(t, "testdb_listing_service_validation")
	svc := newTestListingService(db, listingTestConfig())
	ctx := context.Background()

	userID := utils.NewSixID()
	assert.NoError(t, createTestUser(db, userID, true))

	in := basicListingInput("")
	_, err := svc.CreateListing(ctx, userID, in)
	assert.ErrorIs(t, err, ErrValidation)

	in = basicListingInput("Valid Title")
	in.Category = "antiques"
	_, err = svc.CreateListing(ctx, userID, in)
	assert.ErrorIs(t, err, ErrValidation)

	in = basicListingInput("Valid Title")
	in.EstimatedValue = -5
	_, err = svc.CreateListing(ctx, userID, in)
	assert.ErrorIs(t, err, ErrValidation)

	in = basicListingInput("Valid Title")
	in.Coordinates = &models.GeoJSON{Type: "Point", Coordinates: []float64{200, 95}}
	_, err = svc.CreateListing(ctx, userID, in)
	assert.ErrorIs(t, err, ErrValidation)

	// 36h is not an allowed flash window
	in = basicListingInput("Valid Title")
	in.IsFlashSwap = true
	in.DurationHours = 36
	_, err = svc.CreateListing(ctx, userID, in)
	assert.ErrorIs(t, err, ErrValidation)

	// Unknown owner
	_, err = svc.CreateListing(ctx, utils.NewSixID(), basicListingInput("Valid Title"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListingService_MaxActiveListings(t *testing.T) {
	db := setupTestDBListing(t, "testdb_listing_service_maxactive")
	cfg := listingTestConfig()
	cfg.MaxActiveListings = 1
	svc := newTestListingService(db, cfg)
	ctx := context.Background()

	userID := utils.NewSixID()
	assert.NoError(t, createTestUser(db, userID, true))

	_, err := svc.CreateListing(ctx, userID, basicListingInput("First"))
	assert.NoError(t, err)

	_, err = svc.CreateListing(ctx, userID, basicListingInput("Second"))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestListingService_PendingUntilVerified(t *testing.T) {
	db := setupTestDBListing(t, "testdb_listing_service_pending")
	svc := newTestListingService(db, listingTestConfig())
	ctx := context.Background()

	userID := utils.NewSixID()
	assert.NoError(t, createTestUser(db, userID, false))

	listing, err := svc.CreateListing(ctx, userID, basicListingInput("Unverified Owner"))
	assert.NoError(t, err)
	assert.Equal(t, models.StatusPending, listing.Status)

	// Pending listings are not discoverable
	results, err := svc.SearchListings(ctx, SearchQuery{Sort: discovery.SortNewest})
	assert.NoError(t, err)
	assert.Empty(t, results)

	activated, err := svc.ActivatePendingForUser(ctx, userID)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), activated)

	found, err := svc.FindListingByID(ctx, listing.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.StatusActive, found.Status)

	// Re-running the activation is a no-op
	activated, err = svc.ActivatePendingForUser(ctx, userID)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), activated)
}

func TestListingService_ActivateListing(t *testing.T) {
	db := setupTestDBListing(t, "testdb_listing_service_activate_one")
	svc := newTestListingService(db, listingTestConfig())
	ctx := context.Background()

	userID := utils.NewSixID()
	assert.NoError(t, createTestUser(db, userID, false))

	listing, err := svc.CreateListing(ctx, userID, basicListingInput("Moderated"))
	assert.NoError(t, err)
	assert.Equal(t, models.StatusPending, listing.Status)

	assert.NoError(t, svc.ActivateListing(ctx, listing.ID))

	found, err := svc.FindListingByID(ctx, listing.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.StatusActive, found.Status)

	// Activating an active listing succeeds
	assert.NoError(t, svc.ActivateListing(ctx, listing.ID))

	// Terminal listings conflict
	assert.NoError(t, svc.MarkCancelled(ctx, listing.ID, userID))
	assert.ErrorIs(t, svc.ActivateListing(ctx, listing.ID), ErrConflict)

	// Unknown listing
	assert.ErrorIs(t, svc.ActivateListing(ctx, utils.NewSixID()), ErrNotFound)
}

func TestListingService_AppendAITags(t *testing.T) {
	db := setupTestDBListing(t, "testdb_listing_service_ai_tags")
	svc := newTestListingService(db, listingTestConfig())
	ctx := context.Background()

	userID := utils.NewSixID()
	assert.NoError(t, createTestUser(db, userID, true))

	listing, err := svc.CreateListing(ctx, userID, basicListingInput("Tagged"))
	assert.NoError(t, err)

	assert.NoError(t, svc.AppendAITags(ctx, listing.ID, []string{"Bike", "  outdoor ", ""}))

	found, err := svc.FindListingByID(ctx, listing.ID)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"bike", "outdoor"}, found.AITags)

	// Duplicates are absorbed, new tags accumulate
	assert.NoError(t, svc.AppendAITags(ctx, listing.ID, []string{"bike", "commuter"}))
	found, err = svc.FindListingByID(ctx, listing.ID)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"bike", "outdoor", "commuter"}, found.AITags)

	// All-blank input is a no-op, even for unknown ids
	assert.NoError(t, svc.AppendAITags(ctx, utils.NewSixID(), []string{"  "}))

	assert.ErrorIs(t, svc.AppendAITags(ctx, utils.NewSixID(), []string{"tag"}), ErrNotFound)
}

func TestListingService_TerminalTransitions(t *testing.T) {
	db := setupTestDBListing(t, "testdb_listing_service_terminal")
	svc := newTestListingService(db, listingTestConfig())
	ctx := context.Background()

	userID := utils.NewSixID()
	assert.NoError(t, createTestUser(db, userID, true))

	listing, err := svc.CreateListing(ctx, userID, basicListingInput("To Complete"))
	assert.NoError(t, err)

	// Only the owner can complete
	strangerID := utils.NewSixID()
	assert.NoError(t, createTestUser(db, strangerID, true))
	err = svc.MarkCompleted(ctx, listing.ID, strangerID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	err = svc.MarkCompleted(ctx, listing.ID, userID)
	assert.NoError(t, err)

	// Repeating the same terminal transition is idempotent
	err = svc.MarkCompleted(ctx, listing.ID, userID)
	assert.NoError(t, err)

	// Crossing between terminal states is a conflict
	err = svc.MarkCancelled(ctx, listing.ID, userID)
	assert.ErrorIs(t, err, ErrConflict)

	// Completion feeds the owner's swap count
	var owner models.User
	err = db.Collection("users").FindOne(ctx, bson.M{"_id": userID}).Decode(&owner)
	assert.NoError(t, err)
	assert.Equal(t, 1, owner.TotalSwaps)

	// Terminal listings cannot be edited
	_, err = svc.UpdateListing(ctx, listing.ID, userID, map[string]interface{}{"title": "Too Late"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestListingService_FlashExpiry(t *testing.T) {
	db := setupTestDBListing(t, "testdb_listing_service_flash")
	svc := newTestListingService(db, listingTestConfig())
	ctx := context.Background()

	userID := utils.NewSixID()
	assert.NoError(t, createTestUser(db, userID, true))

	in := basicListingInput("Flash Deal")
	in.IsFlashSwap = true
	in.DurationHours = 24
	listing, err := svc.CreateListing(ctx, userID, in)
	assert.NoError(t, err)
	assert.NotNil(t, listing.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), *listing.ExpiresAt, time.Minute)

	// Backdate the expiry to simulate the window elapsing
	past := time.Now().Add(-time.Hour)
	_, err = db.Collection("listings").UpdateByID(ctx, listing.ID, bson.M{"$set": bson.M{"expires_at": past}})
	assert.NoError(t, err)

	// Reads show the derived expiry before any sweep has run
	found, err := svc.FindListingByID(ctx, listing.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.StatusExpired, found.Status)

	// Discovery drops it too
	results, err := svc.SearchListings(ctx, SearchQuery{Sort: discovery.SortNewest})
	assert.NoError(t, err)
	assert.Empty(t, results)

	// Expired listings cannot transition to completed
	err = svc.MarkCompleted(ctx, listing.ID, userID)
	assert.ErrorIs(t, err, ErrConflict)

	// The sweep reconciles the stored status
	swept, err := svc.ExpireFlashListings(ctx, time.Now().UTC())
	assert.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	var stored models.Listing
	err = db.Collection("listings").FindOne(ctx, bson.M{"_id": listing.ID}).Decode(&stored)
	assert.NoError(t, err)
	assert.Equal(t, models.StatusExpired, stored.Status)

	// A second sweep finds nothing
	swept, err = svc.ExpireFlashListings(ctx, time.Now().UTC())
	assert.NoError(t, err)
	assert.Equal(t, int64(0), swept)
}

func TestListingService_UpdateRejectsElapsedFlash(t *testing.T) {
	db := setupTestDBListing(t, "testdb_listing_service_flash_update")
	svc := newTestListingService(db, listingTestConfig())
	ctx := context.Background()

	userID := utils.NewSixID()
	assert.NoError(t, createTestUser(db, userID, true))

	in := basicListingInput("Flash Edit")
	in.IsFlashSwap = true
	in.DurationHours = 24
	listing, err := svc.CreateListing(ctx, userID, in)
	assert.NoError(t, err)

	// Window elapsed, stored status still reads active
	past := time.Now().Add(-time.Hour)
	_, err = db.Collection("listings").UpdateByID(ctx, listing.ID, bson.M{"$set": bson.M{"expires_at": past}})
	assert.NoError(t, err)

	_, err = svc.UpdateListing(ctx, listing.ID, userID, map[string]interface{}{"title": "Sneaky Edit"})
	assert.ErrorIs(t, err, ErrConflict)

	// The rejected edit left nothing behind
	var stored models.Listing
	assert.NoError(t, db.Collection("listings").FindOne(ctx, bson.M{"_id": listing.ID}).Decode(&stored))
	assert.Equal(t, "Flash Edit", stored.Title)

	// Non-elapsed flash listings stay editable
	future := time.Now().Add(time.Hour)
	_, err = db.Collection("listings").UpdateByID(ctx, listing.ID, bson.M{"$set": bson.M{"expires_at": future}})
	assert.NoError(t, err)
	updated, err := svc.UpdateListing(ctx, listing.ID, userID, map[string]interface{}{"title": "Still Live"})
	assert.NoError(t, err)
	assert.Equal(t, "Still Live", updated.Title)
}

func TestListingService_Search(t *testing.T) {
	db := setupTestDBListing(t, "testdb_listing_service_search")
	svc := newTestListingService(db, listingTestConfig())
	ctx := context.Background()

	userID := utils.NewSixID()
	assert.NoError(t, createTestUser(db, userID, true))

	in := basicListingInput("Mountain Bike")
	in.Category = models.CategoryPhysical
	in.EstimatedValue = 200
	_, err := svc.CreateListing(ctx, userID, in)
	assert.NoError(t, err)

	in = basicListingInput("Guitar Lessons")
	in.Category = models.CategoryServices
	in.EstimatedValue = 30
	_, err = svc.CreateListing(ctx, userID, in)
	assert.NoError(t, err)

	in = basicListingInput("Ebook Bundle")
	in.Category = models.CategoryDigital
	in.EstimatedValue = 15
	in.IsFlashSwap = true
	in.DurationHours = 48
	_, err = svc.CreateListing(ctx, userID, in)
	assert.NoError(t, err)

	// Text search
	results, err := svc.SearchListings(ctx, SearchQuery{Search: "bike", Sort: discovery.SortNewest})
	assert.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, "Mountain Bike", results[0].Title)

	// Category filter
	results, err = svc.SearchListings(ctx, SearchQuery{Category: models.CategoryServices, Sort: discovery.SortNewest})
	assert.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, "Guitar Lessons", results[0].Title)

	// Flash only
	results, err = svc.SearchListings(ctx, SearchQuery{FlashOnly: true, Sort: discovery.SortNewest})
	assert.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, "Ebook Bundle", results[0].Title)

	// Price range
	min := 100.0
	results, err = svc.SearchListings(ctx, SearchQuery{MinPrice: &min, Sort: discovery.SortPriceLow})
	assert.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, "Mountain Bike", results[0].Title)

	// Invalid sort key
	_, err = svc.SearchListings(ctx, SearchQuery{Sort: "bogus"})
	assert.ErrorIs(t, err, ErrValidation)

	// Limit
	results, err = svc.SearchListings(ctx, SearchQuery{Sort: discovery.SortNewest, Limit: 2})
	assert.NoError(t, err)
	assert.Len(t, results, 2)
}

// categoryHintParser mimics a parser whose category hints do not appear
// among its keywords.
type categoryHintParser struct{}

func (categoryHintParser) ParseSearchQuery(context.Context, string) (ai.ParsedQuery, error) {
	return ai.ParsedQuery{
		Keywords:   []string{"console"},
		Categories: []models.Category{models.CategoryDigital},
	}, nil
}

func TestListingService_SearchUnionsParsedCategories(t *testing.T) {
	db := setupTestDBListing(t, "testdb_listing_service_search_ai")
	svc := NewListingService(db, listingTestConfig(), NewRatingService(db, nil), categoryHintParser{})
	ctx := context.Background()

	userID := utils.NewSixID()
	assert.NoError(t, createTestUser(db, userID, true))

	// No "console" substring anywhere; only the category hint can match it.
	in := basicListingInput("Game Bundle")
	in.Category = models.CategoryDigital
	_, err := svc.CreateListing(ctx, userID, in)
	assert.NoError(t, err)

	in = basicListingInput("Road Bike")
	in.Category = models.CategoryPhysical
	_, err = svc.CreateListing(ctx, userID, in)
	assert.NoError(t, err)

	results, err := svc.SearchListings(ctx, SearchQuery{Search: "console", Sort: discovery.SortNewest})
	assert.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, "Game Bundle", results[0].Title)
}

func TestListingService_SearchHidesSuspendedOwners(t *testing.T) {
	db := setupTestDBListing(t, "testdb_listing_service_hidden")
	svc := newTestListingService(db, listingTestConfig())
	ctx := context.Background()

	userID := utils.NewSixID()
	assert.NoError(t, createTestUser(db, userID, true))

	listing, err := svc.CreateListing(ctx, userID, basicListingInput("Soon Hidden"))
	assert.NoError(t, err)

	_, err = db.Collection("users").UpdateByID(ctx, userID, bson.M{"$set": bson.M{"suspended": true}})
	assert.NoError(t, err)

	results, err := svc.SearchListings(ctx, SearchQuery{Sort: discovery.SortNewest})
	assert.NoError(t, err)
	assert.Empty(t, results)

	_, err = svc.FindListingByID(ctx, listing.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListingService_AddImageToListing(t *testing.T) {
	db := setupTestDBListing(t, "testdb_listing_service_image")
	svc := newTestListingService(db, listingTestConfig())
	ctx := context.Background()

	userID := utils.NewSixID()
	assert.NoError(t, createTestUser(db, userID, true))

	listing, err := svc.CreateListing(ctx, userID, basicListingInput("With Image"))
	assert.NoError(t, err)

	imageKey := "uploads/img1.jpg"
	err = svc.AddImageToListing(ctx, listing.ID, imageKey)
	assert.NoError(t, err)

	// Adding the same key twice keeps a single entry
	err = svc.AddImageToListing(ctx, listing.ID, imageKey)
	assert.NoError(t, err)

	found, err := svc.FindListingByID(ctx, listing.ID)
	assert.NoError(t, err)
	assert.Equal(t, []string{imageKey}, found.Images)
}

func TestListingService_FindListingsByUserID(t *testing.T) {
	db := setupTestDBListing(t, "testdb_listing_service_byuser")
	svc := newTestListingService(db, listingTestConfig())
	ctx := context.Background()

	userID := utils.NewSixID()
	assert.NoError(t, createTestUser(db, userID, true))

	active, err := svc.CreateListing(ctx, userID, basicListingInput("Active One"))
	assert.NoError(t, err)
	completed, err := svc.CreateListing(ctx, userID, basicListingInput("Completed One"))
	assert.NoError(t, err)
	assert.NoError(t, svc.MarkCompleted(ctx, completed.ID, userID))

	listings, err := svc.FindListingsByUserID(ctx, userID, false)
	assert.NoError(t, err)
	assert.Len(t, listings, 1)
	assert.Equal(t, active.ID, listings[0].ID)

	listings, err = svc.FindListingsByUserID(ctx, userID, true)
	assert.NoError(t, err)
	assert.Len(t, listings, 2)
}

func TestListingService_CountByStatus(t *testing.T) {
	db := setupTestDBListing(t, "testdb_listing_service_counts")
	svc := newTestListingService(db, listingTestConfig())
	ctx := context.Background()

	userID := utils.NewSixID()
	assert.NoError(t, createTestUser(db, userID, true))

	_, err := svc.CreateListing(ctx, userID, basicListingInput("One"))
	assert.NoError(t, err)
	two, err := svc.CreateListing(ctx, userID, basicListingInput("Two"))
	assert.NoError(t, err)
	assert.NoError(t, svc.MarkCancelled(ctx, two.ID, userID))

	counts, err := svc.CountByStatus(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.StatusActive])
	assert.Equal(t, int64(1), counts[models.StatusCancelled])
	assert.Equal(t, int64(0), counts[models.StatusCompleted])
}
