package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"swapmarket/internal/auth"
	"swapmarket/internal/config"
	"swapmarket/internal/db"
	"swapmarket/internal/models"
	"swapmarket/internal/utils"
)

// ErrEmailExists is returned when an attempt is made to use an email that already exists.
var ErrEmailExists = errors.New("email already in use by another account")

// IUserService defines the interface for user-related operations.
// This allows for easier mocking in tests.
type IUserService interface {
	Signup(ctx context.Context, name, email, password string) (*models.User, string, error)
	VerifyEmail(ctx context.Context, userID utils.SixID, code string) error
	Login(ctx context.Context, email, password string) (*models.User, error)
	FindByID(ctx context.Context, userID utils.SixID) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateProfile(ctx context.Context, userID utils.SixID, updates map[string]interface{}) (*models.User, error)
	SuspendUser(ctx context.Context, userIDToSuspend, adminUserID utils.SixID) error
	UnsuspendUser(ctx context.Context, userIDToUnsuspend utils.SixID) error
	DeactivateAccount(ctx context.Context, userID utils.SixID) error
	GetAllPhantomUserIDs(ctx context.Context) ([]utils.SixID, error)
	DeleteUserAndListings(ctx context.Context, userID utils.SixID) error
	CountUsers(ctx context.Context) (total, verified, suspended int64, err error)
	SetListingService(ls IListingService)
}

const usersCollection = "users"

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// userService implements IUserService.
// Keep the struct unexported if NewUserService is the only intended way to create it.
type userService struct {
	db             *mongo.Database
	cfg            *config.Config
	rdb            *redis.Client
	listingService IListingService
	passwordRe     *regexp.Regexp
}

// NewUserService creates a new UserService.
func NewUserService(database *mongo.Database, cfg *config.Config, rdb *redis.Client) IUserService {
	re, err := regexp.Compile(cfg.PasswordRegexp)
	if err != nil {
		log.Printf("WARNING: invalid PASSWORD_REGEXP %q, falling back to 8-char minimum: %v", cfg.PasswordRegexp, err)
		re = regexp.MustCompile("^.{8,}$")
	}
	return &userService{db: database, cfg: cfg, rdb: rdb, passwordRe: re}
}

// SetListingService allows setting the listing service after initialization to break a cycle.
func (s *userService) SetListingService(ls IListingService) {
	s.listingService = ls
}

func verifyCodeKey(userID utils.SixID) string {
	return "verifycode:" + userID.String()
}

// Signup creates a new unverified account and returns the email verification
// code the caller should deliver. The account is phantom until verified so
// the cleanup sweep can remove abandoned signups.
func (s *userService) Signup(ctx context.Context, name, email, password string) (*models.User, string, error) {
	name = strings.TrimSpace(name)
	email = strings.ToLower(strings.TrimSpace(email))
	if name == "" {
		return nil, "", fmt.Errorf("%w: name must not be blank", ErrValidation)
	}
	if !emailPattern.MatchString(email) {
		return nil, "", fmt.Errorf("%w: invalid email address", ErrValidation)
	}
	if !s.passwordRe.MatchString(password) {
		return nil, "", fmt.Errorf("%w: password does not meet requirements", ErrValidation)
	}

	hashed, err := auth.HashPassword(password)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrStorage, err)
	}

	collection := s.db.Collection(usersCollection)

	// Ensure email uniqueness among non-deleted users before inserting.
	// The unique index is the real guard; this check gives a clean error.
	count, err := collection.CountDocuments(ctx, bson.M{"email": email, "deleted": false})
	if err != nil {
		return nil, "", fmt.Errorf("%w: error checking email uniqueness for %s: %v", ErrStorage, email, err)
	}
	if count > 0 {
		return nil, "", ErrEmailExists
	}

	now := time.Now().UTC()
	var newUser *models.User

	operation := func() error {
		newUser = &models.User{
			Base:         models.Base{ID: utils.NewSixID()}, // ID generated on each attempt
			Name:         name,
			Email:        email,
			PasswordHash: hashed,
			Verified:     false,
			Phantom:      true,
			IsAdmin:      false,
			Suspended:    false,
			Deleted:      false,
			CreatedAt:    now,
			UpdatedAt:    now,
			NotificationPreferences: &models.NotificationPreferences{
				NewMessage:     true,
				NewRating:      true,
				ListingExpiry:  true,
				UserSuspension: true,
			},
		}
		_, insertErr := collection.InsertOne(ctx, newUser)
		return insertErr
	}

	err = db.Try(operation)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) && strings.Contains(err.Error(), "email_1") {
			return nil, "", ErrEmailExists
		}
		userIDStr := "<unknown>"
		if newUser != nil {
			userIDStr = newUser.ID.String()
		}
		return nil, "", fmt.Errorf("%w: error inserting new user for %s (last attempted user ID: %s) after multiple retries: %v",
			ErrStorage, email, userIDStr, err)
	}

	code := uuid.NewString()
	if s.rdb != nil {
		if err := s.rdb.Set(ctx, verifyCodeKey(newUser.ID), code, s.cfg.EmailVerifyTTL).Err(); err != nil {
			return nil, "", fmt.Errorf("%w: failed to store verification code: %v", ErrStorage, err)
		}
	}

	return newUser, code, nil
}

// VerifyEmail checks the code against the stored one and marks the account
// verified. Verification also flips the owner's pending listings to active.
func (s *userService) VerifyEmail(ctx context.Context, userID utils.SixID, code string) error {
	if s.rdb == nil {
		return fmt.Errorf("%w: verification store unavailable", ErrStorage)
	}
	stored, err := s.rdb.Get(ctx, verifyCodeKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: verification code expired or unknown", ErrValidation)
		}
		return fmt.Errorf("%w: failed to read verification code: %v", ErrStorage, err)
	}
	if stored != code {
		return fmt.Errorf("%w: verification code mismatch", ErrValidation)
	}

	now := time.Now().UTC()
	result, err := s.db.Collection(usersCollection).UpdateOne(ctx,
		bson.M{"_id": userID, "deleted": false},
		bson.M{"$set": bson.M{"verified": true, "phantom": false, "updated_at": now}},
	)
	if err != nil {
		return fmt.Errorf("%w: failed to mark user %s verified: %v", ErrStorage, userID.String(), err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID.String())
	}

	_ = s.rdb.Del(ctx, verifyCodeKey(userID)).Err()

	if s.listingService != nil {
		activated, err := s.listingService.ActivatePendingForUser(ctx, userID)
		if err != nil {
			log.Printf("WARN: failed to activate pending listings for newly verified user %s: %v", userID.String(), err)
		} else if activated > 0 {
			log.Printf("Activated %d pending listing(s) for verified user %s", activated, userID.String())
		}
	}
	return nil
}

// Login validates credentials and returns the account.
func (s *userService) Login(ctx context.Context, email, password string) (*models.User, error) {
	user, err := s.FindByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: invalid credentials", ErrUnauthorized)
		}
		return nil, err
	}
	if !auth.CheckPasswordHash(password, user.PasswordHash) {
		return nil, fmt.Errorf("%w: invalid credentials", ErrUnauthorized)
	}
	if user.Suspended {
		return nil, fmt.Errorf("%w: account is suspended", ErrUnauthorized)
	}
	if user.Deactivated {
		// Logging in reactivates a soft-deactivated account.
		_, err := s.db.Collection(usersCollection).UpdateByID(ctx, user.ID,
			bson.M{"$set": bson.M{"deactivated": false, "updated_at": time.Now().UTC()}})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to reactivate account %s: %v", ErrStorage, user.ID.String(), err)
		}
		user.Deactivated = false
	}
	return user, nil
}

// FindByID finds a non-deleted user by ID.
func (s *userService) FindByID(ctx context.Context, userID utils.SixID) (*models.User, error) {
	var user models.User
	filter := bson.M{"_id": userID, "deleted": false}

	err := s.db.Collection(usersCollection).FindOne(ctx, filter).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID.String())
		}
		return nil, fmt.Errorf("%w: error finding user %s: %v", ErrStorage, userID.String(), err)
	}
	return &user, nil
}

// FindByEmail finds a non-deleted user by their email address.
func (s *userService) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	filter := bson.M{"email": email, "deleted": false}

	err := s.db.Collection(usersCollection).FindOne(ctx, filter).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: user with email %s", ErrNotFound, email)
		}
		return nil, fmt.Errorf("%w: error finding user by email %s: %v", ErrStorage, email, err)
	}
	return &user, nil
}

// UpdateProfile updates the mutable profile fields.
// `updates` map should contain BSON field names and new values.
func (s *userService) UpdateProfile(ctx context.Context, userID utils.SixID, updates map[string]interface{}) (*models.User, error) {
	allowedUpdates := bson.M{}
	for key, value := range updates {
		switch key {
		case "name", "bio", "phone", "avatar_key", "location", "city", "region", "notification_preferences":
			allowedUpdates[key] = value
		default:
			return nil, fmt.Errorf("%w: field '%s' cannot be updated", ErrValidation, key)
		}
	}
	if len(allowedUpdates) == 0 {
		return nil, fmt.Errorf("%w: no valid fields provided for update", ErrValidation)
	}
	if name, ok := allowedUpdates["name"].(string); ok && strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: name must not be blank", ErrValidation)
	}
	allowedUpdates["updated_at"] = time.Now().UTC()

	result, err := s.db.Collection(usersCollection).UpdateOne(ctx,
		bson.M{"_id": userID, "deleted": false},
		bson.M{"$set": allowedUpdates},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to update profile for user %s: %v", ErrStorage, userID.String(), err)
	}
	if result.MatchedCount == 0 {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID.String())
	}
	return s.FindByID(ctx, userID)
}

// SuspendUser marks a user as suspended. Admin only; the caller enforces the
// admin check, this records who did it.
func (s *userService) SuspendUser(ctx context.Context, userIDToSuspend, adminUserID utils.SixID) error {
	if userIDToSuspend == adminUserID {
		return fmt.Errorf("%w: admins cannot suspend themselves", ErrValidation)
	}
	now := time.Now().UTC()
	result, err := s.db.Collection(usersCollection).UpdateOne(ctx,
		bson.M{"_id": userIDToSuspend, "deleted": false, "suspended": false},
		bson.M{"$set": bson.M{"suspended": true, "suspended_by": adminUserID, "updated_at": now}},
	)
	if err != nil {
		return fmt.Errorf("%w: failed to suspend user %s: %v", ErrStorage, userIDToSuspend.String(), err)
	}
	if result.MatchedCount == 0 {
		var user models.User
		errCheck := s.db.Collection(usersCollection).FindOne(ctx, bson.M{"_id": userIDToSuspend, "deleted": false}).Decode(&user)
		if errCheck != nil {
			return fmt.Errorf("%w: user %s", ErrNotFound, userIDToSuspend.String())
		}
		return fmt.Errorf("%w: user %s is already suspended", ErrConflict, userIDToSuspend.String())
	}
	log.Printf("User %s suspended by admin %s", userIDToSuspend.String(), adminUserID.String())
	return nil
}

// UnsuspendUser lifts a suspension.
func (s *userService) UnsuspendUser(ctx context.Context, userIDToUnsuspend utils.SixID) error {
	result, err := s.db.Collection(usersCollection).UpdateOne(ctx,
		bson.M{"_id": userIDToUnsuspend, "deleted": false, "suspended": true},
		bson.M{
			"$set":   bson.M{"suspended": false, "updated_at": time.Now().UTC()},
			"$unset": bson.M{"suspended_by": ""},
		},
	)
	if err != nil {
		return fmt.Errorf("%w: failed to unsuspend user %s: %v", ErrStorage, userIDToUnsuspend.String(), err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("%w: user %s not found or not suspended", ErrNotFound, userIDToUnsuspend.String())
	}
	return nil
}

// DeactivateAccount soft-deactivates an account. Users are never hard-deleted;
// their listings stop being discoverable while deactivated.
func (s *userService) DeactivateAccount(ctx context.Context, userID utils.SixID) error {
	result, err := s.db.Collection(usersCollection).UpdateOne(ctx,
		bson.M{"_id": userID, "deleted": false},
		bson.M{"$set": bson.M{"deactivated": true, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("%w: failed to deactivate user %s: %v", ErrStorage, userID.String(), err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID.String())
	}
	return nil
}

// GetAllPhantomUserIDs returns the IDs of unverified signups, for the cleanup sweep.
func (s *userService) GetAllPhantomUserIDs(ctx context.Context) ([]utils.SixID, error) {
	cursor, err := s.db.Collection(usersCollection).Find(ctx, bson.M{"phantom": true, "deleted": false})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query phantom users: %v", ErrStorage, err)
	}
	defer cursor.Close(ctx)

	var ids []utils.SixID
	for cursor.Next(ctx) {
		var user models.User
		if err := cursor.Decode(&user); err != nil {
			return nil, fmt.Errorf("%w: failed to decode phantom user: %v", ErrStorage, err)
		}
		ids = append(ids, user.ID)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating phantom users: %v", ErrStorage, err)
	}
	return ids, nil
}

// DeleteUserAndListings soft-deletes a user and all their listings. Only the
// phantom cleanup uses this; regular accounts are deactivated instead.
func (s *userService) DeleteUserAndListings(ctx context.Context, userID utils.SixID) error {
	now := time.Now().UTC()

	_, err := s.db.Collection(listingsCollection).UpdateMany(ctx,
		bson.M{"user_id": userID, "deleted": false},
		bson.M{"$set": bson.M{"deleted": true, "deleted_at": now, "updated_at": now}},
	)
	if err != nil {
		return fmt.Errorf("%w: failed to delete listings for user %s: %v", ErrStorage, userID.String(), err)
	}

	result, err := s.db.Collection(usersCollection).UpdateOne(ctx,
		bson.M{"_id": userID, "deleted": false},
		bson.M{"$set": bson.M{"deleted": true, "updated_at": now}},
	)
	if err != nil {
		return fmt.Errorf("%w: failed to delete user %s: %v", ErrStorage, userID.String(), err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID.String())
	}
	return nil
}

// CountUsers returns headline account counts for the admin dashboard.
func (s *userService) CountUsers(ctx context.Context) (total, verified, suspended int64, err error) {
	collection := s.db.Collection(usersCollection)
	total, err = collection.CountDocuments(ctx, bson.M{"deleted": false})
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: failed to count users: %v", ErrStorage, err)
	}
	verified, err = collection.CountDocuments(ctx, bson.M{"deleted": false, "verified": true})
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: failed to count verified users: %v", ErrStorage, err)
	}
	suspended, err = collection.CountDocuments(ctx, bson.M{"deleted": false, "suspended": true})
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: failed to count suspended users: %v", ErrStorage, err)
	}
	return total, verified, suspended, nil
}
