package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hibiken/asynq"
	"github.com/nfnt/resize"
	"github.com/redis/go-redis/v9"

	"swapmarket/internal/ai"
	"swapmarket/internal/config"
	"swapmarket/internal/email"
	"swapmarket/internal/models"
	"swapmarket/internal/services"
	"swapmarket/internal/storage"
	"swapmarket/internal/utils"
)

// TaskType defines the type of a background task.
const (
	TypeEmailDelivery  = "email:deliver"
	TypeImageProcess   = "image:process"
	TypeFlashExpiry    = "listing:flash:expire"
	TypePhantomCleanup = "user:phantom:cleanup"
)

// Notification kinds gate email delivery on the recipient's preferences.
const (
	NotifyNewMessage     = "new_message"
	NotifyNewRating      = "new_rating"
	NotifyListingExpiry  = "listing_expiry"
	NotifyUserSuspension = "user_suspension"
)

// --- Task Client (Enqueuing tasks) ---

func NewClient(rdb *redis.Client) *asynq.Client {
	clientOpt := asynq.RedisClientOpt{
		Addr:     rdb.Options().Addr,
		Password: rdb.Options().Password,
		DB:       rdb.Options().DB,
	}
	return asynq.NewClient(clientOpt)
}

// --- Task Server (Processing tasks) ---

// TaskProcessor handles the processing of tasks.
// It holds dependencies needed by task handlers.
type TaskProcessor struct {
	cfg            *config.Config
	emailSender    email.Sender
	storageService storage.IS3Storage
	listingService services.IListingService
	userService    services.IUserService
	configService  services.IConfigService
	s3Client       *s3.Client
	taskClient     *asynq.Client
	analyzer       ai.ImageAnalyzer
}

func NewTaskProcessor(
	cfg *config.Config,
	emailSender email.Sender,
	storageService storage.IS3Storage,
	listingService services.IListingService,
	userService services.IUserService,
	configService services.IConfigService,
	s3Client *s3.Client,
	taskClient *asynq.Client,
) *TaskProcessor {
	return &TaskProcessor{
		cfg:            cfg,
		emailSender:    emailSender,
		storageService: storageService,
		listingService: listingService,
		userService:    userService,
		configService:  configService,
		s3Client:       s3Client,
		taskClient:     taskClient,
	}
}

// SetImageAnalyzer attaches an optional image analyzer consulted after
// normalization. Tags it produces are advisory and never block the task.
func (p *TaskProcessor) SetImageAnalyzer(a ai.ImageAnalyzer) {
	p.analyzer = a
}

// SetupServer configures an Asynq server instance with handlers registered
// for the requested worker roles. Returns nil in API mode. The caller owns
// Run and Shutdown.
func SetupServer(rdb *redis.Client, processor *TaskProcessor, isImageWorker bool, isBgWorker bool) (*asynq.Server, *asynq.ServeMux) {
	serverOpt := asynq.RedisClientOpt{
		Addr:     rdb.Options().Addr,
		Password: rdb.Options().Password,
		DB:       rdb.Options().DB,
	}

	srv := asynq.NewServer(
		serverOpt,
		asynq.Config{
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
				"images":   5, // Separate queue for images
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Printf("[Asynq Error] Task Type: %s, Payload: %s, Error: %v", task.Type(), string(task.Payload()), err)
			}),
		},
	)

	mux := asynq.NewServeMux()

	if isBgWorker {
		mux.HandleFunc(TypeEmailDelivery, processor.HandleEmailDeliveryTask)
		mux.HandleFunc(TypeFlashExpiry, processor.HandleFlashExpiryTask)
		mux.HandleFunc(TypePhantomCleanup, processor.HandlePhantomCleanupTask)
		log.Println("Registered background task handlers.")
	}

	if isImageWorker {
		mux.HandleFunc(TypeImageProcess, processor.HandleImageProcessTask)
		log.Println("Registered image processing task handlers.")
	}

	if !isBgWorker && !isImageWorker {
		log.Println("Running in API mode, no task server started.")
		return nil, nil
	}

	return srv, mux
}

// --- Task Handlers ---

// EmailTaskPayload carries an outbound notification email. When Notify and
// UserID are set, the recipient's notification preferences are consulted
// before sending.
type EmailTaskPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Notify  string `json:"notify,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

// NewEmailDeliveryTask builds an enqueueable email task.
func NewEmailDeliveryTask(payload EmailTaskPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal email task payload: %w", err)
	}
	return asynq.NewTask(TypeEmailDelivery, data), nil
}

func (p *TaskProcessor) HandleEmailDeliveryTask(ctx context.Context, t *asynq.Task) error {
	var payload EmailTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal email task payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.To == "" {
		return fmt.Errorf("email task payload missing recipient: %w", asynq.SkipRetry)
	}

	if payload.Notify != "" && payload.UserID != "" {
		userID, err := utils.ParseSixID(payload.UserID)
		if err != nil {
			return fmt.Errorf("invalid user ID in email payload: %w", asynq.SkipRetry)
		}
		user, err := p.userService.FindByID(ctx, userID)
		if err != nil {
			log.Printf("Skipping notification email to unknown user %s: %v", payload.UserID, err)
			return nil
		}
		if !notificationEnabled(user, payload.Notify) {
			log.Printf("User %s has %s notifications disabled, skipping email.", payload.UserID, payload.Notify)
			return nil
		}
	}

	fromAddress := p.cfg.SmtpFromAddress
	if fromAddress == "" {
		fromAddress = "noreply@example.com"
		log.Printf("Warning: SmtpFromAddress not configured, using fallback %s for email to %s", fromAddress, payload.To)
	}

	rawMessage := email.BuildRawMessage(fromAddress, []string{payload.To}, payload.Subject, payload.Body)

	if err := p.emailSender.Send(ctx, []string{payload.To}, payload.Subject, rawMessage); err != nil {
		log.Printf("Email sending failed (will retry): %v", err)
		return err
	}

	log.Printf("Email task processed successfully: To=%s, Subject=%s", payload.To, payload.Subject)
	return nil
}

// notificationEnabled checks the recipient's opt-outs. Unknown kinds and
// missing preference blocks default to sending.
func notificationEnabled(user *models.User, kind string) bool {
	prefs := user.NotificationPreferences
	if prefs == nil {
		return true
	}
	switch kind {
	case NotifyNewMessage:
		return prefs.NewMessage
	case NotifyNewRating:
		return prefs.NewRating
	case NotifyListingExpiry:
		return prefs.ListingExpiry
	case NotifyUserSuspension:
		return prefs.UserSuspension
	default:
		return true
	}
}

// ImageTaskPayload identifies an uploaded image awaiting normalization.
type ImageTaskPayload struct {
	S3Key     string `json:"s3_key"`
	ListingID string `json:"listing_id"`
}

// NewImageProcessTask builds an enqueueable image-processing task. Image
// tasks run on the dedicated images queue.
func NewImageProcessTask(payload ImageTaskPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal image task payload: %w", err)
	}
	return asynq.NewTask(TypeImageProcess, data, asynq.Queue("images")), nil
}

// NewFlashExpiryTask builds the periodic flash-window sweep task. It carries
// no payload; the handler derives due listings from the clock.
func NewFlashExpiryTask() *asynq.Task {
	return asynq.NewTask(TypeFlashExpiry, nil, asynq.Queue("low"))
}

// NewPhantomCleanupTask builds the periodic phantom-account purge task.
func NewPhantomCleanupTask() *asynq.Task {
	return asynq.NewTask(TypePhantomCleanup, nil, asynq.Queue("low"))
}

func (p *TaskProcessor) HandleImageProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload ImageTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal image task payload: %v: %w", err, asynq.SkipRetry)
	}

	listingID, err := utils.ParseSixID(payload.ListingID)
	if err != nil {
		log.Printf("Invalid ListingID in image task payload: %s", payload.ListingID)
		return fmt.Errorf("invalid listing ID in payload: %w", asynq.SkipRetry)
	}

	log.Printf("Processing image task: S3Key=%s, ListingID=%s", payload.S3Key, payload.ListingID)

	// 1. Download image from S3
	getObjectOutput, err := p.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.AwsS3Bucket),
		Key:    aws.String(payload.S3Key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			log.Printf("S3 object %s not found, likely upload failed or key incorrect.", payload.S3Key)
			return fmt.Errorf("s3 object not found: %w", asynq.SkipRetry)
		}
		log.Printf("Error getting object %s from S3: %v", payload.S3Key, err)
		return fmt.Errorf("failed to download image from S3: %w", err)
	}
	defer getObjectOutput.Body.Close()

	imgData, err := io.ReadAll(getObjectOutput.Body)
	if err != nil {
		log.Printf("Error reading image object body for key %s: %v", payload.S3Key, err)
		return fmt.Errorf("failed to read image data: %w", err)
	}

	// Check size before decoding
	maxSizeBytes := int64(p.cfg.ImageMaxSizeMB) * 1024 * 1024
	if int64(len(imgData)) > maxSizeBytes {
		log.Printf("Image %s exceeds max size (%d > %d bytes). Skipping.", payload.S3Key, len(imgData), maxSizeBytes)
		return fmt.Errorf("image exceeds max size: %w", asynq.SkipRetry)
	}

	img, format, err := image.Decode(bytes.NewReader(imgData))
	if err != nil {
		log.Printf("Error decoding image for key %s: %v", payload.S3Key, err)
		return fmt.Errorf("unsupported image format or corrupt image: %w", asynq.SkipRetry)
	}
	log.Printf("Decoded image %s, format: %s, size: %dx%d", payload.S3Key, format, img.Bounds().Dx(), img.Bounds().Dy())

	// 2. Check dimensions
	maxWidth := uint(p.cfg.ImageMaxDimension)
	maxHeight := uint(p.cfg.ImageMaxDimension)
	needsResize := uint(img.Bounds().Dx()) > maxWidth || uint(img.Bounds().Dy()) > maxHeight

	processedImageKey := payload.S3Key
	var processedImageData []byte
	contentType := aws.ToString(getObjectOutput.ContentType)

	// 3. Resize if needed, re-encoding as JPEG
	if needsResize {
		log.Printf("Resizing image %s (original: %dx%d, max: %dx%d)", payload.S3Key, img.Bounds().Dx(), img.Bounds().Dy(), maxWidth, maxHeight)
		resizedImg := resize.Thumbnail(maxWidth, maxHeight, img, resize.Lanczos3)
		var buf bytes.Buffer
		err = jpeg.Encode(&buf, resizedImg, &jpeg.Options{Quality: 85})
		if err != nil {
			log.Printf("Error encoding resized image %s: %v", payload.S3Key, err)
			return fmt.Errorf("failed to re-encode resized image: %w", err)
		}
		processedImageData = buf.Bytes()
		contentType = "image/jpeg"
		log.Printf("Resized image %s to %dx%d", payload.S3Key, resizedImg.Bounds().Dx(), resizedImg.Bounds().Dy())

		if int64(len(processedImageData)) > maxSizeBytes {
			log.Printf("Resized image %s still exceeds max size (%d > %d bytes). Skipping.", payload.S3Key, len(processedImageData), maxSizeBytes)
			return fmt.Errorf("resized image still exceeds max size: %w", asynq.SkipRetry)
		}
	} else {
		processedImageData = imgData
	}

	// 4. Upload processed image (overwrite original)
	_, err = p.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.cfg.AwsS3Bucket),
		Key:         aws.String(processedImageKey),
		Body:        bytes.NewReader(processedImageData),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		log.Printf("Error uploading processed image %s to S3: %v", processedImageKey, err)
		return fmt.Errorf("failed to upload processed image: %w", err)
	}

	// 5. Update Listing document
	err = p.listingService.AddImageToListing(ctx, listingID, processedImageKey)
	if err != nil {
		log.Printf("Error adding image key %s to listing %s: %v", processedImageKey, payload.ListingID, err)
		return fmt.Errorf("failed to update listing with processed image: %w", err)
	}

	// 6. Optional AI tagging. Failures only cost the tags.
	if p.analyzer != nil {
		analysis, err := p.analyzer.AnalyzeImage(ctx, processedImageData, contentType)
		if err != nil {
			log.Printf("Image analysis failed for listing %s: %v", payload.ListingID, err)
		} else if len(analysis.Tags) > 0 {
			if err := p.listingService.AppendAITags(ctx, listingID, analysis.Tags); err != nil {
				log.Printf("Failed to append AI tags to listing %s: %v", payload.ListingID, err)
			}
		}
	}

	log.Printf("Image task processed successfully: Key=%s, ListingID=%s", processedImageKey, payload.ListingID)
	return nil
}

// HandleFlashExpiryTask reconciles elapsed flash listings and notifies their
// owners. Reads never wait for this sweep; listings past their window already
// render as expired.
func (p *TaskProcessor) HandleFlashExpiryTask(ctx context.Context, t *asynq.Task) error {
	now := time.Now().UTC()

	due, err := p.listingService.FindDueFlashListings(ctx, now)
	if err != nil {
		log.Printf("Error finding due flash listings: %v", err)
		return err
	}

	expired, err := p.listingService.ExpireFlashListings(ctx, now)
	if err != nil {
		log.Printf("Error expiring flash listings: %v", err)
		return err
	}

	// Notify owners of the listings this sweep reconciled.
	for _, listing := range due {
		owner, err := p.userService.FindByID(ctx, listing.UserID)
		if err != nil {
			log.Printf("Skipping expiry notification for listing %s, owner lookup failed: %v", listing.ID.String(), err)
			continue
		}
		emailTask, err := NewEmailDeliveryTask(EmailTaskPayload{
			To:      owner.Email,
			Subject: fmt.Sprintf("Your flash swap %q has expired", listing.Title),
			Body: fmt.Sprintf("Hi %s,\n\nYour flash swap listing %q reached the end of its visibility window and is no longer discoverable.\n\nYou can create a new listing any time.",
				owner.Name, listing.Title),
			Notify: NotifyListingExpiry,
			UserID: owner.ID.String(),
		})
		if err != nil {
			log.Printf("Failed to build expiry email task for listing %s: %v", listing.ID.String(), err)
			continue
		}
		if _, err := p.taskClient.EnqueueContext(ctx, emailTask); err != nil {
			log.Printf("Failed to enqueue expiry email for listing %s: %v", listing.ID.String(), err)
		}
	}

	log.Printf("Flash expiry sweep finished. Expired %d listing(s), notified %d owner(s).", expired, len(due))
	return nil
}

// HandlePhantomCleanupTask finds old phantom users and deletes them and their listings.
func (p *TaskProcessor) HandlePhantomCleanupTask(ctx context.Context, t *asynq.Task) error {
	log.Println("Starting phantom user cleanup task...")

	phantomUserIDs, err := p.userService.GetAllPhantomUserIDs(ctx)
	if err != nil {
		log.Printf("Error getting phantom user IDs: %v", err)
		return err
	}

	if len(phantomUserIDs) == 0 {
		log.Println("No phantom users found to check.")
		return nil
	}

	maxAgeDuration := p.configService.GetDuration(ctx, "MAX_PHANTOM_AGE_SECONDS", p.cfg.MaxPhantomAge)
	cutoffTime := time.Now().UTC().Add(-maxAgeDuration)
	deletedCount := 0

	log.Printf("Found %d phantom users. Checking against cutoff time %s", len(phantomUserIDs), cutoffTime.Format(time.RFC3339))

	for _, userID := range phantomUserIDs {
		user, err := p.userService.FindByID(ctx, userID)
		if err != nil {
			log.Printf("Error fetching phantom user %s during cleanup: %v. Skipping.", userID.String(), err)
			continue
		}

		// Last activity is the newer of the user update and their latest listing.
		lastActivityTime := user.UpdatedAt
		listings, err := p.listingService.FindListingsByUserID(ctx, userID, true)
		if err != nil {
			log.Printf("Error fetching listings for phantom user %s during cleanup: %v. Using user time.", userID.String(), err)
		} else if len(listings) > 0 && listings[0].UpdatedAt.After(lastActivityTime) {
			lastActivityTime = listings[0].UpdatedAt
		}

		if lastActivityTime.Before(cutoffTime) {
			log.Printf("Phantom user %s last activity (%s) is before cutoff (%s). Deleting user and listings...",
				userID.String(), lastActivityTime.Format(time.RFC3339), cutoffTime.Format(time.RFC3339))
			if err := p.userService.DeleteUserAndListings(ctx, userID); err != nil {
				log.Printf("ERROR deleting phantom user %s and listings: %v", userID.String(), err)
			} else {
				deletedCount++
			}
		}
	}

	log.Printf("Phantom user cleanup finished. Deleted %d users.", deletedCount)
	return nil
}
