package email

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"swapmarket/internal/config"
)

// Notification action types recognised from outbound subjects. Used only to
// differentiate mock-email keys so tests can assert on a specific email.
const (
	actionVerifyEmail    = "verify_email"
	actionNewMessage     = "new_message"
	actionNewRating      = "new_rating"
	actionListingExpiry  = "listing_expiry"
	actionUserSuspension = "user_suspension"
)

// RedisSender implements the Sender interface by storing emails in Redis
type RedisSender struct {
	client *redis.Client
	cfg    *config.Config
}

// NewRedisSender creates a new RedisSender
func NewRedisSender(client *redis.Client, cfg *config.Config) Sender {
	return &RedisSender{
		client: client,
		cfg:    cfg,
	}
}

// Send stores a representation of the email in Redis instead of sending it
// via SMTP. Intended for integration tests and local development.
func (s *RedisSender) Send(ctx context.Context, to []string, subject string, rawMessage []byte) error {
	actionType := "unknown"
	lowered := strings.ToLower(subject)
	switch {
	case strings.Contains(lowered, "verify"):
		actionType = actionVerifyEmail
	case strings.Contains(lowered, "new message"):
		actionType = actionNewMessage
	case strings.Contains(lowered, "new rating"):
		actionType = actionNewRating
	case strings.Contains(lowered, "expir"):
		actionType = actionListingExpiry
	case strings.Contains(lowered, "suspend"):
		actionType = actionUserSuspension
	}

	// Use the first recipient for the mock key.
	primaryTo := ""
	if len(to) > 0 {
		primaryTo = to[0]
	}

	emailData := map[string]interface{}{
		"to":         strings.Join(to, ", "),
		"from":       s.cfg.SmtpFromAddress,
		"subject":    subject,
		"body":       string(rawMessage),
		"sent_at":    time.Now().UTC().Format(time.RFC3339Nano),
		"actionType": actionType,
	}

	jsonData, err := json.Marshal(emailData)
	if err != nil {
		return fmt.Errorf("failed to marshal email data: %w", err)
	}

	key := fmt.Sprintf("mockemail:%s:%s", primaryTo, actionType)
	ttl := 5 * time.Minute

	err = s.client.Set(ctx, key, jsonData, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to store email in Redis key '%s': %w", key, err)
	}

	log.Printf("Mock email stored in Redis key '%s' (TTL: %v, To: %s, Subject: %s)", key, ttl, strings.Join(to, ", "), subject)
	return nil
}
