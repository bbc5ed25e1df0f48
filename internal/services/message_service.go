package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"swapmarket/internal/db"
	"swapmarket/internal/models"
	"swapmarket/internal/utils"
)

const messagesCollection = "messages"

const maxMessageLength = 2000

// IMessageService defines the interface for direct messaging between users.
type IMessageService interface {
	SendMessage(ctx context.Context, senderID, receiverID utils.SixID, listingID *utils.SixID, content string) (*models.Message, error)
	ThreadBetween(ctx context.Context, a, b utils.SixID) ([]models.Message, error)
	UnreadFor(ctx context.Context, userID utils.SixID) (int64, error)
	MarkThreadRead(ctx context.Context, readerID, otherID utils.SixID) (int64, error)
	UnreadTotal(ctx context.Context) (int64, error)
	Subscribe(ctx context.Context, userID utils.SixID) (<-chan models.Message, func(), error)
}

// messageService implements IMessageService.
type messageService struct {
	db  *mongo.Database
	rdb *redis.Client
}

// NewMessageService creates a new MessageService. rdb may be nil; messages
// are then stored without live fan-out.
func NewMessageService(database *mongo.Database, rdb *redis.Client) IMessageService {
	return &messageService{db: database, rdb: rdb}
}

func messageChannel(userID utils.SixID) string {
	return "messages:" + userID.String()
}

// SendMessage stores a message and publishes it on the receiver's channel so
// connected clients see it without polling.
func (s *messageService) SendMessage(ctx context.Context, senderID, receiverID utils.SixID, listingID *utils.SixID, content string) (*models.Message, error) {
	if senderID == receiverID {
		return nil, fmt.Errorf("%w: cannot message yourself", ErrValidation)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: message content must not be blank", ErrValidation)
	}
	if len(content) > maxMessageLength {
		return nil, fmt.Errorf("%w: message exceeds %d characters", ErrValidation, maxMessageLength)
	}

	var receiver models.User
	err := s.db.Collection(usersCollection).FindOne(ctx, bson.M{"_id": receiverID, "deleted": false}).Decode(&receiver)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: receiver %s", ErrNotFound, receiverID.String())
		}
		return nil, fmt.Errorf("%w: error loading receiver %s: %v", ErrStorage, receiverID.String(), err)
	}
	if receiver.Suspended || receiver.Deactivated {
		return nil, fmt.Errorf("%w: receiver cannot accept messages", ErrValidation)
	}

	if listingID != nil {
		var listing models.Listing
		err := s.db.Collection(listingsCollection).FindOne(ctx, bson.M{"_id": *listingID, "deleted": false}).Decode(&listing)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return nil, fmt.Errorf("%w: listing %s", ErrNotFound, listingID.String())
			}
			return nil, fmt.Errorf("%w: error loading listing %s: %v", ErrStorage, listingID.String(), err)
		}
	}

	collection := s.db.Collection(messagesCollection)
	var msg *models.Message

	operation := func() error {
		msg = &models.Message{
			ID:         utils.NewSixID(), // ID generated on each attempt
			SenderID:   senderID,
			ReceiverID: receiverID,
			ListingID:  listingID,
			Content:    content,
			Read:       false,
			CreatedAt:  time.Now().UTC(),
		}
		_, insertErr := collection.InsertOne(ctx, msg)
		return insertErr
	}

	if err := db.Try(operation); err != nil {
		return nil, fmt.Errorf("%w: failed to insert message from %s to %s after multiple retries: %v",
			ErrStorage, senderID.String(), receiverID.String(), err)
	}

	s.publish(ctx, msg)
	return msg, nil
}

// publish fans the message out over Redis. Delivery failures are logged, not
// returned; the message is already durable in Mongo.
func (s *messageService) publish(ctx context.Context, msg *models.Message) {
	if s.rdb == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("WARN: failed to marshal message %s for publish: %v", msg.ID.String(), err)
		return
	}
	if err := s.rdb.Publish(ctx, messageChannel(msg.ReceiverID), payload).Err(); err != nil {
		log.Printf("WARN: failed to publish message %s to %s: %v", msg.ID.String(), msg.ReceiverID.String(), err)
	}
}

// ThreadBetween returns the full conversation between two users in
// chronological order. Both directions of the pair resolve to the same
// thread, and a message appears exactly once however it was stored.
func (s *messageService) ThreadBetween(ctx context.Context, a, b utils.SixID) ([]models.Message, error) {
	filter := bson.M{
		"$or": bson.A{
			bson.M{"sender_id": a, "receiver_id": b},
			bson.M{"sender_id": b, "receiver_id": a},
		},
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})

	cursor, err := s.db.Collection(messagesCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query thread %s/%s: %v", ErrStorage, a.String(), b.String(), err)
	}
	defer cursor.Close(ctx)

	var raw []models.Message
	if err := cursor.All(ctx, &raw); err != nil {
		return nil, fmt.Errorf("%w: failed to decode thread %s/%s: %v", ErrStorage, a.String(), b.String(), err)
	}

	seen := make(map[utils.SixID]struct{}, len(raw))
	thread := make([]models.Message, 0, len(raw))
	for _, m := range raw {
		if !m.Between(a, b) {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		thread = append(thread, m)
	}

	sort.SliceStable(thread, func(i, j int) bool {
		return thread[i].CreatedAt.Before(thread[j].CreatedAt)
	})
	return thread, nil
}

// UnreadFor counts unread messages addressed to the user.
func (s *messageService) UnreadFor(ctx context.Context, userID utils.SixID) (int64, error) {
	count, err := s.db.Collection(messagesCollection).CountDocuments(ctx,
		bson.M{"receiver_id": userID, "read": false})
	if err != nil {
		return 0, fmt.Errorf("%w: failed to count unread messages for %s: %v", ErrStorage, userID.String(), err)
	}
	return count, nil
}

// UnreadTotal counts unread messages across the whole platform. Admin stats.
func (s *messageService) UnreadTotal(ctx context.Context) (int64, error) {
	count, err := s.db.Collection(messagesCollection).CountDocuments(ctx, bson.M{"read": false})
	if err != nil {
		return 0, fmt.Errorf("%w: failed to count unread messages: %v", ErrStorage, err)
	}
	return count, nil
}

// MarkThreadRead marks every message from otherID to readerID as read and
// returns how many were flipped. Only the receiver's side is touched, so a
// user can never mark someone else's inbox. Idempotent.
func (s *messageService) MarkThreadRead(ctx context.Context, readerID, otherID utils.SixID) (int64, error) {
	result, err := s.db.Collection(messagesCollection).UpdateMany(ctx,
		bson.M{"receiver_id": readerID, "sender_id": otherID, "read": false},
		bson.M{"$set": bson.M{"read": true}},
	)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to mark thread read for %s: %v", ErrStorage, readerID.String(), err)
	}
	return result.ModifiedCount, nil
}

// Subscribe returns a channel of live messages addressed to the user, plus a
// cancel function that tears the subscription down. Undecodable payloads are
// skipped; the durable copy is still in Mongo.
func (s *messageService) Subscribe(ctx context.Context, userID utils.SixID) (<-chan models.Message, func(), error) {
	if s.rdb == nil {
		return nil, nil, fmt.Errorf("%w: live messaging unavailable", ErrDegraded)
	}

	pubsub := s.rdb.Subscribe(ctx, messageChannel(userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("%w: failed to subscribe to messages for %s: %v", ErrStorage, userID.String(), err)
	}

	out := make(chan models.Message)
	go func() {
		defer close(out)
		for redisMsg := range pubsub.Channel() {
			var msg models.Message
			if err := json.Unmarshal([]byte(redisMsg.Payload), &msg); err != nil {
				log.Printf("WARN: dropping undecodable message payload on %s: %v", redisMsg.Channel, err)
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() {
		_ = pubsub.Close()
	}
	return out, cancel, nil
}
