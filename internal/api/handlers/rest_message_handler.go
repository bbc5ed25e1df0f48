package handlers

import (
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"swapmarket/internal/services"
	"swapmarket/internal/tasks"
	"swapmarket/internal/utils"
)

// RestMessageHandler handles REST requests for direct messages.
type RestMessageHandler struct {
	messageService services.IMessageService
	userService    services.IUserService
	taskClient     IAsynqClient
}

// NewRestMessageHandler creates a new RestMessageHandler.
func NewRestMessageHandler(messageService services.IMessageService, userService services.IUserService, taskClient IAsynqClient) *RestMessageHandler {
	return &RestMessageHandler{
		messageService: messageService,
		userService:    userService,
		taskClient:     taskClient,
	}
}

// SendMessageRequest is the payload for POST /v1/message.
type SendMessageRequest struct {
	ReceiverID string `json:"receiver_id"`
	ListingID  string `json:"listing_id,omitempty"`
	Content    string `json:"content"`
}

// SendMessage handles POST /v1/message
func (h *RestMessageHandler) SendMessage(c *gin.Context) {
	senderID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	receiverID, err := utils.ParseSixID(req.ReceiverID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid receiver_id format"})
		return
	}

	var listingID *utils.SixID
	if req.ListingID != "" {
		lid, parseErr := utils.ParseSixID(req.ListingID)
		if parseErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid listing_id format"})
			return
		}
		listingID = &lid
	}

	ctx := c.Request.Context()
	message, err := h.messageService.SendMessage(ctx, senderID, receiverID, listingID, req.Content)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	h.notifyReceiver(c, receiverID)

	c.JSON(http.StatusCreated, message)
}

// notifyReceiver enqueues a new-message notification email. Failures are
// logged only; the message itself has already been stored.
func (h *RestMessageHandler) notifyReceiver(c *gin.Context, receiverID utils.SixID) {
	if h.taskClient == nil {
		return
	}
	ctx := c.Request.Context()
	receiver, err := h.userService.FindByID(ctx, receiverID)
	if err != nil {
		log.Printf("WARN: cannot load user %s for message notification: %v", receiverID.String(), err)
		return
	}
	task, err := tasks.NewEmailDeliveryTask(tasks.EmailTaskPayload{
		To:      receiver.Email,
		Subject: "You have a new message",
		Body:    fmt.Sprintf("Hi %s,\n\nYou have a new message waiting in your inbox.\n", receiver.Name),
		Notify:  tasks.NotifyNewMessage,
		UserID:  receiver.ID.String(),
	})
	if err != nil {
		return
	}
	if _, err := h.taskClient.EnqueueContext(ctx, task); err != nil {
		log.Printf("ERROR enqueuing message notification for user %s: %v", receiverID.String(), err)
	}
}

// GetThread handles GET /v1/message/thread/:id
func (h *RestMessageHandler) GetThread(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	otherID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID format"})
		return
	}

	messages, err := h.messageService.ThreadBetween(c.Request.Context(), userID, otherID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": messages})
}

// GetUnreadCount handles GET /v1/message/unread
func (h *RestMessageHandler) GetUnreadCount(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	count, err := h.messageService.UnreadFor(c.Request.Context(), userID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": count})
}

// StreamMessages handles GET /v1/message/stream. Server-sent events: each
// live message addressed to the caller is written as one `message` event.
// The connection closes when the client disconnects or the subscription
// becomes unavailable.
func (h *RestMessageHandler) StreamMessages(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	msgs, cancel, err := h.messageService.Subscribe(c.Request.Context(), userID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case msg, open := <-msgs:
			if !open {
				return false
			}
			c.SSEvent("message", msg)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// MarkThreadRead handles POST /v1/message/thread/:id/read
func (h *RestMessageHandler) MarkThreadRead(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	otherID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID format"})
		return
	}

	updated, err := h.messageService.MarkThreadRead(c.Request.Context(), userID, otherID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked_read": updated})
}
