package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"zapflow/internal/automation"
	"zapflow/internal/models"
	"zapflow/internal/sender"
	"zapflow/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ConversationStore is what the inbox endpoints read and write.
type ConversationStore interface {
	store.MessageStore
	store.ConversationStore
}

// ConversationHandler serves the inbox and operator replies.
type ConversationHandler struct {
	Store    ConversationStore
	Sender   sender.Sender
	Notifier automation.Notifier
	log      zerolog.Logger
}

func NewConversationHandler(s ConversationStore, snd sender.Sender, n automation.Notifier, log zerolog.Logger) *ConversationHandler {
	return &ConversationHandler{Store: s, Sender: snd, Notifier: n, log: log}
}

func (h *ConversationHandler) Register(g *gin.RouterGroup) {
	g.GET("/conversations", h.GetConversations)
	g.GET("/conversations/:id/messages", h.GetMessages)
	g.POST("/conversations/:id/read", h.MarkRead)
	g.POST("/conversations/:id/send", h.SendMessage)
}

func (h *ConversationHandler) GetConversations(c *gin.Context) {
	conversations, err := h.Store.ListConversations(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if conversations == nil {
		conversations = []models.Conversation{}
	}
	c.JSON(http.StatusOK, conversations)
}

// GetMessages returns the conversation history oldest first. ?limit=N
// keeps only the newest N.
func (h *ConversationHandler) GetMessages(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	messages, err := h.Store.ListMessages(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	c.JSON(http.StatusOK, messages)
}

func (h *ConversationHandler) MarkRead(c *gin.Context) {
	conv, err := h.Store.MarkConversationRead(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if h.Notifier != nil {
		h.Notifier.NotifyConversation(*conv)
	}
	c.JSON(http.StatusOK, conv)
}

type SendMessageRequest struct {
	Text     string `json:"text"`
	MediaURL string `json:"media_url"`
}

// SendMessage sends an operator reply into the conversation. It shares the
// device gate with campaigns and auto-replies.
func (h *ConversationHandler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Text) == "" && req.MediaURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text or media_url is required"})
		return
	}

	ctx := c.Request.Context()
	to := c.Param("id")
	receipt, err := h.Sender.Send(ctx, sender.Outbound{To: to, Text: req.Text, MediaURL: req.MediaURL})
	if err != nil {
		h.log.Warn().Err(err).Str("to", to).Msg("Operator reply failed")
		respondError(c, err)
		return
	}

	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: to,
		Text:           req.Text,
		MediaURL:       req.MediaURL,
		Timestamp:      time.Now(),
		FromMe:         true,
		Status:         models.MessageSent,
		ExternalID:     receipt.ExternalID,
		Source:         models.SourceOperator,
	}
	if err := h.Store.CreateMessage(ctx, &msg); err != nil {
		respondError(c, err)
		return
	}
	conv, err := h.Store.TouchConversation(ctx, store.ConversationTouch{
		ID:          to,
		LastMessage: req.Text,
		Timestamp:   msg.Timestamp,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if h.Notifier != nil {
		h.Notifier.NotifyMessage(msg)
		h.Notifier.NotifyConversation(*conv)
	}
	c.JSON(http.StatusOK, msg)
}
