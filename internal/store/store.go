// Package store persists ZapFlow entities and publishes a change feed.
//
// Two implementations are provided: Gorm, backed by any gorm dialector, and
// Memory, a mutex-guarded in-process store. Both translate failures onto the
// sentinels in errors.go so callers can branch with errors.Is.
package store

import (
	"context"
	"time"

	"zapflow/internal/models"
)

type ContactStore interface {
	CreateContact(ctx context.Context, c *models.Contact) error
	UpdateContact(ctx context.Context, c *models.Contact) error
	DeleteContact(ctx context.Context, id string) error
	GetContact(ctx context.Context, id string) (*models.Contact, error)
	ContactByAddress(ctx context.Context, address string) (*models.Contact, error)
	// ListContacts returns contacts in creation order.
	ListContacts(ctx context.Context) ([]models.Contact, error)
	// ContactsInList returns the members of a list in creation order.
	ContactsInList(ctx context.Context, listID string) ([]models.Contact, error)

	CreateList(ctx context.Context, l *models.ContactList) error
	ListLists(ctx context.Context) ([]models.ContactList, error)
}

// StatusChange moves a campaign to To when its current status is one of
// From. The timestamps are written only when set.
type StatusChange struct {
	From        []string
	To          string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

type CampaignStore interface {
	CreateCampaign(ctx context.Context, c *models.Campaign) error
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
	ListCampaigns(ctx context.Context) ([]models.Campaign, error)
	// SetCampaignStatus returns ErrConflict when the campaign is not in
	// one of ch.From.
	SetCampaignStatus(ctx context.Context, id string, ch StatusChange) error
	// RecordCampaignSend stores when the campaign last sent and how many
	// sends it has made since its last cooldown.
	RecordCampaignSend(ctx context.Context, id string, at time.Time, sinceCooldown int) error
}

// DeliveryTransition is a conditional move of one delivery from From to
// To. Delta is added to the owning campaign's stats in the same
// transaction, only when the move applies.
type DeliveryTransition struct {
	ID         string
	CampaignID string
	From       string
	To         string
	MessageID  string
	ExternalID string
	Error      string
	Delta      models.CampaignStats
}

type DeliveryStore interface {
	// EnqueueDeliveries inserts the deliveries and sets the campaign total
	// to their count atomically. It returns ErrConflict when the campaign
	// already has deliveries.
	EnqueueDeliveries(ctx context.Context, campaignID string, deliveries []models.Delivery) error
	GetDelivery(ctx context.Context, id string) (*models.Delivery, error)
	ListDeliveries(ctx context.Context, campaignID string) ([]models.Delivery, error)
	// PendingDeliveries returns the pending deliveries in seq order.
	PendingDeliveries(ctx context.Context, campaignID string) ([]models.Delivery, error)
	DeliveryByExternalID(ctx context.Context, externalID string) (*models.Delivery, error)
	// TransitionDelivery reports whether the move applied.
	TransitionDelivery(ctx context.Context, t DeliveryTransition) (bool, error)
	// BulkTransition moves every delivery of the campaign in status from
	// to status to, adding perRow to the stats once per moved row.
	BulkTransition(ctx context.Context, campaignID, from, to, reason string, perRow models.CampaignStats) (int, error)
}

type MessageStore interface {
	// CreateMessage returns ErrDuplicate when ExternalID is set and
	// already stored.
	CreateMessage(ctx context.Context, m *models.Message) error
	MessageByExternalID(ctx context.Context, externalID string) (*models.Message, error)
	// SetMessageStatus moves the message to status when its current
	// status is one of from, reporting whether it applied.
	SetMessageStatus(ctx context.Context, id string, from []string, status string) (bool, error)
	// ListMessages returns the newest limit messages of a conversation in
	// chronological order. limit <= 0 returns all of them.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
}

// ConversationTouch upserts the conversation projection. Name and Avatar
// only overwrite stored values when non-empty.
type ConversationTouch struct {
	ID          string
	ContactID   string
	Name        string
	Avatar      string
	LastMessage string
	Timestamp   time.Time
	Unread      bool
}

type ConversationStore interface {
	TouchConversation(ctx context.Context, t ConversationTouch) (*models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	// ListConversations returns conversations, most recent first.
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	MarkConversationRead(ctx context.Context, id string) (*models.Conversation, error)
}

type ChatbotStore interface {
	// ChatbotConfig returns the stored config, or the defaults when none
	// has been saved.
	ChatbotConfig(ctx context.Context) (models.ChatbotConfig, error)
	SaveChatbotConfig(ctx context.Context, cfg models.ChatbotConfig) error
	// ListRules returns rules ordered by position, then creation time.
	ListRules(ctx context.Context) ([]models.ChatbotRule, error)
	GetRule(ctx context.Context, id string) (*models.ChatbotRule, error)
	SaveRule(ctx context.Context, r *models.ChatbotRule) error
	DeleteRule(ctx context.Context, id string) error
}

type Store interface {
	ContactStore
	CampaignStore
	DeliveryStore
	MessageStore
	ConversationStore
	ChatbotStore

	Feed() *Feed
}
