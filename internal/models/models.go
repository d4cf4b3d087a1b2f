package models

import (
	"time"
)

// Contact statuses.
const (
	ContactNew    = "New"
	ContactActive = "Active"
	ContactRisk   = "Risk"
)

// Contact represents a WhatsApp contact
type Contact struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name      string    `gorm:"type:varchar(255)" json:"name"`
	Address   string    `gorm:"type:varchar(50);uniqueIndex;not null" json:"phone"` // phone number
	Birthday  string    `gorm:"type:varchar(20)" json:"birthday,omitempty"`
	Status    string    `gorm:"type:varchar(20);default:'New'" json:"status"`
	Lists     []string  `gorm:"serializer:json;type:text" json:"lists"`
	AvatarURL string    `gorm:"type:text" json:"avatar,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Contact) TableName() string {
	return "contacts"
}

// InList reports whether the contact belongs to the given list.
func (c *Contact) InList(listID string) bool {
	for _, l := range c.Lists {
		if l == listID {
			return true
		}
	}
	return false
}

// ContactList is a named group of contacts used for campaign targeting
type ContactList struct {
	ID    string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name  string `gorm:"type:varchar(255);not null" json:"name"`
	Color string `gorm:"type:varchar(50)" json:"color"`
}

func (ContactList) TableName() string {
	return "contact_lists"
}

// Campaign statuses.
const (
	CampaignDraft     = "Draft"
	CampaignRunning   = "Running"
	CampaignPaused    = "Paused"
	CampaignCompleted = "Completed"
	CampaignCancelled = "Cancelled"
)

// Speed tiers.
const (
	SpeedSafe   = "Safe"
	SpeedNormal = "Normal"
	SpeedFast   = "Fast"
)

// CampaignStats holds the delivery counters of a campaign.
type CampaignStats struct {
	Total     int `json:"total"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Read      int `json:"read"`
	Failed    int `json:"failed"`
}

// Valid reports whether the counters respect the delivery invariants.
func (s CampaignStats) Valid() bool {
	return s.Sent <= s.Total &&
		s.Delivered <= s.Sent &&
		s.Read <= s.Delivered &&
		s.Failed <= s.Total &&
		s.Sent+s.Failed <= s.Total
}

// Campaign represents an outbound bulk send
type Campaign struct {
	ID               string        `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name             string        `gorm:"type:varchar(255);not null" json:"name"`
	Message          string        `gorm:"type:text" json:"message"`
	MediaURL         string        `gorm:"type:text" json:"media_url,omitempty"`
	Speed            string        `gorm:"type:varchar(20);default:'Safe'" json:"speed"`
	ScheduleStart    *time.Time    `json:"schedule_start,omitempty"`
	ScheduleEnd      *time.Time    `json:"schedule_end,omitempty"`
	DailyStart       string        `gorm:"type:varchar(5)" json:"daily_start,omitempty"` // HH:MM
	DailyEnd         string        `gorm:"type:varchar(5)" json:"daily_end,omitempty"`   // HH:MM
	PauseCycle       int           `gorm:"default:0" json:"pause_cycle"`
	Status           string        `gorm:"type:varchar(20);default:'Draft';index" json:"status"`
	TargetContactIDs []string      `gorm:"serializer:json;type:text" json:"target_contact_ids"`
	TargetListIDs    []string      `gorm:"serializer:json;type:text" json:"target_list_ids"`
	Stats            CampaignStats `gorm:"embedded;embeddedPrefix:stats_" json:"stats"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
	LastSentAt       *time.Time    `json:"last_sent_at,omitempty"`
	SinceCooldown    int           `gorm:"default:0" json:"since_cooldown"`
	CreatedAt        time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Campaign) TableName() string {
	return "campaigns"
}

// Terminal reports whether the campaign can no longer change status.
func (c *Campaign) Terminal() bool {
	return c.Status == CampaignCompleted || c.Status == CampaignCancelled
}

// Delivery statuses.
const (
	DeliveryPending   = "pending"
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryRead      = "read"
	DeliveryFailed    = "failed"
	DeliveryDiscarded = "discarded"
)

// Delivery is one queued campaign message for one contact
type Delivery struct {
	ID         string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	CampaignID string    `gorm:"type:varchar(64);not null;index:idx_delivery_campaign_seq,priority:1" json:"campaign_id"`
	Seq        int       `gorm:"not null;index:idx_delivery_campaign_seq,priority:2" json:"seq"`
	ContactID  string    `gorm:"type:varchar(64)" json:"contact_id"`
	Address    string    `gorm:"type:varchar(50)" json:"address"`
	Status     string    `gorm:"type:varchar(20);default:'pending';index" json:"status"`
	MessageID  string    `gorm:"type:varchar(64)" json:"message_id,omitempty"`
	ExternalID string    `gorm:"type:varchar(255);index" json:"external_id,omitempty"`
	Error      string    `gorm:"type:text" json:"error,omitempty"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Delivery) TableName() string {
	return "deliveries"
}

// Message statuses and sources.
const (
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageRead      = "read"

	SourceCampaign = "campaign"
	SourceRule     = "rule"
	SourceAI       = "ai"
	SourceOperator = "operator"
	SourceInbound  = "inbound"
)

// Message represents a WhatsApp message
type Message struct {
	ID             string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ConversationID string    `gorm:"type:varchar(50);not null;index:idx_message_conversation_ts,priority:1" json:"conversation_id"`
	SenderID       string    `gorm:"type:varchar(50)" json:"sender_id"`
	Text           string    `gorm:"type:text" json:"text"`
	MediaURL       string    `gorm:"type:text" json:"media_url,omitempty"`
	Timestamp      time.Time `gorm:"not null;index:idx_message_conversation_ts,priority:2" json:"timestamp"`
	FromMe         bool      `json:"from_me"`
	Status         string    `gorm:"type:varchar(20)" json:"status,omitempty"`
	ExternalID     string    `gorm:"type:varchar(255);index:idx_message_external,unique,where:external_id <> ''" json:"external_id,omitempty"`
	CampaignID     string    `gorm:"type:varchar(64);index" json:"campaign_id,omitempty"`
	ReplyTo        string    `gorm:"type:varchar(64)" json:"reply_to,omitempty"`
	Source         string    `gorm:"type:varchar(20)" json:"source"`
}

func (Message) TableName() string {
	return "messages"
}

// Conversation is the per-address projection shown in the inbox
type Conversation struct {
	ID          string    `gorm:"primaryKey;type:varchar(50)" json:"id"` // contact address
	ContactID   string    `gorm:"type:varchar(64)" json:"contact_id,omitempty"`
	Name        string    `gorm:"type:varchar(255)" json:"name"`
	LastMessage string    `gorm:"type:text" json:"last_message"`
	Timestamp   time.Time `gorm:"index" json:"timestamp"`
	UnreadCount int       `gorm:"default:0" json:"unread_count"`
	Avatar      string    `gorm:"type:text" json:"avatar,omitempty"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// ChatbotConfigID is the primary key of the single chatbot config row.
const ChatbotConfigID = "settings"

// Default chatbot settings.
const (
	DefaultPersona = "Você é o atendente virtual da ZapFlow Pro. Seja educado e direto."
	DefaultModel   = "gemini-3-flash-preview"
)

// ChatbotConfig holds the auto-reply switch and AI persona
type ChatbotConfig struct {
	ID        string    `gorm:"primaryKey;type:varchar(32)" json:"-"`
	Enabled   bool      `json:"enabled"`
	AIPersona string    `gorm:"type:text" json:"ai_persona"`
	Model     string    `gorm:"type:varchar(100)" json:"model"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ChatbotConfig) TableName() string {
	return "chatbot_config"
}

// DefaultChatbotConfig is returned when no config row has been written yet.
func DefaultChatbotConfig() ChatbotConfig {
	return ChatbotConfig{
		ID:        ChatbotConfigID,
		Enabled:   true,
		AIPersona: DefaultPersona,
		Model:     DefaultModel,
	}
}

// Rule match types.
const (
	MatchExact    = "Exact"
	MatchContains = "Contains"
)

// ChatbotRule is a keyword trigger with a canned response
type ChatbotRule struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Trigger   string    `gorm:"type:varchar(255);not null" json:"trigger"`
	Response  string    `gorm:"type:text;not null" json:"response"`
	MatchType string    `gorm:"type:varchar(20);default:'Contains'" json:"match_type"`
	Position  int       `gorm:"default:0;index" json:"position"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (ChatbotRule) TableName() string {
	return "chatbot_rules"
}

// SystemSetting represents a key-value pair for system configuration
type SystemSetting struct {
	Key       string    `gorm:"primaryKey;type:varchar(100)" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SystemSetting) TableName() string {
	return "system_settings"
}

// All lists every persisted model, in migration order.
func All() []interface{} {
	return []interface{}{
		&Contact{},
		&ContactList{},
		&Campaign{},
		&Delivery{},
		&Message{},
		&Conversation{},
		&ChatbotConfig{},
		&ChatbotRule{},
		&SystemSetting{},
	}
}
