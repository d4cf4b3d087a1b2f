package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zapflow/internal/models"

	"gorm.io/gorm"
)

// Gorm is a Store over a gorm connection. Stats changes run in the same
// transaction as the delivery update that caused them.
type Gorm struct {
	db   *gorm.DB
	feed *Feed
}

var _ Store = (*Gorm)(nil)

func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db, feed: NewFeed()}
}

func (s *Gorm) Feed() *Feed { return s.feed }

// DB exposes the underlying connection for operator tools.
func (s *Gorm) DB() *gorm.DB { return s.db }

func (s *Gorm) CreateContact(ctx context.Context, c *models.Contact) error {
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return translate(err)
	}
	s.feed.Publish(Change{Contacts, OpCreate, c.ID})
	return nil
}

func (s *Gorm) UpdateContact(ctx context.Context, c *models.Contact) error {
	res := s.db.WithContext(ctx).Model(&models.Contact{}).Where("id = ?", c.ID).
		Select("name", "address", "birthday", "status", "lists", "avatar_url", "updated_at").
		Updates(c)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.feed.Publish(Change{Contacts, OpUpdate, c.ID})
	return nil
}

func (s *Gorm) DeleteContact(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.Contact{}, "id = ?", id)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.feed.Publish(Change{Contacts, OpDelete, id})
	return nil
}

func (s *Gorm) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	var c models.Contact
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (s *Gorm) ContactByAddress(ctx context.Context, address string) (*models.Contact, error) {
	var c models.Contact
	if err := s.db.WithContext(ctx).First(&c, "address = ?", address).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (s *Gorm) ListContacts(ctx context.Context) ([]models.Contact, error) {
	var contacts []models.Contact
	if err := s.db.WithContext(ctx).Order("created_at, id").Find(&contacts).Error; err != nil {
		return nil, translate(err)
	}
	return contacts, nil
}

// ContactsInList narrows with LIKE on the JSON column, then checks
// membership exactly.
func (s *Gorm) ContactsInList(ctx context.Context, listID string) ([]models.Contact, error) {
	var candidates []models.Contact
	err := s.db.WithContext(ctx).
		Where("lists LIKE ?", "%\""+listID+"\"%").
		Order("created_at, id").
		Find(&candidates).Error
	if err != nil {
		return nil, translate(err)
	}
	out := candidates[:0]
	for i := range candidates {
		if candidates[i].InList(listID) {
			out = append(out, candidates[i])
		}
	}
	return out, nil
}

func (s *Gorm) CreateList(ctx context.Context, l *models.ContactList) error {
	if err := s.db.WithContext(ctx).Create(l).Error; err != nil {
		return translate(err)
	}
	s.feed.Publish(Change{ContactLists, OpCreate, l.ID})
	return nil
}

func (s *Gorm) ListLists(ctx context.Context) ([]models.ContactList, error) {
	var lists []models.ContactList
	if err := s.db.WithContext(ctx).Order("name").Find(&lists).Error; err != nil {
		return nil, translate(err)
	}
	return lists, nil
}

func (s *Gorm) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return translate(err)
	}
	s.feed.Publish(Change{Campaigns, OpCreate, c.ID})
	return nil
}

func (s *Gorm) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	var c models.Campaign
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (s *Gorm) ListCampaigns(ctx context.Context) ([]models.Campaign, error) {
	var campaigns []models.Campaign
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&campaigns).Error; err != nil {
		return nil, translate(err)
	}
	return campaigns, nil
}

func (s *Gorm) SetCampaignStatus(ctx context.Context, id string, ch StatusChange) error {
	updates := map[string]interface{}{"status": ch.To}
	if ch.StartedAt != nil {
		updates["started_at"] = *ch.StartedAt
	}
	if ch.CompletedAt != nil {
		updates["completed_at"] = *ch.CompletedAt
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Campaign{}).Where("id = ? AND status IN ?", id, ch.From).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
		var count int64
		if err := tx.Model(&models.Campaign{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrConflict
	})
	if err != nil {
		return translate(err)
	}
	s.feed.Publish(Change{Campaigns, OpUpdate, id})
	return nil
}

func (s *Gorm) RecordCampaignSend(ctx context.Context, id string, at time.Time, sinceCooldown int) error {
	res := s.db.WithContext(ctx).Model(&models.Campaign{}).Where("id = ?", id).Updates(map[string]interface{}{
		"last_sent_at":   at,
		"since_cooldown": sinceCooldown,
	})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Gorm) EnqueueDeliveries(ctx context.Context, campaignID string, deliveries []models.Delivery) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&models.Delivery{}).Where("campaign_id = ?", campaignID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrConflict
		}
		if len(deliveries) > 0 {
			if err := tx.CreateInBatches(deliveries, 200).Error; err != nil {
				return err
			}
		}
		res := tx.Model(&models.Campaign{}).Where("id = ?", campaignID).Update("stats_total", len(deliveries))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return translate(err)
	}
	s.feed.Publish(Change{Campaigns, OpUpdate, campaignID})
	return nil
}

func (s *Gorm) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	var d models.Delivery
	if err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

func (s *Gorm) ListDeliveries(ctx context.Context, campaignID string) ([]models.Delivery, error) {
	var out []models.Delivery
	if err := s.db.WithContext(ctx).Where("campaign_id = ?", campaignID).Order("seq").Find(&out).Error; err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (s *Gorm) PendingDeliveries(ctx context.Context, campaignID string) ([]models.Delivery, error) {
	var out []models.Delivery
	err := s.db.WithContext(ctx).
		Where("campaign_id = ? AND status = ?", campaignID, models.DeliveryPending).
		Order("seq").
		Find(&out).Error
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (s *Gorm) DeliveryByExternalID(ctx context.Context, externalID string) (*models.Delivery, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	var d models.Delivery
	if err := s.db.WithContext(ctx).First(&d, "external_id = ?", externalID).Error; err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

func (s *Gorm) TransitionDelivery(ctx context.Context, t DeliveryTransition) (bool, error) {
	updates := map[string]interface{}{"status": t.To}
	if t.MessageID != "" {
		updates["message_id"] = t.MessageID
	}
	if t.ExternalID != "" {
		updates["external_id"] = t.ExternalID
	}
	if t.Error != "" {
		updates["error"] = t.Error
	}

	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Delivery{}).Where("id = ? AND status = ?", t.ID, t.From).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&models.Delivery{}).Where("id = ?", t.ID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrNotFound
			}
			return nil
		}
		applied = true
		return applyStats(tx, t.CampaignID, t.Delta, 1)
	})
	if err != nil {
		return false, translate(err)
	}
	if applied {
		s.feed.Publish(Change{Deliveries, OpUpdate, t.ID}, Change{Campaigns, OpUpdate, t.CampaignID})
	}
	return applied, nil
}

func (s *Gorm) BulkTransition(ctx context.Context, campaignID, from, to, reason string, perRow models.CampaignStats) (int, error) {
	updates := map[string]interface{}{"status": to}
	if reason != "" {
		updates["error"] = reason
	}

	var moved int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Delivery{}).Where("campaign_id = ? AND status = ?", campaignID, from).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		moved = int(res.RowsAffected)
		if moved == 0 {
			return nil
		}
		return applyStats(tx, campaignID, perRow, moved)
	})
	if err != nil {
		return 0, translate(err)
	}
	if moved > 0 {
		s.feed.Publish(Change{Campaigns, OpUpdate, campaignID})
	}
	return moved, nil
}

// applyStats adds times*d to the campaign counters with column
// expressions so concurrent transactions never lose an increment.
func applyStats(tx *gorm.DB, campaignID string, d models.CampaignStats, times int) error {
	updates := map[string]interface{}{}
	add := func(column string, v int) {
		if v != 0 {
			updates[column] = gorm.Expr(column+" + ?", v*times)
		}
	}
	add("stats_total", d.Total)
	add("stats_sent", d.Sent)
	add("stats_delivered", d.Delivered)
	add("stats_read", d.Read)
	add("stats_failed", d.Failed)
	if len(updates) == 0 {
		return nil
	}
	return tx.Model(&models.Campaign{}).Where("id = ?", campaignID).Updates(updates).Error
}

func (s *Gorm) CreateMessage(ctx context.Context, m *models.Message) error {
	if m.ExternalID != "" {
		if _, err := s.MessageByExternalID(ctx, m.ExternalID); err == nil {
			return ErrDuplicate
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return translate(err)
	}
	s.feed.Publish(Change{Messages, OpCreate, m.ID})
	return nil
}

func (s *Gorm) MessageByExternalID(ctx context.Context, externalID string) (*models.Message, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	var m models.Message
	if err := s.db.WithContext(ctx).First(&m, "external_id = ?", externalID).Error; err != nil {
		return nil, translate(err)
	}
	return &m, nil
}

func (s *Gorm) SetMessageStatus(ctx context.Context, id string, from []string, status string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND status IN ?", id, from).
		Update("status", status)
	if res.Error != nil {
		return false, translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	s.feed.Publish(Change{Messages, OpUpdate, id})
	return true, nil
}

func (s *Gorm) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	q := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Order("timestamp DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.Message
	if err := q.Find(&out).Error; err != nil {
		return nil, translate(err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Gorm) TouchConversation(ctx context.Context, t ConversationTouch) (*models.Conversation, error) {
	var conv models.Conversation
	op := OpUpdate
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&conv, "id = ?", t.ID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			op = OpCreate
			conv = models.Conversation{ID: t.ID}
			applyTouch(&conv, t)
			if t.Unread {
				conv.UnreadCount = 1
			}
			return tx.Create(&conv).Error
		case err != nil:
			return err
		}

		applyTouch(&conv, t)
		updates := map[string]interface{}{
			"contact_id":   conv.ContactID,
			"name":         conv.Name,
			"avatar":       conv.Avatar,
			"last_message": conv.LastMessage,
			"timestamp":    conv.Timestamp,
		}
		if t.Unread {
			updates["unread_count"] = gorm.Expr("unread_count + 1")
			conv.UnreadCount++
		}
		return tx.Model(&models.Conversation{}).Where("id = ?", t.ID).Updates(updates).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	s.feed.Publish(Change{Conversations, op, t.ID})
	return &conv, nil
}

func (s *Gorm) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &conv, nil
}

func (s *Gorm) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var out []models.Conversation
	if err := s.db.WithContext(ctx).Order("timestamp DESC").Find(&out).Error; err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (s *Gorm) MarkConversationRead(ctx context.Context, id string) (*models.Conversation, error) {
	res := s.db.WithContext(ctx).Model(&models.Conversation{}).Where("id = ?", id).Update("unread_count", 0)
	if res.Error != nil {
		return nil, translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	s.feed.Publish(Change{Conversations, OpUpdate, id})
	return s.GetConversation(ctx, id)
}

func (s *Gorm) ChatbotConfig(ctx context.Context) (models.ChatbotConfig, error) {
	var cfg models.ChatbotConfig
	err := s.db.WithContext(ctx).First(&cfg, "id = ?", models.ChatbotConfigID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.DefaultChatbotConfig(), nil
	}
	if err != nil {
		return models.ChatbotConfig{}, translate(err)
	}
	return cfg, nil
}

func (s *Gorm) SaveChatbotConfig(ctx context.Context, cfg models.ChatbotConfig) error {
	cfg.ID = models.ChatbotConfigID
	cfg.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(&cfg).Error; err != nil {
		return translate(err)
	}
	s.feed.Publish(Change{ChatbotConfig, OpUpdate, models.ChatbotConfigID})
	return nil
}

func (s *Gorm) ListRules(ctx context.Context) ([]models.ChatbotRule, error) {
	var rules []models.ChatbotRule
	if err := s.db.WithContext(ctx).Order("position, created_at, id").Find(&rules).Error; err != nil {
		return nil, translate(err)
	}
	return rules, nil
}

func (s *Gorm) GetRule(ctx context.Context, id string) (*models.ChatbotRule, error) {
	var r models.ChatbotRule
	if err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

func (s *Gorm) SaveRule(ctx context.Context, r *models.ChatbotRule) error {
	op := OpCreate
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.ChatbotRule
		err := tx.First(&existing, "id = ?", r.ID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(r).Error
		case err != nil:
			return err
		}
		op = OpUpdate
		r.CreatedAt = existing.CreatedAt
		return tx.Model(&models.ChatbotRule{}).Where("id = ?", r.ID).
			Updates(map[string]interface{}{
				"trigger":    r.Trigger,
				"response":   r.Response,
				"match_type": r.MatchType,
				"position":   r.Position,
			}).Error
	})
	if err != nil {
		return translate(err)
	}
	s.feed.Publish(Change{ChatbotRules, op, r.ID})
	return nil
}

func (s *Gorm) DeleteRule(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.ChatbotRule{}, "id = ?", id)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.feed.Publish(Change{ChatbotRules, OpDelete, id})
	return nil
}

// String identifies the backing driver in logs.
func (s *Gorm) String() string {
	return fmt.Sprintf("gorm(%s)", s.db.Dialector.Name())
}
