package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"zapflow/internal/models"
)

// Memory is an in-process Store. Records are copied on the way in and out.
type Memory struct {
	mu    sync.Mutex
	order int64
	feed  *Feed

	contacts      map[string]*models.Contact
	lists         map[string]*models.ContactList
	campaigns     map[string]*models.Campaign
	deliveries    map[string]*models.Delivery
	messages      map[string]*models.Message
	conversations map[string]*models.Conversation
	config        *models.ChatbotConfig
	rules         map[string]*models.ChatbotRule

	seq map[string]int64
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		feed:          NewFeed(),
		contacts:      make(map[string]*models.Contact),
		lists:         make(map[string]*models.ContactList),
		campaigns:     make(map[string]*models.Campaign),
		deliveries:    make(map[string]*models.Delivery),
		messages:      make(map[string]*models.Message),
		conversations: make(map[string]*models.Conversation),
		rules:         make(map[string]*models.ChatbotRule),
		seq:           make(map[string]int64),
	}
}

func (m *Memory) Feed() *Feed { return m.feed }

// stamp records insertion order for stable listing. Caller holds mu.
func (m *Memory) stamp(id string) {
	if _, ok := m.seq[id]; !ok {
		m.order++
		m.seq[id] = m.order
	}
}

func (m *Memory) CreateContact(ctx context.Context, c *models.Contact) error {
	m.mu.Lock()
	if _, ok := m.contacts[c.ID]; ok {
		m.mu.Unlock()
		return ErrDuplicate
	}
	for _, existing := range m.contacts {
		if existing.Address == c.Address {
			m.mu.Unlock()
			return ErrDuplicate
		}
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	cp := *c
	cp.Lists = append([]string(nil), c.Lists...)
	m.contacts[c.ID] = &cp
	m.stamp("contact:" + c.ID)
	m.mu.Unlock()

	m.feed.Publish(Change{Contacts, OpCreate, c.ID})
	return nil
}

func (m *Memory) UpdateContact(ctx context.Context, c *models.Contact) error {
	m.mu.Lock()
	existing, ok := m.contacts[c.ID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	for id, other := range m.contacts {
		if id != c.ID && other.Address == c.Address {
			m.mu.Unlock()
			return ErrDuplicate
		}
	}
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now()
	cp := *c
	cp.Lists = append([]string(nil), c.Lists...)
	m.contacts[c.ID] = &cp
	m.mu.Unlock()

	m.feed.Publish(Change{Contacts, OpUpdate, c.ID})
	return nil
}

func (m *Memory) DeleteContact(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.contacts[id]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.contacts, id)
	m.mu.Unlock()

	m.feed.Publish(Change{Contacts, OpDelete, id})
	return nil
}

func (m *Memory) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyContact(c), nil
}

func (m *Memory) ContactByAddress(ctx context.Context, address string) (*models.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.contacts {
		if c.Address == address {
			return copyContact(c), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListContacts(ctx context.Context) ([]models.Contact, error) {
	return m.contactsWhere(func(*models.Contact) bool { return true }), nil
}

func (m *Memory) ContactsInList(ctx context.Context, listID string) ([]models.Contact, error) {
	return m.contactsWhere(func(c *models.Contact) bool { return c.InList(listID) }), nil
}

func (m *Memory) contactsWhere(keep func(*models.Contact) bool) []models.Contact {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Contact, 0, len(m.contacts))
	for _, c := range m.contacts {
		if keep(c) {
			out = append(out, *copyContact(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return m.seq["contact:"+out[i].ID] < m.seq["contact:"+out[j].ID]
	})
	return out
}

func copyContact(c *models.Contact) *models.Contact {
	cp := *c
	cp.Lists = append([]string(nil), c.Lists...)
	return &cp
}

func (m *Memory) CreateList(ctx context.Context, l *models.ContactList) error {
	m.mu.Lock()
	if _, ok := m.lists[l.ID]; ok {
		m.mu.Unlock()
		return ErrDuplicate
	}
	cp := *l
	m.lists[l.ID] = &cp
	m.stamp("list:" + l.ID)
	m.mu.Unlock()

	m.feed.Publish(Change{ContactLists, OpCreate, l.ID})
	return nil
}

func (m *Memory) ListLists(ctx context.Context) ([]models.ContactList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ContactList, 0, len(m.lists))
	for _, l := range m.lists {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool {
		return m.seq["list:"+out[i].ID] < m.seq["list:"+out[j].ID]
	})
	return out, nil
}

func (m *Memory) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	m.mu.Lock()
	if _, ok := m.campaigns[c.ID]; ok {
		m.mu.Unlock()
		return ErrDuplicate
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.campaigns[c.ID] = copyCampaign(c)
	m.stamp("campaign:" + c.ID)
	m.mu.Unlock()

	m.feed.Publish(Change{Campaigns, OpCreate, c.ID})
	return nil
}

func (m *Memory) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCampaign(c), nil
}

func (m *Memory) ListCampaigns(ctx context.Context) ([]models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Campaign, 0, len(m.campaigns))
	for _, c := range m.campaigns {
		out = append(out, *copyCampaign(c))
	}
	sort.Slice(out, func(i, j int) bool {
		return m.seq["campaign:"+out[i].ID] > m.seq["campaign:"+out[j].ID]
	})
	return out, nil
}

func (m *Memory) SetCampaignStatus(ctx context.Context, id string, ch StatusChange) error {
	m.mu.Lock()
	c, ok := m.campaigns[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if !contains(ch.From, c.Status) {
		m.mu.Unlock()
		return ErrConflict
	}
	c.Status = ch.To
	if ch.StartedAt != nil {
		t := *ch.StartedAt
		c.StartedAt = &t
	}
	if ch.CompletedAt != nil {
		t := *ch.CompletedAt
		c.CompletedAt = &t
	}
	c.UpdatedAt = time.Now()
	m.mu.Unlock()

	m.feed.Publish(Change{Campaigns, OpUpdate, id})
	return nil
}

func (m *Memory) RecordCampaignSend(ctx context.Context, id string, at time.Time, sinceCooldown int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	c.LastSentAt = &at
	c.SinceCooldown = sinceCooldown
	return nil
}

func copyCampaign(c *models.Campaign) *models.Campaign {
	cp := *c
	cp.TargetContactIDs = append([]string(nil), c.TargetContactIDs...)
	cp.TargetListIDs = append([]string(nil), c.TargetListIDs...)
	if c.LastSentAt != nil {
		t := *c.LastSentAt
		cp.LastSentAt = &t
	}
	return &cp
}

func (m *Memory) EnqueueDeliveries(ctx context.Context, campaignID string, deliveries []models.Delivery) error {
	m.mu.Lock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	for _, d := range m.deliveries {
		if d.CampaignID == campaignID {
			m.mu.Unlock()
			return ErrConflict
		}
	}
	now := time.Now()
	for i := range deliveries {
		d := deliveries[i]
		d.UpdatedAt = now
		m.deliveries[d.ID] = &d
	}
	c.Stats.Total = len(deliveries)
	m.mu.Unlock()

	m.feed.Publish(Change{Campaigns, OpUpdate, campaignID})
	return nil
}

func (m *Memory) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) ListDeliveries(ctx context.Context, campaignID string) ([]models.Delivery, error) {
	return m.deliveriesWhere(func(d *models.Delivery) bool { return d.CampaignID == campaignID }), nil
}

func (m *Memory) PendingDeliveries(ctx context.Context, campaignID string) ([]models.Delivery, error) {
	return m.deliveriesWhere(func(d *models.Delivery) bool {
		return d.CampaignID == campaignID && d.Status == models.DeliveryPending
	}), nil
}

func (m *Memory) deliveriesWhere(keep func(*models.Delivery) bool) []models.Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Delivery
	for _, d := range m.deliveries {
		if keep(d) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (m *Memory) DeliveryByExternalID(ctx context.Context, externalID string) (*models.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if externalID == "" {
		return nil, ErrNotFound
	}
	for _, d := range m.deliveries {
		if d.ExternalID == externalID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) TransitionDelivery(ctx context.Context, t DeliveryTransition) (bool, error) {
	m.mu.Lock()
	d, ok := m.deliveries[t.ID]
	if !ok {
		m.mu.Unlock()
		return false, ErrNotFound
	}
	if d.Status != t.From {
		m.mu.Unlock()
		return false, nil
	}
	d.Status = t.To
	if t.MessageID != "" {
		d.MessageID = t.MessageID
	}
	if t.ExternalID != "" {
		d.ExternalID = t.ExternalID
	}
	if t.Error != "" {
		d.Error = t.Error
	}
	d.UpdatedAt = time.Now()
	if c, ok := m.campaigns[d.CampaignID]; ok {
		addStats(&c.Stats, t.Delta, 1)
	}
	campaignID := d.CampaignID
	m.mu.Unlock()

	m.feed.Publish(Change{Deliveries, OpUpdate, t.ID}, Change{Campaigns, OpUpdate, campaignID})
	return true, nil
}

func (m *Memory) BulkTransition(ctx context.Context, campaignID, from, to, reason string, perRow models.CampaignStats) (int, error) {
	m.mu.Lock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		m.mu.Unlock()
		return 0, ErrNotFound
	}
	n := 0
	now := time.Now()
	for _, d := range m.deliveries {
		if d.CampaignID != campaignID || d.Status != from {
			continue
		}
		d.Status = to
		if reason != "" {
			d.Error = reason
		}
		d.UpdatedAt = now
		n++
	}
	addStats(&c.Stats, perRow, n)
	m.mu.Unlock()

	if n > 0 {
		m.feed.Publish(Change{Campaigns, OpUpdate, campaignID})
	}
	return n, nil
}

func addStats(s *models.CampaignStats, d models.CampaignStats, times int) {
	s.Total += d.Total * times
	s.Sent += d.Sent * times
	s.Delivered += d.Delivered * times
	s.Read += d.Read * times
	s.Failed += d.Failed * times
}

func (m *Memory) CreateMessage(ctx context.Context, msg *models.Message) error {
	m.mu.Lock()
	if _, ok := m.messages[msg.ID]; ok {
		m.mu.Unlock()
		return ErrDuplicate
	}
	if msg.ExternalID != "" {
		for _, existing := range m.messages {
			if existing.ExternalID == msg.ExternalID {
				m.mu.Unlock()
				return ErrDuplicate
			}
		}
	}
	cp := *msg
	m.messages[msg.ID] = &cp
	m.stamp("message:" + msg.ID)
	m.mu.Unlock()

	m.feed.Publish(Change{Messages, OpCreate, msg.ID})
	return nil
}

func (m *Memory) MessageByExternalID(ctx context.Context, externalID string) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if externalID == "" {
		return nil, ErrNotFound
	}
	for _, msg := range m.messages {
		if msg.ExternalID == externalID {
			cp := *msg
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) SetMessageStatus(ctx context.Context, id string, from []string, status string) (bool, error) {
	m.mu.Lock()
	msg, ok := m.messages[id]
	if !ok {
		m.mu.Unlock()
		return false, ErrNotFound
	}
	if !contains(from, msg.Status) {
		m.mu.Unlock()
		return false, nil
	}
	msg.Status = status
	m.mu.Unlock()

	m.feed.Publish(Change{Messages, OpUpdate, id})
	return true, nil
}

func (m *Memory) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, *msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return m.seq["message:"+out[i].ID] < m.seq["message:"+out[j].ID]
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *Memory) TouchConversation(ctx context.Context, t ConversationTouch) (*models.Conversation, error) {
	m.mu.Lock()
	conv, ok := m.conversations[t.ID]
	op := OpUpdate
	if !ok {
		conv = &models.Conversation{ID: t.ID}
		m.conversations[t.ID] = conv
		op = OpCreate
	}
	applyTouch(conv, t)
	if t.Unread {
		conv.UnreadCount++
	}
	cp := *conv
	m.mu.Unlock()

	m.feed.Publish(Change{Conversations, op, t.ID})
	return &cp, nil
}

func applyTouch(conv *models.Conversation, t ConversationTouch) {
	if t.ContactID != "" {
		conv.ContactID = t.ContactID
	}
	if t.Name != "" {
		conv.Name = t.Name
	}
	if conv.Name == "" {
		conv.Name = t.ID
	}
	if t.Avatar != "" {
		conv.Avatar = t.Avatar
	}
	conv.LastMessage = t.LastMessage
	conv.Timestamp = t.Timestamp
}

func (m *Memory) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *conv
	return &cp, nil
}

func (m *Memory) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Conversation, 0, len(m.conversations))
	for _, conv := range m.conversations {
		out = append(out, *conv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (m *Memory) MarkConversationRead(ctx context.Context, id string) (*models.Conversation, error) {
	m.mu.Lock()
	conv, ok := m.conversations[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	conv.UnreadCount = 0
	cp := *conv
	m.mu.Unlock()

	m.feed.Publish(Change{Conversations, OpUpdate, id})
	return &cp, nil
}

func (m *Memory) ChatbotConfig(ctx context.Context) (models.ChatbotConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config == nil {
		return models.DefaultChatbotConfig(), nil
	}
	return *m.config, nil
}

func (m *Memory) SaveChatbotConfig(ctx context.Context, cfg models.ChatbotConfig) error {
	m.mu.Lock()
	cfg.ID = models.ChatbotConfigID
	cfg.UpdatedAt = time.Now()
	m.config = &cfg
	m.mu.Unlock()

	m.feed.Publish(Change{ChatbotConfig, OpUpdate, models.ChatbotConfigID})
	return nil
}

func (m *Memory) ListRules(ctx context.Context) ([]models.ChatbotRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ChatbotRule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return m.seq["rule:"+out[i].ID] < m.seq["rule:"+out[j].ID]
	})
	return out, nil
}

func (m *Memory) GetRule(ctx context.Context, id string) (*models.ChatbotRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) SaveRule(ctx context.Context, r *models.ChatbotRule) error {
	m.mu.Lock()
	op := OpUpdate
	if existing, ok := m.rules[r.ID]; ok {
		r.CreatedAt = existing.CreatedAt
	} else {
		op = OpCreate
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now()
		}
	}
	cp := *r
	m.rules[r.ID] = &cp
	m.stamp("rule:" + r.ID)
	m.mu.Unlock()

	m.feed.Publish(Change{ChatbotRules, op, r.ID})
	return nil
}

func (m *Memory) DeleteRule(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.rules[id]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.rules, id)
	m.mu.Unlock()

	m.feed.Publish(Change{ChatbotRules, OpDelete, id})
	return nil
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
