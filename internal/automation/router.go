package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"zapflow/internal/ai"
	"zapflow/internal/clock"
	"zapflow/internal/models"
	"zapflow/internal/sender"
	"zapflow/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Inbound is a message received from a contact, normalized across
// transports.
type Inbound struct {
	ExternalID string
	From       string
	Name       string
	Text       string
	MediaURL   string
	Timestamp  time.Time
	FromMe     bool
}

// SourceNone marks an outcome where no reply was sent.
const SourceNone = "none"

// Outcome reports what the router did with one inbound message.
type Outcome struct {
	// Source is SourceNone, models.SourceRule or models.SourceAI.
	Source    string
	Duplicate bool
	Inbound   *models.Message
	Reply     *models.Message
	// Err holds a gateway or send failure. The inbound message was still
	// recorded.
	Err error
}

// Notifier publishes conversation activity to live clients.
type Notifier interface {
	NotifyConversation(conv models.Conversation)
	NotifyMessage(msg models.Message)
}

type RouterStore interface {
	store.ContactStore
	store.MessageStore
	store.ConversationStore
	store.ChatbotStore
}

type RouterConfig struct {
	Store    RouterStore
	Gateway  ai.Gateway
	Sender   sender.Sender
	Notifier Notifier
	Clock    clock.Clock
	// Retry paces retries of store calls that fail with
	// store.ErrStoreUnavailable.
	Retry store.Backoff
	// HistoryWindow is how many recent messages are sent to the gateway.
	HistoryWindow int
	Logger        zerolog.Logger
}

// Router decides and sends the auto-reply for each inbound message. Work
// for one conversation is strictly ordered; different conversations are
// handled concurrently.
type Router struct {
	store   RouterStore
	gateway ai.Gateway
	sender  sender.Sender
	notify  Notifier
	clock   clock.Clock
	retry   store.Backoff
	history int
	log     zerolog.Logger

	locks convLocks

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queues map[string]*convQueue
	closed bool
	wg     sync.WaitGroup
}

type convQueue struct {
	pending []Inbound
}

func NewRouter(cfg RouterConfig) *Router {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		store:   cfg.Store,
		gateway: cfg.Gateway,
		sender:  cfg.Sender,
		notify:  cfg.Notifier,
		clock:   cfg.Clock,
		retry:   cfg.Retry,
		history: cfg.HistoryWindow,
		log:     cfg.Logger.With().Str("component", "router").Logger(),
		locks:   convLocks{m: make(map[string]*convLock)},
		ctx:     ctx,
		cancel:  cancel,
		queues:  make(map[string]*convQueue),
	}
}

// Submit queues msg behind earlier messages of the same conversation and
// returns immediately.
func (r *Router) Submit(msg Inbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.log.Warn().Str("from", msg.From).Msg("Router closed, dropping inbound message")
		return
	}
	q, running := r.queues[msg.From]
	if !running {
		q = &convQueue{}
		r.queues[msg.From] = q
	}
	q.pending = append(q.pending, msg)
	if !running {
		r.wg.Add(1)
		go r.drain(msg.From, q)
	}
}

func (r *Router) drain(key string, q *convQueue) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if len(q.pending) == 0 {
			delete(r.queues, key)
			r.mu.Unlock()
			return
		}
		msg := q.pending[0]
		q.pending = q.pending[1:]
		r.mu.Unlock()

		out, err := r.Handle(r.ctx, msg)
		if err != nil {
			r.log.Error().Err(err).Str("from", msg.From).Str("external_id", msg.ExternalID).Msg("Failed to handle inbound message")
			continue
		}
		r.log.Debug().Str("from", msg.From).Str("source", out.Source).Bool("duplicate", out.Duplicate).Msg("Inbound handled")
	}
}

// Close stops accepting messages and waits for queued work to finish or
// for ctx to end, whichever comes first.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	}
}

// Handle processes one inbound message synchronously: record it, update
// the conversation, then send at most one reply from a matching rule or,
// failing that, from the AI gateway. Store calls that fail with
// store.ErrStoreUnavailable are retried one step at a time until ctx ends,
// so a reply is never sent twice. The returned error is reserved for
// store failures; gateway and send failures are reported in Outcome.Err.
func (r *Router) Handle(ctx context.Context, msg Inbound) (Outcome, error) {
	if msg.FromMe {
		return Outcome{Source: SourceNone}, nil
	}
	if msg.From == "" {
		return Outcome{}, errors.New("inbound message has no sender address")
	}

	unlock := r.locks.lock(msg.From)
	defer unlock()

	var contact *models.Contact
	err := r.persist(ctx, "look up contact", func() error {
		var err error
		contact, err = r.store.ContactByAddress(ctx, msg.From)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("look up contact %s: %w", msg.From, err)
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = r.clock.Now()
	}
	inbound := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: msg.From,
		SenderID:       msg.From,
		Text:           msg.Text,
		MediaURL:       msg.MediaURL,
		Timestamp:      ts,
		ExternalID:     msg.ExternalID,
		Source:         models.SourceInbound,
	}
	err = r.persist(ctx, "record inbound", func() error { return r.store.CreateMessage(ctx, inbound) })
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return Outcome{Source: SourceNone, Duplicate: true}, nil
		}
		return Outcome{}, fmt.Errorf("record inbound message: %w", err)
	}
	r.publishMessage(*inbound)

	touch := store.ConversationTouch{
		ID:          msg.From,
		Name:        msg.Name,
		LastMessage: msg.Text,
		Timestamp:   ts,
		Unread:      true,
	}
	if contact != nil {
		touch.ContactID = contact.ID
		touch.Name = contact.Name
		touch.Avatar = contact.AvatarURL
	}
	if err := r.touch(ctx, touch); err != nil {
		return Outcome{}, err
	}

	out := Outcome{Source: SourceNone, Inbound: inbound}

	var cfg models.ChatbotConfig
	err = r.persist(ctx, "read chatbot config", func() error {
		var err error
		cfg, err = r.store.ChatbotConfig(ctx)
		return err
	})
	if err != nil {
		return out, fmt.Errorf("read chatbot config: %w", err)
	}
	if !cfg.Enabled {
		return out, nil
	}

	var rules []models.ChatbotRule
	err = r.persist(ctx, "read chatbot rules", func() error {
		var err error
		rules, err = r.store.ListRules(ctx)
		return err
	})
	if err != nil {
		return out, fmt.Errorf("read chatbot rules: %w", err)
	}

	var reply, source string
	if rule, ok := Match(msg.Text, rules); ok {
		reply, source = rule.Response, models.SourceRule
	} else {
		reply, err = r.generate(ctx, cfg, msg.From)
		if err != nil {
			r.log.Warn().Err(err).Str("from", msg.From).Msg("AI reply unavailable, not replying")
			out.Err = err
			return out, nil
		}
		source = models.SourceAI
	}

	receipt, err := r.sender.Send(ctx, sender.Outbound{To: msg.From, Text: reply})
	if err != nil {
		r.log.Warn().Err(err).Str("from", msg.From).Str("source", source).Msg("Failed to send auto-reply")
		out.Source = source
		out.Err = err
		return out, nil
	}

	sentAt := r.clock.Now()
	if sentAt.Before(ts) {
		sentAt = ts
	}
	replyMsg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: msg.From,
		Text:           reply,
		Timestamp:      sentAt,
		FromMe:         true,
		Status:         models.MessageSent,
		ExternalID:     receipt.ExternalID,
		ReplyTo:        inbound.ID,
		Source:         source,
	}
	out.Source = source
	out.Reply = replyMsg
	if err := r.persist(ctx, "record reply", func() error { return r.store.CreateMessage(ctx, replyMsg) }); err != nil {
		return out, fmt.Errorf("record reply: %w", err)
	}
	r.publishMessage(*replyMsg)
	if err := r.touch(ctx, store.ConversationTouch{ID: msg.From, LastMessage: reply, Timestamp: sentAt}); err != nil {
		return out, err
	}
	return out, nil
}

func (r *Router) generate(ctx context.Context, cfg models.ChatbotConfig, conversationID string) (string, error) {
	var history []models.Message
	err := r.persist(ctx, "read history", func() error {
		var err error
		history, err = r.store.ListMessages(ctx, conversationID, r.history)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("read history: %w", err)
	}
	turns := make([]ai.Turn, 0, len(history))
	for _, m := range history {
		role := ai.RoleUser
		if m.FromMe {
			role = ai.RoleAssistant
		}
		turns = append(turns, ai.Turn{Role: role, Text: m.Text})
	}
	return r.gateway.Generate(ctx, ai.Request{
		Persona: cfg.AIPersona,
		Model:   cfg.Model,
		History: turns,
	})
}

func (r *Router) touch(ctx context.Context, t store.ConversationTouch) error {
	var conv *models.Conversation
	err := r.persist(ctx, "update conversation", func() error {
		var err error
		conv, err = r.store.TouchConversation(ctx, t)
		return err
	})
	if err != nil {
		return fmt.Errorf("update conversation %s: %w", t.ID, err)
	}
	if r.notify != nil {
		r.notify.NotifyConversation(*conv)
	}
	return nil
}

// persist runs fn until it succeeds or fails with anything other than
// store.ErrStoreUnavailable, backing off between attempts. It gives up
// with the last error once ctx ends.
func (r *Router) persist(ctx context.Context, op string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, store.ErrStoreUnavailable) {
			return err
		}
		delay := r.retry.Delay(attempt)
		r.log.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Dur("retry_in", delay).Msg("Store unavailable, retrying")
		select {
		case <-r.clock.After(delay):
		case <-ctx.Done():
			return err
		}
	}
}

func (r *Router) publishMessage(m models.Message) {
	if r.notify != nil {
		r.notify.NotifyMessage(m)
	}
}

// convLocks hands out one mutex per conversation, dropping it once no
// caller holds or waits for it.
type convLocks struct {
	mu sync.Mutex
	m  map[string]*convLock
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

func (l *convLocks) lock(key string) func() {
	l.mu.Lock()
	cl, ok := l.m[key]
	if !ok {
		cl = &convLock{}
		l.m[key] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()
	return func() {
		cl.mu.Unlock()
		l.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.m, key)
		}
		l.mu.Unlock()
	}
}
