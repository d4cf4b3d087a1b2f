package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"zapflow/internal/ai"
	"zapflow/internal/clock"
	"zapflow/internal/models"
	"zapflow/internal/sender"
	"zapflow/internal/store"

	"github.com/rs/zerolog"
)

const ana = "5511900000001"

type recordingSender struct {
	mu   sync.Mutex
	sent []sender.Outbound
	err  error
}

func (s *recordingSender) Send(ctx context.Context, out sender.Outbound) (sender.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return sender.Receipt{}, sender.Failure(out.To, s.err)
	}
	s.sent = append(s.sent, out)
	return sender.Receipt{ExternalID: fmt.Sprintf("wamid.out.%d", len(s.sent))}, nil
}

func (s *recordingSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, o := range s.sent {
		out[i] = o.Text
	}
	return out
}

type recordingNotifier struct {
	mu            sync.Mutex
	conversations []models.Conversation
	messages      []models.Message
}

func (n *recordingNotifier) NotifyConversation(c models.Conversation) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.conversations = append(n.conversations, c)
}

func (n *recordingNotifier) NotifyMessage(m models.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, m)
}

type fixture struct {
	store    *store.Memory
	sender   *recordingSender
	notifier *recordingNotifier
	router   *Router
	settings *Settings
}

func newFixture(t *testing.T, gateway ai.Gateway) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemory(),
		sender:   &recordingSender{},
		notifier: &recordingNotifier{},
	}
	if gateway == nil {
		gateway = ai.Func(func(ctx context.Context, req ai.Request) (string, error) {
			return "", errors.New("gateway not configured")
		})
	}
	f.router = NewRouter(RouterConfig{
		Store:         f.store,
		Gateway:       ai.Bounded(gateway, time.Second),
		Sender:        f.sender,
		Notifier:      f.notifier,
		HistoryWindow: 3,
		Logger:        zerolog.Nop(),
	})
	f.settings = NewSettings(f.store)
	t.Cleanup(func() { f.router.Close(context.Background()) })

	ctx := context.Background()
	for _, r := range []models.ChatbotRule{
		{Trigger: "oi", Response: "Olá!", MatchType: models.MatchExact},
		{Trigger: "preço", Response: "R$10", MatchType: models.MatchContains},
	} {
		if _, err := f.settings.UpsertRule(ctx, r); err != nil {
			t.Fatalf("UpsertRule: %v", err)
		}
	}
	return f
}

func inboundFrom(id, text string) Inbound {
	return Inbound{ExternalID: id, From: ana, Name: "Ana", Text: text, Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func TestHandleRuleReply(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	out, err := f.router.Handle(ctx, inboundFrom("wamid.in.1", "Qual o preço?"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.Source != models.SourceRule || out.Err != nil {
		t.Fatalf("outcome = %+v, want rule reply", out)
	}
	if got := f.sender.texts(); len(got) != 1 || got[0] != "R$10" {
		t.Errorf("sent = %v, want [R$10]", got)
	}
	if out.Reply.ReplyTo != out.Inbound.ID || out.Reply.ExternalID != "wamid.out.1" || !out.Reply.FromMe {
		t.Errorf("reply = %+v", out.Reply)
	}

	conv, err := f.store.GetConversation(ctx, ana)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.UnreadCount != 1 || conv.LastMessage != "R$10" || conv.Name != "Ana" {
		t.Errorf("conversation = %+v", conv)
	}
	msgs, _ := f.store.ListMessages(ctx, ana, 0)
	if len(msgs) != 2 {
		t.Errorf("stored %d messages, want inbound + reply", len(msgs))
	}
	if len(f.notifier.conversations) != 2 || len(f.notifier.messages) != 2 {
		t.Errorf("notifications: %d conversations, %d messages", len(f.notifier.conversations), len(f.notifier.messages))
	}
}

func TestHandleAIReplyUsesHistoryWindow(t *testing.T) {
	t.Parallel()
	var got ai.Request
	f := newFixture(t, ai.Func(func(ctx context.Context, req ai.Request) (string, error) {
		got = req
		return "Temos frete grátis.", nil
	}))
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		f.store.CreateMessage(ctx, &models.Message{
			ID: fmt.Sprintf("old%d", i), ConversationID: ana, Text: fmt.Sprintf("old %d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute), FromMe: i%2 == 1,
		})
	}

	out, err := f.router.Handle(ctx, inboundFrom("wamid.in.2", "tem frete?"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.Source != models.SourceAI || out.Reply == nil || out.Reply.Text != "Temos frete grátis." {
		t.Fatalf("outcome = %+v", out)
	}
	if got.Persona != models.DefaultPersona || got.Model != models.DefaultModel {
		t.Errorf("request persona/model = %q/%q", got.Persona, got.Model)
	}
	if len(got.History) != 3 {
		t.Fatalf("history has %d turns, want 3", len(got.History))
	}
	last := got.History[len(got.History)-1]
	if last.Role != ai.RoleUser || last.Text != "tem frete?" {
		t.Errorf("last turn = %+v, want the inbound message", last)
	}
	if got.History[1].Role != ai.RoleAssistant {
		t.Errorf("turn 1 role = %q, want assistant for old 3", got.History[1].Role)
	}
}

func TestHandleAIFailureSendsNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ai.Func(func(ctx context.Context, req ai.Request) (string, error) {
		return "", errors.New("quota exceeded")
	}))

	out, err := f.router.Handle(context.Background(), inboundFrom("wamid.in.3", "quero falar com alguém"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !errors.Is(out.Err, ai.ErrGatewayUnavailable) {
		t.Errorf("outcome err = %v, want ErrGatewayUnavailable", out.Err)
	}
	if out.Source != SourceNone || out.Reply != nil {
		t.Errorf("outcome = %+v, want no reply", out)
	}
	if got := f.sender.texts(); len(got) != 0 {
		t.Errorf("sent %v, want nothing", got)
	}
}

func TestHandleDisabledBotRecordsButDoesNotReply(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	off := false
	if _, err := f.settings.UpdateConfig(ctx, ConfigPatch{Enabled: &off}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	out, err := f.router.Handle(ctx, inboundFrom("wamid.in.4", "oi"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.Source != SourceNone || out.Inbound == nil {
		t.Errorf("outcome = %+v", out)
	}
	if got := f.sender.texts(); len(got) != 0 {
		t.Errorf("sent %v while disabled", got)
	}
	conv, _ := f.store.GetConversation(ctx, ana)
	if conv.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", conv.UnreadCount)
	}

	on := true
	if _, err := f.settings.UpdateConfig(ctx, ConfigPatch{Enabled: &on}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if out, _ := f.router.Handle(ctx, inboundFrom("wamid.in.5", "oi")); out.Source != models.SourceRule {
		t.Errorf("after re-enable outcome = %+v, want rule reply", out)
	}
}

func TestHandleDuplicateInbound(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.router.Handle(ctx, inboundFrom("wamid.in.6", "oi")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	out, err := f.router.Handle(ctx, inboundFrom("wamid.in.6", "oi"))
	if err != nil {
		t.Fatalf("Handle duplicate: %v", err)
	}
	if !out.Duplicate {
		t.Errorf("outcome = %+v, want duplicate", out)
	}
	if got := f.sender.texts(); len(got) != 1 {
		t.Errorf("sent %d replies, want exactly 1", len(got))
	}
	conv, _ := f.store.GetConversation(ctx, ana)
	if conv.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", conv.UnreadCount)
	}
}

func TestHandleSendFailureIsReported(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.sender.err = errors.New("device offline")

	out, err := f.router.Handle(context.Background(), inboundFrom("wamid.in.7", "oi"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !errors.Is(out.Err, sender.ErrSendFailure) || out.Reply != nil {
		t.Errorf("outcome = %+v, want send failure and no reply", out)
	}
	msgs, _ := f.store.ListMessages(context.Background(), ana, 0)
	if len(msgs) != 1 {
		t.Errorf("stored %d messages, want only the inbound", len(msgs))
	}
}

func TestHandleIgnoresOwnMessages(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	msg := inboundFrom("wamid.in.8", "oi")
	msg.FromMe = true

	out, err := f.router.Handle(context.Background(), msg)
	if err != nil || out.Inbound != nil || len(f.sender.texts()) != 0 {
		t.Errorf("own message handled: %+v, %v", out, err)
	}
}

func TestSubmitKeepsConversationOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ai.Func(func(ctx context.Context, req ai.Request) (string, error) {
		return "eco: " + req.History[len(req.History)-1].Text, nil
	}))

	for i := 0; i < 5; i++ {
		msg := inboundFrom(fmt.Sprintf("wamid.seq.%d", i), fmt.Sprintf("mensagem %d", i))
		msg.Timestamp = time.Time{}
		f.router.Submit(msg)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.router.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := f.sender.texts()
	if len(got) != 5 {
		t.Fatalf("sent %d replies, want 5: %v", len(got), got)
	}
	for i, text := range got {
		if want := fmt.Sprintf("eco: mensagem %d", i); text != want {
			t.Errorf("reply %d = %q, want %q", i, text, want)
		}
	}
}

type flakyStore struct {
	*store.Memory
	failures atomic.Int32
}

func (s *flakyStore) CreateMessage(ctx context.Context, m *models.Message) error {
	if s.failures.Add(-1) >= 0 {
		return fmt.Errorf("insert message: %w", store.ErrStoreUnavailable)
	}
	return s.Memory.CreateMessage(ctx, m)
}

func TestSubmitRetriesStoreOutage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	flaky := &flakyStore{Memory: f.store}
	flaky.failures.Store(2)
	clk := clock.AutoAdvancing(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	router := NewRouter(RouterConfig{
		Store:    flaky,
		Gateway:  ai.Bounded(ai.Func(func(ctx context.Context, req ai.Request) (string, error) { return "", errors.New("offline") }), time.Second),
		Sender:   f.sender,
		Notifier: f.notifier,
		Clock:    clk,
		Retry:    store.Backoff{Base: time.Second, Max: 4 * time.Second},
		Logger:   zerolog.Nop(),
	})

	router.Submit(inboundFrom("wamid.outage.1", "oi"))
	router.Submit(inboundFrom("wamid.outage.2", "Qual o preço?"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := router.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := f.sender.texts(); fmt.Sprint(got) != fmt.Sprint([]string{"Olá!", "R$10"}) {
		t.Errorf("replies = %v, want one per message in order", got)
	}
	msgs, _ := f.store.ListMessages(context.Background(), ana, 0)
	if len(msgs) != 4 {
		t.Errorf("stored %d messages, want both inbound messages and both replies", len(msgs))
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if got := clk.Waits(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("waits = %v, want %v", got, want)
	}
}
