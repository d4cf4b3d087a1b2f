package tracker

import (
	"context"
	"fmt"
	"testing"

	"zapflow/internal/models"
	"zapflow/internal/store"

	"github.com/rs/zerolog"
)

func newCampaign(t *testing.T, n int) (*Tracker, *store.Memory, []models.Delivery) {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()
	if err := s.CreateCampaign(ctx, &models.Campaign{ID: "camp", Name: "Promo", Status: models.CampaignRunning}); err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	tr := New(s, zerolog.Nop())

	targets := make([]Target, n)
	for i := range targets {
		targets[i] = Target{ContactID: fmt.Sprintf("c%d", i), Address: fmt.Sprintf("551190000%04d", i)}
	}
	total, err := tr.Enqueue(ctx, "camp", targets)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if total != n {
		t.Fatalf("Enqueue total = %d, want %d", total, n)
	}
	pending, err := tr.Pending(ctx, "camp")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	return tr, s, pending
}

func stats(t *testing.T, tr *Tracker) models.CampaignStats {
	t.Helper()
	st, err := tr.Stats(context.Background(), "camp")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if !st.Valid() {
		t.Fatalf("stats invariants broken: %+v", st)
	}
	return st
}

func TestTransitionTable(t *testing.T) {
	t.Parallel()
	legal := []struct {
		from, to string
		want     models.CampaignStats
	}{
		{models.DeliveryPending, models.DeliverySent, models.CampaignStats{Sent: 1}},
		{models.DeliveryPending, models.DeliveryFailed, models.CampaignStats{Failed: 1}},
		{models.DeliveryPending, models.DeliveryDiscarded, models.CampaignStats{}},
		{models.DeliverySent, models.DeliveryDelivered, models.CampaignStats{Delivered: 1}},
		{models.DeliverySent, models.DeliveryRead, models.CampaignStats{Delivered: 1, Read: 1}},
		{models.DeliveryDelivered, models.DeliveryRead, models.CampaignStats{Read: 1}},
	}
	for _, tt := range legal {
		got, ok := Delta(tt.from, tt.to)
		if !ok || got != tt.want {
			t.Errorf("Delta(%s, %s) = %+v, %v; want %+v", tt.from, tt.to, got, ok, tt.want)
		}
	}

	illegal := [][2]string{
		{models.DeliveryRead, models.DeliveryDelivered},
		{models.DeliveryDelivered, models.DeliveryDelivered},
		{models.DeliveryFailed, models.DeliveryDelivered},
		{models.DeliverySent, models.DeliveryFailed},
		{models.DeliveryDiscarded, models.DeliverySent},
		{models.DeliveryPending, models.DeliveryRead},
	}
	for _, e := range illegal {
		if _, ok := Delta(e[0], e[1]); ok {
			t.Errorf("Delta(%s, %s) allowed", e[0], e[1])
		}
	}
}

func TestRecordSentAndFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, _, pending := newCampaign(t, 3)

	if ok, err := tr.RecordSent(ctx, pending[0], "m0", "wamid.0"); err != nil || !ok {
		t.Fatalf("RecordSent: %v %v", ok, err)
	}
	if ok, err := tr.RecordSent(ctx, pending[0], "m0", "wamid.0"); err != nil || ok {
		t.Fatalf("second RecordSent applied=%v err=%v, want ignored", ok, err)
	}
	if ok, err := tr.RecordFailed(ctx, pending[0], "late failure"); err != nil || ok {
		t.Fatalf("RecordFailed after sent applied=%v err=%v, want ignored", ok, err)
	}
	if ok, err := tr.RecordFailed(ctx, pending[1], "send failure"); err != nil || !ok {
		t.Fatalf("RecordFailed: %v %v", ok, err)
	}

	got := stats(t, tr)
	want := models.CampaignStats{Total: 3, Sent: 1, Failed: 1}
	if got != want {
		t.Errorf("stats = %+v, want %+v", got, want)
	}

	left, _ := tr.Pending(ctx, "camp")
	if len(left) != 1 || left[0].ID != pending[2].ID {
		t.Errorf("pending = %+v, want only the third delivery", left)
	}
}

func TestAcknowledgeAdvancesMonotonically(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, s, pending := newCampaign(t, 2)

	for i, d := range pending {
		ext := fmt.Sprintf("wamid.%d", i)
		msgID := fmt.Sprintf("m%d", i)
		if err := s.CreateMessage(ctx, &models.Message{
			ID: msgID, ConversationID: d.Address, FromMe: true, Status: models.MessageSent,
			ExternalID: ext, CampaignID: "camp", Source: models.SourceCampaign,
		}); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
		if _, err := tr.RecordSent(ctx, d, msgID, ext); err != nil {
			t.Fatalf("RecordSent: %v", err)
		}
	}

	steps := []struct {
		ext, status string
		changed     bool
	}{
		{"wamid.0", models.DeliveryDelivered, true},
		{"wamid.0", models.DeliveryDelivered, false},
		{"wamid.0", models.DeliveryRead, true},
		{"wamid.0", models.DeliveryDelivered, false},
		{"wamid.1", models.DeliveryRead, true},
		{"wamid.1", models.DeliveryRead, false},
		{"wamid.unknown", models.DeliveryRead, false},
	}
	for _, step := range steps {
		changed, err := tr.Acknowledge(ctx, step.ext, step.status)
		if err != nil {
			t.Fatalf("Acknowledge(%s, %s): %v", step.ext, step.status, err)
		}
		if changed != step.changed {
			t.Errorf("Acknowledge(%s, %s) changed = %v, want %v", step.ext, step.status, changed, step.changed)
		}
	}

	got := stats(t, tr)
	want := models.CampaignStats{Total: 2, Sent: 2, Delivered: 2, Read: 2}
	if got != want {
		t.Errorf("stats = %+v, want %+v", got, want)
	}
	msg, _ := s.MessageByExternalID(ctx, "wamid.0")
	if msg.Status != models.MessageRead {
		t.Errorf("message status = %q, want read", msg.Status)
	}
}

func TestAcknowledgeIgnoresFailedDeliveries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, s, pending := newCampaign(t, 1)

	if _, err := tr.RecordFailed(ctx, pending[0], "boom"); err != nil {
		t.Fatalf("RecordFailed: %v", err)
	}
	// A failed delivery has no external id, so force one to simulate a
	// stray ack correlating to it.
	if _, err := s.TransitionDelivery(ctx, store.DeliveryTransition{
		ID: pending[0].ID, CampaignID: "camp",
		From: models.DeliveryFailed, To: models.DeliveryFailed, ExternalID: "wamid.x",
	}); err != nil {
		t.Fatalf("TransitionDelivery: %v", err)
	}

	if changed, err := tr.Acknowledge(ctx, "wamid.x", models.DeliveryDelivered); err != nil || changed {
		t.Errorf("ack on failed delivery changed=%v err=%v, want ignored", changed, err)
	}
	if got := stats(t, tr); got.Delivered != 0 || got.Failed != 1 {
		t.Errorf("stats = %+v", got)
	}
}

func TestDiscardAndFailRemaining(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, _, pending := newCampaign(t, 5)

	if _, err := tr.RecordSent(ctx, pending[0], "m0", "wamid.0"); err != nil {
		t.Fatalf("RecordSent: %v", err)
	}
	n, err := tr.FailRemaining(ctx, "camp", "window_elapsed")
	if err != nil || n != 4 {
		t.Fatalf("FailRemaining = %d, %v; want 4", n, err)
	}
	got := stats(t, tr)
	if got.Sent+got.Failed != got.Total {
		t.Errorf("stats = %+v, want sent+failed == total", got)
	}
	if n, _ := tr.Discard(ctx, "camp"); n != 0 {
		t.Errorf("Discard after FailRemaining moved %d, want 0", n)
	}
}
