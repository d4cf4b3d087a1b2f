package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"zapflow/internal/campaign"
	"zapflow/internal/clock"
	"zapflow/internal/models"
	"zapflow/internal/pacer"
	"zapflow/internal/sender"
	"zapflow/internal/store"
	"zapflow/internal/tracker"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func newCampaignAPI(t *testing.T) (*gin.Engine, *store.Memory, *campaign.Dispatcher) {
	t.Helper()
	mem := store.NewMemory()
	d := campaign.NewDispatcher(campaign.Deps{
		Store:   mem,
		Tracker: tracker.New(mem, zerolog.Nop()),
		Pacer:   pacer.New(pacer.DefaultBands()),
		Sender: sender.Func(func(ctx context.Context, out sender.Outbound) (sender.Receipt, error) {
			return sender.Receipt{ExternalID: "wamid." + out.To}, nil
		}),
		Clock:  clock.AutoAdvancing(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)),
		Logger: zerolog.Nop(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.Shutdown(ctx)
	})
	return newRouter(NewCampaignHandler(mem, d), NewContactHandler(mem, zerolog.Nop())), mem, d
}

func TestCreateCampaignValidation(t *testing.T) {
	t.Parallel()
	r, _, _ := newCampaignAPI(t)

	tests := []struct {
		name string
		body gin.H
		want int
	}{
		{"minimal", gin.H{"name": "Promo", "message": "Oi {{contact.name}}"}, http.StatusCreated},
		{"missing name", gin.H{"message": "Oi"}, http.StatusBadRequest},
		{"no content", gin.H{"name": "Promo"}, http.StatusBadRequest},
		{"unknown speed", gin.H{"name": "Promo", "message": "Oi", "speed": "Turbo"}, http.StatusBadRequest},
		{"negative pause cycle", gin.H{"name": "Promo", "message": "Oi", "pause_cycle": -1}, http.StatusBadRequest},
		{"bad daily window", gin.H{"name": "Promo", "message": "Oi", "daily_start": "25:00", "daily_end": "18:00"}, http.StatusBadRequest},
		{"end before start", gin.H{
			"name": "Promo", "message": "Oi",
			"schedule_start": "2026-03-02T10:00:00Z", "schedule_end": "2026-03-02T09:00:00Z",
		}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := do(t, r, http.MethodPost, "/api/campaigns", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestCreateCampaignDefaultsToSafeDraft(t *testing.T) {
	t.Parallel()
	r, _, _ := newCampaignAPI(t)

	w := do(t, r, http.MethodPost, "/api/campaigns", gin.H{"name": "Promo", "message": "Oi"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var c models.Campaign
	decode(t, w, &c)
	if c.ID == "" || c.Status != models.CampaignDraft || c.Speed != models.SpeedSafe {
		t.Errorf("campaign = %+v", c)
	}
}

func TestStartCampaignRunsToCompletion(t *testing.T) {
	t.Parallel()
	r, _, d := newCampaignAPI(t)

	var ids []string
	for _, phone := range []string{"+55 11 90000-0001", "5511900000002"} {
		w := do(t, r, http.MethodPost, "/api/contacts", gin.H{"name": "Ana", "phone": phone})
		if w.Code != http.StatusCreated {
			t.Fatalf("create contact: %d %s", w.Code, w.Body.String())
		}
		var c models.Contact
		decode(t, w, &c)
		ids = append(ids, c.ID)
	}

	w := do(t, r, http.MethodPost, "/api/campaigns", gin.H{
		"name": "Promo", "message": "Oi", "speed": models.SpeedFast, "target_contact_ids": ids,
	})
	var created models.Campaign
	decode(t, w, &created)

	w = do(t, r, http.MethodPost, "/api/campaigns/"+created.ID+"/start", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	if h := d.Handle(created.ID); h != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}

	var got models.Campaign
	decode(t, do(t, r, http.MethodGet, "/api/campaigns/"+created.ID, nil), &got)
	if got.Status != models.CampaignCompleted || got.Stats.Total != 2 || got.Stats.Sent != 2 {
		t.Errorf("campaign = %+v", got)
	}

	var deliveries []models.Delivery
	decode(t, do(t, r, http.MethodGet, "/api/campaigns/"+created.ID+"/deliveries", nil), &deliveries)
	if len(deliveries) != 2 {
		t.Errorf("got %d deliveries, want 2", len(deliveries))
	}

	w = do(t, r, http.MethodPost, "/api/campaigns/"+created.ID+"/pause", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("pause completed: status = %d, want 409", w.Code)
	}
}

func TestStartCampaignWithoutTargets(t *testing.T) {
	t.Parallel()
	r, _, _ := newCampaignAPI(t)

	var created models.Campaign
	decode(t, do(t, r, http.MethodPost, "/api/campaigns", gin.H{"name": "Vazia", "message": "Oi"}), &created)

	w := do(t, r, http.MethodPost, "/api/campaigns/"+created.ID+"/start", nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", w.Code, w.Body.String())
	}
	var body struct {
		Error    string          `json:"error"`
		Campaign models.Campaign `json:"campaign"`
	}
	decode(t, w, &body)
	if body.Campaign.Status != models.CampaignCompleted || body.Campaign.Stats.Total != 0 {
		t.Errorf("campaign = %+v", body.Campaign)
	}
}

func TestCampaignLifecycleErrors(t *testing.T) {
	t.Parallel()
	r, _, _ := newCampaignAPI(t)

	var created models.Campaign
	decode(t, do(t, r, http.MethodPost, "/api/campaigns", gin.H{"name": "Promo", "message": "Oi"}), &created)

	tests := []struct {
		path string
		want int
	}{
		{"/api/campaigns/missing/start", http.StatusNotFound},
		{"/api/campaigns/" + created.ID + "/pause", http.StatusConflict},
		{"/api/campaigns/" + created.ID + "/resume", http.StatusConflict},
		{"/api/campaigns/" + created.ID + "/cancel", http.StatusOK},
		{"/api/campaigns/" + created.ID + "/cancel", http.StatusOK},
		{"/api/campaigns/" + created.ID + "/start", http.StatusConflict},
	}
	for _, tt := range tests {
		if w := do(t, r, http.MethodPost, tt.path, nil); w.Code != tt.want {
			t.Errorf("POST %s = %d, want %d: %s", tt.path, w.Code, tt.want, w.Body.String())
		}
	}
	if w := do(t, r, http.MethodGet, "/api/campaigns/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("GET missing = %d, want 404", w.Code)
	}
}
