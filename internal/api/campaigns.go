package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"zapflow/internal/campaign"
	"zapflow/internal/models"
	"zapflow/internal/pacer"
	"zapflow/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CampaignStore is what the campaign endpoints read directly.
type CampaignStore interface {
	store.CampaignStore
	store.DeliveryStore
}

type CampaignHandler struct {
	Store      CampaignStore
	Dispatcher *campaign.Dispatcher
}

func NewCampaignHandler(s CampaignStore, d *campaign.Dispatcher) *CampaignHandler {
	return &CampaignHandler{Store: s, Dispatcher: d}
}

func (h *CampaignHandler) Register(g *gin.RouterGroup) {
	g.GET("/campaigns", h.ListCampaigns)
	g.POST("/campaigns", h.CreateCampaign)
	g.GET("/campaigns/:id", h.GetCampaign)
	g.GET("/campaigns/:id/deliveries", h.ListDeliveries)
	g.POST("/campaigns/:id/start", h.Start)
	g.POST("/campaigns/:id/pause", h.Pause)
	g.POST("/campaigns/:id/resume", h.Resume)
	g.POST("/campaigns/:id/cancel", h.Cancel)
}

type CreateCampaignRequest struct {
	Name             string     `json:"name" binding:"required"`
	Message          string     `json:"message"`
	MediaURL         string     `json:"media_url"`
	Speed            string     `json:"speed"`
	ScheduleStart    *time.Time `json:"schedule_start"`
	ScheduleEnd      *time.Time `json:"schedule_end"`
	DailyStart       string     `json:"daily_start"`
	DailyEnd         string     `json:"daily_end"`
	PauseCycle       int        `json:"pause_cycle"`
	TargetContactIDs []string   `json:"target_contact_ids"`
	TargetListIDs    []string   `json:"target_list_ids"`
}

func (h *CampaignHandler) CreateCampaign(c *gin.Context) {
	var req CreateCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	speed := models.SpeedSafe
	if req.Speed != "" {
		var ok bool
		if speed, ok = pacer.ParseSpeed(req.Speed); !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown speed " + req.Speed})
			return
		}
	}
	if strings.TrimSpace(req.Message) == "" && req.MediaURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message or media_url is required"})
		return
	}
	if req.PauseCycle < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pause_cycle must not be negative"})
		return
	}
	if req.ScheduleStart != nil && req.ScheduleEnd != nil && !req.ScheduleEnd.After(*req.ScheduleStart) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "schedule_end must be after schedule_start"})
		return
	}

	camp := models.Campaign{
		ID:               uuid.NewString(),
		Name:             req.Name,
		Message:          req.Message,
		MediaURL:         req.MediaURL,
		Speed:            speed,
		ScheduleStart:    req.ScheduleStart,
		ScheduleEnd:      req.ScheduleEnd,
		DailyStart:       req.DailyStart,
		DailyEnd:         req.DailyEnd,
		PauseCycle:       req.PauseCycle,
		Status:           models.CampaignDraft,
		TargetContactIDs: req.TargetContactIDs,
		TargetListIDs:    req.TargetListIDs,
	}
	if _, err := campaign.WindowOf(&camp); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.Store.CreateCampaign(c.Request.Context(), &camp); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, camp)
}

func (h *CampaignHandler) ListCampaigns(c *gin.Context) {
	campaigns, err := h.Store.ListCampaigns(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if campaigns == nil {
		campaigns = []models.Campaign{}
	}
	c.JSON(http.StatusOK, campaigns)
}

// GetCampaign returns the campaign with its live stats.
func (h *CampaignHandler) GetCampaign(c *gin.Context) {
	camp, err := h.Store.GetCampaign(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, camp)
}

func (h *CampaignHandler) ListDeliveries(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := h.Store.GetCampaign(ctx, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	deliveries, err := h.Store.ListDeliveries(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if deliveries == nil {
		deliveries = []models.Delivery{}
	}
	c.JSON(http.StatusOK, deliveries)
}

func (h *CampaignHandler) Start(c *gin.Context) {
	_, err := h.Dispatcher.Start(c.Request.Context(), c.Param("id"))
	h.respondState(c, err)
}

func (h *CampaignHandler) Resume(c *gin.Context) {
	_, err := h.Dispatcher.Resume(c.Request.Context(), c.Param("id"))
	h.respondState(c, err)
}

func (h *CampaignHandler) Pause(c *gin.Context) {
	h.respondState(c, h.Dispatcher.Pause(c.Request.Context(), c.Param("id")))
}

func (h *CampaignHandler) Cancel(c *gin.Context) {
	h.respondState(c, h.Dispatcher.Cancel(c.Request.Context(), c.Param("id")))
}

// respondState answers a lifecycle call with the campaign as it now
// stands. An empty target still returns the completed campaign, with 422.
func (h *CampaignHandler) respondState(c *gin.Context, err error) {
	if err != nil && !errors.Is(err, campaign.ErrTargetResolutionEmpty) {
		respondError(c, err)
		return
	}
	camp, getErr := h.Store.GetCampaign(c.Request.Context(), c.Param("id"))
	if getErr != nil {
		respondError(c, getErr)
		return
	}
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "campaign": camp})
		return
	}
	c.JSON(http.StatusOK, camp)
}
