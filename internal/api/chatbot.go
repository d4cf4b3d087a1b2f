package api

import (
	"net/http"

	"zapflow/internal/automation"
	"zapflow/internal/models"

	"github.com/gin-gonic/gin"
)

type ChatbotHandler struct {
	Settings *automation.Settings
}

func NewChatbotHandler(settings *automation.Settings) *ChatbotHandler {
	return &ChatbotHandler{Settings: settings}
}

func (h *ChatbotHandler) Register(g *gin.RouterGroup) {
	g.GET("/chatbot/config", h.GetConfig)
	g.PUT("/chatbot/config", h.UpdateConfig)
	g.GET("/chatbot/rules", h.GetRules)
	g.POST("/chatbot/rules", h.CreateRule)
	g.PUT("/chatbot/rules/:id", h.UpdateRule)
	g.DELETE("/chatbot/rules/:id", h.DeleteRule)
	g.POST("/chatbot/test", h.TestRule)
}

func (h *ChatbotHandler) GetConfig(c *gin.Context) {
	cfg, err := h.Settings.Config(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *ChatbotHandler) UpdateConfig(c *gin.Context) {
	var patch automation.ConfigPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cfg, err := h.Settings.UpdateConfig(c.Request.Context(), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// GetRules returns the rules in evaluation order
func (h *ChatbotHandler) GetRules(c *gin.Context) {
	rules, err := h.Settings.Rules(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if rules == nil {
		rules = []models.ChatbotRule{}
	}
	c.JSON(http.StatusOK, rules)
}

type RuleRequest struct {
	Trigger   string `json:"trigger"`
	Response  string `json:"response"`
	MatchType string `json:"match_type"`
	Position  int    `json:"position"`
}

func (r RuleRequest) rule(id string) models.ChatbotRule {
	return models.ChatbotRule{
		ID:        id,
		Trigger:   r.Trigger,
		Response:  r.Response,
		MatchType: r.MatchType,
		Position:  r.Position,
	}
}

func (h *ChatbotHandler) CreateRule(c *gin.Context) {
	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rule, err := h.Settings.UpsertRule(c.Request.Context(), req.rule(""))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (h *ChatbotHandler) UpdateRule(c *gin.Context) {
	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	existing, err := h.Settings.Rule(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	rule := req.rule(existing.ID)
	rule.CreatedAt = existing.CreatedAt
	rule, err = h.Settings.UpsertRule(ctx, rule)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *ChatbotHandler) DeleteRule(c *gin.Context) {
	if err := h.Settings.DeleteRule(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Rule deleted successfully"})
}

// TestRule reports which rule would answer the given text, without
// sending anything.
func (h *ChatbotHandler) TestRule(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rule, ok, err := h.Settings.Test(c.Request.Context(), req.Text)
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"matched": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"matched": true, "rule": rule})
}
