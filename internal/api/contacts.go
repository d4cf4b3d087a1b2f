package api

import (
	"encoding/csv"
	"net/http"
	"strings"
	"time"

	"zapflow/internal/models"
	"zapflow/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ContactHandler struct {
	Store store.ContactStore
	log   zerolog.Logger
}

func NewContactHandler(s store.ContactStore, log zerolog.Logger) *ContactHandler {
	return &ContactHandler{Store: s, log: log.With().Str("component", "api").Logger()}
}

func (h *ContactHandler) Register(g *gin.RouterGroup) {
	g.GET("/contacts", h.GetContacts)
	g.POST("/contacts", h.CreateContact)
	g.GET("/contacts/export", h.ExportContacts)
	g.PUT("/contacts/:id", h.UpdateContact)
	g.DELETE("/contacts/:id", h.DeleteContact)
	g.GET("/lists", h.GetLists)
	g.POST("/lists", h.CreateList)
}

func (h *ContactHandler) GetContacts(c *gin.Context) {
	contacts, err := h.Store.ListContacts(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	// Return empty array instead of null
	if contacts == nil {
		contacts = []models.Contact{}
	}
	c.JSON(http.StatusOK, contacts)
}

// ContactRequest creates or replaces a contact.
type ContactRequest struct {
	Name     string   `json:"name"`
	Phone    string   `json:"phone" binding:"required"`
	Birthday string   `json:"birthday"`
	Status   string   `json:"status"`
	Lists    []string `json:"lists"`
	Avatar   string   `json:"avatar"`
}

func (r ContactRequest) contact(id string) (models.Contact, bool) {
	status := r.Status
	switch status {
	case "":
		status = models.ContactNew
	case models.ContactNew, models.ContactActive, models.ContactRisk:
	default:
		return models.Contact{}, false
	}
	return models.Contact{
		ID:        id,
		Name:      strings.TrimSpace(r.Name),
		Address:   normalizePhone(r.Phone),
		Birthday:  r.Birthday,
		Status:    status,
		Lists:     r.Lists,
		AvatarURL: r.Avatar,
	}, true
}

// normalizePhone keeps only the digits of a phone number.
func normalizePhone(phone string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
}

func (h *ContactHandler) CreateContact(c *gin.Context) {
	var req ContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	contact, ok := req.contact(uuid.NewString())
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + req.Status})
		return
	}
	if contact.Address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "phone has no digits"})
		return
	}
	if err := h.Store.CreateContact(c.Request.Context(), &contact); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, contact)
}

func (h *ContactHandler) UpdateContact(c *gin.Context) {
	ctx := c.Request.Context()
	existing, err := h.Store.GetContact(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	var req ContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	contact, ok := req.contact(existing.ID)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + req.Status})
		return
	}
	contact.CreatedAt = existing.CreatedAt
	if err := h.Store.UpdateContact(ctx, &contact); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, contact)
}

func (h *ContactHandler) DeleteContact(c *gin.Context) {
	if err := h.Store.DeleteContact(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "Contact deleted"})
}

func (h *ContactHandler) ExportContacts(c *gin.Context) {
	contacts, err := h.Store.ListContacts(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename=contacts.csv")
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	w.Write([]string{"ID", "Name", "Phone", "Birthday", "Status", "Lists", "Created At"})
	for _, contact := range contacts {
		w.Write([]string{
			contact.ID,
			contact.Name,
			contact.Address,
			contact.Birthday,
			contact.Status,
			strings.Join(contact.Lists, ";"),
			contact.CreatedAt.Format(time.RFC3339),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		h.log.Error().Err(err).Msg("Failed to write contacts CSV")
	}
}

func (h *ContactHandler) GetLists(c *gin.Context) {
	lists, err := h.Store.ListLists(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if lists == nil {
		lists = []models.ContactList{}
	}
	c.JSON(http.StatusOK, lists)
}

func (h *ContactHandler) CreateList(c *gin.Context) {
	var req struct {
		Name  string `json:"name" binding:"required"`
		Color string `json:"color"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	list := models.ContactList{ID: uuid.NewString(), Name: req.Name, Color: req.Color}
	if err := h.Store.CreateList(c.Request.Context(), &list); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, list)
}
