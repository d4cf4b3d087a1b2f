package webhook

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"zapflow/internal/automation"
	"zapflow/internal/config"
	"zapflow/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Inbox receives normalized inbound messages.
type Inbox interface {
	Submit(msg automation.Inbound)
}

// Acknowledger applies delivery status reports.
type Acknowledger interface {
	Acknowledge(ctx context.Context, externalID, status string) (bool, error)
}

type Handler struct {
	Config *config.Config
	inbox  Inbox
	acks   Acknowledger
	log    zerolog.Logger
}

func NewHandler(cfg *config.Config, inbox Inbox, acks Acknowledger, log zerolog.Logger) *Handler {
	return &Handler{
		Config: cfg,
		inbox:  inbox,
		acks:   acks,
		log:    log.With().Str("component", "webhook").Logger(),
	}
}

func (h *Handler) VerifyWebhook(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode != "" && token != "" {
		if mode == "subscribe" && token == h.Config.VerifyToken {
			h.log.Info().Msg("Webhook verified successfully")
			c.String(http.StatusOK, challenge)
		} else {
			c.Status(http.StatusForbidden)
		}
	} else {
		c.Status(http.StatusBadRequest)
	}
}

// HandleMessage routes every inbound message to the inbox and every
// status report to the acknowledger. It answers 200 once the payload
// parses so the platform does not redeliver it.
func (h *Handler) HandleMessage(c *gin.Context) {
	var payload models.WebhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		h.log.Warn().Err(err).Msg("Error binding webhook JSON")
		c.Status(http.StatusBadRequest)
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			value := change.Value
			names := make(map[string]string, len(value.Contacts))
			for _, contact := range value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}
			for _, message := range value.Messages {
				content := Content(message)
				h.log.Info().Str("from", message.From).Str("type", message.Type).Str("id", message.ID).Msg("Received message")
				h.inbox.Submit(automation.Inbound{
					ExternalID: message.ID,
					From:       message.From,
					Name:       names[message.From],
					Text:       content,
					Timestamp:  parseUnix(message.Timestamp),
				})
			}
			for _, status := range value.Statuses {
				h.applyStatus(c.Request.Context(), status)
			}
		}
	}

	c.Status(http.StatusOK)
}

func (h *Handler) applyStatus(ctx context.Context, status models.Status) {
	ev := h.log.Debug()
	if status.Status == "failed" {
		ev = h.log.Warn()
		if len(status.Errors) > 0 {
			ev = ev.Int("code", status.Errors[0].Code).Str("error", status.Errors[0].Title)
		}
	}
	ev.Str("id", status.ID).Str("status", status.Status).Str("recipient", status.RecipientId).Msg("Status update")

	changed, err := h.acks.Acknowledge(ctx, status.ID, status.Status)
	if err != nil {
		h.log.Error().Err(err).Str("id", status.ID).Str("status", status.Status).Msg("Failed to apply status")
		return
	}
	if !changed {
		h.log.Debug().Str("id", status.ID).Str("status", status.Status).Msg("Status ignored")
	}
}

// Content flattens a message of any type into the text the rule matcher
// and the conversation view see.
func Content(message models.InboundMessage) string {
	switch message.Type {
	case "text":
		return message.Text.Body
	case "image":
		return mediaContent("image", message.Image, func(m *models.MediaMessage) string { return m.Caption })
	case "video":
		return mediaContent("video", message.Video, func(m *models.MediaMessage) string { return m.Caption })
	case "audio":
		return mediaContent("audio", message.Audio, func(*models.MediaMessage) string { return "" })
	case "document":
		return mediaContent("document", message.Document, func(m *models.MediaMessage) string { return m.Filename })
	case "interactive":
		if in := message.Interactive; in != nil {
			switch {
			case in.ButtonReply != nil:
				return in.ButtonReply.Title
			case in.ListReply != nil:
				return in.ListReply.Title
			}
		}
	}
	return "[" + message.Type + "]"
}

func mediaContent(kind string, media *models.MediaMessage, caption func(*models.MediaMessage) string) string {
	if media == nil {
		return "[" + kind + "]"
	}
	return automation.MediaContent(kind, media.ID, caption(media))
}

func parseUnix(ts string) time.Time {
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}
