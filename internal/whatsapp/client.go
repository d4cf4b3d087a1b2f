package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"zapflow/internal/config"
	"zapflow/internal/sender"
)

const defaultGraphURL = "https://graph.facebook.com"

// Client sends messages through the WhatsApp Cloud API.
type Client struct {
	BaseURL       string
	Version       string
	PhoneNumberID string
	Token         string
	HTTP          *http.Client
}

var _ sender.Sender = (*Client)(nil)

func NewClient(cfg *config.Config) *Client {
	return &Client{
		BaseURL:       defaultGraphURL,
		Version:       cfg.GraphAPIVersion,
		PhoneNumberID: cfg.PhoneNumberID,
		Token:         cfg.WhatsAppToken,
		HTTP:          &http.Client{Timeout: 30 * time.Second},
	}
}

// --- Message Structures ---

type GenericMessage struct {
	MessagingProduct string    `json:"messaging_product"`
	To               string    `json:"to"`
	Type             string    `json:"type"`
	RecipientType    string    `json:"recipient_type,omitempty"`
	Text             *TextObj  `json:"text,omitempty"`
	Image            *MediaObj `json:"image,omitempty"`
}

type TextObj struct {
	Body       string `json:"body"`
	PreviewUrl bool   `json:"preview_url,omitempty"`
}

type MediaObj struct {
	ID      string `json:"id,omitempty"`
	Link    string `json:"link,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// SendResponse is the Graph API answer to a message send.
type SendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// --- Helper Functions ---

func (c *Client) sendRequest(ctx context.Context, method, url string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return respBody, fmt.Errorf("API error: %s - %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	return respBody, nil
}

func (c *Client) messagesURL() string {
	return fmt.Sprintf("%s/%s/%s/messages", strings.TrimRight(c.BaseURL, "/"), c.Version, c.PhoneNumberID)
}

// --- Messaging Methods ---

// Send delivers text, or an image with the text as caption when MediaURL is
// set. The returned ExternalID is the wamid status webhooks refer to.
func (c *Client) Send(ctx context.Context, out sender.Outbound) (sender.Receipt, error) {
	msg := GenericMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               out.To,
	}
	if out.MediaURL != "" {
		msg.Type = "image"
		msg.Image = &MediaObj{Link: out.MediaURL, Caption: out.Text}
	} else {
		msg.Type = "text"
		msg.Text = &TextObj{Body: out.Text}
	}

	respBody, err := c.sendRequest(ctx, http.MethodPost, c.messagesURL(), msg)
	if err != nil {
		if ctx.Err() != nil {
			return sender.Receipt{}, ctx.Err()
		}
		return sender.Receipt{}, sender.Failure(out.To, err)
	}

	var resp SendResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return sender.Receipt{}, sender.Failure(out.To, fmt.Errorf("decode response: %w", err))
	}
	if len(resp.Messages) == 0 || resp.Messages[0].ID == "" {
		return sender.Receipt{}, sender.Failure(out.To, errors.New("response carried no message id"))
	}
	return sender.Receipt{ExternalID: resp.Messages[0].ID}, nil
}
