package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"zapflow/internal/automation"
	"zapflow/internal/models"
	"zapflow/internal/sender"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// Inbox receives inbound messages from the device.
type Inbox interface {
	Submit(msg automation.Inbound)
}

// Acknowledger receives delivery and read receipts.
type Acknowledger interface {
	Acknowledge(ctx context.Context, externalID, status string) (bool, error)
}

// Device sends and receives through a linked WhatsApp multi-device session.
type Device struct {
	client *whatsmeow.Client
	log    zerolog.Logger
	http   *http.Client

	inbox Inbox
	acks  Acknowledger
}

var _ sender.Sender = (*Device)(nil)

// OpenDevice loads (or creates) the device session stored at path.
func OpenDevice(ctx context.Context, path string, log zerolog.Logger) (*Device, error) {
	log = log.With().Str("component", "device").Logger()
	container, err := sqlstore.New(ctx, "sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", path),
		waLog.Zerolog(log.With().Str("module", "store").Logger()))
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	d := &Device{
		client: whatsmeow.NewClient(deviceStore, waLog.Zerolog(log.With().Str("module", "client").Logger())),
		log:    log,
		http:   &http.Client{Timeout: 60 * time.Second},
	}
	d.client.AddEventHandler(d.handle)
	return d, nil
}

// Attach routes inbound messages and receipts. Call before Connect.
func (d *Device) Attach(inbox Inbox, acks Acknowledger) {
	d.inbox = inbox
	d.acks = acks
}

// Connect logs in, pairing through a QR code printed to the log when the
// session has no stored identity. It blocks until paired or ctx is done.
func (d *Device) Connect(ctx context.Context) error {
	if d.client.Store.ID != nil {
		d.log.Info().Str("jid", d.client.Store.ID.String()).Msg("Already paired, connecting")
		return d.client.Connect()
	}

	qrChan, err := d.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("qr channel: %w", err)
	}
	if err := d.client.Connect(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			d.client.Disconnect()
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return errors.New("pairing ended without success")
			}
			switch evt.Event {
			case "code":
				d.logQR(evt.Code)
			case "success":
				d.log.Info().Msg("Device paired")
				return nil
			case "timeout":
				d.client.Disconnect()
				return errors.New("pairing timed out")
			default:
				d.log.Info().Str("event", evt.Event).Msg("Pairing event")
			}
		}
	}
}

func (d *Device) logQR(code string) {
	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		d.log.Error().Err(err).Msg("Failed to render pairing QR code")
		return
	}
	d.log.Info().Msg("Scan to pair:\n" + qr.ToSmallString(false))
}

func (d *Device) Close() {
	d.client.Disconnect()
}

func (d *Device) Send(ctx context.Context, out sender.Outbound) (sender.Receipt, error) {
	to := types.JID{User: out.To, Server: types.DefaultUserServer}

	msg := &waE2E.Message{Conversation: proto.String(out.Text)}
	if out.MediaURL != "" {
		image, err := d.uploadImage(ctx, out.MediaURL, out.Text)
		if err != nil {
			return sender.Receipt{}, sender.Failure(out.To, err)
		}
		msg = &waE2E.Message{ImageMessage: image}
	}

	resp, err := d.client.SendMessage(ctx, to, msg)
	if err != nil {
		if ctx.Err() != nil {
			return sender.Receipt{}, ctx.Err()
		}
		return sender.Receipt{}, sender.Failure(out.To, err)
	}
	return sender.Receipt{ExternalID: string(resp.ID)}, nil
}

func (d *Device) uploadImage(ctx context.Context, url, caption string) (*waE2E.ImageMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch media: %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}

	uploaded, err := d.client.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return nil, fmt.Errorf("upload media: %w", err)
	}
	mimetype := resp.Header.Get("Content-Type")
	if mimetype == "" {
		mimetype = http.DetectContentType(data)
	}
	return &waE2E.ImageMessage{
		Caption:       proto.String(caption),
		URL:           proto.String(uploaded.URL),
		DirectPath:    proto.String(uploaded.DirectPath),
		MediaKey:      uploaded.MediaKey,
		Mimetype:      proto.String(mimetype),
		FileEncSHA256: uploaded.FileEncSHA256,
		FileSHA256:    uploaded.FileSHA256,
		FileLength:    proto.Uint64(uploaded.FileLength),
	}, nil
}

func (d *Device) handle(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		if d.inbox == nil || v.Info.IsGroup {
			return
		}
		d.inbox.Submit(automation.Inbound{
			ExternalID: string(v.Info.ID),
			From:       v.Info.Chat.User,
			Name:       v.Info.PushName,
			Text:       messageText(v.Message),
			Timestamp:  v.Info.Timestamp,
			FromMe:     v.Info.IsFromMe,
		})
	case *events.Receipt:
		status := receiptStatus(v.Type)
		if d.acks == nil || status == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, id := range v.MessageIDs {
			if _, err := d.acks.Acknowledge(ctx, string(id), status); err != nil {
				d.log.Warn().Err(err).Str("external_id", string(id)).Str("status", status).Msg("Failed to apply receipt")
			}
		}
	case *events.LoggedOut:
		d.log.Warn().Msg("Device logged out; re-pair required")
	}
}

func receiptStatus(t types.ReceiptType) string {
	switch t {
	case types.ReceiptTypeDelivered:
		return models.DeliveryDelivered
	case types.ReceiptTypeRead:
		return models.DeliveryRead
	default:
		return ""
	}
}

// messageText flattens a device message into the same text content the
// Cloud API webhook produces.
func messageText(msg *waE2E.Message) string {
	switch {
	case msg.GetConversation() != "":
		return msg.GetConversation()
	case msg.GetExtendedTextMessage() != nil:
		return msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage() != nil:
		return automation.MediaContent("image", "", msg.GetImageMessage().GetCaption())
	case msg.GetVideoMessage() != nil:
		return automation.MediaContent("video", "", msg.GetVideoMessage().GetCaption())
	case msg.GetAudioMessage() != nil:
		return automation.MediaContent("audio", "", "")
	case msg.GetDocumentMessage() != nil:
		return automation.MediaContent("document", "", msg.GetDocumentMessage().GetFileName())
	default:
		return ""
	}
}
