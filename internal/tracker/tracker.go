// Package tracker owns campaign delivery records and the stats they feed.
//
// Every status change goes through the transition table below. A change
// that is not in the table (a repeated ack, an ack for a failed send, a
// regression from read to delivered) is ignored, which keeps
// sent <= total, delivered <= sent, read <= delivered and
// sent + failed <= total true at every point.
package tracker

import (
	"context"
	"errors"
	"fmt"

	"zapflow/internal/models"
	"zapflow/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type edge struct{ from, to string }

var transitions = map[edge]models.CampaignStats{
	{models.DeliveryPending, models.DeliverySent}:      {Sent: 1},
	{models.DeliveryPending, models.DeliveryFailed}:    {Failed: 1},
	{models.DeliveryPending, models.DeliveryDiscarded}: {},
	{models.DeliverySent, models.DeliveryDelivered}:    {Delivered: 1},
	{models.DeliverySent, models.DeliveryRead}:         {Delivered: 1, Read: 1},
	{models.DeliveryDelivered, models.DeliveryRead}:    {Read: 1},
}

// Delta returns the stats change of a delivery transition, and false when
// the transition is not allowed.
func Delta(from, to string) (models.CampaignStats, bool) {
	d, ok := transitions[edge{from, to}]
	return d, ok
}

// Store is the persistence the tracker needs.
type Store interface {
	store.CampaignStore
	store.DeliveryStore
	store.MessageStore
}

// Target is one resolved campaign recipient.
type Target struct {
	ContactID string
	Address   string
}

type Tracker struct {
	store Store
	log   zerolog.Logger
}

func New(s Store, log zerolog.Logger) *Tracker {
	return &Tracker{store: s, log: log.With().Str("component", "tracker").Logger()}
}

// Enqueue creates one pending delivery per target, in order, and sets the
// campaign total, in a single store transaction.
func (t *Tracker) Enqueue(ctx context.Context, campaignID string, targets []Target) (int, error) {
	deliveries := make([]models.Delivery, len(targets))
	for i, target := range targets {
		deliveries[i] = models.Delivery{
			ID:         uuid.NewString(),
			CampaignID: campaignID,
			Seq:        i,
			ContactID:  target.ContactID,
			Address:    target.Address,
			Status:     models.DeliveryPending,
		}
	}
	if err := t.store.EnqueueDeliveries(ctx, campaignID, deliveries); err != nil {
		return 0, fmt.Errorf("enqueue campaign %s: %w", campaignID, err)
	}
	return len(deliveries), nil
}

// Pending lists the deliveries still to send, in seq order.
func (t *Tracker) Pending(ctx context.Context, campaignID string) ([]models.Delivery, error) {
	return t.store.PendingDeliveries(ctx, campaignID)
}

// RecordSent marks a pending delivery sent. It reports false when the
// delivery had already left pending.
func (t *Tracker) RecordSent(ctx context.Context, d models.Delivery, messageID, externalID string) (bool, error) {
	return t.move(ctx, store.DeliveryTransition{
		ID:         d.ID,
		CampaignID: d.CampaignID,
		From:       models.DeliveryPending,
		To:         models.DeliverySent,
		MessageID:  messageID,
		ExternalID: externalID,
	})
}

// RecordFailed marks a pending delivery failed with the given reason.
func (t *Tracker) RecordFailed(ctx context.Context, d models.Delivery, reason string) (bool, error) {
	return t.move(ctx, store.DeliveryTransition{
		ID:         d.ID,
		CampaignID: d.CampaignID,
		From:       models.DeliveryPending,
		To:         models.DeliveryFailed,
		Error:      reason,
	})
}

// Discard drops every pending delivery of a cancelled campaign.
func (t *Tracker) Discard(ctx context.Context, campaignID string) (int, error) {
	return t.bulk(ctx, campaignID, models.DeliveryDiscarded, "cancelled")
}

// FailRemaining fails every pending delivery, used when the campaign's
// scheduling window has elapsed.
func (t *Tracker) FailRemaining(ctx context.Context, campaignID, reason string) (int, error) {
	return t.bulk(ctx, campaignID, models.DeliveryFailed, reason)
}

func (t *Tracker) bulk(ctx context.Context, campaignID, to, reason string) (int, error) {
	delta, _ := Delta(models.DeliveryPending, to)
	n, err := t.store.BulkTransition(ctx, campaignID, models.DeliveryPending, to, reason, delta)
	if err != nil {
		return 0, fmt.Errorf("%s pending deliveries of %s: %w", to, campaignID, err)
	}
	return n, nil
}

func (t *Tracker) move(ctx context.Context, tr store.DeliveryTransition) (bool, error) {
	delta, ok := Delta(tr.From, tr.To)
	if !ok {
		return false, nil
	}
	tr.Delta = delta
	applied, err := t.store.TransitionDelivery(ctx, tr)
	if err != nil {
		return false, fmt.Errorf("delivery %s %s->%s: %w", tr.ID, tr.From, tr.To, err)
	}
	return applied, nil
}

// Acknowledge applies a transport status report (sent, delivered, read,
// failed) to the message and, for campaign messages, to the delivery.
// Unknown ids and disallowed moves are ignored. It reports whether any
// record changed.
func (t *Tracker) Acknowledge(ctx context.Context, externalID, status string) (bool, error) {
	changed := false

	msg, err := t.store.MessageByExternalID(ctx, externalID)
	switch {
	case err == nil:
		if from := messageFrom(status); from != nil {
			ok, err := t.store.SetMessageStatus(ctx, msg.ID, from, status)
			if err != nil {
				return false, err
			}
			changed = changed || ok
		}
	case !errors.Is(err, store.ErrNotFound):
		return false, err
	}

	d, err := t.store.DeliveryByExternalID(ctx, externalID)
	if errors.Is(err, store.ErrNotFound) {
		if !changed {
			t.log.Debug().Str("external_id", externalID).Str("status", status).Msg("Ack for unknown message")
		}
		return changed, nil
	}
	if err != nil {
		return changed, err
	}

	// A concurrent ack can move the delivery between the read and the
	// conditional update; re-read and retry once per legal source state.
	for attempt := 0; attempt < 3; attempt++ {
		applied, err := t.move(ctx, store.DeliveryTransition{
			ID:         d.ID,
			CampaignID: d.CampaignID,
			From:       d.Status,
			To:         status,
		})
		if err != nil || applied {
			return changed || applied, err
		}
		if _, legal := Delta(d.Status, status); !legal {
			return changed, nil
		}
		if d, err = t.store.GetDelivery(ctx, d.ID); err != nil {
			return changed, err
		}
	}
	return changed, nil
}

// messageFrom lists the message statuses that may advance to status.
func messageFrom(status string) []string {
	switch status {
	case models.MessageDelivered:
		return []string{"", models.MessageSent}
	case models.MessageRead:
		return []string{"", models.MessageSent, models.MessageDelivered}
	default:
		return nil
	}
}

// Stats returns the campaign's counters.
func (t *Tracker) Stats(ctx context.Context, campaignID string) (models.CampaignStats, error) {
	c, err := t.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return models.CampaignStats{}, err
	}
	return c.Stats, nil
}
