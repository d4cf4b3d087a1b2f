// Package campaign runs outbound campaigns: it resolves the target
// contacts, paces sends through the shared gate, honours scheduling
// windows and pause cycles, and records every outcome through the
// delivery tracker.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"zapflow/internal/clock"
	"zapflow/internal/models"
	"zapflow/internal/pacer"
	"zapflow/internal/sender"
	"zapflow/internal/store"
	"zapflow/internal/tracker"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ReasonWindowElapsed is the failure reason recorded for deliveries left
// unsent when the campaign's schedule ends.
const ReasonWindowElapsed = "window_elapsed"

// ErrShutdown is returned by Start and Resume after Shutdown.
var ErrShutdown = errors.New("dispatcher is shut down")

var errStopped = errors.New("dispatch stopped")

// Store is the persistence the dispatcher reads and writes directly.
// Delivery records go through the tracker.
type Store interface {
	store.ContactStore
	store.CampaignStore
	store.MessageStore
	store.ConversationStore
}

// Notifier publishes campaign progress and the conversations campaign
// sends touch.
type Notifier interface {
	NotifyCampaign(c models.Campaign)
	NotifyConversation(conv models.Conversation)
	NotifyMessage(msg models.Message)
}

// Deps are the collaborators of a Dispatcher. Clock defaults to the real
// clock. A Sender that is not a *sender.Gate is wrapped in a private gate,
// so every campaign of the dispatcher shares one device cadence.
type Deps struct {
	Store    Store
	Tracker  *tracker.Tracker
	Pacer    *pacer.Pacer
	Sender   sender.Sender
	Notifier Notifier
	Clock    clock.Clock
	Retry    store.Backoff
	Logger   zerolog.Logger
}

// Dispatcher owns the send loops of running campaigns, at most one per
// campaign.
type Dispatcher struct {
	store   Store
	tracker *tracker.Tracker
	pacer   *pacer.Pacer
	gate    *sender.Gate
	notify  Notifier
	clock   clock.Clock
	retry   store.Backoff
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	locks opLocks

	mu      sync.Mutex
	running map[string]*Handle
	closed  bool
	wg      sync.WaitGroup
}

func NewDispatcher(deps Deps) *Dispatcher {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Pacer == nil {
		deps.Pacer = pacer.New(nil)
	}
	gate, ok := deps.Sender.(*sender.Gate)
	if !ok {
		gate = sender.NewGate(deps.Sender, 0, sender.WithClock(deps.Clock))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:   deps.Store,
		tracker: deps.Tracker,
		pacer:   deps.Pacer,
		gate:    gate,
		notify:  deps.Notifier,
		clock:   deps.Clock,
		retry:   deps.Retry,
		log:     deps.Logger.With().Str("component", "dispatcher").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		locks:   opLocks{m: make(map[string]*opLock)},
		running: make(map[string]*Handle),
	}
}

// Handle is a running campaign loop.
type Handle struct {
	d    *Dispatcher
	id   string
	stop chan struct{}
	once sync.Once
	done chan struct{}
}

func (h *Handle) CampaignID() string { return h.id }

// Done is closed when the loop has exited, whether it completed the
// campaign or was stopped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the loop exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) Pause(ctx context.Context) error { return h.d.Pause(ctx, h.id) }

func (h *Handle) Resume(ctx context.Context) (*Handle, error) { return h.d.Resume(ctx, h.id) }

func (h *Handle) Cancel(ctx context.Context) error { return h.d.Cancel(ctx, h.id) }

func (h *Handle) halt() { h.once.Do(func() { close(h.stop) }) }

func (h *Handle) stopped() bool {
	select {
	case <-h.stop:
		return true
	default:
		return false
	}
}

// Start begins or continues sending a Draft or Paused campaign. Starting
// a Running campaign returns its existing handle. A Draft campaign has
// its targets resolved and enqueued first; when none resolve it is
// completed with a total of 0 and ErrTargetResolutionEmpty is returned.
func (d *Dispatcher) Start(ctx context.Context, id string) (*Handle, error) {
	return d.start(ctx, id, "start", models.CampaignDraft, models.CampaignPaused, models.CampaignRunning)
}

// Resume continues a Paused campaign. A Running campaign returns its
// existing handle.
func (d *Dispatcher) Resume(ctx context.Context, id string) (*Handle, error) {
	return d.start(ctx, id, "resume", models.CampaignPaused, models.CampaignRunning)
}

func (d *Dispatcher) start(ctx context.Context, id, op string, allowed ...string) (*Handle, error) {
	unlock := d.locks.lock(id)
	defer unlock()

	c, err := d.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if !oneOf(c.Status, allowed) {
		return nil, &StateError{Campaign: id, Status: c.Status, Op: op}
	}
	if c.Status == models.CampaignRunning {
		if h := d.Handle(id); h != nil {
			return h, nil
		}
		// Running without a loop: the process restarted mid-campaign.
		return d.spawn(c)
	}
	if _, err := WindowOf(c); err != nil {
		return nil, fmt.Errorf("campaign %s: %w", id, err)
	}

	now := d.clock.Now()
	change := store.StatusChange{From: []string{c.Status}, To: models.CampaignRunning}
	if c.Status == models.CampaignDraft {
		total, err := d.enqueue(ctx, c)
		if err != nil {
			return nil, err
		}
		if total == 0 {
			err := d.store.SetCampaignStatus(ctx, id, store.StatusChange{
				From:        []string{models.CampaignDraft},
				To:          models.CampaignCompleted,
				StartedAt:   &now,
				CompletedAt: &now,
			})
			if err != nil {
				return nil, d.stateErr(ctx, id, op, err)
			}
			d.notifyCampaign(ctx, id)
			return nil, fmt.Errorf("campaign %s: %w", id, ErrTargetResolutionEmpty)
		}
		change.StartedAt = &now
	}
	if err := d.store.SetCampaignStatus(ctx, id, change); err != nil {
		return nil, d.stateErr(ctx, id, op, err)
	}
	c.Status = models.CampaignRunning
	d.notifyCampaign(ctx, id)
	return d.spawn(c)
}

// enqueue resolves and enqueues the targets of a Draft campaign and
// returns the campaign total.
func (d *Dispatcher) enqueue(ctx context.Context, c *models.Campaign) (int, error) {
	targets, err := d.resolve(ctx, c)
	if err != nil {
		return 0, err
	}
	if len(targets) == 0 {
		return 0, nil
	}
	total, err := d.tracker.Enqueue(ctx, c.ID, targets)
	if errors.Is(err, store.ErrConflict) {
		// Enqueued by an earlier Start that failed before going Running.
		current, err := d.store.GetCampaign(ctx, c.ID)
		if err != nil {
			return 0, err
		}
		return current.Stats.Total, nil
	}
	return total, err
}

// resolve returns the explicit contacts in the given order followed by
// the members of each target list, de-duplicated by contact id. Contacts
// without an address are skipped.
func (d *Dispatcher) resolve(ctx context.Context, c *models.Campaign) ([]tracker.Target, error) {
	seen := make(map[string]bool)
	var targets []tracker.Target
	add := func(contact *models.Contact) {
		if seen[contact.ID] || contact.Address == "" {
			return
		}
		seen[contact.ID] = true
		targets = append(targets, tracker.Target{ContactID: contact.ID, Address: contact.Address})
	}

	for _, id := range c.TargetContactIDs {
		contact, err := d.store.GetContact(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			d.log.Warn().Str("campaign", c.ID).Str("contact", id).Msg("Target contact not found, skipping")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve contact %s: %w", id, err)
		}
		add(contact)
	}
	for _, listID := range c.TargetListIDs {
		members, err := d.store.ContactsInList(ctx, listID)
		if err != nil {
			return nil, fmt.Errorf("resolve list %s: %w", listID, err)
		}
		for i := range members {
			add(&members[i])
		}
	}
	return targets, nil
}

func (d *Dispatcher) spawn(c *models.Campaign) (*Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrShutdown
	}
	h := &Handle{d: d, id: c.ID, stop: make(chan struct{}), done: make(chan struct{})}
	d.running[c.ID] = h
	d.wg.Add(1)
	go d.run(h, c)
	return h, nil
}

// Pause stops a Running campaign after any in-flight send has been
// recorded.
func (d *Dispatcher) Pause(ctx context.Context, id string) error {
	unlock := d.locks.lock(id)
	defer unlock()

	c, err := d.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != models.CampaignRunning {
		return &StateError{Campaign: id, Status: c.Status, Op: "pause"}
	}
	if err := d.stopLoop(ctx, id); err != nil {
		return err
	}
	err = d.store.SetCampaignStatus(ctx, id, store.StatusChange{
		From: []string{models.CampaignRunning},
		To:   models.CampaignPaused,
	})
	if err != nil {
		return d.stateErr(ctx, id, "pause", err)
	}
	d.log.Info().Str("campaign", id).Msg("Campaign paused")
	d.notifyCampaign(ctx, id)
	return nil
}

// Cancel stops the campaign, discards its unsent deliveries and marks it
// Cancelled. Cancelling a Cancelled campaign does nothing. Once Cancel
// returns no further send is attempted.
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	unlock := d.locks.lock(id)
	defer unlock()

	c, err := d.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	switch c.Status {
	case models.CampaignCancelled:
		return nil
	case models.CampaignCompleted:
		return &StateError{Campaign: id, Status: c.Status, Op: "cancel"}
	}
	if err := d.stopLoop(ctx, id); err != nil {
		return err
	}
	discarded, err := d.tracker.Discard(ctx, id)
	if err != nil {
		return err
	}
	now := d.clock.Now()
	err = d.store.SetCampaignStatus(ctx, id, store.StatusChange{
		From:        []string{models.CampaignDraft, models.CampaignRunning, models.CampaignPaused},
		To:          models.CampaignCancelled,
		CompletedAt: &now,
	})
	if err != nil {
		return d.stateErr(ctx, id, "cancel", err)
	}
	d.log.Info().Str("campaign", id).Int("discarded", discarded).Msg("Campaign cancelled")
	d.notifyCampaign(ctx, id)
	return nil
}

func (d *Dispatcher) stopLoop(ctx context.Context, id string) error {
	h := d.Handle(id)
	if h == nil {
		return nil
	}
	h.halt()
	return h.Wait(ctx)
}

// stateErr turns a conditional status update that lost to another
// transition into a StateError carrying the status that won.
func (d *Dispatcher) stateErr(ctx context.Context, id, op string, err error) error {
	if !errors.Is(err, store.ErrConflict) {
		return err
	}
	c, getErr := d.store.GetCampaign(ctx, id)
	if getErr != nil {
		return getErr
	}
	return &StateError{Campaign: id, Status: c.Status, Op: op}
}

// Handle returns the loop of a running campaign, or nil.
func (d *Dispatcher) Handle(id string) *Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running[id]
}

// Stats returns the campaign's live counters.
func (d *Dispatcher) Stats(ctx context.Context, id string) (models.CampaignStats, error) {
	return d.tracker.Stats(ctx, id)
}

// Recover restarts the loops of campaigns left Running by a previous
// process and returns how many were restarted.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	campaigns, err := d.store.ListCampaigns(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range campaigns {
		if c.Status != models.CampaignRunning {
			continue
		}
		if _, err := d.Start(ctx, c.ID); err != nil {
			d.log.Error().Err(err).Str("campaign", c.ID).Msg("Failed to recover campaign")
			continue
		}
		n++
	}
	return n, nil
}

// Shutdown stops every loop and waits for in-flight sends to be
// recorded, or for ctx to end. Campaigns stay Running in the store so
// Recover can continue them.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	for _, h := range d.running {
		h.halt()
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	defer d.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run(h *Handle, c *models.Campaign) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		if d.running[h.id] == h {
			delete(d.running, h.id)
		}
		d.mu.Unlock()
		close(h.done)
	}()

	log := d.log.With().Str("campaign", c.ID).Logger()
	if err := d.dispatch(h, c, log); err != nil && !errors.Is(err, errStopped) {
		log.Error().Err(err).Msg("Dispatch loop failed")
	}
}

func (d *Dispatcher) dispatch(h *Handle, c *models.Campaign, log zerolog.Logger) error {
	window, err := WindowOf(c)
	if err != nil {
		return err
	}
	var pending []models.Delivery
	err = d.persist(h.stop, "load pending", func(ctx context.Context) error {
		var err error
		pending, err = d.tracker.Pending(ctx, c.ID)
		return err
	})
	if err != nil {
		return err
	}
	log.Info().Int("pending", len(pending)).Str("speed", c.Speed).Int("pause_cycle", c.PauseCycle).Msg("Dispatch started")

	pace := pacing{sinceCooldown: c.SinceCooldown}
	if c.LastSentAt != nil {
		pace.lastSent = *c.LastSentAt
	}
	for _, delivery := range pending {
		if h.stopped() {
			return errStopped
		}
		if err := d.pace(h, c, &pace, log); err != nil {
			return err
		}
		open, err := d.awaitWindow(h, window, log)
		if err != nil {
			return err
		}
		if !open {
			return d.elapse(h, c, log)
		}
		sentAt, err := d.deliver(h, c, delivery, log)
		if err != nil {
			return err
		}
		if sentAt.IsZero() {
			continue
		}
		pace.lastSent = sentAt
		pace.sinceCooldown++
		err = d.persist(nil, "record pacing", func(ctx context.Context) error {
			return d.store.RecordCampaignSend(ctx, c.ID, pace.lastSent, pace.sinceCooldown)
		})
		if err != nil {
			return err
		}
	}
	return d.complete(h, c, log)
}

// pacing is a campaign's own send history, persisted after every send.
type pacing struct {
	lastSent      time.Time
	sinceCooldown int
}

// pace blocks until the campaign may send again. A cooldown is measured
// from the campaign's own last send. The tier delay is measured from the
// later of that and the device's last send, booked through the gate so
// concurrent campaigns take turns.
func (d *Dispatcher) pace(h *Handle, c *models.Campaign, p *pacing, log zerolog.Logger) error {
	delay := d.pacer.Next(c.Speed, p.sinceCooldown, c.PauseCycle)
	if delay.Cooldown {
		log.Info().Dur("cooldown", delay.Duration).Int("sent", p.sinceCooldown).Msg("Pause cycle reached, cooling down")
		if err := d.waitUntil(h, p.lastSent, delay.Duration); err != nil {
			return err
		}
		p.sinceCooldown = 0
		delay = d.pacer.Next(c.Speed, 0, c.PauseCycle)
	}
	if err := d.waitUntil(h, p.lastSent, delay.Duration); err != nil {
		return err
	}
	turn := d.gate.Reserve(delay.Duration)
	if err := d.wait(h, turn.At.Sub(d.clock.Now())); err != nil {
		turn.Cancel()
		return err
	}
	return nil
}

// waitUntil waits until dur has passed since from. A zero from does not
// wait.
func (d *Dispatcher) waitUntil(h *Handle, from time.Time, dur time.Duration) error {
	if from.IsZero() {
		return nil
	}
	return d.wait(h, from.Add(dur).Sub(d.clock.Now()))
}

// awaitWindow blocks until the scheduling window is open. It reports
// false when the window has elapsed for good.
func (d *Dispatcher) awaitWindow(h *Handle, w Window, log zerolog.Logger) (bool, error) {
	for {
		wait, elapsed := w.Check(d.clock.Now())
		if elapsed {
			return false, nil
		}
		if wait <= 0 {
			return true, nil
		}
		log.Info().Dur("wait", wait).Msg("Outside scheduling window, waiting")
		if err := d.wait(h, wait); err != nil {
			return false, err
		}
	}
}

func (d *Dispatcher) wait(h *Handle, dur time.Duration) error {
	if dur <= 0 {
		return nil
	}
	select {
	case <-d.clock.After(dur):
		return nil
	case <-h.stop:
		return errStopped
	case <-d.ctx.Done():
		return errStopped
	}
}

// deliver sends one delivery and records its outcome, returning when the
// send was issued or the zero time when it failed. Stop interrupts the
// wait for the gate. Once the send has been issued it is not interrupted,
// and its outcome is recorded before the loop checks stop again.
func (d *Dispatcher) deliver(h *Handle, c *models.Campaign, delivery models.Delivery, log zerolog.Logger) (time.Time, error) {
	contact := &models.Contact{ID: delivery.ContactID, Address: delivery.Address}
	err := d.persist(nil, "load contact", func(ctx context.Context) error {
		found, err := d.store.GetContact(ctx, delivery.ContactID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil
		case err != nil:
			return err
		}
		contact = found
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	text := Render(c.Message, contact, c)

	slot, err := d.acquire(h)
	if err != nil {
		return time.Time{}, err
	}
	sentAt := d.clock.Now()
	receipt, sendErr := slot.Send(d.ctx, sender.Outbound{To: delivery.Address, Text: text, MediaURL: c.MediaURL})
	slot.Release()
	if sendErr != nil {
		if d.ctx.Err() != nil {
			return time.Time{}, errStopped
		}
		log.Warn().Err(sendErr).Str("to", delivery.Address).Msg("Campaign send failed")
		err := d.persist(nil, "record failure", func(ctx context.Context) error {
			_, err := d.tracker.RecordFailed(ctx, delivery, sendErr.Error())
			return err
		})
		d.notifyCampaign(d.ctx, c.ID)
		return time.Time{}, err
	}

	now := d.clock.Now()
	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: delivery.Address,
		Text:           text,
		MediaURL:       c.MediaURL,
		Timestamp:      now,
		FromMe:         true,
		Status:         models.MessageSent,
		ExternalID:     receipt.ExternalID,
		CampaignID:     c.ID,
		Source:         models.SourceCampaign,
	}
	err = d.persist(nil, "record sent", func(ctx context.Context) error {
		_, err := d.tracker.RecordSent(ctx, delivery, msg.ID, receipt.ExternalID)
		return err
	})
	if err != nil {
		return sentAt, err
	}
	err = d.persist(nil, "store message", func(ctx context.Context) error {
		err := d.store.CreateMessage(ctx, &msg)
		if errors.Is(err, store.ErrDuplicate) {
			return nil
		}
		return err
	})
	if err != nil {
		return sentAt, err
	}
	log.Debug().Str("to", delivery.Address).Str("external_id", receipt.ExternalID).Msg("Campaign message sent")

	conv, err := d.store.TouchConversation(d.ctx, store.ConversationTouch{
		ID:          delivery.Address,
		ContactID:   contact.ID,
		Name:        contact.Name,
		Avatar:      contact.AvatarURL,
		LastMessage: text,
		Timestamp:   now,
	})
	if err != nil {
		log.Warn().Err(err).Str("to", delivery.Address).Msg("Failed to update conversation")
	}
	if d.notify != nil {
		d.notify.NotifyMessage(msg)
		if conv != nil {
			d.notify.NotifyConversation(*conv)
		}
	}
	d.notifyCampaign(d.ctx, c.ID)
	return sentAt, nil
}

// acquire takes the gate slot, giving up when the loop is stopped first.
func (d *Dispatcher) acquire(h *Handle) (*sender.Slot, error) {
	ctx, cancel := context.WithCancel(d.ctx)
	defer cancel()
	go func() {
		select {
		case <-h.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	slot, err := d.gate.Acquire(ctx)
	if err != nil {
		if h.stopped() || d.ctx.Err() != nil {
			return nil, errStopped
		}
		return nil, err
	}
	return slot, nil
}

// elapse fails the remaining deliveries once the schedule has ended and
// completes the campaign.
func (d *Dispatcher) elapse(h *Handle, c *models.Campaign, log zerolog.Logger) error {
	var failed int
	err := d.persist(h.stop, "fail remaining", func(ctx context.Context) error {
		var err error
		failed, err = d.tracker.FailRemaining(ctx, c.ID, ReasonWindowElapsed)
		return err
	})
	if err != nil {
		return err
	}
	log.Warn().Int("failed", failed).Msg("Scheduling window elapsed")
	return d.complete(h, c, log)
}

func (d *Dispatcher) complete(h *Handle, c *models.Campaign, log zerolog.Logger) error {
	now := d.clock.Now()
	err := d.persist(h.stop, "complete", func(ctx context.Context) error {
		return d.store.SetCampaignStatus(ctx, c.ID, store.StatusChange{
			From:        []string{models.CampaignRunning},
			To:          models.CampaignCompleted,
			CompletedAt: &now,
		})
	})
	if errors.Is(err, store.ErrConflict) {
		log.Info().Msg("Campaign left Running before completion")
		return nil
	}
	if err != nil {
		return err
	}
	log.Info().Msg("Campaign completed")
	d.notifyCampaign(d.ctx, c.ID)
	return nil
}

// persist runs fn until it succeeds or fails with anything other than
// store.ErrStoreUnavailable, backing off between attempts. No send is
// issued while it retries. A closed stop abandons the retry; a nil stop
// retries until shutdown.
func (d *Dispatcher) persist(stop <-chan struct{}, op string, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(d.ctx)
		if err == nil || !errors.Is(err, store.ErrStoreUnavailable) {
			return err
		}
		delay := d.retry.Delay(attempt)
		d.log.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Dur("retry_in", delay).Msg("Store unavailable, retrying")
		select {
		case <-d.clock.After(delay):
		case <-stop:
			return errStopped
		case <-d.ctx.Done():
			return errStopped
		}
	}
}

func (d *Dispatcher) notifyCampaign(ctx context.Context, id string) {
	if d.notify == nil {
		return
	}
	c, err := d.store.GetCampaign(ctx, id)
	if err != nil {
		d.log.Debug().Err(err).Str("campaign", id).Msg("Skipping campaign notification")
		return
	}
	d.notify.NotifyCampaign(*c)
}

func oneOf(s string, set []string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// opLocks serializes lifecycle operations per campaign.
type opLocks struct {
	mu sync.Mutex
	m  map[string]*opLock
}

type opLock struct {
	mu   sync.Mutex
	refs int
}

func (l *opLocks) lock(id string) func() {
	l.mu.Lock()
	ol, ok := l.m[id]
	if !ok {
		ol = &opLock{}
		l.m[id] = ol
	}
	ol.refs++
	l.mu.Unlock()

	ol.mu.Lock()
	return func() {
		ol.mu.Unlock()
		l.mu.Lock()
		ol.refs--
		if ol.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}
