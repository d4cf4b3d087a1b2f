package sender

import (
	"context"
	"sync"
	"time"

	"zapflow/internal/clock"

	"golang.org/x/time/rate"
)

// Gate is the single send channel to the device. At most one send is in
// flight, and consecutive sends are at least interval apart across every
// caller. Waiting for the gate honours ctx.
//
// Paced callers book their turn with Reserve so that spacing is measured
// from the device's last send rather than from their own.
type Gate struct {
	next    Sender
	slot    chan struct{}
	limiter *rate.Limiter
	clock   clock.Clock

	mu       sync.Mutex
	lastSend time.Time
	booked   time.Time
}

var _ Sender = (*Gate)(nil)

type GateOption func(*Gate)

// WithClock sets the clock used to stamp sends and bookings.
func WithClock(c clock.Clock) GateOption {
	return func(g *Gate) { g.clock = c }
}

func NewGate(next Sender, interval time.Duration, opts ...GateOption) *Gate {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	g := &Gate{
		next:    next,
		slot:    make(chan struct{}, 1),
		limiter: rate.NewLimiter(limit, 1),
		clock:   clock.Real(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Send acquires the gate, sends and releases it.
func (g *Gate) Send(ctx context.Context, out Outbound) (Receipt, error) {
	slot, err := g.Acquire(ctx)
	if err != nil {
		return Receipt{}, err
	}
	defer slot.Release()
	return slot.Send(ctx, out)
}

// Acquire waits for exclusive use of the device and for the global
// interval. ctx bounds only the wait: once Acquire returns, the slot is
// held until Release whatever happens to ctx.
func (g *Gate) Acquire(ctx context.Context) (*Slot, error) {
	select {
	case g.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := g.limiter.Wait(ctx); err != nil {
		<-g.slot
		return nil, err
	}
	return &Slot{g: g}, nil
}

// LastSend returns when the device last had a send issued, or the zero
// time.
func (g *Gate) LastSend() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastSend
}

// Reserve books the next paced send on the device, spacing after the
// later of the last send and the last booking. Bookings are handed out
// in call order so concurrent paced callers share one cadence.
func (g *Gate) Reserve(spacing time.Duration) *Reservation {
	g.mu.Lock()
	defer g.mu.Unlock()

	base := g.lastSend
	if g.booked.After(base) {
		base = g.booked
	}
	at := g.clock.Now()
	if !base.IsZero() {
		if next := base.Add(spacing); next.After(at) {
			at = next
		}
	}
	r := &Reservation{g: g, At: at, prev: g.booked}
	g.booked = at
	return r
}

// Reservation is a booked send time.
type Reservation struct {
	At time.Time

	g    *Gate
	prev time.Time
}

// Cancel gives the booking back when no later booking has been made, so
// an abandoned turn does not delay the next caller.
func (r *Reservation) Cancel() {
	r.g.mu.Lock()
	defer r.g.mu.Unlock()
	if r.g.booked.Equal(r.At) {
		r.g.booked = r.prev
	}
}

// Slot is exclusive use of the device, held until Release.
type Slot struct {
	g    *Gate
	once sync.Once
}

// Send issues one send on the held slot and stamps the device's last
// send time.
func (s *Slot) Send(ctx context.Context, out Outbound) (Receipt, error) {
	s.g.mu.Lock()
	s.g.lastSend = s.g.clock.Now()
	s.g.mu.Unlock()
	return s.g.next.Send(ctx, out)
}

func (s *Slot) Release() {
	s.once.Do(func() { <-s.g.slot })
}
