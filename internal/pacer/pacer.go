// Package pacer computes the wait before each campaign send from the
// campaign's speed tier and its pause cycle.
package pacer

import (
	"strings"
	"time"

	"zapflow/internal/config"
	"zapflow/internal/models"
)

// Band is the delay and cooldown of one speed tier.
type Band struct {
	Delay    time.Duration
	Cooldown time.Duration
}

// Bands maps speed tiers to their pacing.
type Bands map[string]Band

// DefaultBands are the stock tiers. Safe is the slowest.
func DefaultBands() Bands {
	return Bands{
		models.SpeedSafe:   {Delay: 30 * time.Second, Cooldown: 10 * time.Minute},
		models.SpeedNormal: {Delay: 15 * time.Second, Cooldown: 5 * time.Minute},
		models.SpeedFast:   {Delay: 5 * time.Second, Cooldown: 2 * time.Minute},
	}
}

// FromConfig builds bands from validated pacing config.
func FromConfig(p config.Pacing) Bands {
	return Bands{
		models.SpeedSafe:   {Delay: p.SafeDelay, Cooldown: p.SafeCooldown},
		models.SpeedNormal: {Delay: p.NormalDelay, Cooldown: p.NormalCooldown},
		models.SpeedFast:   {Delay: p.FastDelay, Cooldown: p.FastCooldown},
	}
}

// Delay is the wait before the next send.
type Delay struct {
	Duration time.Duration
	// Cooldown is set when the wait is a pause-cycle cooldown; the caller
	// resets its since-cooldown counter once it has been waited out.
	Cooldown bool
}

type Pacer struct {
	bands Bands
}

func New(bands Bands) *Pacer {
	if bands == nil {
		bands = DefaultBands()
	}
	return &Pacer{bands: bands}
}

// Next returns the wait before the next send, given how many messages were
// sent since the last cooldown. A pauseCycle of zero disables cooldowns.
// Unknown tiers pace as Safe.
func (p *Pacer) Next(tier string, sentSinceCooldown, pauseCycle int) Delay {
	band := p.band(tier)
	if pauseCycle > 0 && sentSinceCooldown >= pauseCycle {
		return Delay{Duration: band.Cooldown, Cooldown: true}
	}
	return Delay{Duration: band.Delay}
}

func (p *Pacer) band(tier string) Band {
	if b, ok := p.bands[tier]; ok {
		return b
	}
	if b, ok := p.bands[models.SpeedSafe]; ok {
		return b
	}
	return DefaultBands()[models.SpeedSafe]
}

// ParseSpeed normalizes a speed label. It accepts the tier names and the
// Portuguese labels shown in the dashboard. ok is false for anything else.
func ParseSpeed(label string) (tier string, ok bool) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "safe", "seguro", "seguro (lento)":
		return models.SpeedSafe, true
	case "normal":
		return models.SpeedNormal, true
	case "fast", "rápido", "rapido", "rápido (arriscado)":
		return models.SpeedFast, true
	default:
		return "", false
	}
}
