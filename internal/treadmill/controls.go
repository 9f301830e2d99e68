package treadmill

import (
	"math"
	"sync"

	"github.com/lowaak/smart-trainer/treadmill-app/internal/ftms"
)

// CommandSender dispatches control commands. *Session implements it.
type CommandSender interface {
	Send(cmd ftms.ControlCommand) error
}

var _ CommandSender = (*Session)(nil)

// Limits bound the values the step and preset helpers will request.
type Limits struct {
	SpeedStep   float64 // km/h
	MinSpeed    float64
	MaxSpeed    float64
	InclineStep float64 // %
	MinIncline  float64
	MaxIncline  float64
}

func DefaultLimits() Limits {
	return Limits{
		SpeedStep:   0.1,
		MinSpeed:    1.0,
		MaxSpeed:    18.0,
		InclineStep: 1.0,
		MinIncline:  0.0,
		MaxIncline:  15.0,
	}
}

// Presets offered by the dashboard number keys
var (
	SpeedPresets   = []float64{6, 9, 12, 15}
	InclinePresets = []float64{6, 9, 12, 15}
)

// Controls turns button style actions into clamped control commands. Steps are
// relative to the latest observed belt values.
type Controls struct {
	sender CommandSender
	limits Limits

	mu      sync.Mutex
	speed   float64
	incline float64
}

func NewControls(sender CommandSender, limits Limits) *Controls {
	if sender == nil {
		panic("Controls: sender cannot be nil")
	}
	return &Controls{
		sender:  sender,
		limits:  limits,
		speed:   limits.MinSpeed,
		incline: limits.MinIncline,
	}
}

// Observe records the belt values reported by the treadmill.
func (c *Controls) Observe(m ftms.TreadmillMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speed = m.InstantaneousSpeedKmh
	if m.HasInclination {
		c.incline = m.InclinationPercent
	}
}

// Targets returns the speed and incline the controls consider current.
func (c *Controls) Targets() (speedKmh, inclinePercent float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed, c.incline
}

func (c *Controls) SpeedUp() (float64, error) {
	return c.SetSpeed(c.currentSpeed() + c.limits.SpeedStep)
}

func (c *Controls) SpeedDown() (float64, error) {
	return c.SetSpeed(c.currentSpeed() - c.limits.SpeedStep)
}

func (c *Controls) InclineUp() (float64, error) {
	return c.SetIncline(c.currentIncline() + c.limits.InclineStep)
}

func (c *Controls) InclineDown() (float64, error) {
	return c.SetIncline(c.currentIncline() - c.limits.InclineStep)
}

// SetSpeed clamps kmh to the limits and sends it. It returns the requested value.
func (c *Controls) SetSpeed(kmh float64) (float64, error) {
	kmh = clamp(roundTo(kmh, 100), c.limits.MinSpeed, c.limits.MaxSpeed)
	if err := c.sender.Send(ftms.SetSpeed{Kmh: kmh}); err != nil {
		return kmh, err
	}
	c.mu.Lock()
	c.speed = kmh
	c.mu.Unlock()
	return kmh, nil
}

// SetIncline clamps percent to the limits and sends it. It returns the requested value.
func (c *Controls) SetIncline(percent float64) (float64, error) {
	percent = clamp(roundTo(percent, 10), c.limits.MinIncline, c.limits.MaxIncline)
	if err := c.sender.Send(ftms.SetInclination{Percent: percent}); err != nil {
		return percent, err
	}
	c.mu.Lock()
	c.incline = percent
	c.mu.Unlock()
	return percent, nil
}

func (c *Controls) Start() error {
	return c.sender.Send(ftms.Start{})
}

// Stop stops the belt and resets the targets to the minimum speed and incline.
func (c *Controls) Stop() error {
	if err := c.sender.Send(ftms.Stop{}); err != nil {
		return err
	}
	c.mu.Lock()
	c.speed = c.limits.MinSpeed
	c.incline = c.limits.MinIncline
	c.mu.Unlock()
	return nil
}

func (c *Controls) currentSpeed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

func (c *Controls) currentIncline() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.incline
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// roundTo rounds v to 1/scale, so repeated 0.1 steps do not drift
func roundTo(v, scale float64) float64 {
	return math.Round(v*scale) / scale
}
