// Package backpressure derives a pressure level from ingestion buffer
// occupancy.
package backpressure

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/tickpipe/internal/config"
)

// Level represents the current backpressure level.
type Level int

const (
	// LevelNormal - system operating normally.
	LevelNormal Level = iota

	// LevelWarning - elevated load, shed per-tick debug output.
	LevelWarning

	// LevelCritical - the writer is falling behind.
	LevelCritical

	// LevelEmergency - the buffer is about to reject ticks.
	LevelEmergency
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Gauge reports buffer usage as a ratio (0.0 - 1.0).
type Gauge interface {
	UsageRatio() float64
}

// Controller manages backpressure levels based on buffer utilization.
// The buffer's reject policy is unaffected; the level is an early signal
// for operators and for optional load shedding in the hot path.
type Controller struct {
	mu sync.Mutex

	config config.BackpressureConfig
	gauge  Gauge

	// Current state
	level      atomic.Int32
	lastChange time.Time
	lastLevel  Level

	// Statistics
	stats Stats

	// Level change callback
	onLevelChange func(old, new Level, usage float64)
}

// Stats holds backpressure statistics.
type Stats struct {
	LevelChanges   int64
	WarningCount   int64
	CriticalCount  int64
	EmergencyCount int64
	PeakUsage      float64
}

// New creates a new backpressure controller.
func New(cfg config.BackpressureConfig, gauge Gauge) *Controller {
	return &Controller{
		config: cfg,
		gauge:  gauge,
	}
}

// SetOnLevelChange sets the callback for level changes.
// The callback runs with the controller locked and must not call back into it.
func (c *Controller) SetOnLevelChange(fn func(old, new Level, usage float64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLevelChange = fn
}

// Check evaluates current conditions and updates the level.
// This should be called periodically.
func (c *Controller) Check() Level {
	return c.check(time.Now())
}

func (c *Controller) check(now time.Time) Level {
	if !c.config.Enabled {
		return LevelNormal
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	usage := c.gauge.UsageRatio()
	if usage > c.stats.PeakUsage {
		c.stats.PeakUsage = usage
	}

	newLevel := c.determineLevel(usage)
	if newLevel == c.lastLevel {
		return newLevel
	}

	// Escalation is immediate; relaxing respects the cooldown.
	if newLevel < c.lastLevel && now.Sub(c.lastChange) < c.config.Cooldown {
		return c.lastLevel
	}

	c.setLevel(newLevel, usage, now)
	return newLevel
}

// determineLevel determines the backpressure level based on usage.
func (c *Controller) determineLevel(usage float64) Level {
	cfg := c.config
	hysteresis := cfg.Hysteresis
	currentLevel := c.lastLevel

	// Going up (increasing pressure)
	if usage >= cfg.Emergency {
		return LevelEmergency
	}
	if usage >= cfg.Critical && currentLevel < LevelCritical {
		return LevelCritical
	}
	if usage >= cfg.Warning && currentLevel < LevelWarning {
		return LevelWarning
	}

	// Going down (decreasing pressure) - apply hysteresis, one step at a time
	switch currentLevel {
	case LevelEmergency:
		if usage < cfg.Emergency-hysteresis {
			return LevelCritical
		}
		return LevelEmergency
	case LevelCritical:
		if usage < cfg.Critical-hysteresis {
			return LevelWarning
		}
		return LevelCritical
	case LevelWarning:
		if usage < cfg.Warning-hysteresis {
			return LevelNormal
		}
		return LevelWarning
	default:
		return LevelNormal
	}
}

// setLevel updates the current level and fires callback.
func (c *Controller) setLevel(newLevel Level, usage float64, now time.Time) {
	oldLevel := c.lastLevel
	c.lastLevel = newLevel
	c.lastChange = now
	c.level.Store(int32(newLevel))
	c.stats.LevelChanges++

	switch newLevel {
	case LevelWarning:
		c.stats.WarningCount++
	case LevelCritical:
		c.stats.CriticalCount++
	case LevelEmergency:
		c.stats.EmergencyCount++
	}

	if c.onLevelChange != nil {
		c.onLevelChange(oldLevel, newLevel, usage)
	}
}

// CurrentLevel returns the current backpressure level.
func (c *Controller) CurrentLevel() Level {
	return Level(c.level.Load())
}

// ShouldShed returns true if optional hot-path work (per-tick debug
// logging) should be skipped.
func (c *Controller) ShouldShed() bool {
	return c.CurrentLevel() >= LevelWarning
}

// Stats returns current statistics.
func (c *Controller) Stats() ControllerStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ControllerStats{
		CurrentLevel:   c.CurrentLevel(),
		LevelChanges:   c.stats.LevelChanges,
		WarningCount:   c.stats.WarningCount,
		CriticalCount:  c.stats.CriticalCount,
		EmergencyCount: c.stats.EmergencyCount,
		PeakUsage:      c.stats.PeakUsage,
		BufferUsage:    c.gauge.UsageRatio(),
	}
}

// ControllerStats holds controller statistics.
type ControllerStats struct {
	CurrentLevel   Level
	LevelChanges   int64
	WarningCount   int64
	CriticalCount  int64
	EmergencyCount int64
	PeakUsage      float64
	BufferUsage    float64
}

// IsEnabled returns whether backpressure is enabled.
func (c *Controller) IsEnabled() bool {
	return c.config.Enabled
}
