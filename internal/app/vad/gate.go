// Package vad turns captured PCM into a transmit gate with release hysteresis.
package vad

import (
	"math"
	"sync"
	"time"
)

// ReleaseWindow keeps the gate open after the last loud sample so trailing speech is not clipped.
const ReleaseWindow = 220 * time.Millisecond

// levelGain maps normalized RMS (0..1) onto the 0..100 threshold scale;
// conversational speech lands around 20..60.
const levelGain = 300

// Level is the normalized RMS energy of samples on a 0..100 scale.
func Level(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	return math.Min(100, rms*levelGain)
}

// Gate is the pure decision: open on level >= threshold, close strictly after
// ReleaseWindow without a qualifying sample.
type Gate struct {
	open      bool
	lastAbove time.Time
}

// Observe feeds one tick and returns the gate state after it.
func (g *Gate) Observe(level, threshold float64, now time.Time) bool {
	if level >= threshold {
		g.open = true
		g.lastAbove = now
		return true
	}
	if g.open && now.Sub(g.lastAbove) > ReleaseWindow {
		g.open = false
	}
	return g.open
}

func (g *Gate) Open() bool { return g.open }

func (g *Gate) Reset() {
	g.open = false
	g.lastAbove = time.Time{}
}

// Analyzer binds a Gate to a capture tap. Threshold is read on every tick
// so settings changes apply without re-registering the tap.
type Analyzer struct {
	threshold func() int
	onChange  func(open bool)
	now       func() time.Time

	mu      sync.Mutex
	gate    Gate
	running bool
	level   float64
}

func NewAnalyzer(threshold func() int, onChange func(open bool)) *Analyzer {
	return &Analyzer{threshold: threshold, onChange: onChange, now: time.Now}
}

func (a *Analyzer) Start() {
	a.mu.Lock()
	a.running = true
	a.gate.Reset()
	a.mu.Unlock()
}

// Stop ends analysis; the gate reads closed until the next Start.
func (a *Analyzer) Stop() {
	a.mu.Lock()
	wasOpen := a.gate.Open()
	a.running = false
	a.gate.Reset()
	a.level = 0
	a.mu.Unlock()
	if wasOpen && a.onChange != nil {
		a.onChange(false)
	}
}

// Feed is the capture tap; one call is one analysis tick.
func (a *Analyzer) Feed(samples []int16) {
	lvl := Level(samples)
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	before := a.gate.Open()
	after := a.gate.Observe(lvl, float64(a.threshold()), a.now())
	a.level = lvl
	a.mu.Unlock()
	if before != after && a.onChange != nil {
		a.onChange(after)
	}
}

func (a *Analyzer) Open() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running && a.gate.Open()
}

// CurrentLevel is the last observed level, for meters.
func (a *Analyzer) CurrentLevel() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.level
}
