package session

import (
	"sync/atomic"

	"github.com/dkeye/meshvoice/internal/domain"
)

// SettingsCell is the single "current settings" slot. One writer stores, any
// number of readers load at decision time, so handlers registered earlier
// never act on a stale copy.
type SettingsCell struct {
	p atomic.Pointer[domain.TransmissionSettings]
}

func NewSettingsCell(s domain.TransmissionSettings) *SettingsCell {
	c := &SettingsCell{}
	c.Store(s)
	return c
}

func (c *SettingsCell) Load() domain.TransmissionSettings {
	if s := c.p.Load(); s != nil {
		return *s
	}
	return domain.DefaultTransmissionSettings()
}

func (c *SettingsCell) Store(s domain.TransmissionSettings) {
	s.VoiceActivationThreshold = domain.ClampThreshold(s.VoiceActivationThreshold)
	if s.PushToTalkBinding != nil {
		b := *s.PushToTalkBinding
		s.PushToTalkBinding = &b
	}
	c.p.Store(&s)
}

func (c *SettingsCell) Threshold() int { return c.Load().VoiceActivationThreshold }
