package notify

import (
	"sync"

	"github.com/systemflow/flowsync/internal/models"
)

// ChannelPrefs gates the observable effects of one notification channel.
type ChannelPrefs struct {
	SoundEnabled  bool `json:"sound_enabled" mapstructure:"sound_enabled"`
	InAppEnabled  bool `json:"in_app_enabled" mapstructure:"in_app_enabled"`
	NativeEnabled bool `json:"native_enabled" mapstructure:"native_enabled"`
}

// Preferences holds per-channel notification preferences for the chat and
// system channels independently. Safe for concurrent use.
type Preferences struct {
	mu     sync.RWMutex
	chat   ChannelPrefs
	system ChannelPrefs
}

// NewPreferences creates preferences with the given channel settings.
func NewPreferences(chat, system ChannelPrefs) *Preferences {
	return &Preferences{chat: chat, system: system}
}

// DefaultPreferences enables every effect on both channels.
func DefaultPreferences() *Preferences {
	all := ChannelPrefs{SoundEnabled: true, InAppEnabled: true, NativeEnabled: true}
	return NewPreferences(all, all)
}

// ForType returns the preferences of the notification's channel.
func (p *Preferences) ForType(t models.NotificationType) ChannelPrefs {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if t == models.NotificationTypeChat {
		return p.chat
	}
	return p.system
}

// Set replaces one channel's preferences.
func (p *Preferences) Set(t models.NotificationType, prefs ChannelPrefs) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t == models.NotificationTypeChat {
		p.chat = prefs
		return
	}
	p.system = prefs
}
