package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/systemflow/flowsync/internal/models"
)

type recordingSink struct {
	sounds  int
	toasts  []Toast
	natives []Native
}

func (s *recordingSink) PlaySound()          { s.sounds++ }
func (s *recordingSink) ShowToast(t Toast)   { s.toasts = append(s.toasts, t) }
func (s *recordingSink) ShowNative(n Native) { s.natives = append(s.natives, n) }

func visible() FocusState { return FocusState{Visible: true, Focused: true} }
func hidden() FocusState  { return FocusState{} }

func TestDispatchVisibleFiresSoundAndToast(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(DefaultPreferences(), sink)

	n := chatNotification("n1", "r1", time.Now())
	effects := d.Dispatch(n, visible())

	require.ElementsMatch(t, []Effect{EffectSound, EffectToast}, effects)
	require.Equal(t, 1, sink.sounds)
	require.Len(t, sink.toasts, 1)
	require.Empty(t, sink.natives, "toast and native are mutually exclusive")
	require.Equal(t, "New message", sink.toasts[0].Title)
}

func TestDispatchHiddenFiresNative(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(DefaultPreferences(), sink)

	n := chatNotification("n1", "r1", time.Now())
	effects := d.Dispatch(n, hidden())

	require.Contains(t, effects, EffectNative)
	require.NotContains(t, effects, EffectToast)
	require.Len(t, sink.natives, 1)
	require.Equal(t, "chat:n1", sink.natives[0].Tag)
}

func TestDispatchReadNotificationIsSilent(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(DefaultPreferences(), sink)

	n := chatNotification("n1", "r1", time.Now())
	n.IsRead = true
	require.Empty(t, d.Dispatch(n, visible()))
	require.Zero(t, sink.sounds)
}

func TestDispatchHonorsChannelPrefs(t *testing.T) {
	prefs := NewPreferences(
		ChannelPrefs{SoundEnabled: false, InAppEnabled: false, NativeEnabled: false},
		ChannelPrefs{SoundEnabled: true, InAppEnabled: true, NativeEnabled: true},
	)
	sink := &recordingSink{}
	d := NewDispatcher(prefs, sink)

	chat := chatNotification("n1", "r1", time.Now())
	require.Empty(t, d.Dispatch(chat, visible()), "all chat effects disabled")

	sys := models.Notification{ID: "n2", UserID: "u1", Type: models.NotificationTypeSystem, Title: "Deploy done"}
	effects := d.Dispatch(sys, visible())
	require.ElementsMatch(t, []Effect{EffectSound, EffectToast}, effects)
	require.Equal(t, "Deploy done", sink.toasts[0].Title)
}

func TestDispatchNativeDisabledWhileHidden(t *testing.T) {
	prefs := NewPreferences(
		ChannelPrefs{SoundEnabled: false, InAppEnabled: true, NativeEnabled: false},
		ChannelPrefs{},
	)
	sink := &recordingSink{}
	d := NewDispatcher(prefs, sink)

	n := chatNotification("n1", "r1", time.Now())
	require.Empty(t, d.Dispatch(n, hidden()), "in-app pref does not leak into the hidden path")
}

func TestDispatchSoundIsThrottled(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(DefaultPreferences(), sink, WithSoundInterval(80*time.Millisecond))

	base := time.Now()
	d.Dispatch(chatNotification("n1", "r1", base), hidden())
	d.Dispatch(chatNotification("n2", "r1", base), hidden())
	require.Equal(t, 1, sink.sounds, "second sound inside the interval is dropped")
	require.Len(t, sink.natives, 2, "only the sound is throttled")

	time.Sleep(100 * time.Millisecond)
	d.Dispatch(chatNotification("n3", "r1", base), hidden())
	require.Equal(t, 2, sink.sounds)
}
