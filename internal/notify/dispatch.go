package notify

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/systemflow/flowsync/internal/logging"
	"github.com/systemflow/flowsync/internal/models"
)

// DefaultSoundInterval is the minimum spacing between alert sounds.
const DefaultSoundInterval = 900 * time.Millisecond

// Effect names one observable side effect of an unread event.
type Effect string

const (
	EffectSound  Effect = "sound"
	EffectToast  Effect = "toast"
	EffectNative Effect = "native"
)

// FocusState is the window focus/visibility at dispatch time.
type FocusState struct {
	Visible bool
	Focused bool
}

// Toast is an in-app notification card.
type Toast struct {
	Kind    models.NotificationType
	Title   string
	Message string
	Link    string
}

// Native is an OS-level notification.
type Native struct {
	Title string
	Body  string
	URL   string
	Tag   string
}

// Sink receives the side effects the dispatcher decides to fire.
type Sink interface {
	PlaySound()
	ShowToast(t Toast)
	ShowNative(n Native)
}

// Dispatcher converts an unread notification into zero or more effects,
// gated by per-channel preferences and window visibility. The sound
// effect is rate limited; the toast and native effects are mutually
// exclusive on visibility.
type Dispatcher struct {
	prefs   *Preferences
	sink    Sink
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithSoundInterval overrides the sound rate limit spacing.
func WithSoundInterval(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.limiter = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// NewDispatcher creates a dispatcher over the given sink.
func NewDispatcher(prefs *Preferences, sink Sink, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		prefs:   prefs,
		sink:    sink,
		limiter: rate.NewLimiter(rate.Every(DefaultSoundInterval), 1),
		logger:  logging.Component("dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch fires the effects an incoming notification warrants and
// returns which ones fired. Already-read notifications produce nothing.
func (d *Dispatcher) Dispatch(n models.Notification, focus FocusState) []Effect {
	if n.IsRead {
		return nil
	}

	prefs := d.prefs.ForType(n.Type)
	var effects []Effect

	if prefs.SoundEnabled && d.limiter.Allow() {
		d.sink.PlaySound()
		effects = append(effects, EffectSound)
	}

	if focus.Visible {
		if prefs.InAppEnabled {
			d.sink.ShowToast(Toast{
				Kind:    n.Type,
				Title:   toastTitle(n),
				Message: n.Content,
				Link:    n.Link,
			})
			effects = append(effects, EffectToast)
		}
	} else if prefs.NativeEnabled {
		d.sink.ShowNative(Native{
			Title: nativeTitle(n),
			Body:  n.Content,
			URL:   n.Link,
			Tag:   string(n.Type) + ":" + n.ID,
		})
		effects = append(effects, EffectNative)
	}

	d.logger.Debug().
		Str("notification_id", n.ID).
		Str("type", string(n.Type)).
		Int("effects", len(effects)).
		Msg("dispatched")
	return effects
}

func toastTitle(n models.Notification) string {
	if n.IsChat() {
		return "New message"
	}
	if n.Title != "" {
		return n.Title
	}
	return "System alert"
}

func nativeTitle(n models.Notification) string {
	if n.Title != "" {
		return n.Title
	}
	if n.IsChat() {
		return "New message"
	}
	return "Notification"
}
