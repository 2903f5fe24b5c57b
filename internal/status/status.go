// Package status holds the transient banner shown to the user. Banners replace
// each other and auto-dismiss after a fixed interval; in-flight banners stay
// until replaced.
package status

import (
	"log/slog"
	"sync"
	"time"
)

// Level is the severity of a banner.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Banner is one status message.
type Banner struct {
	ID        uint64    `json:"id"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	ShownAt   time.Time `json:"shownAt"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"` // zero for in-flight banners
}

// Notifier owns the current banner.
type Notifier struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	seq     uint64
	current *Banner
}

// New creates a Notifier whose banners expire after ttl.
func New(ttl time.Duration) *Notifier {
	return &Notifier{ttl: ttl, now: time.Now}
}

// Info shows an informational banner.
func (n *Notifier) Info(msg string) uint64 { return n.show(LevelInfo, msg, false) }

// Success shows a success banner.
func (n *Notifier) Success(msg string) uint64 { return n.show(LevelSuccess, msg, false) }

// Warning shows a warning banner.
func (n *Notifier) Warning(msg string) uint64 { return n.show(LevelWarning, msg, false) }

// Error shows an error banner.
func (n *Notifier) Error(msg string) uint64 { return n.show(LevelError, msg, false) }

// Progress shows an in-flight banner that does not expire until replaced.
func (n *Notifier) Progress(msg string) uint64 { return n.show(LevelInfo, msg, true) }

func (n *Notifier) show(level Level, msg string, sticky bool) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	now := n.now()
	b := &Banner{ID: n.seq, Level: level, Message: msg, ShownAt: now}
	if !sticky {
		b.ExpiresAt = now.Add(n.ttl)
	}
	n.current = b

	switch level {
	case LevelError:
		slog.Warn("status", "level", level, "message", msg)
	default:
		slog.Debug("status", "level", level, "message", msg)
	}
	return b.ID
}

// Current returns the visible banner, if any.
func (n *Notifier) Current() (Banner, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current == nil {
		return Banner{}, false
	}
	if !n.current.ExpiresAt.IsZero() && !n.now().Before(n.current.ExpiresAt) {
		n.current = nil
		return Banner{}, false
	}
	return *n.current, true
}

// Dismiss removes the banner with the given id if it is still the current one.
func (n *Notifier) Dismiss(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current != nil && n.current.ID == id {
		n.current = nil
	}
}
