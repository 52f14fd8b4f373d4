// Package notify delivers short user-facing notifications (connectivity
// changes, sync results) to pluggable channels.
package notify

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Notifier delivers a notification. Notify must not block the caller on
// slow channels and never reports delivery errors.
type Notifier interface {
	Notify(title, body string)
}

// Func adapts a plain function to Notifier.
type Func func(title, body string)

func (f Func) Notify(title, body string) { f(title, body) }

// Nop drops every notification.
var Nop Notifier = Func(func(string, string) {})

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(title, body string) {
	n.logger.Info("notification", "title", title, "body", body)
}

// Multi fans a notification out to every member. A panicking member does not
// stop delivery to the others.
type Multi []Notifier

func (m Multi) Notify(title, body string) {
	for _, n := range m {
		safeNotify(n, title, body)
	}
}

// Close closes every member that implements io.Closer.
func (m Multi) Close() error {
	var result *multierror.Error
	for _, n := range m {
		if c, ok := n.(io.Closer); ok {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

func safeNotify(n Notifier, title, body string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Default().Error("notifier panicked", "panic", r)
		}
	}()
	n.Notify(title, body)
}

// Dedup suppresses a notification identical to one delivered within the
// window. Connectivity can flap; users should see one toast per change.
type Dedup struct {
	next   Notifier
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

func NewDedup(next Notifier, window time.Duration) *Dedup {
	return &Dedup{next: next, window: window, now: time.Now, last: map[string]time.Time{}}
}

func (d *Dedup) Notify(title, body string) {
	key := title + "\x00" + body
	now := d.now()

	d.mu.Lock()
	if at, ok := d.last[key]; ok && now.Sub(at) < d.window {
		d.mu.Unlock()
		return
	}
	d.last[key] = now
	for k, at := range d.last {
		if now.Sub(at) >= d.window {
			delete(d.last, k)
		}
	}
	d.mu.Unlock()

	safeNotify(d.next, title, body)
}

func (d *Dedup) Close() error {
	if c, ok := d.next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
