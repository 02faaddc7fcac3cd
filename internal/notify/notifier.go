// Package notify delivers operator alerts (terminal settlement failures,
// escalated disputes) to Telegram and Discord. Alerts can be filtered by event
// type, and each event type is throttled so an outage that fails every job
// does not flood the channel.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	defaultBurst  = 5
	defaultWindow = 10 * time.Minute
	senderTimeout = 10 * time.Second
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, alert Alert) error
	Name() string
}

// Alert is one operator notification.
type Alert struct {
	Event   string
	Title   string
	Message string
	// Source labels the deployment, e.g. "shieldmarket/testnet".
	Source string
	// Fields are rendered as key/value pairs in key order.
	Fields map[string]string
	// Suppressed counts alerts of this event dropped since the last one sent.
	Suppressed int
}

// Notifier dispatches alerts to every Sender. It satisfies the service
// layer's Alerter interface.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	source  string
	logger  *slog.Logger

	burst  int
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	throttle map[string]*bucket
}

type bucket struct {
	start      time.Time
	sent       int
	suppressed int
}

// NewNotifier creates a Notifier. Only events listed in events are
// forwarded; an empty list allows all.
func NewNotifier(senders []Sender, events []string, source string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		source:   source,
		logger:   logger.With(slog.String("component", "notifier")),
		burst:    defaultBurst,
		window:   defaultWindow,
		now:      time.Now,
		throttle: make(map[string]*bucket),
	}
}

// WithThrottle allows burst alerts per event type per window. burst <= 0
// disables throttling.
func (n *Notifier) WithThrottle(burst int, window time.Duration) *Notifier {
	n.burst, n.window = burst, window
	return n
}

// WithClock replaces the time source.
func (n *Notifier) WithClock(now func() time.Time) *Notifier {
	n.now = now
	return n
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify sends an alert unless its event is filtered out or throttled.
func (n *Notifier) Notify(ctx context.Context, event, title, message string, fields map[string]string) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	suppressed, ok := n.admit(event)
	if !ok {
		n.logger.DebugContext(ctx, "alert throttled", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, Alert{
		Event:      event,
		Title:      title,
		Message:    message,
		Source:     n.source,
		Fields:     fields,
		Suppressed: suppressed,
	})
}

// admit reports whether event may be sent now, and how many were dropped
// before it.
func (n *Notifier) admit(event string) (int, bool) {
	if n.burst <= 0 {
		return 0, true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	b, ok := n.throttle[event]
	if !ok || now.Sub(b.start) >= n.window {
		prev := 0
		if ok {
			prev = b.suppressed
		}
		n.throttle[event] = &bucket{start: now, sent: 1}
		return prev, true
	}
	if b.sent >= n.burst {
		b.suppressed++
		return 0, false
	}
	b.sent++
	return 0, true
}

// dispatch sends to every sender; failures are joined, not short-circuited.
func (n *Notifier) dispatch(ctx context.Context, alert Alert) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, alert); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", alert.Event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("event", alert.Event),
		)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

func (a Alert) heading() string {
	if a.Source == "" {
		return a.Title
	}
	return fmt.Sprintf("[%s] %s", a.Source, a.Title)
}

func (a Alert) fieldKeys() []string {
	return slices.Sorted(maps.Keys(a.Fields))
}

func (a Alert) footer() string {
	if a.Suppressed == 0 {
		return a.Event
	}
	return fmt.Sprintf("%s (+%d suppressed)", a.Event, a.Suppressed)
}

// postJSON posts payload and treats any non-2xx as an error carrying the
// start of the response body.
func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet)
	}
	return nil
}
