// Package notify delivers core alerts to operators. The Notifier implements
// domain.Alerter: it logs every alert, filters by severity and event, and
// hands the rest to a background worker that fans out to the senders.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, a domain.Alert) error
	Name() string
}

// Config tunes filtering and delivery.
type Config struct {
	// Events limits delivery to these event names. Critical alerts always
	// pass. Empty allows every event.
	Events      []string
	MinSeverity domain.Severity
	QueueSize   int
	// PerSecond and Burst pace deliveries across all senders.
	PerSecond float64
	Burst     int
}

// Notifier implements domain.Alerter.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	minLevel int
	queue    chan domain.Alert
	limiter  *rate.Limiter
	logger   *slog.Logger
}

var _ domain.Alerter = (*Notifier)(nil)

var severityLevel = map[domain.Severity]int{
	domain.SeverityInfo:     0,
	domain.SeverityWarning:  1,
	domain.SeverityCritical: 2,
}

// NewNotifier creates a Notifier. Call Run to start delivery.
func NewNotifier(senders []Sender, cfg Config, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(cfg.Events))
	for _, e := range cfg.Events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	limit := rate.Inf
	if cfg.PerSecond > 0 {
		limit = rate.Limit(cfg.PerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		minLevel: severityLevel[cfg.MinSeverity],
		queue:    make(chan domain.Alert, cfg.QueueSize),
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		logger:   logger.With(slog.String("component", "notifier")),
	}
}

// Alert logs a and queues it for delivery. It never waits on a sender. When
// the queue is full a critical alert is delivered inline and anything else
// is dropped.
func (n *Notifier) Alert(ctx context.Context, a domain.Alert) error {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	n.log(ctx, a)

	if !n.wanted(a) || len(n.senders) == 0 {
		return nil
	}
	select {
	case n.queue <- a:
		return nil
	default:
	}
	if a.Severity == domain.SeverityCritical {
		return n.dispatch(ctx, a)
	}
	n.logger.WarnContext(ctx, "alert queue full, dropping", slog.String("event", a.Event))
	return nil
}

func (n *Notifier) wanted(a domain.Alert) bool {
	if a.Severity == domain.SeverityCritical {
		return true
	}
	if severityLevel[a.Severity] < n.minLevel {
		return false
	}
	return len(n.events) == 0 || n.events[a.Event]
}

func (n *Notifier) log(ctx context.Context, a domain.Alert) {
	attrs := []any{
		slog.String("event", a.Event),
		slog.String("severity", string(a.Severity)),
		slog.String("title", a.Title),
	}
	for _, k := range sortedKeys(a.Fields) {
		attrs = append(attrs, slog.String(k, a.Fields[k]))
	}
	switch a.Severity {
	case domain.SeverityCritical:
		n.logger.ErrorContext(ctx, a.Message, attrs...)
	case domain.SeverityWarning:
		n.logger.WarnContext(ctx, a.Message, attrs...)
	default:
		n.logger.InfoContext(ctx, a.Message, attrs...)
	}
}

// Run delivers queued alerts until ctx ends, then flushes what is left
// with a short grace period.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			n.flush()
			return ctx.Err()
		case a := <-n.queue:
			if err := n.limiter.Wait(ctx); err != nil {
				n.deliverDetached(a)
				continue
			}
			_ = n.dispatch(ctx, a)
		}
	}
}

func (n *Notifier) flush() {
	for {
		select {
		case a := <-n.queue:
			n.deliverDetached(a)
		default:
			return
		}
	}
}

func (n *Notifier) deliverDetached(a domain.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = n.dispatch(ctx, a)
}

// dispatch sends to every sender. One failing sender does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, a domain.Alert) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, a); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", a.Event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}

// render produces the title line and body shared by the senders.
func render(a domain.Alert) (title, body string) {
	title = fmt.Sprintf("[%s] %s", strings.ToUpper(string(a.Severity)), a.Title)
	var sb strings.Builder
	sb.WriteString(a.Message)
	for _, k := range sortedKeys(a.Fields) {
		fmt.Fprintf(&sb, "\n%s: %s", k, a.Fields[k])
	}
	return title, sb.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
