package alerting

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/clock"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/events"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/rules"
)

// Config is the alerting configuration.
type Config struct {
	Enabled          bool                    `yaml:"enabled"`
	Rules            []model.AlertRule       `yaml:"rules"`
	SuppressionRules []model.SuppressionRule `yaml:"suppressionRules"`
	RateLimit        model.RateLimitConfig   `yaml:"rateLimit"`
}

// rateWindow is one fixed-window counter. The race at the window edge is
// accepted; this is intentionally not a token bucket.
type rateWindow struct {
	start time.Time
	count int
}

func (w *rateWindow) allow(now time.Time, span time.Duration, max int) bool {
	if max <= 0 {
		return true
	}
	if now.Sub(w.start) >= span {
		w.start = now
		w.count = 0
	}
	if w.count >= max {
		return false
	}
	w.count++
	return true
}

// Manager owns every alert. External callers only read snapshots and call
// Acknowledge/Resolve; all other mutation happens inside ProcessAnomaly
// and the escalation timers.
type Manager struct {
	clk   clock.Clock
	sched clock.Scheduler
	bus   *events.Bus
	eval  *rules.Evaluator
	log   *zap.Logger

	mu         sync.Mutex
	cfg        Config
	alerts     map[string]*model.Alert
	order      []string // creation order, for listing
	escalators map[string][]clock.CancelFunc
	minute     rateWindow
	hour       rateWindow
	transports map[string]Transport
	patterns   map[string]*regexp.Regexp
}

// NewManager creates the alerting manager. A log transport is always
// registered as the fallback channel.
func NewManager(cfg Config, clk clock.Clock, sched clock.Scheduler, bus *events.Bus, eval *rules.Evaluator, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		clk:        clk,
		sched:      sched,
		bus:        bus,
		eval:       eval,
		log:        log.Named("alerting"),
		cfg:        cfg,
		alerts:     make(map[string]*model.Alert),
		escalators: make(map[string][]clock.CancelFunc),
		transports: make(map[string]Transport),
		patterns:   make(map[string]*regexp.Regexp),
	}
	m.transports["log"] = NewLogTransport(log)
	return m
}

// RegisterTransport adds a delivery channel, wrapped in a circuit
// breaker.
func (m *Manager) RegisterTransport(t Transport) {
	m.mu.Lock()
	m.transports[t.Name()] = withBreaker(t, m.log)
	m.mu.Unlock()
}

// ProcessAnomaly runs the full pipeline: suppression, rate limit, rule
// match, alert creation, level-1 notification, escalation scheduling.
// Returns nil when no alert was created.
func (m *Manager) ProcessAnomaly(ctx context.Context, a model.Anomaly) (*model.Alert, error) {
	m.mu.Lock()
	if !m.cfg.Enabled {
		m.mu.Unlock()
		return nil, nil
	}
	now := m.clk.Now()

	if rule, matched := m.suppressedBy(a, now); matched {
		m.mu.Unlock()
		m.log.Debug("anomaly suppressed",
			zap.String("anomaly_id", a.ID), zap.String("rule", rule))
		return nil, nil
	}

	if m.cfg.RateLimit.Enabled {
		if !m.minute.allow(now, time.Minute, m.cfg.RateLimit.MaxAlertsPerMinute) ||
			!m.hour.allow(now, time.Hour, m.cfg.RateLimit.MaxAlertsPerHour) {
			m.mu.Unlock()
			m.log.Warn("alert rate limit hit", zap.String("anomaly_id", a.ID))
			return nil, nil
		}
	}

	rule := m.matchRule(a)
	if rule == nil {
		m.mu.Unlock()
		return nil, nil
	}

	alert := &model.Alert{
		ID:            uuid.NewString(),
		Anomaly:       a,
		RuleID:        rule.ID,
		Status:        model.AlertOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
		Escalations:   []model.Escalation{},
		Notifications: []model.Notification{},
	}
	m.alerts[alert.ID] = alert
	m.order = append(m.order, alert.ID)

	// Level 1 fires immediately; later levels are scheduled with
	// cancellable timers keyed by the alert.
	var first *model.EscalationLevel
	if len(rule.Escalation.Levels) > 0 {
		first = &rule.Escalation.Levels[0]
	}
	m.mu.Unlock()

	if first != nil {
		m.fireEscalation(ctx, alert.ID, *first, "alert created")
	}
	m.scheduleEscalations(alert.ID, rule.Escalation)

	m.bus.Publish(events.TopicAlertCreated, snapshotOf(alert))
	m.log.Info("alert created",
		zap.String("alert_id", alert.ID),
		zap.String("rule", rule.ID),
		zap.String("severity", string(a.Severity)),
		zap.String("metric", a.Context.Metric))
	return snapshotOf(alert), nil
}

// suppressedBy checks the enabled suppression rules; called with the lock
// held.
func (m *Manager) suppressedBy(a model.Anomaly, now time.Time) (string, bool) {
	for _, r := range m.cfg.SuppressionRules {
		if !r.ActiveAt(now) {
			continue
		}
		ok, err := m.eval.EvalBool(r.Condition, rules.AnomalyEnv(&a))
		if err != nil {
			m.log.Warn("suppression rule failed to evaluate",
				zap.String("rule", r.ID), zap.Error(err))
			continue
		}
		if ok {
			return r.ID, true
		}
	}
	return "", false
}

// matchRule returns the first enabled rule the anomaly satisfies; called
// with the lock held.
func (m *Manager) matchRule(a model.Anomaly) *model.AlertRule {
	for i := range m.cfg.Rules {
		r := &m.cfg.Rules[i]
		if !r.Enabled {
			continue
		}
		if !a.Severity.AtLeast(r.SeverityThreshold) {
			continue
		}
		if len(r.MetricPatterns) > 0 && !m.metricMatches(r.MetricPatterns, a.Context.Metric) {
			continue
		}
		if len(r.AnomalyTypes) > 0 && !containsType(r.AnomalyTypes, a.Type) {
			continue
		}
		return r
	}
	return nil
}

func (m *Manager) metricMatches(patterns []string, metric string) bool {
	for _, p := range patterns {
		re, ok := m.patterns[p]
		if !ok {
			var err error
			re, err = regexp.Compile(p)
			if err != nil {
				m.log.Warn("bad metric pattern", zap.String("pattern", p), zap.Error(err))
				m.patterns[p] = nil
				continue
			}
			m.patterns[p] = re
		}
		if re != nil && re.MatchString(metric) {
			return true
		}
	}
	return false
}

func containsType(types []model.AnomalyType, t model.AnomalyType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

// scheduleEscalations arms one cancellable timer per level k>1 at the
// cumulative delay from creation.
func (m *Manager) scheduleEscalations(alertID string, policy model.EscalationPolicy) {
	var cumulative time.Duration
	if len(policy.Levels) > 0 {
		cumulative = time.Duration(policy.Levels[0].DelayMinutes) * time.Minute
	}
	var cancels []clock.CancelFunc
	for i := 1; i < len(policy.Levels); i++ {
		level := policy.Levels[i]
		cumulative += time.Duration(level.DelayMinutes) * time.Minute
		cancels = append(cancels, m.sched.After(cumulative, func() {
			m.escalateIfOpen(alertID, level)
		}))
		if level.StopEscalation {
			break
		}
	}
	if len(cancels) > 0 {
		m.mu.Lock()
		m.escalators[alertID] = cancels
		m.mu.Unlock()
	}
}

// escalateIfOpen runs on a timer; it re-checks the status so an ack that
// raced the timer still wins.
func (m *Manager) escalateIfOpen(alertID string, level model.EscalationLevel) {
	m.mu.Lock()
	alert, ok := m.alerts[alertID]
	open := ok && alert.Status == model.AlertOpen
	m.mu.Unlock()
	if !open {
		return
	}
	m.fireEscalation(context.Background(), alertID,
		level, fmt.Sprintf("unacknowledged after level %d delay", level.Level))
	m.bus.Publish(events.TopicAlertEscalated, map[string]any{
		"alert_id": alertID,
		"level":    level.Level,
	})
}

// fireEscalation records the escalation and sends one notification per
// channel x recipient.
func (m *Manager) fireEscalation(ctx context.Context, alertID string, level model.EscalationLevel, reason string) {
	m.mu.Lock()
	alert, ok := m.alerts[alertID]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := m.clk.Now()
	alert.Escalations = append(alert.Escalations, model.Escalation{
		Level:       level.Level,
		TriggeredAt: now,
		Recipients:  level.Recipients,
		Channels:    level.Channels,
		Reason:      reason,
	})
	alert.UpdatedAt = now
	content := formatAlertMessage(alert)
	snapshot := snapshotOf(alert)
	m.mu.Unlock()

	channels := level.Channels
	if len(channels) == 0 {
		channels = []string{"log"}
	}
	recipients := level.Recipients
	if len(recipients) == 0 {
		recipients = []string{""}
	}
	for _, ch := range channels {
		for _, rcpt := range recipients {
			m.sendNotification(ctx, alertID, snapshot, ch, rcpt, content)
		}
	}
}

func (m *Manager) sendNotification(ctx context.Context, alertID string, alert *model.Alert, channel, recipient, content string) {
	n := model.Notification{
		ID:        uuid.NewString(),
		Channel:   channel,
		Recipient: recipient,
		SentAt:    m.clk.Now(),
		Status:    model.NotificationPending,
		Content:   content,
	}

	m.mu.Lock()
	t := m.transports[channel]
	if t == nil {
		t = m.transports["log"]
	}
	m.mu.Unlock()

	if err := t.Send(ctx, n, alert); err != nil {
		n.Status = model.NotificationFailed
		m.log.Warn("notification failed",
			zap.String("alert_id", alertID),
			zap.String("channel", channel),
			zap.Error(err))
	} else {
		n.Status = model.NotificationSent
	}

	m.mu.Lock()
	if live, ok := m.alerts[alertID]; ok {
		live.Notifications = append(live.Notifications, n)
		live.UpdatedAt = m.clk.Now()
	}
	m.mu.Unlock()
}

// Acknowledge moves an open alert to acknowledged and cancels pending
// escalations. Acknowledging an already-acknowledged alert is a no-op
// that still reports success.
func (m *Manager) Acknowledge(alertID, by string) bool {
	m.mu.Lock()
	alert, ok := m.alerts[alertID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	switch alert.Status {
	case model.AlertAcknowledged:
		m.mu.Unlock()
		return true
	case model.AlertOpen:
	default:
		m.mu.Unlock()
		return false
	}

	now := m.clk.Now()
	alert.Status = model.AlertAcknowledged
	alert.AcknowledgedAt = &now
	alert.AcknowledgedBy = by
	alert.UpdatedAt = now
	cancels := m.escalators[alertID]
	delete(m.escalators, alertID)
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	m.bus.Publish(events.TopicAlertAcknowledged, map[string]any{
		"alert_id": alertID,
		"by":       by,
	})
	return true
}

// Resolve closes out an open or acknowledged alert.
func (m *Manager) Resolve(alertID string) bool {
	m.mu.Lock()
	alert, ok := m.alerts[alertID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	switch alert.Status {
	case model.AlertOpen, model.AlertAcknowledged:
	case model.AlertResolved:
		m.mu.Unlock()
		return true
	default:
		m.mu.Unlock()
		return false
	}

	now := m.clk.Now()
	alert.Status = model.AlertResolved
	alert.ResolvedAt = &now
	alert.UpdatedAt = now
	cancels := m.escalators[alertID]
	delete(m.escalators, alertID)
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	m.bus.Publish(events.TopicAlertResolved, map[string]any{"alert_id": alertID})
	return true
}

// Get returns a snapshot of one alert.
func (m *Manager) Get(alertID string) (*model.Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert, ok := m.alerts[alertID]
	if !ok {
		return nil, false
	}
	return snapshotOf(alert), true
}

// List returns snapshots in creation order, optionally filtered by
// status.
func (m *Manager) List(status model.AlertStatus) []*model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Alert, 0, len(m.order))
	for _, id := range m.order {
		alert := m.alerts[id]
		if alert == nil {
			continue
		}
		if status != "" && alert.Status != status {
			continue
		}
		out = append(out, snapshotOf(alert))
	}
	return out
}

// Prune drops terminal alerts older than maxAge and returns how many were
// removed.
func (m *Manager) Prune(maxAge time.Duration) int {
	cutoff := m.clk.Now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	keep := m.order[:0]
	for _, id := range m.order {
		alert := m.alerts[id]
		if alert == nil {
			continue
		}
		terminal := alert.Status == model.AlertResolved ||
			alert.Status == model.AlertClosed ||
			alert.Status == model.AlertSuppressed
		if terminal && alert.UpdatedAt.Before(cutoff) {
			delete(m.alerts, id)
			removed++
			continue
		}
		keep = append(keep, id)
	}
	m.order = keep
	return removed
}

// UpdateConfig swaps the rule set; alerts in flight are unaffected.
func (m *Manager) UpdateConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.patterns = make(map[string]*regexp.Regexp)
	m.mu.Unlock()
}

// Shutdown cancels every pending escalation timer.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := m.escalators
	m.escalators = make(map[string][]clock.CancelFunc)
	m.mu.Unlock()
	for _, cancels := range all {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

// snapshotOf deep-copies the mutable slices so callers cannot race the
// manager. Called with the lock held.
func snapshotOf(a *model.Alert) *model.Alert {
	cp := *a
	cp.Escalations = append([]model.Escalation(nil), a.Escalations...)
	cp.Notifications = append([]model.Notification(nil), a.Notifications...)
	cp.Suppressions = append([]string(nil), a.Suppressions...)
	return &cp
}

// formatAlertMessage renders the deterministic notification body.
func formatAlertMessage(a *model.Alert) string {
	an := a.Anomaly
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s anomaly on %s: score %.3f",
		strings.ToUpper(string(an.Severity)), an.Type, an.Context.Metric, an.Score)
	fmt.Fprintf(&b, ", actual %.3f", an.ActualValue)
	if an.ExpectedValue != nil {
		fmt.Fprintf(&b, ", expected %.3f", *an.ExpectedValue)
	}
	fmt.Fprintf(&b, ", deviation %.3f", an.Deviation)
	fmt.Fprintf(&b, ", at %s", time.UnixMilli(an.Timestamp).UTC().Format(time.RFC3339))
	if an.Description != "" {
		fmt.Fprintf(&b, " - %s", an.Description)
	}
	return b.String()
}

// Stats summarizes the alert population by status.
func (m *Manager) Stats() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int)
	for _, alert := range m.alerts {
		out[string(alert.Status)]++
	}
	// Stable key set for reporting.
	for _, s := range []model.AlertStatus{
		model.AlertOpen, model.AlertAcknowledged, model.AlertSuppressed,
		model.AlertResolved, model.AlertClosed,
	} {
		if _, ok := out[string(s)]; !ok {
			out[string(s)] = 0
		}
	}
	return out
}
