package model

import "time"

// AlertStatus is the lifecycle state of an alert. Transitions are monotone:
// open -> acknowledged -> resolved -> closed, with open -> suppressed as a
// terminal branch.
type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertSuppressed   AlertStatus = "suppressed"
	AlertResolved     AlertStatus = "resolved"
	AlertClosed       AlertStatus = "closed"
)

// NotificationStatus tracks delivery of one notification.
type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationSent      NotificationStatus = "sent"
	NotificationDelivered NotificationStatus = "delivered"
	NotificationFailed    NotificationStatus = "failed"
	NotificationRetrying  NotificationStatus = "retrying"
)

// Notification records one message handed to a transport. Append-only on
// the owning alert.
type Notification struct {
	ID         string             `json:"id"`
	Channel    string             `json:"channel"`
	Recipient  string             `json:"recipient"`
	SentAt     time.Time          `json:"sent_at"`
	Status     NotificationStatus `json:"status"`
	RetryCount int                `json:"retry_count"`
	Content    string             `json:"content,omitempty"`
}

// Escalation records one fired escalation level.
type Escalation struct {
	Level        int       `json:"level"`
	TriggeredAt  time.Time `json:"triggered_at"`
	Recipients   []string  `json:"recipients"`
	Channels     []string  `json:"channels"`
	Reason       string    `json:"reason"`
	Acknowledged bool      `json:"acknowledged"`
}

// EscalationLevel is one step of an escalation policy. Level 1 fires
// immediately on alert creation; level k>1 fires after the cumulative
// delays of levels 2..k unless the alert leaves the open state first.
type EscalationLevel struct {
	Level          int      `json:"level" yaml:"level"`
	DelayMinutes   int      `json:"delay_minutes" yaml:"delayMinutes"`
	Recipients     []string `json:"recipients" yaml:"recipients"`
	Channels       []string `json:"channels" yaml:"channels"`
	StopEscalation bool     `json:"stop_escalation,omitempty" yaml:"stopEscalation,omitempty"`
}

// EscalationPolicy drives the timed escalation state machine per alert.
type EscalationPolicy struct {
	Levels         []EscalationLevel `json:"levels" yaml:"levels"`
	Repeat         bool              `json:"repeat,omitempty" yaml:"repeat,omitempty"`
	RepeatInterval time.Duration     `json:"repeat_interval,omitempty" yaml:"repeatInterval,omitempty"`
}

// AlertRule matches anomalies to an escalation policy.
type AlertRule struct {
	ID                string           `json:"id" yaml:"id"`
	Name              string           `json:"name" yaml:"name"`
	Enabled           bool             `json:"enabled" yaml:"enabled"`
	SeverityThreshold Severity         `json:"severity_threshold" yaml:"severityThreshold"`
	MetricPatterns    []string         `json:"metric_patterns,omitempty" yaml:"metricPatterns,omitempty"`
	AnomalyTypes      []AnomalyType    `json:"anomaly_types,omitempty" yaml:"anomalyTypes,omitempty"`
	Escalation        EscalationPolicy `json:"escalation" yaml:"escalation"`
}

// SuppressionRule drops matching anomalies before alert creation. The
// condition is an expression over {severity, type, metric, score} plus the
// anomaly's business context.
type SuppressionRule struct {
	ID        string     `json:"id" yaml:"id"`
	Name      string     `json:"name" yaml:"name"`
	Enabled   bool       `json:"enabled" yaml:"enabled"`
	Condition string     `json:"condition" yaml:"condition"`
	StartsAt  *time.Time `json:"starts_at,omitempty" yaml:"startsAt,omitempty"`
	EndsAt    *time.Time `json:"ends_at,omitempty" yaml:"endsAt,omitempty"`
}

// ActiveAt reports whether the rule applies at the given instant.
func (r SuppressionRule) ActiveAt(now time.Time) bool {
	if !r.Enabled {
		return false
	}
	if r.StartsAt != nil && now.Before(*r.StartsAt) {
		return false
	}
	if r.EndsAt != nil && now.After(*r.EndsAt) {
		return false
	}
	return true
}

// RateLimitConfig bounds alert creation volume with fixed windows.
type RateLimitConfig struct {
	Enabled            bool `json:"enabled" yaml:"enabled"`
	MaxAlertsPerMinute int  `json:"max_alerts_per_minute" yaml:"maxAlertsPerMinute"`
	MaxAlertsPerHour   int  `json:"max_alerts_per_hour" yaml:"maxAlertsPerHour"`
}

// Alert is an open incident derived from an anomaly. Owned and mutated
// exclusively by the alerting manager.
type Alert struct {
	ID             string         `json:"id"`
	Anomaly        Anomaly        `json:"anomaly"`
	RuleID         string         `json:"rule_id"`
	Status         AlertStatus    `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string         `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	Escalations    []Escalation   `json:"escalations"`
	Notifications  []Notification `json:"notifications"`
	Suppressions   []string       `json:"suppressions,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}
