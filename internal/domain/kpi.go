package domain

import "time"

// ThresholdCondition is the comparator applied to the observed KPI value.
type ThresholdCondition string

const (
	CondGT             ThresholdCondition = "gt"
	CondLT             ThresholdCondition = "lt"
	CondGTE            ThresholdCondition = "gte"
	CondLTE            ThresholdCondition = "lte"
	CondEQ             ThresholdCondition = "eq"
	CondNEQ            ThresholdCondition = "neq"
	CondPctChangeAbove ThresholdCondition = "pct_change_above"
	CondPctChangeBelow ThresholdCondition = "pct_change_below"
)

// Aggregation is how samples inside the evaluation window are folded.
type Aggregation string

const (
	AggSum   Aggregation = "sum"
	AggAvg   Aggregation = "avg"
	AggMin   Aggregation = "min"
	AggMax   Aggregation = "max"
	AggCount Aggregation = "count"
)

// Severity ranks a threshold or alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// KPIThreshold is a versioned breach rule. The mutable head row carries
// CurrentVersion; every update writes a KPIThresholdVersion.
type KPIThreshold struct {
	ID                string             `json:"id"`
	KPIName           string             `json:"kpiName"`
	Category          string             `json:"category"`
	Condition         ThresholdCondition `json:"condition"`
	ThresholdValue    float64            `json:"thresholdValue"`
	WarningThreshold  *float64           `json:"warningThreshold,omitempty"`
	CriticalThreshold *float64           `json:"criticalThreshold,omitempty"`
	Aggregation       Aggregation        `json:"aggregation"`
	AggregationPeriod string             `json:"aggregationPeriod"`
	Severity          Severity           `json:"severity"`
	Enabled           bool               `json:"enabled"`
	CooldownMinutes   int                `json:"cooldownMinutes"`
	Channels          []string           `json:"channels"`
	Recipients        []string           `json:"recipients"`
	CurrentVersion    int                `json:"currentVersion"`
	LastAlertAt       *time.Time         `json:"lastAlertAt,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}

// KPIThresholdVersion is one immutable snapshot of a threshold.
// Exactly one version per threshold has IsCurrent=true; EffectiveTo of the
// previous current version equals EffectiveFrom of the next.
type KPIThresholdVersion struct {
	ID            string       `json:"id"`
	ThresholdID   string       `json:"thresholdId"`
	Version       int          `json:"version"`
	Snapshot      KPIThreshold `json:"snapshot"`
	IsCurrent     bool         `json:"isCurrent"`
	EffectiveFrom time.Time    `json:"effectiveFrom"`
	EffectiveTo   *time.Time   `json:"effectiveTo,omitempty"`
	ChangedBy     string       `json:"changedBy,omitempty"`
	ChangeReason  string       `json:"changeReason,omitempty"`
}

// AlertStatus is the alert lifecycle state.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
	AlertSnoozed      AlertStatus = "snoozed"
)

// NotificationRecord is one channel-send attempt appended to an alert.
type NotificationRecord struct {
	Channel      string    `json:"channel"`
	Recipient    string    `json:"recipient"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	SentAt       time.Time `json:"sentAt"`
}

// KPIAlert is one breach occurrence of a threshold.
type KPIAlert struct {
	ID               string               `json:"id"`
	ThresholdID      string               `json:"thresholdId"`
	KPIName          string               `json:"kpiName"`
	Severity         Severity             `json:"severity"`
	Status           AlertStatus          `json:"status"`
	CurrentValue     float64              `json:"currentValue"`
	ThresholdValue   float64              `json:"thresholdValue"`
	DeviationPercent float64              `json:"deviationPercent"`
	Message          string               `json:"message"`
	Context          map[string]any       `json:"context,omitempty"`
	CreatedAt        time.Time            `json:"createdAt"`
	AcknowledgedBy   *string              `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt   *time.Time           `json:"acknowledgedAt,omitempty"`
	ResolvedBy       *string              `json:"resolvedBy,omitempty"`
	ResolvedAt       *time.Time           `json:"resolvedAt,omitempty"`
	SnoozedUntil     *time.Time           `json:"snoozedUntil,omitempty"`
	Notifications    []NotificationRecord `json:"notificationsSent"`
	NotificationCount int                 `json:"notificationCount"`
}
