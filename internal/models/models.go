package models

import (
	"time"
)

// Trigger types for a FlowAutomation
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
	TriggerWebhook   = "webhook"
)

// FlowAutomation ties a flow template to a channel, an audience and a firing rule
type FlowAutomation struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	OrgID          uint            `gorm:"index;not null" json:"org_id"`
	Name           string          `gorm:"type:varchar(255);not null" json:"name"`
	FlowID         string          `gorm:"type:varchar(255);not null" json:"flow_id"`
	ChannelID      string          `gorm:"type:varchar(50);not null" json:"channel_id"` // WhatsApp phone number ID
	TriggerType    string          `gorm:"type:varchar(20);not null" json:"trigger_type"`
	TriggerKeyword string          `gorm:"type:varchar(255)" json:"trigger_keyword"` // webhook trigger match, empty matches any
	Audience       string          `gorm:"type:text" json:"audience"`                // JSON AudienceSpec
	Variables      string          `gorm:"type:text" json:"variables"`               // JSON variable mapping template
	Active         bool            `gorm:"default:true" json:"active"`
	Recurrence     *RecurrenceRule `gorm:"foreignKey:AutomationID;constraint:OnDelete:CASCADE;" json:"recurrence,omitempty"`
	Exceptions     []ExceptionRule `gorm:"foreignKey:AutomationID;constraint:OnDelete:CASCADE;" json:"exceptions"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (FlowAutomation) TableName() string {
	return "flow_automations"
}

// Recurrence frequencies
const (
	FreqDaily   = "daily"
	FreqWeekly  = "weekly"
	FreqMonthly = "monthly"
)

// RecurrenceRule describes when a scheduled automation fires. Owned 1:1 by its
// automation. Weekdays is a comma separated list of MON..SUN, only meaningful
// for weekly frequency. WindowStart/WindowEnd are local "HH:MM" in Timezone.
type RecurrenceRule struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	AutomationID   uint       `gorm:"uniqueIndex;not null" json:"automation_id"`
	Frequency      string     `gorm:"type:varchar(20);not null" json:"frequency"`
	Weekdays       string     `gorm:"type:varchar(50)" json:"weekdays"`
	WindowStart    string     `gorm:"type:varchar(5);not null" json:"window_start"`
	WindowEnd      string     `gorm:"type:varchar(5);not null" json:"window_end"`
	Timezone       string     `gorm:"type:varchar(64);not null" json:"timezone"`
	DayOfMonth     int        `gorm:"default:1" json:"day_of_month"`
	EndDate        *time.Time `json:"end_date"`
	MaxOccurrences int        `gorm:"default:0" json:"max_occurrences"` // 0 = unbounded
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (RecurrenceRule) TableName() string {
	return "recurrence_rules"
}

// Exception kinds
const (
	ExceptionSkip  = "skip"
	ExceptionForce = "force"
)

// ExceptionRule overlays a date range on top of the recurrence. Skip removes
// matching occurrences, force injects one occurrence per covered date. Force
// wins when both kinds cover the same date.
type ExceptionRule struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	AutomationID uint      `gorm:"index;not null" json:"automation_id"`
	Kind         string    `gorm:"type:varchar(10);not null" json:"kind"`
	StartDate    time.Time `gorm:"not null" json:"start_date"` // inclusive, date precision
	EndDate      time.Time `gorm:"not null" json:"end_date"`   // inclusive
	Reason       string    `gorm:"type:text" json:"reason"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (ExceptionRule) TableName() string {
	return "exception_rules"
}

// Execution states
const (
	StatePending         = "pending"
	StateResolving       = "resolving"
	StateRunning         = "running"
	StateCompleted       = "completed"
	StatePartiallyFailed = "partially_failed"
	StateFailed          = "failed"
	StateSkipped         = "skipped"
)

// Stable machine readable reason codes attached to terminal executions
const (
	ReasonEmptyAudience      = "empty_audience"
	ReasonAutomationInactive = "automation_inactive"
	ReasonMissedWindow       = "missed_window"
	ReasonOrphaned           = "orphaned"
	ReasonCancelled          = "cancelled"
	ReasonFlowUnavailable    = "flow_unavailable"
	ReasonDeliveryFailed     = "delivery_failed"
	ReasonMissingVariables   = "missing_variables"
)

// Execution is one firing of an automation: one automation, one slot, one
// resolved recipient snapshot. Holds the automation by id only; the automation
// may be deactivated while the execution is still in flight. Immutable once
// terminal. The (automation, planned slot) pair is unique so a slot never
// fires twice across dispatcher instances.
type Execution struct {
	ID            string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	AutomationID  uint       `gorm:"not null;uniqueIndex:uk_executions_slot" json:"automation_id"`
	PlannedAt     *time.Time `gorm:"uniqueIndex:uk_executions_slot" json:"planned_at"` // nil for manual/webhook triggers
	TriggerSource string     `gorm:"type:varchar(20);not null" json:"trigger_source"`
	State         string     `gorm:"type:varchar(20);not null;index" json:"state"`
	Reason        string     `gorm:"type:varchar(50)" json:"reason"`
	Detail        string     `gorm:"type:text" json:"detail"`
	Recipients    int        `gorm:"default:0" json:"recipients"`
	Submitted     int        `gorm:"default:0" json:"submitted"`
	Failed        int        `gorm:"default:0" json:"failed"`
	Skipped       int        `gorm:"default:0" json:"skipped"`
	Excluded      int        `gorm:"default:0" json:"excluded"` // manual audience ids dropped at resolve time
	DispatcherID  string     `gorm:"type:varchar(36)" json:"dispatcher_id"`
	HeartbeatAt   *time.Time `json:"heartbeat_at"`
	StartedAt     *time.Time `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func (Execution) TableName() string {
	return "executions"
}

// Terminal reports whether the execution reached a terminal state.
func (e *Execution) Terminal() bool {
	switch e.State {
	case StateCompleted, StatePartiallyFailed, StateFailed, StateSkipped:
		return true
	}
	return false
}

// Per recipient delivery outcomes
const (
	OutcomeSubmitted = "submitted"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// ExecutionResult records the delivery submission outcome for one recipient
// within an execution.
type ExecutionResult struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ExecutionID string    `gorm:"index;type:varchar(36);not null" json:"execution_id"`
	ContactID   uint      `gorm:"not null" json:"contact_id"`
	WaID        string    `gorm:"type:varchar(50)" json:"wa_id"`
	Outcome     string    `gorm:"type:varchar(20);not null" json:"outcome"`
	ErrorCode   string    `gorm:"type:varchar(50)" json:"error_code"`
	ErrorDetail string    `gorm:"type:text" json:"error_detail"`
	Attempts    int       `gorm:"default:0" json:"attempts"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (ExecutionResult) TableName() string {
	return "execution_results"
}

// Contact represents a WhatsApp contact
type Contact struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	OrgID      uint      `gorm:"index;not null" json:"org_id"`
	WaID       string    `gorm:"index;type:varchar(50)" json:"wa_id"` // WhatsApp ID (phone number)
	Name       string    `gorm:"type:varchar(255)" json:"name"`
	Tags       string    `gorm:"type:text" json:"tags"`       // Comma separated tags
	Attributes string    `gorm:"type:text" json:"attributes"` // JSON attributes
	OptedOut   bool      `gorm:"default:false" json:"opted_out"`
	Active     bool      `gorm:"default:true" json:"active"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Contact) TableName() string {
	return "contacts"
}

// Addressable reports whether the contact can receive a message right now:
// it has a WhatsApp id, is active and has not opted out.
func (c *Contact) Addressable() bool {
	return c.WaID != "" && c.Active && !c.OptedOut
}

// Template represents a WhatsApp message template usable as flow content
type Template struct {
	ID         string `gorm:"primaryKey" json:"id"`
	Name       string `gorm:"type:varchar(255)" json:"name"`
	Language   string `gorm:"type:varchar(50)" json:"language"`
	Category   string `gorm:"type:varchar(100)" json:"category"`
	Status     string `gorm:"type:varchar(50)" json:"status"`
	Components string `gorm:"type:text" json:"components"` // JSON components
}

func (Template) TableName() string {
	return "templates"
}
