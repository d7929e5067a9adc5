package model

import "time"

// SchedulerState is the coarse daemon state published in status.json.
type SchedulerState string

const (
	StateIdle     SchedulerState = "idle"
	StateSyncing  SchedulerState = "syncing"
	StateCooldown SchedulerState = "cooldown"
	StateStopped  SchedulerState = "stopped"
)

// CooldownReason explains why the scheduler is waiting longer than the
// normal sync interval.
type CooldownReason string

const (
	CooldownNone      CooldownReason = ""
	CooldownRateLimit CooldownReason = "rate_limit"
	CooldownError     CooldownReason = "error"
	CooldownMaxReach  CooldownReason = "max_downloads"
)

// StatusError is the structured last-error record surfaced to operators.
type StatusError struct {
	Time     time.Time `json:"time"`
	IllustID uint64    `json:"illust_id,omitempty"`
	Action   string    `json:"action"`
	URL      string    `json:"url,omitempty"`
	Message  string    `json:"message"`
}

// QueueSummary is the queue-shaped counters published alongside the round
// stats.
type QueueSummary struct {
	Pending         int `json:"pending"`
	Running         int `json:"running"`
	Done            int `json:"done"`
	Failed          int `json:"failed"`
	PermanentFailed int `json:"permanent_failed"`
}

// RuntimeStatus is the non-persistent snapshot document published by C8
// after every observable scheduler transition.
type RuntimeStatus struct {
	State            SchedulerState `json:"state"`
	Phase            string         `json:"phase,omitempty"`
	Message          string         `json:"message,omitempty"`
	ProcessedTotal   int            `json:"processed_total"`
	Success          int            `json:"success"`
	Skipped          int            `json:"skipped"`
	Failed           int            `json:"failed"`
	HitMaxDownloads  bool           `json:"hit_max_downloads"`
	RateLimited      bool           `json:"rate_limited"`
	LastError        *StatusError   `json:"last_error,omitempty"`
	RecentErrors     []StatusError  `json:"recent_errors,omitempty"`
	Queue            QueueSummary   `json:"queue"`
	CooldownReason   CooldownReason `json:"cooldown_reason,omitempty"`
	NextRunAt        time.Time      `json:"next_run_at,omitzero"`
	CooldownSeconds  int            `json:"cooldown_seconds,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}
