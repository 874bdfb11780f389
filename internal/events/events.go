package events

import "time"

type EventType string

const (
	EventConnection  EventType = "connection"
	EventSnapshot    EventType = "snapshot"
	EventStarted     EventType = "started"
	EventProgress    EventType = "progress"
	EventCompleted   EventType = "completed"
	EventFailed      EventType = "failed"
	EventLBSwitch    EventType = "lb_switch"
	EventLBReset     EventType = "lb_reset"
	EventLBExhausted EventType = "lb_exhausted"
)

// Request lifecycle states carried in the status field.
const (
	StatusPending   = "PENDING"
	StatusStreaming = "STREAMING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Event is the wire shape for every realtime message. Fields outside the
// common head are set per type and elided otherwise.
type Event struct {
	Type      EventType `json:"type"`
	Service   string    `json:"service,omitempty"`
	Timestamp string    `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`

	// started / snapshot
	Channel        string            `json:"channel,omitempty"`
	Method         string            `json:"method,omitempty"`
	Path           string            `json:"path,omitempty"`
	Model          string            `json:"model,omitempty"`
	StartTime      string            `json:"start_time,omitempty"`
	RequestHeaders map[string]string `json:"request_headers,omitempty"`
	TargetURL      string            `json:"target_url,omitempty"`

	// progress / completed / failed
	Status            string `json:"status,omitempty"`
	StatusCode        int    `json:"status_code,omitempty"`
	DurationMs        int64  `json:"duration_ms,omitempty"`
	ResponseDelta     string `json:"response_delta,omitempty"`
	ResponseTruncated bool   `json:"response_truncated,omitempty"`
	Reason            string `json:"reason,omitempty"`

	// lb_switch / lb_reset / lb_exhausted
	FromChannel              string  `json:"from_channel,omitempty"`
	ToChannel                string  `json:"to_channel,omitempty"`
	Failures                 int     `json:"failures,omitempty"`
	Threshold                int     `json:"threshold,omitempty"`
	Attempt                  int     `json:"attempt,omitempty"`
	TotalConfigs             int     `json:"total_configs,omitempty"`
	CooldownRemainingSeconds float64 `json:"cooldown_remaining_seconds,omitempty"`

	// connection
	Message string `json:"message,omitempty"`
}

func nowStamp() string {
	return time.Now().Format(time.RFC3339Nano)
}
