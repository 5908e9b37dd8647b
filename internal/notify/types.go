package notify

import (
	"context"
	"time"
)

// Channel is a delivery medium. A recipient may be reachable on several,
// ranked by per-recipient priority.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelTelegram Channel = "telegram"
	ChannelWebhook  Channel = "webhook"
	ChannelQueue    Channel = "queue"
)

// Channels lists all supported channels in declaration order.
func Channels() []Channel {
	return []Channel{ChannelEmail, ChannelTelegram, ChannelWebhook, ChannelQueue}
}

func ValidChannel(c Channel) bool {
	switch c {
	case ChannelEmail, ChannelTelegram, ChannelWebhook, ChannelQueue:
		return true
	}
	return false
}

// Category classifies a dispatch request. The set is fixed; recipients
// opt in per category.
type Category string

const (
	CategorySystem   Category = "system"
	CategorySchedule Category = "schedule"
	CategoryDigest   Category = "digest"
	CategoryAlert    Category = "alert"
	CategoryReport   Category = "report"
)

func ValidCategory(c Category) bool {
	switch c {
	case CategorySystem, CategorySchedule, CategoryDigest, CategoryAlert, CategoryReport:
		return true
	}
	return false
}

// Frequency is a recipient's delivery cadence preference.
type Frequency string

const (
	FrequencyImmediate Frequency = "immediate"
	FrequencyBatched   Frequency = "batched"
	FrequencyDigest    Frequency = "digest"
)

// ChannelPref is one enabled channel with its selection priority.
// Higher priority wins when the grouper picks a recipient's channel.
type ChannelPref struct {
	Channel  Channel `json:"channel"`
	Priority int     `json:"priority"`
}

// QuietHours is a local-time window during which non-critical
// notifications are suppressed. Overnight windows (start > end) wrap
// past midnight.
type QuietHours struct {
	Start    string `json:"start"` // "HH:MM"
	End      string `json:"end"`   // "HH:MM"
	Timezone string `json:"timezone,omitempty"`
}

// Preferences holds a recipient's delivery preferences. The zero value is
// enabled with no channels, which makes the recipient ineligible until a
// channel is added.
type Preferences struct {
	Disabled    bool          `json:"disabled,omitempty"`
	Channels    []ChannelPref `json:"channels"`
	Frequency   Frequency     `json:"frequency,omitempty"`
	Categories  []Category    `json:"categories,omitempty"`
	MinSeverity Severity      `json:"min_severity,omitempty"`
	QuietHours  *QuietHours   `json:"quiet_hours,omitempty"`
}

// Recipient is one addressable notification target.
//
// Addresses maps a channel to its channel-specific address (email address,
// telegram chat id, webhook URL, queue routing key). A recipient with zero
// enabled channels is never eligible for delivery.
type Recipient struct {
	ID        string             `json:"id"`
	Addresses map[Channel]string `json:"addresses,omitempty"`
	Prefs     Preferences        `json:"prefs"`
}

// Address returns the recipient's address for a channel ("" if none).
func (r Recipient) Address(c Channel) string {
	if r.Addresses == nil {
		return ""
	}
	return r.Addresses[c]
}

// DispatchRequest is one instance of "something needs to be notified",
// independent of how many recipients/channels it resolves to.
//
// Category and Severity are immutable once created. A request with
// ScheduledFor in the future must not be delivered before that instant.
type DispatchRequest struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Category     Category          `json:"category"`
	Severity     Severity          `json:"severity"`
	Title        string            `json:"title"`
	Message      string            `json:"message"`
	Recipients   []Recipient       `json:"recipients,omitempty"`
	Channels     []Channel         `json:"channels,omitempty"` // optional restriction
	Template     string            `json:"template,omitempty"`
	Data         map[string]any    `json:"data,omitempty"`
	ScheduledFor *time.Time        `json:"scheduled_for,omitempty"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Message is one rendered, channel-addressed payload handed to a provider.
type Message struct {
	Channel Channel
	Address string
	Subject string
	Text    string
	HTML    string
	// Meta carries channel-specific knobs (webhook method override,
	// queue routing key, ...). Providers ignore keys they don't know.
	Meta map[string]string
}

// Receipt is what a provider returns on a successful send.
type Receipt struct {
	MessageID string
}

// Provider delivers one message over one concrete transport.
//
// Implementations must not retry internally (failover owns retry policy)
// and must surface transport failures as errors, never panic.
type Provider interface {
	Name() string
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// DeliveryOutcome records one (recipient, channel) delivery attempt.
// Immutable once recorded.
type DeliveryOutcome struct {
	RecipientID string    `json:"recipient_id"`
	Channel     Channel   `json:"channel"`
	Address     string    `json:"address"`
	Success     bool      `json:"success"`
	Provider    string    `json:"provider,omitempty"`
	MessageID   string    `json:"message_id,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// DispatchResult aggregates all outcomes for one dispatch request.
//
// Success is true iff at least one delivery succeeded. Partial failure is
// reported via Error on an otherwise successful result; callers distinguish
// "some failed" from "all failed" by the counts, never by parsing Error.
type DispatchResult struct {
	RequestID string            `json:"request_id"`
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Success   bool              `json:"success"`
	Batched   bool              `json:"batched,omitempty"`
	Deferred  bool              `json:"deferred,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Outcomes  []DeliveryOutcome `json:"outcomes,omitempty"`
}

// Content is the output of template rendering.
type Content struct {
	Subject string
	Text    string
	HTML    string
}

// Renderer turns a template name plus data into channel-ready content.
// Treated as a pure function; herald ships a text/template implementation.
type Renderer interface {
	Render(template string, data map[string]any) (Content, error)
}

// Job is the handle returned by job creation.
type Job struct {
	ID     string
	Status string
}

// JobCreator creates a unit of work when a schedule fires.
type JobCreator interface {
	CreateJob(ctx context.Context, jobType string, params map[string]any) (Job, error)
}

// RunCounter reports how many runs of a schedule's job are in flight.
// Used for per-schedule concurrency capping.
type RunCounter interface {
	CountRunning(ctx context.Context, jobType, scheduleID string) (int, error)
}
