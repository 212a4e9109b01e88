package models

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Event kinds produced by the webhook normalizer.
const (
	EventKindMessage = "message"
	EventKindComment = "comment"
)

// StringList is a []string stored as a JSON array in a single column.
type StringList []string

// Value implements driver.Valuer.
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (s *StringList) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
}

// Event is the canonical record a webhook item is normalized into. The raw
// messaging/changes shapes are decided once during normalization; downstream
// components only ever see this tagged form.
type Event struct {
	ID          string     `db:"id" json:"id"`
	InstagramID string     `db:"instagram_id" json:"instagramId"`
	Kind        string     `db:"kind" json:"kind"`
	SourceID    string     `db:"source_id" json:"sourceId"`
	SenderID    string     `db:"sender_id" json:"senderId,omitempty"`
	RecipientID string     `db:"recipient_id" json:"recipientId,omitempty"`
	MediaID     string     `db:"media_id" json:"mediaId,omitempty"`
	ParentID    string     `db:"parent_id" json:"parentId,omitempty"`
	Username    string     `db:"username" json:"username,omitempty"`
	Text        string     `db:"text" json:"text"`
	Attachments StringList `db:"attachments" json:"attachments,omitempty"`
	EventTime   time.Time  `db:"event_time" json:"timestamp"`

	Processed    bool           `db:"processed" json:"processed"`
	AutomationID sql.NullString `db:"automation_id" json:"automationId,omitempty"`
	ReplyID      sql.NullString `db:"reply_id" json:"replyId,omitempty"`
	RepliedAt    sql.NullTime   `db:"replied_at" json:"repliedAt,omitempty"`
	Error        sql.NullString `db:"error" json:"error,omitempty"`
	ProcessedAt  sql.NullTime   `db:"processed_at" json:"processedAt,omitempty"`
	ClaimedBy    sql.NullString `db:"claimed_by" json:"-"`
	ClaimedAt    sql.NullTime   `db:"claimed_at" json:"-"`
	CreatedAt    time.Time      `db:"created_at" json:"createdAt"`
}

// Account holds the credentials used for all outbound calls for one
// Instagram account. Created and rotated by the onboarding flow; the
// pipeline only ever reads it.
type Account struct {
	InstagramID string    `db:"instagram_id" json:"instagramId"`
	AccessToken string    `db:"access_token" json:"-"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// Automation is a stored rule mapping keyword triggers to a canned reply,
// scoped to one account and one event kind. Read-only from the pipeline's
// perspective. Match order is creation order, ties broken by id.
type Automation struct {
	ID              string     `db:"id" json:"id"`
	InstagramID     string     `db:"instagram_id" json:"instagramId"`
	Kind            string     `db:"kind" json:"type"`
	IsActive        bool       `db:"is_active" json:"isActive"`
	Name            string     `db:"name" json:"name"`
	TriggerKeywords StringList `db:"trigger_keywords" json:"triggerKeywords"`
	ReplyMessage    string     `db:"reply_message" json:"replyMessage"`
	CreatedAt       time.Time  `db:"created_at" json:"createdAt"`
}

// AutomationLog is an append-only record of one automation firing.
type AutomationLog struct {
	ID             string    `db:"id" json:"id"`
	AutomationID   string    `db:"automation_id" json:"automationId"`
	AutomationName string    `db:"automation_name" json:"automationName"`
	InstagramID    string    `db:"instagram_id" json:"instagramId"`
	TriggeredBy    string    `db:"triggered_by" json:"triggeredBy"`
	TriggerText    string    `db:"trigger_text" json:"triggerText"`
	ReplyMessage   string    `db:"reply_message" json:"replyMessage"`
	TriggerType    string    `db:"trigger_type" json:"triggerType"`
	CreatedAt      time.Time `db:"created_at" json:"timestamp"`
}

// WebhookLog is one row of the raw ingestion ledger. Diagnostics only,
// never consulted for dispatch correctness.
type WebhookLog struct {
	ID        string         `db:"id" json:"id"`
	EventType string         `db:"event_type" json:"eventType"`
	Data      string         `db:"data" json:"data"`
	Success   bool           `db:"success" json:"success"`
	Error     sql.NullString `db:"error" json:"error,omitempty"`
	CreatedAt time.Time      `db:"created_at" json:"timestamp"`
}
