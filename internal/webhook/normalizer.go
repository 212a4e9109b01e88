package webhook

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"instareply/internal/models"
)

// ErrNotInstagram is returned for envelopes that are not Instagram webhook
// deliveries (wrong object or no entries). Callers reject these with a
// client error and no persistence side effect.
var ErrNotInstagram = errors.New("not an instagram webhook envelope")

// Envelope is the raw webhook body as delivered by the platform.
type Envelope struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry is one account-scoped unit within an envelope. It carries either
// messaging items, change items, or (in one delivery variant) a single
// flattened field/value pair.
type Entry struct {
	ID        string          `json:"id"`
	Time      int64           `json:"time"`
	Messaging []Messaging     `json:"messaging"`
	Changes   []Change        `json:"changes"`
	Field     string          `json:"field"`
	Value     json.RawMessage `json:"value"`
}

// Messaging is one direct-message item.
type Messaging struct {
	Sender    Party           `json:"sender"`
	Recipient Party           `json:"recipient"`
	Timestamp int64           `json:"timestamp"`
	Message   *MessagePayload `json:"message"`
}

// Party identifies a message participant.
type Party struct {
	ID string `json:"id"`
}

// MessagePayload is the message body inside a messaging item.
type MessagePayload struct {
	MID         string       `json:"mid"`
	Text        string       `json:"text"`
	IsEcho      bool         `json:"is_echo"`
	Attachments []Attachment `json:"attachments"`
}

// Attachment is one media attachment on a message.
type Attachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL string `json:"url"`
	} `json:"payload"`
}

// Change is one change item (comments, live comments).
type Change struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

type commentValue struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	From struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"from"`
	Media struct {
		ID string `json:"id"`
	} `json:"media"`
	ParentID  string `json:"parent_id"`
	Timestamp int64  `json:"timestamp"`
}

// commentFields are the change fields that carry comments.
func isCommentField(field string) bool {
	return field == "comments" || field == "live_comments"
}

// Normalize converts a webhook envelope into canonical events. Echo
// messages and messaging items without a message payload are skipped
// silently. A malformed entry, message or comment never aborts its
// siblings; it is logged and dropped at that granularity.
func Normalize(env Envelope) ([]models.Event, error) {
	if env.Object != "instagram" || len(env.Entry) == 0 {
		return nil, ErrNotInstagram
	}

	var events []models.Event
	for i, entry := range env.Entry {
		if entry.ID == "" {
			log.Warn().Int("entry", i).Msg("Webhook entry has no account id, skipping")
			continue
		}
		events = append(events, normalizeEntry(entry)...)
	}
	return events, nil
}

func normalizeEntry(entry Entry) []models.Event {
	var events []models.Event

	for _, m := range entry.Messaging {
		ev, ok := normalizeMessage(entry.ID, m)
		if !ok {
			continue
		}
		events = append(events, ev)
	}

	changes := entry.Changes
	if len(changes) == 0 && entry.Field != "" && len(entry.Value) > 0 {
		// Flattened delivery variant: the entry itself is the change.
		changes = []Change{{Field: entry.Field, Value: entry.Value}}
	}
	for _, ch := range changes {
		if !isCommentField(ch.Field) {
			log.Debug().Str("field", ch.Field).Str("instagramID", entry.ID).Msg("Ignoring unsupported change field")
			continue
		}
		ev, err := normalizeComment(entry.ID, ch)
		if err != nil {
			log.Error().Err(err).Str("instagramID", entry.ID).Str("field", ch.Field).Msg("Failed to normalize comment change")
			continue
		}
		events = append(events, ev)
	}

	return events
}

func normalizeMessage(instagramID string, m Messaging) (models.Event, bool) {
	if m.Message == nil || m.Message.IsEcho {
		return models.Event{}, false
	}

	messageID := m.Message.MID
	if messageID == "" {
		messageID = "synthetic-" + uuid.NewString()
	}

	var attachments models.StringList
	for _, a := range m.Message.Attachments {
		if a.Payload.URL != "" {
			attachments = append(attachments, a.Payload.URL)
		}
	}

	return models.Event{
		InstagramID: instagramID,
		Kind:        models.EventKindMessage,
		SourceID:    messageID,
		SenderID:    m.Sender.ID,
		RecipientID: m.Recipient.ID,
		Text:        m.Message.Text,
		Attachments: attachments,
		EventTime:   eventTime(m.Timestamp),
	}, true
}

func normalizeComment(instagramID string, ch Change) (models.Event, error) {
	var v commentValue
	if err := json.Unmarshal(ch.Value, &v); err != nil {
		return models.Event{}, err
	}

	commentID := v.ID
	if commentID == "" {
		commentID = "synthetic-" + uuid.NewString()
	}

	return models.Event{
		InstagramID: instagramID,
		Kind:        models.EventKindComment,
		SourceID:    commentID,
		SenderID:    v.From.ID,
		Username:    v.From.Username,
		MediaID:     v.Media.ID,
		ParentID:    v.ParentID,
		Text:        v.Text,
		EventTime:   eventTime(v.Timestamp),
	}, nil
}

// eventTime interprets the platform's millisecond epoch, degrading to the
// current time when the source omits it.
func eventTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}
