package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"instareply/internal/models"
	"instareply/internal/store"
)

// Entry is one event-processing record for the raw ingestion ledger.
type Entry struct {
	EventType string      `json:"eventType"`
	Data      interface{} `json:"data"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Sink appends structured processing and firing records. Every method is
// best-effort: a failure to write is reported to the operational log and
// never propagated, so logging can never fail the pipeline.
type Sink struct {
	store    *store.Store
	rabbit   *Publisher
	archiver *Archiver
}

// NewSink creates a Sink. rabbit and archiver may be nil to disable the
// corresponding channel.
func NewSink(s *store.Store, rabbit *Publisher, archiver *Archiver) *Sink {
	return &Sink{store: s, rabbit: rabbit, archiver: archiver}
}

// Record appends one entry to the webhook ledger and, when configured,
// fans it out to RabbitMQ.
func (s *Sink) Record(ctx context.Context, entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry.Data)
	if err != nil {
		log.Error().Err(err).Str("eventType", entry.EventType).Msg("Audit sink: could not encode entry data")
		data = []byte("{}")
	}

	row := &models.WebhookLog{
		EventType: entry.EventType,
		Data:      string(data),
		Success:   entry.Success,
		CreatedAt: entry.Timestamp,
	}
	if entry.Error != "" {
		row.Error = sql.NullString{String: entry.Error, Valid: true}
	}
	if err := s.store.AppendWebhookLog(ctx, row); err != nil {
		log.Error().Err(err).Str("eventType", entry.EventType).Msg("Audit sink: ledger append failed")
	}

	if s.rabbit != nil {
		payload, err := json.Marshal(entry)
		if err == nil {
			_ = s.rabbit.Publish(payload)
		}
	}
}

// RecordTrigger appends one automation firing record. Independent of the
// dispatch result's propagation to the caller.
func (s *Sink) RecordTrigger(ctx context.Context, l models.AutomationLog) {
	if err := s.store.AppendAutomationLog(ctx, &l); err != nil {
		log.Error().Err(err).Str("automationID", l.AutomationID).Msg("Audit sink: trigger log append failed")
	}
}

// Archive stores a raw webhook envelope in the archival bucket, keyed by
// account and arrival time. No-op unless S3 is configured.
func (s *Sink) Archive(ctx context.Context, instagramID string, raw []byte) {
	if s.archiver == nil {
		return
	}
	if instagramID == "" {
		instagramID = "unknown"
	}
	key := fmt.Sprintf("webhooks/%s/%d_%s.json", instagramID, time.Now().UTC().UnixNano(), uuid.NewString())
	if err := s.archiver.Put(ctx, key, raw); err != nil {
		log.Error().Err(err).Str("key", key).Msg("Audit sink: envelope archival failed")
	}
}
